/*
Velociraptor - Dig Deeper
Copyright (C) 2019-2025 Rapid7 Inc.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"www.velocidex.com/golang/flowrunner/actions"
	"www.velocidex.com/golang/flowrunner/config"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/responder"
	"www.velocidex.com/golang/flowrunner/utils"
)

// A client running inside the server process. It talks to the
// frontend directly and runs the registered client actions on the
// server host.
type LoopbackClient struct {
	config_obj *config.Config
	client_id  string
	frontend   *Frontend
}

func NewLoopbackClient(config_obj *config.Config,
	client_id string, frontend *Frontend) *LoopbackClient {
	return &LoopbackClient{
		config_obj: config_obj,
		client_id:  client_id,
		frontend:   frontend,
	}
}

func (self *LoopbackClient) ClientId() string {
	return self.client_id
}

// Runs all the tasks currently queued for the client and sends back
// their responses. Returns the number of tasks run.
func (self *LoopbackClient) RunOnce(ctx context.Context) (int, error) {
	tasks, err := self.frontend.GetClientTasks(ctx, self.client_id)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		responses := self.execute(ctx, task)
		err = self.frontend.ReceiveMessages(ctx, self.client_id, responses)
		if err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

func (self *LoopbackClient) execute(ctx context.Context,
	task *flows_proto.ClientActionRequest) []*flows_proto.FlowResponse {
	output := make(chan *flows_proto.FlowResponse)
	responder_obj := responder.NewResponder(task, output)

	go func() {
		defer close(output)
		defer func() {
			r := recover()
			if r != nil {
				responder_obj.RaiseError(fmt.Sprintf("Panic in %v: %v",
					task.ActionName, r))
			}
		}()

		desc, err := actions.GetAction(task.ActionName)
		if err != nil || desc.Impl == nil {
			responder_obj.RaiseError(fmt.Sprintf(
				"no such action: %v", task.ActionName))
			return
		}

		desc.Impl.Run(ctx, responder_obj)

		// Actions which forget to finish still complete the request.
		responder_obj.Return()
	}()

	result := []*flows_proto.FlowResponse{}
	for response := range output {
		result = append(result, response)
	}
	return result
}

// Serves tasks until the context is done. The client wakes up when
// the frontend notifies it and polls at the worker's poll interval
// otherwise.
func (self *LoopbackClient) Start(ctx context.Context, wg *sync.WaitGroup) {
	logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
	poll := self.config_obj.Worker.PollInterval()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer utils.CheckForPanic(logger, "LoopbackClient %v", self.client_id)

		logger.Info("Loopback client %v started", self.client_id)

		for {
			notification, closer := self.frontend.Listen(self.client_id)

			count, err := self.RunOnce(ctx)
			if err != nil {
				logger.Error("LoopbackClient %v: %v", self.client_id, err)
			}

			if count > 0 {
				closer()
				continue
			}

			select {
			case <-ctx.Done():
				closer()
				return
			case <-notification:
			case <-time.After(poll):
			}
			closer()
		}
	}()
}
