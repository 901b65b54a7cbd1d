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
package flows

import (
	"context"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Processes the flows of hunts. Hunt flows run on many different
// clients so they are processed in parallel, and within a flow a
// request only waits for its own responses, not for the requests
// before it.
type HuntRunner struct {
	runner *FlowRunner
	pool   pond.Pool
}

func NewHuntRunner(runner *FlowRunner, workers int) *HuntRunner {
	if workers <= 0 {
		workers = 1
	}
	return &HuntRunner{
		runner: runner,
		pool:   pond.NewPool(workers),
	}
}

// Processes a leased batch and returns the requests which were
// processed successfully. The leases are renewed while the pool
// drains so no other worker picks up the same flows.
func (self *HuntRunner) ProcessBatch(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest,
	lease *Lease) []*flows_proto.FlowProcessingRequest {
	if len(requests) == 0 {
		return nil
	}

	runner := self.runner
	stop := StartLeaseRenewal(ctx, runner.config_obj, runner.db,
		runner.clock, requests, lease)
	defer stop()

	return self.ProcessLeased(ctx, requests, lease)
}

// Like ProcessBatch but the caller keeps the leases renewed.
func (self *HuntRunner) ProcessLeased(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest,
	lease *Lease) []*flows_proto.FlowProcessingRequest {
	if len(requests) == 0 {
		return nil
	}

	logger := logging.GetLogger(self.runner.config_obj, &logging.FlowComponent)

	var mu sync.Mutex
	succeeded := []*flows_proto.FlowProcessingRequest{}
	seen := make(map[string]bool)
	tasks := []pond.Task{}

	for _, req := range requests {
		key := req.ClientId + "/" + req.FlowId
		if seen[key] {
			continue
		}
		seen[key] = true

		req := req
		tasks = append(tasks, self.pool.Submit(func() {
			err := self.processOne(ctx, req, lease)
			if err != nil {
				logger.Error("Processing hunt flow %v/%v: %v",
					req.ClientId, req.FlowId, err)
				return
			}

			mu.Lock()
			succeeded = append(succeeded, req)
			mu.Unlock()
		}))
	}

	for _, task := range tasks {
		_ = task.Wait()
	}
	return succeeded
}

func (self *HuntRunner) processOne(ctx context.Context,
	req *flows_proto.FlowProcessingRequest, lease *Lease) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("%v\n%s", r, utils.PanicToError(r).ErrorStack())
		}
	}()

	return self.runner.processFlow(ctx, req, lease, false)
}

func (self *HuntRunner) Close() {
	self.pool.StopAndWait()
}
