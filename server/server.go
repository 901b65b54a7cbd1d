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
// Builds the server components and wires them together.
package server

import (
	"context"
	"sync"

	"www.velocidex.com/golang/flowrunner/comms"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	"www.velocidex.com/golang/flowrunner/flows"
	"www.velocidex.com/golang/flowrunner/hunts"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/notifications"
	"www.velocidex.com/golang/flowrunner/utils"
)

type Server struct {
	Config     *config.Config
	DataStore  datastore.DataStore
	Clock      utils.Clock
	Frontend   *comms.Frontend
	Notifier   *notifications.UserNotifier
	Runner     *flows.FlowRunner
	HuntRunner *flows.HuntRunner
	Hunts      *hunts.HuntManager
	Worker     *Worker

	logger *logging.LogContext
}

// Opens the configured datastore and builds a server on it.
func NewServer(ctx context.Context, config_obj *config.Config,
	clock utils.Clock) (*Server, error) {
	err := config.Validate(config_obj)
	if err != nil {
		return nil, err
	}

	db, err := datastore.NewDataStore(ctx, config_obj, clock)
	if err != nil {
		return nil, err
	}

	return NewServerWithDataStore(config_obj, db, clock), nil
}

func NewServerWithDataStore(config_obj *config.Config,
	db datastore.DataStore, clock utils.Clock) *Server {
	if clock == nil {
		clock = utils.RealClock{}
	}

	frontend := comms.NewFrontend(config_obj, db, clock)
	notifier := notifications.NewUserNotifier(config_obj, db, clock)

	runner := flows.NewFlowRunner(config_obj, db, frontend, clock)
	runner.SetNotifier(notifier)
	frontend.SetCrashHandler(runner)

	// Registers itself as the runner's hunt hooks.
	hunt_manager := hunts.NewHuntManager(config_obj, db, runner, notifier, clock)
	frontend.SetForeman(hunt_manager)
	hunt_manager.SetStartListener(frontend)

	hunt_runner := flows.NewHuntRunner(runner, config_obj.Worker.HuntWorkers)

	return &Server{
		Config:     config_obj,
		DataStore:  db,
		Clock:      clock,
		Frontend:   frontend,
		Notifier:   notifier,
		Runner:     runner,
		HuntRunner: hunt_runner,
		Hunts:      hunt_manager,
		Worker:     NewWorker(config_obj, db, runner, hunt_runner, clock),
		logger:     logging.GetLogger(config_obj, &logging.FrontendComponent),
	}
}

// Starts the worker loop.
func (self *Server) StartWorker(ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {
	self.Worker.Start(ctx, wg)
	return nil
}

// Starts the client facing HTTP endpoint and the metrics endpoint.
func (self *Server) StartFrontend(ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) error {
	IncreaseLimits(config_obj)
	StartMetricsServer(ctx, wg, config_obj)
	return comms.StartFrontendHttp(ctx, wg, config_obj, self.Frontend)
}

// Starts in-process clients with the given ids.
func (self *Server) StartLoopbackClients(ctx context.Context,
	wg *sync.WaitGroup, client_ids ...string) []*comms.LoopbackClient {
	result := make([]*comms.LoopbackClient, 0, len(client_ids))
	for _, client_id := range client_ids {
		client := comms.NewLoopbackClient(self.Config, client_id, self.Frontend)
		client.Start(ctx, wg)
		result = append(result, client)
	}
	return result
}

func (self *Server) Close() {
	self.HuntRunner.Close()
	self.Hunts.Close()
	self.Frontend.Close()

	err := self.DataStore.Close()
	if err != nil {
		self.logger.Error("Closing datastore: %v", err)
	}
}
