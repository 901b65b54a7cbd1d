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
package server

import (
	"context"
	"sync"
	"time"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/datastore"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Pulls flow processing requests off the queue and runs them. Flows
// started by hunts go to the hunt runner, all others are processed
// one at a time in request order.
type Worker struct {
	config_obj  *config.Config
	db          datastore.DataStore
	runner      *flows.FlowRunner
	hunt_runner *flows.HuntRunner
	clock       utils.Clock
	worker_id   string
}

func NewWorker(config_obj *config.Config, db datastore.DataStore,
	runner *flows.FlowRunner, hunt_runner *flows.HuntRunner,
	clock utils.Clock) *Worker {
	if clock == nil {
		clock = utils.RealClock{}
	}

	return &Worker{
		config_obj:  config_obj,
		db:          db,
		runner:      runner,
		hunt_runner: hunt_runner,
		clock:       clock,
		worker_id:   utils.NewRandomId(constants.WORKER_PREFIX),
	}
}

func (self *Worker) WorkerId() string {
	return self.worker_id
}

// Leases a batch of due processing requests and processes them.
// Requests which were processed are acknowledged, failures are left
// to be picked up again once their lease expires. Returns the number
// of requests acknowledged.
func (self *Worker) ProcessPending(ctx context.Context) (int, error) {
	ttl := self.config_obj.Worker.LeaseTTL()
	requests, err := self.db.LeaseFlowProcessingRequests(ctx,
		self.worker_id, ttl, self.config_obj.Worker.MaxLeasedRequests)
	if err != nil {
		return 0, errors.Wrap(err, "ProcessPending")
	}

	if len(requests) == 0 {
		return 0, nil
	}

	workerLeasedCounter.Add(float64(len(requests)))
	lease := flows.NewLease(self.worker_id, self.clock.Now().Add(ttl))

	var hunt_requests, flow_requests []*flows_proto.FlowProcessingRequest
	for _, req := range requests {
		if req.ParentHuntId != "" {
			hunt_requests = append(hunt_requests, req)
		} else {
			flow_requests = append(flow_requests, req)
		}
	}

	// Every request in the batch stays leased until both kinds are
	// done, otherwise the hunt requests expire while the others run.
	stop := flows.StartLeaseRenewal(ctx, self.config_obj, self.db,
		self.clock, requests, lease)
	succeeded := self.processFlows(ctx, flow_requests, lease)
	if self.hunt_runner != nil {
		succeeded = append(succeeded,
			self.hunt_runner.ProcessLeased(ctx, hunt_requests, lease)...)
	} else {
		succeeded = append(succeeded,
			self.processFlows(ctx, hunt_requests, lease)...)
	}
	stop()

	workerFailedCounter.Add(float64(len(requests) - len(succeeded)))

	err = self.db.AckFlowProcessingRequests(ctx, succeeded)
	if err != nil {
		return 0, errors.Wrap(err, "ProcessPending")
	}
	return len(succeeded), nil
}

func (self *Worker) processFlows(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest,
	lease *flows.Lease) []*flows_proto.FlowProcessingRequest {
	if len(requests) == 0 {
		return nil
	}

	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)

	succeeded := make([]*flows_proto.FlowProcessingRequest, 0, len(requests))
	for _, req := range requests {
		err := self.processOne(ctx, req, lease)
		if err != nil {
			var expired *flows.ProcessingExpiredError
			if errors.As(err, &expired) {
				logger.Info("Worker %v: %v", self.worker_id, err)
			} else {
				logger.Error("Worker %v processing %v/%v: %v",
					self.worker_id, req.ClientId, req.FlowId, err)
			}
			continue
		}
		succeeded = append(succeeded, req)
	}
	return succeeded
}

// A corrupt flow only fails its own work unit.
func (self *Worker) processOne(ctx context.Context,
	req *flows_proto.FlowProcessingRequest, lease *flows.Lease) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		violation, ok := r.(*flows.InvariantViolation)
		if ok {
			err = violation
			return
		}
		err = errors.Errorf("%v\n%s", r, utils.PanicToError(r).ErrorStack())
	}()

	return self.runner.ProcessFlow(ctx, req, lease)
}

// Processes requests until the context is done. The queue is polled
// every PollIntervalMs while it is empty.
func (self *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)
	poll := self.config_obj.Worker.PollInterval()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer utils.CheckForPanic(logger, "Worker %v", self.worker_id)

		logger.Info("Worker %v started", self.worker_id)
		defer logger.Info("Worker %v stopped", self.worker_id)

		for {
			count, err := self.ProcessPending(ctx)
			if err != nil {
				logger.Error("Worker %v: %v", self.worker_id, err)
			}

			if count > 0 && err == nil {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
		}
	}()
}
