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
// The server side of the client message channel. Flows queue client
// action requests here, clients collect them as tasks and send back
// their responses.
package comms

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/notifications"
	"www.velocidex.com/golang/flowrunner/services"
	"www.velocidex.com/golang/flowrunner/utils"
)

var (
	tasksSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_client_tasks_sent",
		Help: "Number of client action requests handed to clients.",
	})

	responsesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontend_responses_received",
			Help: "Number of responses received from clients.",
		},
		[]string{"type"},
	)

	clientCrashCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frontend_client_crashes",
		Help: "Number of crash reports received from clients.",
	})
)

type Frontend struct {
	config_obj *config.Config
	db         datastore.DataStore
	clock      utils.Clock
	pool       *notifications.NotificationPool

	mu            sync.Mutex
	crash_handler services.CrashHandler
	foreman       services.Foreman

	// client id -> last time the client was offered the hunts.
	foreman_checks map[string]time.Time
}

func NewFrontend(config_obj *config.Config, db datastore.DataStore,
	clock utils.Clock) *Frontend {
	if clock == nil {
		clock = utils.RealClock{}
	}

	return &Frontend{
		config_obj: config_obj,
		db:         db,
		clock:      clock,
		pool:       notifications.NewNotificationPool(),

		foreman_checks: make(map[string]time.Time),
	}
}

func (self *Frontend) SetCrashHandler(handler services.CrashHandler) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.crash_handler = handler
}

func (self *Frontend) SetForeman(foreman services.Foreman) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.foreman = foreman
}

// Queues the request for the client and wakes it up if it is
// listening.
func (self *Frontend) SendClientActionRequest(ctx context.Context,
	client_id string, request *flows_proto.ClientActionRequest) error {
	request.ClientId = client_id
	err := self.db.QueueClientMessages(ctx,
		[]*flows_proto.ClientActionRequest{request})
	if err != nil {
		return err
	}

	self.NotifyClient(client_id)
	return nil
}

func (self *Frontend) NotifyClient(client_id string) {
	self.pool.Notify(client_id)
}

func (self *Frontend) NotifyAll() {
	self.pool.NotifyAll(self.config_obj.Frontend.NotificationsPerSecond)
}

// A new hunt is offered to every client on its next poll, and the
// clients waiting for work are woken up to poll now.
func (self *Frontend) OnHuntStarted(ctx context.Context, hunt_id string) {
	self.mu.Lock()
	self.foreman_checks = make(map[string]time.Time)
	self.mu.Unlock()

	logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
	logger.Info("Hunt %v started, waking %v clients", hunt_id, self.pool.Count())

	self.NotifyAll()
}

// The returned channel is closed when there is new work for the
// client. The closer must be called when the client stops listening.
func (self *Frontend) Listen(client_id string) (chan bool, func()) {
	return self.pool.Listen(client_id)
}

func (self *Frontend) IsClientConnected(client_id string) bool {
	return self.pool.IsClientConnected(client_id)
}

// Leases the client's queued requests. A task is handed out again
// when its lease expires before the client answers it.
func (self *Frontend) GetClientTasks(ctx context.Context,
	client_id string) ([]*flows_proto.ClientActionRequest, error) {
	self.checkForeman(ctx, client_id)

	tasks, err := self.db.LeaseClientMessages(ctx, client_id,
		self.config_obj.Frontend.ClientLease(),
		self.config_obj.Frontend.MaxTasksPerPoll)
	if err != nil {
		return nil, err
	}

	tasksSentCounter.Add(float64(len(tasks)))
	return tasks, nil
}

// Clients join the running hunts when they poll, at most once per
// foreman interval.
func (self *Frontend) checkForeman(ctx context.Context, client_id string) {
	now := self.clock.Now()

	self.mu.Lock()
	foreman := self.foreman
	last, pres := self.foreman_checks[client_id]
	due := foreman != nil &&
		(!pres || now.Sub(last) >= constants.DEFAULT_FOREMAN_INTERVAL)
	if due {
		self.foreman_checks[client_id] = now
	}
	self.mu.Unlock()

	if !due {
		return
	}

	started, err := foreman.ForemanCheck(ctx, client_id)
	if err != nil {
		logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
		logger.Error("ForemanCheck for %v: %v", client_id, err)
		return
	}

	if len(started) > 0 {
		logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
		logger.Info("Client %v joined %v hunts", client_id, len(started))
	}
}

// Stores the client's responses. Every flow which received a
// terminal response is queued for processing. Responses claiming to
// come from another client are dropped.
func (self *Frontend) ReceiveMessages(ctx context.Context,
	client_id string, responses []*flows_proto.FlowResponse) error {
	logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)

	valid := make([]*flows_proto.FlowResponse, 0, len(responses))
	completed := []*flows_proto.ClientActionRequest{}
	crashed := make(map[string]string)
	ready := []string{}
	seen := make(map[string]bool)

	for _, response := range responses {
		if response.ClientId == "" {
			response.ClientId = client_id
		}
		if response.ClientId != client_id {
			logger.Warn("Client %v sent a response for %v, dropped",
				client_id, response.ClientId)
			continue
		}

		responsesReceivedCounter.WithLabelValues(response.Type.String()).Inc()
		valid = append(valid, response)
		if !response.IsTerminal() {
			continue
		}

		completed = append(completed, &flows_proto.ClientActionRequest{
			ClientId:  client_id,
			FlowId:    response.FlowId,
			RequestId: response.RequestId,
		})

		if response.Status != nil &&
			response.Status.Status == flows_proto.Status_CLIENT_KILLED {
			crashed[response.FlowId] = response.Status.ErrorMessage
			continue
		}

		if !seen[response.FlowId] {
			seen[response.FlowId] = true
			ready = append(ready, response.FlowId)
		}
	}

	now := utils.ToMicro(self.clock.Now())
	batch := &datastore.Batch{
		Responses:         valid,
		AckClientMessages: completed,
	}
	for _, flow_id := range ready {
		if _, pres := crashed[flow_id]; pres {
			continue
		}

		flow, err := self.db.ReadFlowObject(ctx, client_id, flow_id)
		if err != nil {
			logger.Warn("Responses for unknown flow %v/%v: %v",
				client_id, flow_id, err)
			continue
		}
		if !flow.IsRunning() {
			continue
		}

		batch.ProcessingRequests = append(batch.ProcessingRequests,
			&flows_proto.FlowProcessingRequest{
				ClientId:     client_id,
				FlowId:       flow_id,
				ParentHuntId: flow.ParentHuntId,
				DeliveryTime: now,
			})
	}

	// Responses, acks and processing requests land together or not
	// at all.
	err := self.db.CommitBatch(ctx, batch)
	if err != nil {
		return err
	}

	for flow_id, message := range crashed {
		err = self.ReportCrash(ctx, client_id, flow_id, message)
		if err != nil {
			logger.Error("ReportCrash %v/%v: %v", client_id, flow_id, err)
		}
	}
	return nil
}

// The client died while running the flow.
func (self *Frontend) ReportCrash(ctx context.Context,
	client_id, flow_id, message string) error {
	self.mu.Lock()
	handler := self.crash_handler
	self.mu.Unlock()

	clientCrashCounter.Inc()
	logger := logging.GetLogger(self.config_obj, &logging.FrontendComponent)
	logger.Info("Client %v crashed running %v: %v", client_id, flow_id, message)

	if handler == nil {
		return nil
	}
	return handler.ProcessClientCrash(ctx, client_id, flow_id, message)
}

func (self *Frontend) Close() {
	self.pool.Shutdown()
}
