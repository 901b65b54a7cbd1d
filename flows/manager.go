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

	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/services"
)

// Stages all the writes a flow makes while it runs. Nothing is
// visible to anyone else until Flush commits them in one batch, so a
// crash before Flush loses the staged work but never applies part of
// it.
type FlowManager struct {
	config_obj *config.Config
	db         datastore.DataStore
	channel    services.MessageChannel

	batch           *datastore.Batch
	retransmissions []*flows_proto.ClientActionRequest
	on_commit       []func(ctx context.Context)
}

func NewFlowManager(config_obj *config.Config,
	db datastore.DataStore, channel services.MessageChannel) *FlowManager {
	return &FlowManager{
		config_obj: config_obj,
		db:         db,
		channel:    channel,
		batch:      &datastore.Batch{},
	}
}

// A flow staged twice is written once with its latest copy.
func (self *FlowManager) QueueFlow(flow *flows_proto.Flow) {
	for idx, existing := range self.batch.Flows {
		if existing.ClientId == flow.ClientId && existing.FlowId == flow.FlowId {
			self.batch.Flows[idx] = flow.Copy()
			return
		}
	}
	self.batch.Flows = append(self.batch.Flows, flow.Copy())
}

func (self *FlowManager) QueueRequest(request *flows_proto.FlowRequest) {
	self.batch.Requests = append(self.batch.Requests, request)
}

func (self *FlowManager) QueueResponse(response *flows_proto.FlowResponse) {
	self.batch.Responses = append(self.batch.Responses, response)
}

func (self *FlowManager) QueueClientActionRequest(
	request *flows_proto.ClientActionRequest) {
	self.batch.ClientMessages = append(self.batch.ClientMessages, request)
}

// The request is queued again and also pushed to the client through
// the message channel once the batch is committed.
func (self *FlowManager) QueueRetransmission(
	request *flows_proto.ClientActionRequest) {
	self.QueueClientActionRequest(request)
	self.retransmissions = append(self.retransmissions, request)
}

func (self *FlowManager) QueueResult(result *flows_proto.FlowResult) {
	self.batch.Results = append(self.batch.Results, result)
}

func (self *FlowManager) QueueLog(entry *flows_proto.FlowLogEntry) {
	self.batch.LogEntries = append(self.batch.LogEntries, entry)
}

func (self *FlowManager) QueueProcessingRequest(
	request *flows_proto.FlowProcessingRequest) {
	self.batch.ProcessingRequests = append(
		self.batch.ProcessingRequests, request)
}

// Runs after the batch is committed.
func (self *FlowManager) OnCommit(cb func(ctx context.Context)) {
	self.on_commit = append(self.on_commit, cb)
}

// Reads the next window of the flow's requests with their responses
// in ascending request id order. The bool is true when there is more
// data than the window holds.
func (self *FlowManager) FetchRequestsAndResponses(ctx context.Context,
	client_id, flow_id string) ([]*flows_proto.RequestWithResponses, bool, error) {
	return self.db.ReadFlowRequestsAndResponses(ctx, client_id, flow_id,
		self.config_obj.Flows.RequestLimit, self.config_obj.Flows.ResponseLimit)
}

// Removes a consumed request together with its responses and any
// client message still queued for it.
func (self *FlowManager) DeleteFlowRequestStates(request *flows_proto.FlowRequest) {
	self.batch.DeleteRequests = append(self.batch.DeleteRequests, request)
}

// Removes everything outstanding for a flow, including what is staged
// in this batch but not yet written.
func (self *FlowManager) DestroyFlowStates(client_id, flow_id string) {
	key := datastore.FlowKey{ClientId: client_id, FlowId: flow_id}
	for _, existing := range self.batch.DestroyFlows {
		if existing == key {
			return
		}
	}
	self.batch.DestroyFlows = append(self.batch.DestroyFlows, key)

	match := func(c, f string) bool {
		return c == client_id && f == flow_id
	}

	requests := self.batch.Requests[:0]
	for _, r := range self.batch.Requests {
		if !match(r.ClientId, r.FlowId) {
			requests = append(requests, r)
		}
	}
	self.batch.Requests = requests

	responses := self.batch.Responses[:0]
	for _, r := range self.batch.Responses {
		if !match(r.ClientId, r.FlowId) {
			responses = append(responses, r)
		}
	}
	self.batch.Responses = responses

	messages := self.batch.ClientMessages[:0]
	for _, m := range self.batch.ClientMessages {
		if !match(m.ClientId, m.FlowId) {
			messages = append(messages, m)
		}
	}
	self.batch.ClientMessages = messages

	retransmissions := self.retransmissions[:0]
	for _, m := range self.retransmissions {
		if !match(m.ClientId, m.FlowId) {
			retransmissions = append(retransmissions, m)
		}
	}
	self.retransmissions = retransmissions

	processing := self.batch.ProcessingRequests[:0]
	for _, p := range self.batch.ProcessingRequests {
		if !match(p.ClientId, p.FlowId) {
			processing = append(processing, p)
		}
	}
	self.batch.ProcessingRequests = processing
}

// Commits everything staged so far. Clients with new messages are
// woken up and retransmissions are sent after the commit succeeds.
func (self *FlowManager) Flush(ctx context.Context) error {
	batch := self.batch
	retransmissions := self.retransmissions
	on_commit := self.on_commit

	self.batch = &datastore.Batch{}
	self.retransmissions = nil
	self.on_commit = nil

	if !batch.IsEmpty() {
		err := self.db.CommitBatch(ctx, batch)
		if err != nil {
			return err
		}
	}

	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)
	if self.channel != nil {
		for _, request := range retransmissions {
			err := self.channel.SendClientActionRequest(
				ctx, request.ClientId, request)
			if err != nil {
				logger.Warn("Retransmitting %v/%v request %v: %v",
					request.ClientId, request.FlowId, request.RequestId, err)
			}
		}

		for _, client_id := range batch.ClientIds() {
			self.channel.NotifyClient(client_id)
		}
	}

	for _, cb := range on_commit {
		cb(ctx)
	}
	return nil
}
