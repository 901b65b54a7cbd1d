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
package datastore

import (
	"context"
	"sort"
	"sync"
	"time"

	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

// An in memory datastore used for tests and single process
// deployments. A single mutex makes every operation atomic.
type MemoryDataStore struct {
	mu    sync.Mutex
	clock utils.Clock

	flows     map[string]*flows_proto.Flow
	requests  map[string]map[uint64]*flows_proto.FlowRequest
	responses map[string]map[uint64]map[uint64]*flows_proto.FlowResponse

	results     []*flows_proto.FlowResult
	logs        []*flows_proto.FlowLogEntry
	plugin_logs []*flows_proto.OutputPluginLogEntry

	// client id -> flow key/request id -> message
	client_messages map[string]map[string]*flows_proto.ClientActionRequest
	next_task_id    uint64

	processing map[string]*flows_proto.FlowProcessingRequest

	hunts              map[string]*flows_proto.Hunt
	hunt_plugin_states map[string]map[string]*flows_proto.OutputPluginState

	notifications []*flows_proto.UserNotification
}

func NewMemoryDataStore(clock utils.Clock) *MemoryDataStore {
	result := &MemoryDataStore{clock: clock}
	result.Clear()
	return result
}

func (self *MemoryDataStore) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.flows = make(map[string]*flows_proto.Flow)
	self.requests = make(map[string]map[uint64]*flows_proto.FlowRequest)
	self.responses = make(map[string]map[uint64]map[uint64]*flows_proto.FlowResponse)
	self.results = nil
	self.logs = nil
	self.plugin_logs = nil
	self.client_messages = make(map[string]map[string]*flows_proto.ClientActionRequest)
	self.processing = make(map[string]*flows_proto.FlowProcessingRequest)
	self.hunts = make(map[string]*flows_proto.Hunt)
	self.hunt_plugin_states = make(map[string]map[string]*flows_proto.OutputPluginState)
	self.notifications = nil
}

func (self *MemoryDataStore) Close() error {
	return nil
}

func (self *MemoryDataStore) WriteFlowObject(
	ctx context.Context, flow *flows_proto.Flow) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.writeFlow(flow)
	return nil
}

func (self *MemoryDataStore) writeFlow(flow *flows_proto.Flow) {
	key := flowKey(flow.ClientId, flow.FlowId)
	self.flows[key] = clone(mergeFlowForWrite(self.flows[key], flow))
}

func (self *MemoryDataStore) ReadFlowObject(
	ctx context.Context, client_id, flow_id string) (*flows_proto.Flow, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	flow, pres := self.flows[flowKey(client_id, flow_id)]
	if !pres {
		return nil, flowNotFound(client_id, flow_id)
	}
	return clone(flow), nil
}

func (self *MemoryDataStore) UpdateFlow(ctx context.Context,
	client_id, flow_id string, cb func(flow *flows_proto.Flow) error) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	key := flowKey(client_id, flow_id)
	flow, pres := self.flows[key]
	if !pres {
		return flowNotFound(client_id, flow_id)
	}

	flow = clone(flow)
	err := cb(flow)
	if err != nil {
		return err
	}
	self.flows[key] = clone(flow)
	return nil
}

func (self *MemoryDataStore) filterFlows(
	cb func(flow *flows_proto.Flow) bool) []*flows_proto.Flow {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.Flow{}
	for _, flow := range self.flows {
		if cb(flow) {
			result = append(result, clone(flow))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreateTime != result[j].CreateTime {
			return result[i].CreateTime < result[j].CreateTime
		}
		return flowKey(result[i].ClientId, result[i].FlowId) <
			flowKey(result[j].ClientId, result[j].FlowId)
	})
	return result
}

func (self *MemoryDataStore) ListFlows(
	ctx context.Context, client_id string) ([]*flows_proto.Flow, error) {
	return self.filterFlows(func(flow *flows_proto.Flow) bool {
		return flow.ClientId == client_id
	}), nil
}

func (self *MemoryDataStore) ReadChildFlowObjects(ctx context.Context,
	client_id, parent_flow_id string) ([]*flows_proto.Flow, error) {
	return self.filterFlows(func(flow *flows_proto.Flow) bool {
		return flow.ClientId == client_id && flow.ParentFlowId == parent_flow_id
	}), nil
}

func (self *MemoryDataStore) ReadHuntFlows(
	ctx context.Context, hunt_id string) ([]*flows_proto.Flow, error) {
	return self.filterFlows(func(flow *flows_proto.Flow) bool {
		return flow.ParentHuntId == hunt_id
	}), nil
}

func (self *MemoryDataStore) WriteFlowRequests(
	ctx context.Context, requests []*flows_proto.FlowRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.writeRequests(requests)
	return nil
}

func (self *MemoryDataStore) writeRequests(requests []*flows_proto.FlowRequest) {
	for _, req := range requests {
		key := flowKey(req.ClientId, req.FlowId)
		flow_requests, pres := self.requests[key]
		if !pres {
			flow_requests = make(map[uint64]*flows_proto.FlowRequest)
			self.requests[key] = flow_requests
		}
		flow_requests[req.RequestId] = clone(req)
	}
}

func (self *MemoryDataStore) WriteFlowResponses(
	ctx context.Context, responses []*flows_proto.FlowResponse) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.writeResponses(responses)
	return nil
}

func (self *MemoryDataStore) writeResponses(responses []*flows_proto.FlowResponse) {
	for _, resp := range responses {
		key := flowKey(resp.ClientId, resp.FlowId)
		_, pres := self.requests[key][resp.RequestId]
		if !pres {
			continue
		}

		by_request, pres := self.responses[key]
		if !pres {
			by_request = make(map[uint64]map[uint64]*flows_proto.FlowResponse)
			self.responses[key] = by_request
		}

		by_id, pres := by_request[resp.RequestId]
		if !pres {
			by_id = make(map[uint64]*flows_proto.FlowResponse)
			by_request[resp.RequestId] = by_id
		}
		by_id[resp.ResponseId] = clone(resp)
	}
}

func (self *MemoryDataStore) DeleteFlowRequests(
	ctx context.Context, requests []*flows_proto.FlowRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.deleteRequests(requests)
	return nil
}

func (self *MemoryDataStore) deleteRequests(requests []*flows_proto.FlowRequest) {
	for _, req := range requests {
		key := flowKey(req.ClientId, req.FlowId)
		delete(self.requests[key], req.RequestId)
		delete(self.responses[key], req.RequestId)
		delete(self.client_messages[req.ClientId],
			messageKey(req.FlowId, req.RequestId))
	}
}

func (self *MemoryDataStore) destroyFlow(key FlowKey) {
	flow_key := flowKey(key.ClientId, key.FlowId)
	delete(self.requests, flow_key)
	delete(self.responses, flow_key)

	for k, m := range self.client_messages[key.ClientId] {
		if m.FlowId == key.FlowId {
			delete(self.client_messages[key.ClientId], k)
		}
	}
}

func (self *MemoryDataStore) ReadFlowRequestsAndResponses(
	ctx context.Context, client_id, flow_id string,
	request_limit, response_limit int) (
	[]*flows_proto.RequestWithResponses, bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	key := flowKey(client_id, flow_id)

	requests := []*flows_proto.FlowRequest{}
	for _, req := range self.requests[key] {
		requests = append(requests, clone(req))
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestId < requests[j].RequestId
	})

	responses := []*flows_proto.FlowResponse{}
	for _, by_id := range self.responses[key] {
		for _, resp := range by_id {
			responses = append(responses, clone(resp))
		}
	}
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].RequestId != responses[j].RequestId {
			return responses[i].RequestId < responses[j].RequestId
		}
		return responses[i].ResponseId < responses[j].ResponseId
	})

	return buildFetchWindow(requests, responses, request_limit, response_limit,
		func(request_id uint64) ([]*flows_proto.FlowResponse, error) {
			result := []*flows_proto.FlowResponse{}
			for _, resp := range self.responses[key][request_id] {
				result = append(result, clone(resp))
			}
			return result, nil
		})
}

func (self *MemoryDataStore) WriteFlowResults(
	ctx context.Context, results []*flows_proto.FlowResult) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, r := range results {
		self.results = append(self.results, clone(r))
	}
	return nil
}

func (self *MemoryDataStore) ReadFlowResults(ctx context.Context,
	client_id, flow_id string, offset, count int) ([]*flows_proto.FlowResult, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.FlowResult{}
	for _, r := range self.results {
		if r.ClientId == client_id && r.FlowId == flow_id {
			result = append(result, clone(r))
		}
	}
	return paginate(result, offset, count), nil
}

func (self *MemoryDataStore) ReadHuntResults(ctx context.Context,
	hunt_id string, offset, count int) ([]*flows_proto.FlowResult, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.FlowResult{}
	for _, r := range self.results {
		if r.HuntId == hunt_id {
			result = append(result, clone(r))
		}
	}
	return paginate(result, offset, count), nil
}

func (self *MemoryDataStore) WriteFlowLogEntries(
	ctx context.Context, entries []*flows_proto.FlowLogEntry) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, e := range entries {
		self.logs = append(self.logs, clone(e))
	}
	return nil
}

func (self *MemoryDataStore) ReadFlowLogEntries(ctx context.Context,
	client_id, flow_id string, offset, count int) ([]*flows_proto.FlowLogEntry, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.FlowLogEntry{}
	for _, e := range self.logs {
		if e.ClientId == client_id && e.FlowId == flow_id {
			result = append(result, clone(e))
		}
	}
	return paginate(result, offset, count), nil
}

func (self *MemoryDataStore) WriteOutputPluginLogEntries(
	ctx context.Context, entries []*flows_proto.OutputPluginLogEntry) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, e := range entries {
		self.plugin_logs = append(self.plugin_logs, clone(e))
	}
	return nil
}

func (self *MemoryDataStore) ReadOutputPluginLogEntries(
	ctx context.Context, owner_id string) ([]*flows_proto.OutputPluginLogEntry, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.OutputPluginLogEntry{}
	for _, e := range self.plugin_logs {
		if e.OwnerId() == owner_id {
			result = append(result, clone(e))
		}
	}
	return result, nil
}

func (self *MemoryDataStore) QueueClientMessages(
	ctx context.Context, messages []*flows_proto.ClientActionRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.queueMessages(messages)
	return nil
}

func (self *MemoryDataStore) queueMessages(messages []*flows_proto.ClientActionRequest) {
	for _, m := range messages {
		queue, pres := self.client_messages[m.ClientId]
		if !pres {
			queue = make(map[string]*flows_proto.ClientActionRequest)
			self.client_messages[m.ClientId] = queue
		}

		self.next_task_id++
		m = clone(m)
		m.TaskId = self.next_task_id
		m.LeasedUntil = 0
		queue[messageKey(m.FlowId, m.RequestId)] = m
	}
}

func (self *MemoryDataStore) sortedMessages(
	client_id string) []*flows_proto.ClientActionRequest {
	result := []*flows_proto.ClientActionRequest{}
	for _, m := range self.client_messages[client_id] {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TaskId < result[j].TaskId
	})
	return result
}

func (self *MemoryDataStore) LeaseClientMessages(ctx context.Context,
	client_id string, lease time.Duration, limit int) (
	[]*flows_proto.ClientActionRequest, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.ToMicro(self.clock.Now())
	leased_until := utils.ToMicro(self.clock.Now().Add(lease))

	result := []*flows_proto.ClientActionRequest{}
	for _, m := range self.sortedMessages(client_id) {
		if limit > 0 && len(result) >= limit {
			break
		}
		if m.LeasedUntil > now {
			continue
		}
		m.LeasedUntil = leased_until
		result = append(result, clone(m))
	}
	return result, nil
}

func (self *MemoryDataStore) ReadClientMessages(
	ctx context.Context, client_id string) ([]*flows_proto.ClientActionRequest, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.ClientActionRequest{}
	for _, m := range self.sortedMessages(client_id) {
		result = append(result, clone(m))
	}
	return result, nil
}

func (self *MemoryDataStore) DeleteClientMessages(
	ctx context.Context, messages []*flows_proto.ClientActionRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.deleteMessages(messages)
	return nil
}

func (self *MemoryDataStore) deleteMessages(
	messages []*flows_proto.ClientActionRequest) {
	for _, m := range messages {
		delete(self.client_messages[m.ClientId], messageKey(m.FlowId, m.RequestId))
	}
}

func (self *MemoryDataStore) WriteFlowProcessingRequests(
	ctx context.Context, requests []*flows_proto.FlowProcessingRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.writeProcessingRequests(requests)
	return nil
}

func (self *MemoryDataStore) writeProcessingRequests(
	requests []*flows_proto.FlowProcessingRequest) {
	now := utils.ToMicro(self.clock.Now())
	for _, req := range requests {
		key := flowKey(req.ClientId, req.FlowId)
		self.processing[key] = mergeProcessingRequest(
			self.processing[key], clone(req), now)
	}
}

func (self *MemoryDataStore) LeaseFlowProcessingRequests(ctx context.Context,
	worker_id string, ttl time.Duration, limit int) (
	[]*flows_proto.FlowProcessingRequest, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.ToMicro(self.clock.Now())
	candidates := []*flows_proto.FlowProcessingRequest{}
	for _, req := range self.processing {
		if req.DeliveryTime <= now && req.LeasedUntil <= now {
			candidates = append(candidates, req)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreationTime < candidates[j].CreationTime
	})

	result := []*flows_proto.FlowProcessingRequest{}
	for _, req := range candidates {
		if limit > 0 && len(result) >= limit {
			break
		}
		req.LeasedUntil = utils.ToMicro(self.clock.Now().Add(ttl))
		req.LeasedBy = worker_id
		result = append(result, clone(req))
	}
	return result, nil
}

func (self *MemoryDataStore) RenewFlowProcessingRequests(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest, ttl time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	leased_until := utils.ToMicro(self.clock.Now().Add(ttl))
	for _, req := range requests {
		existing, pres := self.processing[flowKey(req.ClientId, req.FlowId)]
		if pres && existing.LeasedBy == req.LeasedBy {
			existing.LeasedUntil = leased_until
			req.LeasedUntil = leased_until
		}
	}
	return nil
}

func (self *MemoryDataStore) AckFlowProcessingRequests(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, req := range requests {
		key := flowKey(req.ClientId, req.FlowId)
		existing, pres := self.processing[key]
		if !pres {
			continue
		}

		if existing.CreationTime == req.CreationTime {
			delete(self.processing, key)
			continue
		}

		existing.LeasedUntil = 0
		existing.LeasedBy = ""
	}
	return nil
}

func (self *MemoryDataStore) ReadFlowProcessingRequests(
	ctx context.Context) ([]*flows_proto.FlowProcessingRequest, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.FlowProcessingRequest{}
	for _, req := range self.processing {
		result = append(result, clone(req))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreationTime < result[j].CreationTime
	})
	return result, nil
}

func (self *MemoryDataStore) WriteHuntObject(
	ctx context.Context, hunt *flows_proto.Hunt) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.hunts[hunt.HuntId] = clone(hunt)
	return nil
}

func (self *MemoryDataStore) ReadHuntObject(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	hunt, pres := self.hunts[hunt_id]
	if !pres {
		return nil, huntNotFound(hunt_id)
	}
	return clone(hunt), nil
}

func (self *MemoryDataStore) ReadHuntObjects(
	ctx context.Context) ([]*flows_proto.Hunt, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.Hunt{}
	for _, hunt := range self.hunts {
		result = append(result, clone(hunt))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreateTime < result[j].CreateTime
	})
	return result, nil
}

func (self *MemoryDataStore) UpdateHuntObject(ctx context.Context,
	hunt_id string, cb func(hunt *flows_proto.Hunt) error) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	hunt, pres := self.hunts[hunt_id]
	if !pres {
		return huntNotFound(hunt_id)
	}

	hunt = clone(hunt)
	err := cb(hunt)
	if err != nil {
		return err
	}
	self.hunts[hunt_id] = clone(hunt)
	return nil
}

func (self *MemoryDataStore) ReadHuntOutputPluginsStates(
	ctx context.Context, hunt_id string) (
	map[string]*flows_proto.OutputPluginState, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := make(map[string]*flows_proto.OutputPluginState)
	for k, v := range self.hunt_plugin_states[hunt_id] {
		result[k] = clone(v)
	}
	return result, nil
}

func (self *MemoryDataStore) UpdateHuntOutputPluginState(ctx context.Context,
	hunt_id, plugin_id string,
	cb func(state *flows_proto.OutputPluginState) (
		*flows_proto.OutputPluginState, error)) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	states, pres := self.hunt_plugin_states[hunt_id]
	if !pres {
		states = make(map[string]*flows_proto.OutputPluginState)
		self.hunt_plugin_states[hunt_id] = states
	}

	new_state, err := cb(clone(states[plugin_id]))
	if err != nil {
		return err
	}
	if new_state == nil {
		delete(states, plugin_id)
		return nil
	}
	new_state.PluginId = plugin_id
	states[plugin_id] = clone(new_state)
	return nil
}

func (self *MemoryDataStore) WriteUserNotification(
	ctx context.Context, notification *flows_proto.UserNotification) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.notifications = append(self.notifications, clone(notification))
	return nil
}

func (self *MemoryDataStore) ReadUserNotifications(
	ctx context.Context, username string) ([]*flows_proto.UserNotification, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []*flows_proto.UserNotification{}
	for _, n := range self.notifications {
		if n.Username == username {
			result = append(result, clone(n))
		}
	}
	return result, nil
}

func (self *MemoryDataStore) CommitBatch(ctx context.Context, batch *Batch) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, flow := range batch.Flows {
		self.writeFlow(flow)
	}

	for _, key := range batch.DestroyFlows {
		self.destroyFlow(key)
	}

	self.deleteRequests(batch.DeleteRequests)
	self.writeRequests(batch.Requests)
	self.writeResponses(batch.Responses)
	self.queueMessages(batch.ClientMessages)
	self.deleteMessages(batch.AckClientMessages)

	for _, r := range batch.Results {
		self.results = append(self.results, clone(r))
	}

	for _, e := range batch.LogEntries {
		self.logs = append(self.logs, clone(e))
	}

	self.writeProcessingRequests(batch.ProcessingRequests)
	return nil
}

func messageKey(flow_id string, request_id uint64) string {
	return flow_id + "/" + utils.Uint64ToString(request_id)
}
