package datastore

import (
	"context"
	"os"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

const (
	client_id = "C.1234"
	flow_id   = "F.ABCD"
)

type BaseTestSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *utils.MockClock
	datastore DataStore
}

func (self *BaseTestSuite) makeRequests(count int, responses_per_request int) {
	batch := &Batch{}
	for i := 1; i <= count; i++ {
		batch.Requests = append(batch.Requests, &flows_proto.FlowRequest{
			ClientId:    client_id,
			FlowId:      flow_id,
			RequestId:   uint64(i),
			NextState:   "Next",
			RequestData: ordereddict.NewDict().Set("i", i),
		})

		for j := 1; j <= responses_per_request; j++ {
			resp := &flows_proto.FlowResponse{
				ClientId:   client_id,
				FlowId:     flow_id,
				RequestId:  uint64(i),
				ResponseId: uint64(j),
			}
			if j == responses_per_request {
				resp.Type = flows_proto.FlowResponse_STATUS
				resp.Status = &flows_proto.Status{}
			}
			batch.Responses = append(batch.Responses, resp)
		}
	}
	assert.NoError(self.T(), self.datastore.CommitBatch(self.ctx, batch))
}

func (self *BaseTestSuite) TestFlowObjects() {
	_, err := self.datastore.ReadFlowObject(self.ctx, client_id, flow_id)
	assert.True(self.T(), errors.Is(err, os.ErrNotExist))

	flow := &flows_proto.Flow{
		ClientId:       client_id,
		FlowId:         flow_id,
		FlowClassName:  "Echo",
		NextOutboundId: 1,
		FlowState:      flows_proto.Flow_RUNNING,
		CreateTime:     1,
	}
	assert.NoError(self.T(), self.datastore.WriteFlowObject(self.ctx, flow))

	child := &flows_proto.Flow{
		ClientId:     client_id,
		FlowId:       flow_id + ".1",
		ParentFlowId: flow_id,
		ParentHuntId: "H.1",
		CreateTime:   2,
	}
	assert.NoError(self.T(), self.datastore.WriteFlowObject(self.ctx, child))

	read, err := self.datastore.ReadFlowObject(self.ctx, client_id, flow_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), "Echo", read.FlowClassName)
	assert.Equal(self.T(), flows_proto.Flow_RUNNING, read.FlowState)

	// Callers get their own copy.
	read.FlowClassName = "Changed"
	read, _ = self.datastore.ReadFlowObject(self.ctx, client_id, flow_id)
	assert.Equal(self.T(), "Echo", read.FlowClassName)

	flows, err := self.datastore.ListFlows(self.ctx, client_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 2, len(flows))
	assert.Equal(self.T(), flow_id, flows[0].FlowId)

	children, err := self.datastore.ReadChildFlowObjects(self.ctx, client_id, flow_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(children))
	assert.Equal(self.T(), child.FlowId, children[0].FlowId)

	hunt_flows, err := self.datastore.ReadHuntFlows(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(hunt_flows))

	err = self.datastore.UpdateFlow(self.ctx, client_id, "F.Missing",
		func(flow *flows_proto.Flow) error { return nil })
	assert.True(self.T(), errors.Is(err, os.ErrNotExist))
}

// A runner writing back its copy of the flow must not lose a
// termination requested while it was working.
func (self *BaseTestSuite) TestWritePreservesPendingTermination() {
	flow := &flows_proto.Flow{
		ClientId:  client_id,
		FlowId:    flow_id,
		FlowState: flows_proto.Flow_RUNNING,
	}
	assert.NoError(self.T(), self.datastore.WriteFlowObject(self.ctx, flow))

	err := self.datastore.UpdateFlow(self.ctx, client_id, flow_id,
		func(flow *flows_proto.Flow) error {
			flow.PendingTermination = &flows_proto.PendingTermination{
				Reason: "Stopped by user",
			}
			return nil
		})
	assert.NoError(self.T(), err)

	flow.NumResults = 5
	assert.NoError(self.T(), self.datastore.CommitBatch(self.ctx, &Batch{
		Flows: []*flows_proto.Flow{flow},
	}))

	read, err := self.datastore.ReadFlowObject(self.ctx, client_id, flow_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), uint64(5), read.NumResults)
	assert.NotNil(self.T(), read.PendingTermination)
	assert.Equal(self.T(), "Stopped by user", read.PendingTermination.Reason)
}

func (self *BaseTestSuite) TestResponsesForUnknownRequestsAreDropped() {
	self.makeRequests(1, 1)

	err := self.datastore.WriteFlowResponses(self.ctx, []*flows_proto.FlowResponse{{
		ClientId: client_id, FlowId: flow_id, RequestId: 5, ResponseId: 1,
	}})
	assert.NoError(self.T(), err)

	items, more, err := self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 0)
	assert.NoError(self.T(), err)
	assert.False(self.T(), more)
	assert.Equal(self.T(), 1, len(items))
	assert.Equal(self.T(), uint64(1), items[0].Request.RequestId)
	assert.True(self.T(), items[0].IsComplete())
	assert.Equal(self.T(), int64(1),
		mustInt(items[0].Request.RequestData.Get("i")))
}

func mustInt(v interface{}, _ bool) int64 {
	res, _ := utils.ToInt64(v)
	return res
}

func (self *BaseTestSuite) TestFetchWindow() {
	self.makeRequests(3, 2)

	// Request limit.
	items, more, err := self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 2, 0)
	assert.NoError(self.T(), err)
	assert.True(self.T(), more)
	assert.Equal(self.T(), 2, len(items))
	assert.Equal(self.T(), 2, len(items[1].Responses))

	// Response limit cuts request 2 so only request 1 is returned.
	items, more, err = self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 3)
	assert.NoError(self.T(), err)
	assert.True(self.T(), more)
	assert.Equal(self.T(), 1, len(items))
	assert.Equal(self.T(), uint64(1), items[0].Request.RequestId)
	assert.Equal(self.T(), 2, len(items[0].Responses))

	// A single request larger than the limit is returned whole.
	items, more, err = self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 1)
	assert.NoError(self.T(), err)
	assert.True(self.T(), more)
	assert.Equal(self.T(), 1, len(items))
	assert.Equal(self.T(), 2, len(items[0].Responses))
	assert.True(self.T(), items[0].IsComplete())

	// Everything.
	items, more, err = self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 0)
	assert.NoError(self.T(), err)
	assert.False(self.T(), more)
	assert.Equal(self.T(), 3, len(items))
	for idx, item := range items {
		assert.Equal(self.T(), uint64(idx+1), item.Request.RequestId)
		assert.Equal(self.T(), uint64(1), item.Responses[0].ResponseId)
		assert.Equal(self.T(), uint64(2), item.Responses[1].ResponseId)
	}
}

func (self *BaseTestSuite) TestRequestsReadyForProcessing() {
	self.makeRequests(3, 1)

	// Request 2 loses its responses so processing stops at 1.
	assert.NoError(self.T(), self.datastore.DeleteFlowRequests(self.ctx,
		[]*flows_proto.FlowRequest{{
			ClientId: client_id, FlowId: flow_id, RequestId: 2}}))
	assert.NoError(self.T(), self.datastore.WriteFlowRequests(self.ctx,
		[]*flows_proto.FlowRequest{{
			ClientId: client_id, FlowId: flow_id, RequestId: 2}}))

	ready, err := ReadFlowRequestsReadyForProcessing(
		self.ctx, self.datastore, client_id, flow_id, 1)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(ready))
	assert.NotNil(self.T(), ready[1])

	ready, err = ReadFlowRequestsReadyForProcessing(
		self.ctx, self.datastore, client_id, flow_id, 3)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(ready))
	assert.NotNil(self.T(), ready[3])
}

func (self *BaseTestSuite) TestDestroyFlowStates() {
	self.makeRequests(2, 2)
	assert.NoError(self.T(), self.datastore.QueueClientMessages(self.ctx,
		[]*flows_proto.ClientActionRequest{{
			ClientId: client_id, FlowId: flow_id, RequestId: 1,
			ActionName: "Echo"}}))

	key := FlowKey{ClientId: client_id, FlowId: flow_id}
	for i := 0; i < 2; i++ {
		err := self.datastore.CommitBatch(self.ctx, &Batch{
			DestroyFlows: []FlowKey{key},
		})
		assert.NoError(self.T(), err)

		items, more, err := self.datastore.ReadFlowRequestsAndResponses(
			self.ctx, client_id, flow_id, 0, 0)
		assert.NoError(self.T(), err)
		assert.False(self.T(), more)
		assert.Equal(self.T(), 0, len(items))

		messages, err := self.datastore.ReadClientMessages(self.ctx, client_id)
		assert.NoError(self.T(), err)
		assert.Equal(self.T(), 0, len(messages))
	}

	// Responses arriving afterwards are dropped.
	assert.NoError(self.T(), self.datastore.WriteFlowResponses(self.ctx,
		[]*flows_proto.FlowResponse{{
			ClientId: client_id, FlowId: flow_id, RequestId: 1, ResponseId: 3}}))
	items, _, err := self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(items))
}

func (self *BaseTestSuite) TestDeleteRequestsRemovesClientMessages() {
	self.makeRequests(2, 1)
	assert.NoError(self.T(), self.datastore.QueueClientMessages(self.ctx,
		[]*flows_proto.ClientActionRequest{
			{ClientId: client_id, FlowId: flow_id, RequestId: 1},
			{ClientId: client_id, FlowId: flow_id, RequestId: 2},
		}))

	assert.NoError(self.T(), self.datastore.DeleteFlowRequests(self.ctx,
		[]*flows_proto.FlowRequest{{
			ClientId: client_id, FlowId: flow_id, RequestId: 1}}))

	messages, err := self.datastore.ReadClientMessages(self.ctx, client_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(messages))
	assert.Equal(self.T(), uint64(2), messages[0].RequestId)

	items, _, err := self.datastore.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(items))
	assert.Equal(self.T(), uint64(2), items[0].Request.RequestId)
}

func (self *BaseTestSuite) TestClientMessageQueue() {
	messages := []*flows_proto.ClientActionRequest{
		{ClientId: client_id, FlowId: flow_id, RequestId: 1, ActionName: "Echo"},
		{ClientId: client_id, FlowId: flow_id, RequestId: 2, ActionName: "Echo"},
	}
	assert.NoError(self.T(), self.datastore.QueueClientMessages(self.ctx, messages))

	// Queueing the same request again replaces it.
	assert.NoError(self.T(), self.datastore.QueueClientMessages(self.ctx,
		messages[:1]))

	leased, err := self.datastore.LeaseClientMessages(
		self.ctx, client_id, time.Minute, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 2, len(leased))

	// Message 1 was queued last.
	assert.Equal(self.T(), uint64(2), leased[0].RequestId)
	assert.True(self.T(), leased[0].TaskId < leased[1].TaskId)

	leased, err = self.datastore.LeaseClientMessages(
		self.ctx, client_id, time.Minute, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(leased))

	// The lease expires.
	self.clock.Advance(2 * time.Minute)
	leased, err = self.datastore.LeaseClientMessages(
		self.ctx, client_id, time.Minute, 1)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(leased))

	assert.NoError(self.T(), self.datastore.DeleteClientMessages(self.ctx, messages))
	remaining, err := self.datastore.ReadClientMessages(self.ctx, client_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(remaining))
}

func (self *BaseTestSuite) TestBatchAcksClientMessages() {
	messages := []*flows_proto.ClientActionRequest{
		{ClientId: client_id, FlowId: flow_id, RequestId: 1},
		{ClientId: client_id, FlowId: flow_id, RequestId: 2},
	}
	assert.NoError(self.T(), self.datastore.QueueClientMessages(self.ctx, messages))

	batch := &Batch{
		AckClientMessages: messages[:1],
		ProcessingRequests: []*flows_proto.FlowProcessingRequest{{
			ClientId: client_id, FlowId: flow_id,
		}},
	}
	assert.False(self.T(), batch.IsEmpty())
	assert.NoError(self.T(), self.datastore.CommitBatch(self.ctx, batch))

	remaining, err := self.datastore.ReadClientMessages(self.ctx, client_id)
	assert.NoError(self.T(), err)
	require.Equal(self.T(), 1, len(remaining))
	assert.Equal(self.T(), uint64(2), remaining[0].RequestId)

	requests, err := self.datastore.ReadFlowProcessingRequests(self.ctx)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(requests))
}

func (self *BaseTestSuite) TestFlowProcessingQueue() {
	now := utils.ToMicro(self.clock.Now())
	req := &flows_proto.FlowProcessingRequest{
		ClientId:     client_id,
		FlowId:       flow_id,
		DeliveryTime: now + uint64(time.Minute/time.Microsecond),
	}
	assert.NoError(self.T(), self.datastore.WriteFlowProcessingRequests(
		self.ctx, []*flows_proto.FlowProcessingRequest{req}))

	// Not yet due.
	leased, err := self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(leased))

	self.clock.Advance(time.Minute)
	leased, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(leased))
	assert.Equal(self.T(), "worker1", leased[0].LeasedBy)

	// Only one worker holds the flow at a time.
	others, err := self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker2", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(others))

	// New responses arrive while the flow is being processed.
	assert.NoError(self.T(), self.datastore.WriteFlowProcessingRequests(
		self.ctx, []*flows_proto.FlowProcessingRequest{{
			ClientId: client_id, FlowId: flow_id}}))

	others, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker2", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(others))

	// Acking the stale entry releases the lease but keeps the entry.
	assert.NoError(self.T(), self.datastore.AckFlowProcessingRequests(
		self.ctx, leased))
	pending, err := self.datastore.ReadFlowProcessingRequests(self.ctx)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(pending))
	assert.Equal(self.T(), uint64(0), pending[0].LeasedUntil)

	leased, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker2", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(leased))

	// Renewing keeps the lease alive past the original ttl.
	self.clock.Advance(50 * time.Second)
	assert.NoError(self.T(), self.datastore.RenewFlowProcessingRequests(
		self.ctx, leased, time.Minute))
	self.clock.Advance(50 * time.Second)
	others, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(others))

	assert.NoError(self.T(), self.datastore.AckFlowProcessingRequests(
		self.ctx, leased))
	pending, err = self.datastore.ReadFlowProcessingRequests(self.ctx)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(pending))
}

func (self *BaseTestSuite) TestResultsAndLogs() {
	batch := &Batch{}
	for i := 0; i < 5; i++ {
		batch.Results = append(batch.Results, &flows_proto.FlowResult{
			ClientId: client_id,
			FlowId:   flow_id,
			HuntId:   "H.1",
			Tag:      utils.Uint64ToString(uint64(i)),
		})
	}
	batch.LogEntries = append(batch.LogEntries, &flows_proto.FlowLogEntry{
		ClientId: client_id, FlowId: flow_id, Message: "Hello",
	})
	assert.NoError(self.T(), self.datastore.CommitBatch(self.ctx, batch))

	results, err := self.datastore.ReadFlowResults(self.ctx, client_id, flow_id, 1, 2)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 2, len(results))
	assert.Equal(self.T(), "1", results[0].Tag)
	assert.Equal(self.T(), "2", results[1].Tag)

	results, err = self.datastore.ReadHuntResults(self.ctx, "H.1", 0, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 5, len(results))

	logs, err := self.datastore.ReadFlowLogEntries(self.ctx, client_id, flow_id, 0, 0)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(logs))
	assert.Equal(self.T(), "Hello", logs[0].Message)

	assert.NoError(self.T(), self.datastore.WriteOutputPluginLogEntries(self.ctx,
		[]*flows_proto.OutputPluginLogEntry{{
			HuntId: "H.1", PluginId: "jsonl", Message: "error",
			Type: flows_proto.OutputPluginLogEntry_ERROR,
		}}))
	plugin_logs, err := self.datastore.ReadOutputPluginLogEntries(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(plugin_logs))
	assert.Equal(self.T(), "jsonl", plugin_logs[0].PluginId)
}

func (self *BaseTestSuite) TestHunts() {
	_, err := self.datastore.ReadHuntObject(self.ctx, "H.1")
	assert.True(self.T(), errors.Is(err, os.ErrNotExist))

	hunt := &flows_proto.Hunt{
		HuntId:      "H.1",
		FlowName:    "Echo",
		State:       flows_proto.Hunt_PAUSED,
		ClientLimit: 10,
	}
	assert.NoError(self.T(), self.datastore.WriteHuntObject(self.ctx, hunt))

	err = self.datastore.UpdateHuntObject(self.ctx, "H.1",
		func(hunt *flows_proto.Hunt) error {
			hunt.State = flows_proto.Hunt_STARTED
			return nil
		})
	assert.NoError(self.T(), err)

	hunts, err := self.datastore.ReadHuntObjects(self.ctx)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(hunts))
	assert.Equal(self.T(), flows_proto.Hunt_STARTED, hunts[0].State)
	assert.Equal(self.T(), uint64(10), hunts[0].ClientLimit)

	for i := 0; i < 3; i++ {
		err = self.datastore.UpdateHuntOutputPluginState(self.ctx, "H.1", "jsonl",
			func(state *flows_proto.OutputPluginState) (
				*flows_proto.OutputPluginState, error) {
				if state == nil {
					state = &flows_proto.OutputPluginState{PluginName: "jsonl"}
				}
				state.SuccessCount++
				return state, nil
			})
		assert.NoError(self.T(), err)
	}

	states, err := self.datastore.ReadHuntOutputPluginsStates(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(states))
	assert.Equal(self.T(), uint64(3), states["jsonl"].SuccessCount)
	assert.Equal(self.T(), "jsonl", states["jsonl"].PluginId)

	// Returning nil removes the state.
	err = self.datastore.UpdateHuntOutputPluginState(self.ctx, "H.1", "jsonl",
		func(state *flows_proto.OutputPluginState) (
			*flows_proto.OutputPluginState, error) {
			return nil, nil
		})
	assert.NoError(self.T(), err)
	states, err = self.datastore.ReadHuntOutputPluginsStates(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(states))
}

func (self *BaseTestSuite) TestUserNotifications() {
	for _, msg := range []string{"one", "two"} {
		assert.NoError(self.T(), self.datastore.WriteUserNotification(self.ctx,
			&flows_proto.UserNotification{Username: "admin", Message: msg}))
	}

	notifications, err := self.datastore.ReadUserNotifications(self.ctx, "admin")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 2, len(notifications))
	assert.Equal(self.T(), "one", notifications[0].Message)

	notifications, err = self.datastore.ReadUserNotifications(self.ctx, "other")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(notifications))
}

func (self *BaseTestSuite) TestTerminalFlowIsNeverResurrected() {
	flow := &flows_proto.Flow{
		ClientId:  client_id,
		FlowId:    flow_id,
		FlowState: flows_proto.Flow_RUNNING,
	}
	assert.NoError(self.T(), self.datastore.WriteFlowObject(self.ctx, flow))

	err := self.datastore.UpdateFlow(self.ctx, client_id, flow_id,
		func(flow *flows_proto.Flow) error {
			flow.FlowState = flows_proto.Flow_CRASHED
			return nil
		})
	assert.NoError(self.T(), err)

	// A stale running copy is ignored.
	assert.NoError(self.T(), self.datastore.WriteFlowObject(self.ctx, flow))
	read, err := self.datastore.ReadFlowObject(self.ctx, client_id, flow_id)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), flows_proto.Flow_CRASHED, read.FlowState)
}

func (self *BaseTestSuite) TestLeaseHolderReschedules() {
	assert.NoError(self.T(), self.datastore.WriteFlowProcessingRequests(
		self.ctx, []*flows_proto.FlowProcessingRequest{{
			ClientId: client_id, FlowId: flow_id}}))

	leased, err := self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(leased))

	// The holder asks to be woken in an hour.
	later := utils.ToMicro(self.clock.Now().Add(time.Hour))
	reschedule := *leased[0]
	reschedule.DeliveryTime = later
	assert.NoError(self.T(), self.datastore.WriteFlowProcessingRequests(
		self.ctx, []*flows_proto.FlowProcessingRequest{&reschedule}))
	assert.NoError(self.T(), self.datastore.AckFlowProcessingRequests(
		self.ctx, leased))

	pending, err := self.datastore.ReadFlowProcessingRequests(self.ctx)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(pending))
	assert.Equal(self.T(), later, pending[0].DeliveryTime)

	leased, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 0, len(leased))

	// Anyone else asking for earlier processing wins.
	assert.NoError(self.T(), self.datastore.WriteFlowProcessingRequests(
		self.ctx, []*flows_proto.FlowProcessingRequest{{
			ClientId: client_id, FlowId: flow_id}}))
	leased, err = self.datastore.LeaseFlowProcessingRequests(
		self.ctx, "worker1", time.Minute, 10)
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 1, len(leased))
}
