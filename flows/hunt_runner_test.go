package flows

import (
	"time"

	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/payloads"
)

func (self *FlowsTestSuite) TestHuntRunnerProcessesAnyOrder() {
	flow := self.startWith(&StartFlowArgs{
		ClientId:     client_id,
		FlowName:     "TestCalls",
		Args:         &payloads.EchoRequest{Data: "3"},
		ParentHuntId: "H.1234",
	})

	self.respond(flow.FlowId, 3, nil)
	self.respond(flow.FlowId, 2, nil, &payloads.EchoResponse{Data: "1"})

	runner := NewHuntRunner(self.runner, 4)
	defer runner.Close()

	lease := NewLease("worker", self.clock.Now().Add(time.Minute))
	requests := []*flows_proto.FlowProcessingRequest{{
		ClientId:     client_id,
		FlowId:       flow.FlowId,
		ParentHuntId: "H.1234",
	}}

	processed := runner.ProcessBatch(self.ctx, requests, lease)
	self.Equal(1, len(processed))

	// Request 1 does not hold up the later ones.
	recorded := getRecorded()
	self.Require().Equal(2, len(recorded))
	self.Equal(uint64(2), recorded[0].RequestId)
	self.Equal(uint64(3), recorded[1].RequestId)

	stored := self.readFlow(flow.FlowId)
	self.Equal(flows_proto.Flow_RUNNING, stored.FlowState)
	self.Equal(uint64(1), stored.NextRequestToProcess)
	self.Equal(uint64(3), stored.OutstandingRequests())

	self.respond(flow.FlowId, 1, nil)
	processed = runner.ProcessBatch(self.ctx, requests, lease)
	self.Equal(1, len(processed))

	recorded = getRecorded()
	self.Require().Equal(4, len(recorded))
	self.Equal(uint64(1), recorded[2].RequestId)
	self.Equal("End", recorded[3].State)

	stored = self.readFlow(flow.FlowId)
	self.Equal(flows_proto.Flow_FINISHED, stored.FlowState)
	self.Equal(uint64(4), stored.NextRequestToProcess)
	self.Equal(uint64(0), stored.OutstandingRequests())

	// Hunt flows report to the hunt, not to their creator.
	self.Equal(0, len(self.notifier.Notifications()))
}

func (self *FlowsTestSuite) TestHuntRunnerSkipsBrokenFlows() {
	good := self.startWith(&StartFlowArgs{
		ClientId:     client_id,
		FlowName:     "Echo",
		Args:         &payloads.EchoRequest{},
		ParentHuntId: "H.1234",
	})
	self.respond(good.FlowId, 1, nil)

	// A corrupt flow record.
	self.Require().NoError(self.db.WriteFlowObject(self.ctx, &flows_proto.Flow{
		ClientId:             client_id,
		FlowId:               "F.broken",
		FlowClassName:        "Echo",
		FlowState:            flows_proto.Flow_RUNNING,
		NextOutboundId:       1,
		NextRequestToProcess: 5,
		ParentHuntId:         "H.1234",
	}))

	runner := NewHuntRunner(self.runner, 2)
	defer runner.Close()

	processed := runner.ProcessBatch(self.ctx, []*flows_proto.FlowProcessingRequest{
		{ClientId: client_id, FlowId: "F.broken"},
		{ClientId: client_id, FlowId: good.FlowId},
		{ClientId: client_id, FlowId: good.FlowId},
	}, NewLease("worker", self.clock.Now().Add(time.Minute)))

	self.Require().Equal(1, len(processed))
	self.Equal(good.FlowId, processed[0].FlowId)
	self.Equal(flows_proto.Flow_FINISHED, self.readFlow(good.FlowId).FlowState)
}

func (self *FlowsTestSuite) TestLeaseRenewal() {
	self.config_obj.Worker.LeasePingSec = 1
	self.config_obj.Worker.LeaseTTLSec = 10

	self.Require().NoError(self.db.WriteFlowProcessingRequests(self.ctx,
		[]*flows_proto.FlowProcessingRequest{{
			ClientId: client_id,
			FlowId:   "F.1",
		}}))

	leased, err := self.db.LeaseFlowProcessingRequests(
		self.ctx, "worker", time.Second, 10)
	self.Require().NoError(err)
	self.Require().Equal(1, len(leased))

	lease := NewLease("worker", self.clock.Now().Add(time.Second))
	stop := StartLeaseRenewal(self.ctx, self.config_obj, self.db,
		self.clock, leased, lease)
	defer stop()

	expected := self.clock.Now().Add(10 * time.Second)
	self.Require().Eventually(func() bool {
		return lease.Deadline().Equal(expected)
	}, 5*time.Second, 50*time.Millisecond)

	stored := self.processingRequest("F.1")
	self.Require().NotNil(stored)
	self.Equal("worker", stored.LeasedBy)
	self.Equal(uint64(expected.UnixNano()/1000), stored.LeasedUntil)
}
