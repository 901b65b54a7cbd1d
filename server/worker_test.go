package server

import (
	"context"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Called from the Hold state of the LeaseHolder flow.
var lease_holder_hook func()

type leaseHolderFlow struct{}

func (self *leaseHolderFlow) Start(ctx context.Context,
	flow *flows.FlowBase, args interface{}) error {
	return flow.CallState("Hold", time.Time{}, ordereddict.NewDict())
}

func (self *leaseHolderFlow) States() flows.StateTable {
	return flows.StateTable{"Hold": self.Hold}
}

func (self *leaseHolderFlow) Hold(ctx context.Context,
	flow *flows.FlowBase, responses *flows.Responses) error {
	if lease_holder_hook != nil {
		lease_holder_hook()
	}
	return nil
}

func init() {
	flows.RegisterFlow(flows.FlowDescriptor{
		Name: "LeaseHolder",
		Doc:  "Runs a hook while the worker holds its batch.",
	}, func() flows.FlowImplementation { return &leaseHolderFlow{} })
}

func (self *ServerTestSuite) TestBatchLeasesRenewedTogether() {
	self.config_obj.Worker.LeaseTTLSec = 10
	self.config_obj.Worker.LeasePingSec = 1

	_, err := self.server.Runner.StartFlow(self.ctx, &flows.StartFlowArgs{
		ClientId: "C.1",
		FlowName: "LeaseHolder",
	})
	self.Require().NoError(err)

	// A hunt flow queued in the same batch.
	self.Require().NoError(self.db.WriteFlowProcessingRequests(self.ctx,
		[]*flows_proto.FlowProcessingRequest{{
			ClientId:     "C.2",
			FlowId:       "F.HUNTCHILD",
			ParentHuntId: "H.1",
		}}))

	renewed := false
	var stolen []*flows_proto.FlowProcessingRequest
	var steal_err error
	lease_holder_hook = func() {
		self.clock.Advance(2 * self.config_obj.Worker.LeaseTTL())

		// Wait for the renewal loop to catch up with the clock.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && !renewed {
			for _, req := range self.pending() {
				if req.FlowId == "F.HUNTCHILD" &&
					req.LeasedUntil > utils.ToMicro(self.clock.Now()) {
					renewed = true
				}
			}
			time.Sleep(50 * time.Millisecond)
		}

		stolen, steal_err = self.db.LeaseFlowProcessingRequests(self.ctx, "other",
			time.Minute, 10)
	}
	defer func() { lease_holder_hook = nil }()

	_, err = self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)

	self.Require().NoError(steal_err)
	self.True(renewed, "hunt request lease was not renewed")
	self.Equal(0, len(stolen))
}
