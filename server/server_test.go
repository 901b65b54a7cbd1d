package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/flowrunner/comms"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/hunts"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
	"www.velocidex.com/golang/flowrunner/vtesting"
)

type ServerTestSuite struct {
	suite.Suite

	ctx        context.Context
	cancel     func()
	config_obj *config.Config
	clock      *utils.MockClock
	db         *datastore.MemoryDataStore
	server     *Server
}

func (self *ServerTestSuite) SetupTest() {
	self.ctx, self.cancel = context.WithCancel(context.Background())
	self.config_obj = vtesting.GetTestConfig(self.T())
	self.clock = utils.NewMockClock(time.Unix(1700000000, 0))
	self.db = datastore.NewMemoryDataStore(self.clock)
	self.server = NewServerWithDataStore(self.config_obj, self.db, self.clock)
}

func (self *ServerTestSuite) TearDownTest() {
	self.server.Close()
	self.cancel()
}

func (self *ServerTestSuite) readFlow(client_id, flow_id string) *flows_proto.Flow {
	flow, err := self.db.ReadFlowObject(self.ctx, client_id, flow_id)
	self.Require().NoError(err)
	return flow
}

func (self *ServerTestSuite) pending() []*flows_proto.FlowProcessingRequest {
	requests, err := self.db.ReadFlowProcessingRequests(self.ctx)
	self.Require().NoError(err)
	return requests
}

func (self *ServerTestSuite) TestEchoRoundTrip() {
	flow, err := self.server.Runner.StartFlow(self.ctx, &flows.StartFlowArgs{
		ClientId: "C.1",
		FlowName: "Echo",
		Args:     &payloads.EchoRequest{Data: "ping"},
		Creator:  "admin",
	})
	self.Require().NoError(err)

	// Nothing to do until the client answers.
	count, err := self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)
	self.Equal(0, count)

	loopback := self.newClient("C.1")
	ran, err := loopback.RunOnce(self.ctx)
	self.Require().NoError(err)
	self.Equal(1, ran)

	count, err = self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)
	self.Equal(1, count)
	self.Equal(0, len(self.pending()))

	self.Equal(flows_proto.Flow_FINISHED, self.readFlow("C.1", flow.FlowId).FlowState)

	notifications, err := self.db.ReadUserNotifications(self.ctx, "admin")
	self.Require().NoError(err)
	self.Require().Equal(1, len(notifications))
	self.Equal("FlowStatus", notifications[0].Type)
}

func (self *ServerTestSuite) TestInterrogateRoundTrip() {
	flow, err := self.server.Runner.StartFlow(self.ctx, &flows.StartFlowArgs{
		ClientId: "C.1",
		FlowName: "Interrogate",
		Args:     &payloads.EmptyArgs{},
	})
	self.Require().NoError(err)

	loopback := self.newClient("C.1")

	// Child flows finish first, then the parent is woken up.
	for i := 0; i < 5; i++ {
		_, err := loopback.RunOnce(self.ctx)
		self.Require().NoError(err)
		_, err = self.server.Worker.ProcessPending(self.ctx)
		self.Require().NoError(err)
	}

	stored := self.readFlow("C.1", flow.FlowId)
	self.Equal(flows_proto.Flow_FINISHED, stored.FlowState)

	results, err := self.db.ReadFlowResults(self.ctx, "C.1", flow.FlowId, 0, 0)
	self.Require().NoError(err)
	self.Require().Equal(1, len(results))

	summary := &payloads.ClientSummary{}
	self.Require().NoError(payloads.DecodeInto(results[0].Payload, summary))
	self.Equal("C.1", summary.ClientId)
	self.True(summary.NumProcesses > 0)
}

func (self *ServerTestSuite) TestHuntJoinedOnPoll() {
	hunt, err := self.server.Hunts.CreateHunt(self.ctx, &hunts.CreateHuntArgs{
		FlowName: "Echo",
		Args:     &payloads.EchoRequest{Data: "hunt"},
		Creator:  "admin",
	})
	self.Require().NoError(err)
	_, err = self.server.Hunts.StartHunt(self.ctx, hunt.HuntId)
	self.Require().NoError(err)

	for _, client_id := range []string{"C.1", "C.2"} {
		ran, err := self.newClient(client_id).RunOnce(self.ctx)
		self.Require().NoError(err)
		self.Equal(1, ran)
	}

	requests := self.pending()
	self.Require().Equal(2, len(requests))
	for _, req := range requests {
		self.Equal(hunt.HuntId, req.ParentHuntId)
	}

	count, err := self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)
	self.Equal(2, count)

	counters, err := self.server.Hunts.ReadHuntCounters(self.ctx, hunt.HuntId)
	self.Require().NoError(err)
	self.Equal(uint64(2), counters.NumClients)
	self.Equal(uint64(2), counters.NumSuccessful)
	self.Equal(uint64(2), counters.NumResults)
}

func (self *ServerTestSuite) TestCorruptFlowNotAcknowledged() {
	self.Require().NoError(self.db.WriteFlowObject(self.ctx, &flows_proto.Flow{
		ClientId:             "C.1",
		FlowId:               "F.broken",
		FlowClassName:        "Echo",
		FlowState:            flows_proto.Flow_RUNNING,
		NextOutboundId:       1,
		NextRequestToProcess: 5,
	}))
	self.Require().NoError(self.db.WriteFlowProcessingRequests(self.ctx,
		[]*flows_proto.FlowProcessingRequest{{
			ClientId: "C.1",
			FlowId:   "F.broken",
		}}))

	count, err := self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)
	self.Equal(0, count)

	// Still leased so the next pass does not see it.
	count, err = self.server.Worker.ProcessPending(self.ctx)
	self.Require().NoError(err)
	self.Equal(0, count)

	requests := self.pending()
	self.Require().Equal(1, len(requests))
	self.Equal(self.server.Worker.WorkerId(), requests[0].LeasedBy)

	vtesting.MemoryLogsContain(self.T(), "Invariant violated")

	// Available again once the lease expires.
	self.clock.Advance(self.config_obj.Worker.LeaseTTL() + time.Second)
	leased, err := self.db.LeaseFlowProcessingRequests(self.ctx, "other",
		time.Minute, 10)
	self.Require().NoError(err)
	self.Equal(1, len(leased))
}

func (self *ServerTestSuite) TestWorkerLoop() {
	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(self.ctx)

	self.config_obj.Worker.PollIntervalMs = 10
	self.server.StartWorker(ctx, wg, self.config_obj)
	self.server.StartLoopbackClients(ctx, wg, "C.1")

	flow, err := self.server.Runner.StartFlow(self.ctx, &flows.StartFlowArgs{
		ClientId: "C.1",
		FlowName: "Echo",
		Args:     &payloads.EchoRequest{Data: "loop"},
	})
	self.Require().NoError(err)

	vtesting.WaitUntil(10*time.Second, self.T(), func() bool {
		stored, err := self.db.ReadFlowObject(self.ctx, "C.1", flow.FlowId)
		return err == nil && stored.FlowState == flows_proto.Flow_FINISHED
	})

	cancel()
	wg.Wait()
}

func (self *ServerTestSuite) newClient(client_id string) *comms.LoopbackClient {
	return comms.NewLoopbackClient(self.config_obj, client_id, self.server.Frontend)
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, &ServerTestSuite{})
}
