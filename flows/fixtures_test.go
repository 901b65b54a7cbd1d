package flows

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/output_plugins"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
	"www.velocidex.com/golang/flowrunner/vtesting"
)

const (
	client_id = "C.1234"
)

type invocation struct {
	FlowId    string
	State     string
	RequestId uint64
	Messages  int
	Detail    string
}

var (
	recorder_mu sync.Mutex
	recorded    []invocation
)

func record(flow *FlowBase, state string, responses *Responses, detail string) {
	recorder_mu.Lock()
	defer recorder_mu.Unlock()

	inv := invocation{
		FlowId: flow.FlowId(),
		State:  state,
		Detail: detail,
	}
	if responses != nil && responses.Request != nil {
		inv.RequestId = responses.Request.RequestId
		inv.Messages = len(responses.Messages())
	}
	recorded = append(recorded, inv)
}

func getRecorded() []invocation {
	recorder_mu.Lock()
	defer recorder_mu.Unlock()

	return append([]invocation{}, recorded...)
}

func resetRecorded() {
	recorder_mu.Lock()
	defer recorder_mu.Unlock()

	recorded = nil
}

// Makes as many Echo calls as the number in its args.
type callsFlow struct{}

func (self *callsFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	count, err := strconv.Atoi(args.(*payloads.EchoRequest).Data)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		err := flow.CallClient("Echo", &payloads.EchoRequest{
			Data: fmt.Sprintf("%d", i),
		}, "Received", nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *callsFlow) States() StateTable {
	return StateTable{
		"Received": func(ctx context.Context, flow *FlowBase, responses *Responses) error {
			record(flow, "Received", responses, "")
			return nil
		},
		"End": func(ctx context.Context, flow *FlowBase, responses *Responses) error {
			record(flow, "End", nil, "")
			return nil
		},
	}
}

// Keeps calling the client and ignores the errors it gets.
type callAgainFlow struct {
	Calls int `json:"calls"`
}

func (self *callAgainFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("Echo", &payloads.EchoRequest{}, "Again", nil)
}

func (self *callAgainFlow) States() StateTable {
	return StateTable{"Again": self.Again}
}

func (self *callAgainFlow) Again(ctx context.Context, flow *FlowBase, responses *Responses) error {
	self.Calls++
	err := flow.CallClient("Echo", &payloads.EchoRequest{}, "Again", nil)

	var resource_err *ResourcesExceededError
	if errors.As(err, &resource_err) {
		record(flow, "Again", responses, "ResourcesExceeded")
	} else {
		record(flow, "Again", responses, "")
	}
	return nil
}

// Starts a TestChild flow with its own args.
type parentFlow struct {
	ChildId string `json:"child_id"`
}

func (self *parentFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	child_id, err := flow.CallFlow(ctx, "TestChild", args, "ChildDone",
		ordereddict.NewDict().Set("why", "testing"))
	self.ChildId = child_id
	return err
}

func (self *parentFlow) States() StateTable {
	return StateTable{"ChildDone": self.ChildDone}
}

func (self *parentFlow) ChildDone(ctx context.Context, flow *FlowBase, responses *Responses) error {
	why, _ := responses.RequestData().GetString("why")
	record(flow, "ChildDone", responses, why+":"+responses.Status.ChildSessionId)

	replies, err := DecodeMessages[payloads.EchoResponse](responses)
	if err != nil {
		return err
	}
	for _, r := range replies {
		err = flow.SendReply(r, "")
		if err != nil {
			return err
		}
	}
	return nil
}

// Replies right away unless asked to wait for the client.
type childFlow struct{}

func (self *childFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	if args.(*payloads.EchoRequest).Data == "wait" {
		return flow.CallClient("Echo", args, "Done", nil)
	}
	return flow.SendReply(&payloads.EchoResponse{Data: "from child"}, "")
}

func (self *childFlow) States() StateTable {
	return StateTable{
		"Done": func(ctx context.Context, flow *FlowBase, responses *Responses) error {
			return nil
		},
	}
}

type panicFlow struct{}

func (self *panicFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("Echo", &payloads.EchoRequest{}, "Boom", nil)
}

func (self *panicFlow) States() StateTable {
	return StateTable{
		"Boom": func(ctx context.Context, flow *FlowBase, responses *Responses) error {
			panic("boom")
		},
	}
}

type badStateFlow struct{}

func (self *badStateFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("Echo", &payloads.EchoRequest{}, "Missing", nil)
}

func (self *badStateFlow) States() StateTable {
	return StateTable{}
}

type badArgsFlow struct{}

func (self *badArgsFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("Echo", &payloads.ListDirRequest{}, "Done", nil)
}

func (self *badArgsFlow) States() StateTable {
	return StateTable{
		"Done": func(ctx context.Context, flow *FlowBase, responses *Responses) error {
			return nil
		},
	}
}

type badReplyFlow struct{}

func (self *badReplyFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	err := flow.SendReply(&payloads.Hash{}, "")

	var type_err *TypeError
	if errors.As(err, &type_err) {
		record(flow, "Start", nil, "TypeError")
	}
	return nil
}

func (self *badReplyFlow) States() StateTable {
	return StateTable{}
}

// Counts the replies it saw in its state.
type replyCounter struct {
	count int64
}

func (self *replyCounter) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	self.count += int64(len(replies))
	return nil
}

func (self *replyCounter) Flush(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

func (self *replyCounter) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	value, _ := state.Get("count")
	previous, _ := utils.ToInt64(value)
	state.Update("count", previous+self.count)
	return nil
}

func init() {
	flow := func(name string, factory FlowFactory) {
		RegisterFlow(FlowDescriptor{
			Name:        name,
			ArgsType:    "EchoRequest",
			ResultTypes: []string{"EchoResponse"},
		}, factory)
	}

	flow("TestCalls", func() FlowImplementation { return &callsFlow{} })
	flow("TestCallAgain", func() FlowImplementation { return &callAgainFlow{} })
	flow("TestParent", func() FlowImplementation { return &parentFlow{} })
	flow("TestChild", func() FlowImplementation { return &childFlow{} })
	flow("TestPanic", func() FlowImplementation { return &panicFlow{} })
	flow("TestBadState", func() FlowImplementation { return &badStateFlow{} })
	flow("TestBadArgs", func() FlowImplementation { return &badArgsFlow{} })
	flow("TestBadReply", func() FlowImplementation { return &badReplyFlow{} })

	output_plugins.RegisterOutputPlugin(&output_plugins.OutputPluginInfo{
		Name:    "reply_counter",
		Version: 1,
		Factory: func(plugin_ctx *output_plugins.PluginContext) (
			output_plugins.OutputPlugin, error) {
			return &replyCounter{}, nil
		},
	})
}

type testChannel struct {
	mu       sync.Mutex
	sent     []*flows_proto.ClientActionRequest
	notified []string
}

func (self *testChannel) SendClientActionRequest(ctx context.Context,
	client_id string, request *flows_proto.ClientActionRequest) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.sent = append(self.sent, request)
	return nil
}

func (self *testChannel) NotifyClient(client_id string) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.notified = append(self.notified, client_id)
}

func (self *testChannel) Sent() []*flows_proto.ClientActionRequest {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]*flows_proto.ClientActionRequest{}, self.sent...)
}

type testNotifier struct {
	mu            sync.Mutex
	notifications []*flows_proto.UserNotification
}

func (self *testNotifier) NotifyUser(ctx context.Context,
	notification *flows_proto.UserNotification) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.notifications = append(self.notifications, notification)
	return nil
}

func (self *testNotifier) Notifications() []*flows_proto.UserNotification {
	self.mu.Lock()
	defer self.mu.Unlock()

	return append([]*flows_proto.UserNotification{}, self.notifications...)
}

type FlowsTestSuite struct {
	suite.Suite

	ctx        context.Context
	cancel     func()
	config_obj *config.Config
	clock      *utils.MockClock
	db         *datastore.MemoryDataStore
	channel    *testChannel
	notifier   *testNotifier
	runner     *FlowRunner
}

func (self *FlowsTestSuite) SetupTest() {
	self.ctx, self.cancel = context.WithCancel(context.Background())
	self.config_obj = vtesting.GetTestConfig(self.T())
	self.clock = utils.NewMockClock(time.Unix(1700000000, 0))
	self.db = datastore.NewMemoryDataStore(self.clock)
	self.channel = &testChannel{}
	self.notifier = &testNotifier{}
	self.runner = NewFlowRunner(self.config_obj, self.db, self.channel, self.clock)
	self.runner.SetNotifier(self.notifier)
	resetRecorded()
}

func (self *FlowsTestSuite) TearDownTest() {
	self.cancel()
}

func (self *FlowsTestSuite) start(name string, args interface{}) *flows_proto.Flow {
	return self.startWith(&StartFlowArgs{
		ClientId: client_id,
		FlowName: name,
		Args:     args,
		Creator:  "admin",
	})
}

func (self *FlowsTestSuite) startWith(args *StartFlowArgs) *flows_proto.Flow {
	flow, err := self.runner.StartFlow(self.ctx, args)
	self.Require().NoError(err)
	return flow
}

// Writes the messages followed by a terminal status as the client
// would send them.
func (self *FlowsTestSuite) respond(flow_id string, request_id uint64,
	status *flows_proto.Status, messages ...interface{}) {
	responses := []*flows_proto.FlowResponse{}
	for idx, m := range messages {
		responses = append(responses, &flows_proto.FlowResponse{
			ClientId:   client_id,
			FlowId:     flow_id,
			RequestId:  request_id,
			ResponseId: uint64(idx + 1),
			Type:       flows_proto.FlowResponse_MESSAGE,
			Payload:    payloads.MustEncode(m),
		})
	}

	if status == nil {
		status = &flows_proto.Status{}
	}

	response_type := flows_proto.FlowResponse_STATUS
	if !status.IsOK() {
		response_type = flows_proto.FlowResponse_ERROR
	}

	responses = append(responses, &flows_proto.FlowResponse{
		ClientId:   client_id,
		FlowId:     flow_id,
		RequestId:  request_id,
		ResponseId: uint64(len(messages) + 1),
		Type:       response_type,
		Status:     status,
	})
	self.Require().NoError(self.db.WriteFlowResponses(self.ctx, responses))
}

func (self *FlowsTestSuite) process(flow_id string) error {
	return self.runner.ProcessFlow(self.ctx, &flows_proto.FlowProcessingRequest{
		ClientId: client_id,
		FlowId:   flow_id,
	}, nil)
}

func (self *FlowsTestSuite) readFlow(flow_id string) *flows_proto.Flow {
	flow, err := self.db.ReadFlowObject(self.ctx, client_id, flow_id)
	self.Require().NoError(err)
	return flow
}

func (self *FlowsTestSuite) results(flow_id string) []*flows_proto.FlowResult {
	results, err := self.db.ReadFlowResults(self.ctx, client_id, flow_id, 0, 0)
	self.Require().NoError(err)
	return results
}

func (self *FlowsTestSuite) logs(flow_id string) []string {
	entries, err := self.db.ReadFlowLogEntries(self.ctx, client_id, flow_id, 0, 0)
	self.Require().NoError(err)

	result := []string{}
	for _, e := range entries {
		result = append(result, e.Message)
	}
	return result
}

func (self *FlowsTestSuite) requests(flow_id string) []*flows_proto.RequestWithResponses {
	items, _, err := self.db.ReadFlowRequestsAndResponses(
		self.ctx, client_id, flow_id, 0, 0)
	self.Require().NoError(err)
	return items
}

func (self *FlowsTestSuite) clientMessages() []*flows_proto.ClientActionRequest {
	messages, err := self.db.ReadClientMessages(self.ctx, client_id)
	self.Require().NoError(err)
	return messages
}

func unmarshalState(flow *flows_proto.Flow, state interface{}) error {
	return json.Unmarshal([]byte(flow.PersistentData), state)
}

func (self *FlowsTestSuite) processingRequest(flow_id string) *flows_proto.FlowProcessingRequest {
	requests, err := self.db.ReadFlowProcessingRequests(self.ctx)
	self.Require().NoError(err)
	for _, r := range requests {
		if r.FlowId == flow_id {
			return r
		}
	}
	return nil
}
