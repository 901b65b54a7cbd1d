package output_plugins

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	gomail "gopkg.in/gomail.v2"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/notifications"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Counts replies in its state.
type countingPlugin struct {
	count int64
}

func (self *countingPlugin) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	self.count += int64(len(replies))
	return nil
}

func (self *countingPlugin) Flush(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

func (self *countingPlugin) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	value, _ := state.Get("count")
	previous, _ := utils.ToInt64(value)
	state.Update("count", previous+self.count)
	return nil
}

// Scribbles on its state then fails.
type failingPlugin struct {
	panics bool
}

func (self *failingPlugin) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	state.Update("scribble", true)
	if self.panics {
		panic("plugin exploded")
	}
	return errors.New("plugin failed")
}

func (self *failingPlugin) Flush(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

func (self *failingPlugin) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

// Reads the hunt's plugin states while processing replies.
type reentrantPlugin struct {
	db datastore.DataStore
}

func (self *reentrantPlugin) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	states, err := self.db.ReadHuntOutputPluginsStates(ctx, "H.1")
	if err != nil {
		return err
	}
	state.Update("seen", len(states))
	return nil
}

func (self *reentrantPlugin) Flush(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

func (self *reentrantPlugin) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	return nil
}

var reentrant_db datastore.DataStore

func init() {
	RegisterOutputPlugin(&OutputPluginInfo{
		Name:    "reentrant",
		Version: 1,
		Factory: func(plugin_ctx *PluginContext) (OutputPlugin, error) {
			return &reentrantPlugin{db: reentrant_db}, nil
		},
	})
	RegisterOutputPlugin(&OutputPluginInfo{
		Name:    "counting",
		Version: 1,
		Factory: func(plugin_ctx *PluginContext) (OutputPlugin, error) {
			return &countingPlugin{}, nil
		},
	})
	RegisterOutputPlugin(&OutputPluginInfo{
		Name:    "failing",
		Version: 1,
		Factory: func(plugin_ctx *PluginContext) (OutputPlugin, error) {
			panics, _ := plugin_ctx.Args().Get("panic")
			return &failingPlugin{panics: panics == true}, nil
		},
	})
}

type recordingSender struct {
	mu       sync.Mutex
	messages []*gomail.Message
}

func (self *recordingSender) DialAndSend(m ...*gomail.Message) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.messages = append(self.messages, m...)
	return nil
}

type OutputPluginsTestSuite struct {
	suite.Suite

	ctx        context.Context
	config_obj *config.Config
	db         datastore.DataStore
	pipeline   *Pipeline
	replies    []*flows_proto.FlowResult
}

func (self *OutputPluginsTestSuite) SetupTest() {
	self.ctx = context.Background()
	self.config_obj = config.GetDefaultConfig()
	self.config_obj.OutputPlugins.JsonlDirectory = self.T().TempDir()

	clock := utils.NewMockClock(time.Unix(1700000000, 0))
	self.db = datastore.NewMemoryDataStore(clock)
	self.pipeline = NewPipeline(self.config_obj, self.db, clock)

	self.replies = nil
	for _, data := range []string{"a", "b", "c"} {
		self.replies = append(self.replies, &flows_proto.FlowResult{
			ClientId: "C.1",
			FlowId:   "F.1",
			Payload:  payloads.MustEncode(&payloads.EchoResponse{Data: data}),
		})
	}
}

// One plugin failing must not stop the other or lose its state.
func (self *OutputPluginsTestSuite) TestPluginIsolation() {
	for _, panics := range []bool{false, true} {
		flow := &flows_proto.Flow{
			ClientId: "C.1",
			FlowId:   "F.1",
			OutputPlugins: []*flows_proto.OutputPluginDescriptor{
				{PluginName: "failing", PluginVersion: 1,
					Args: ordereddict.NewDict().Set("panic", panics)},
				{PluginName: "counting", PluginVersion: 1},
			},
		}

		states := self.pipeline.RunFlowOutputPlugins(self.ctx, flow, self.replies)
		flow.OutputPluginsStates = states
		states = self.pipeline.RunFlowOutputPlugins(self.ctx, flow, self.replies)

		failing := states["failing/v1"]
		require.NotNil(self.T(), failing)
		assert.Equal(self.T(), uint64(2), failing.ErrorCount)
		assert.Equal(self.T(), uint64(0), failing.SuccessCount)
		_, pres := failing.State.Get("scribble")
		assert.False(self.T(), pres)

		counting := states["counting/v1"]
		require.NotNil(self.T(), counting)
		assert.Equal(self.T(), uint64(2), counting.SuccessCount)
		count, _ := counting.State.Get("count")
		value, _ := utils.ToInt64(count)
		assert.Equal(self.T(), int64(6), value)
	}

	logs, err := self.db.ReadOutputPluginLogEntries(self.ctx, "C.1/F.1")
	assert.NoError(self.T(), err)
	assert.Equal(self.T(), 8, len(logs))

	errors_seen := 0
	for _, entry := range logs {
		if entry.Type == flows_proto.OutputPluginLogEntry_ERROR {
			errors_seen++
			assert.Equal(self.T(), "failing/v1", entry.PluginId)
		}
	}
	assert.Equal(self.T(), 4, errors_seen)
}

func (self *OutputPluginsTestSuite) TestHuntStateIsShared() {
	hunt := &flows_proto.Hunt{
		HuntId: "H.1",
		OutputPlugins: []*flows_proto.OutputPluginDescriptor{
			{PluginName: "counting", PluginVersion: 1},
		},
	}

	// Two different flows of the hunt.
	assert.NoError(self.T(), self.pipeline.RunHuntOutputPlugins(
		self.ctx, hunt, self.replies))
	assert.NoError(self.T(), self.pipeline.RunHuntOutputPlugins(
		self.ctx, hunt, self.replies[:1]))

	states, err := self.db.ReadHuntOutputPluginsStates(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	state := states["counting/v1"]
	require.NotNil(self.T(), state)
	count, _ := state.State.Get("count")
	value, _ := utils.ToInt64(count)
	assert.Equal(self.T(), int64(4), value)
	assert.Equal(self.T(), uint64(2), state.SuccessCount)
}

// Hunt plugins may call the datastore while they run.
func (self *OutputPluginsTestSuite) TestHuntPluginCanUseDatastore() {
	reentrant_db = self.db
	hunt := &flows_proto.Hunt{
		HuntId: "H.1",
		OutputPlugins: []*flows_proto.OutputPluginDescriptor{
			{PluginName: "counting", PluginVersion: 1},
			{PluginName: "reentrant", PluginVersion: 1},
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- self.pipeline.RunHuntOutputPlugins(self.ctx, hunt, self.replies)
	}()

	select {
	case err := <-done:
		assert.NoError(self.T(), err)
	case <-time.After(5 * time.Second):
		self.T().Fatalf("Hunt output plugins blocked on the datastore")
	}

	states, err := self.db.ReadHuntOutputPluginsStates(self.ctx, "H.1")
	assert.NoError(self.T(), err)
	state := states["reentrant/v1"]
	require.NotNil(self.T(), state)
	assert.Equal(self.T(), uint64(1), state.SuccessCount)
	assert.Equal(self.T(), "reentrant/v1", state.PluginId)

	// The counting plugin's state was already stored.
	seen, _ := state.State.Get("seen")
	value, _ := utils.ToInt64(seen)
	assert.Equal(self.T(), int64(1), value)
}

// Concurrent batches of the same hunt do not lose updates.
func (self *OutputPluginsTestSuite) TestHuntRunsAreSerialized() {
	hunt := &flows_proto.Hunt{
		HuntId: "H.2",
		OutputPlugins: []*flows_proto.OutputPluginDescriptor{
			{PluginName: "counting", PluginVersion: 1},
		},
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(self.T(), self.pipeline.RunHuntOutputPlugins(
				self.ctx, hunt, self.replies))
		}()
	}
	wg.Wait()

	states, err := self.db.ReadHuntOutputPluginsStates(self.ctx, "H.2")
	assert.NoError(self.T(), err)
	state := states["counting/v1"]
	require.NotNil(self.T(), state)
	count, _ := state.State.Get("count")
	value, _ := utils.ToInt64(count)
	assert.Equal(self.T(), int64(30), value)
	assert.Equal(self.T(), uint64(10), state.SuccessCount)
}

func (self *OutputPluginsTestSuite) TestJsonl() {
	flow := &flows_proto.Flow{
		ClientId: "C.1",
		FlowId:   "F.1",
		OutputPlugins: []*flows_proto.OutputPluginDescriptor{
			{PluginName: "jsonl"},
		},
	}
	assert.NoError(self.T(), ValidateDescriptors(flow.OutputPlugins))
	assert.Equal(self.T(), 1, flow.OutputPlugins[0].PluginVersion)

	states := self.pipeline.RunFlowOutputPlugins(self.ctx, flow, self.replies)
	state := states["jsonl/v1"]
	require.NotNil(self.T(), state)
	assert.Equal(self.T(), uint64(1), state.SuccessCount)

	path := filepath.Join(self.config_obj.OutputPlugins.JsonlDirectory,
		"C.1", "F.1", "jsonl_v1.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(self.T(), err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(self.T(), 3, len(lines))
	assert.Contains(self.T(), lines[0], `"data":"a"`)
	assert.Contains(self.T(), lines[0], `"Type":"EchoResponse"`)
}

func (self *OutputPluginsTestSuite) TestEmail() {
	sender := &recordingSender{}
	defer notifications.SetMailSender(sender)()

	flow := &flows_proto.Flow{
		ClientId: "C.1",
		FlowId:   "F.1",
		OutputPlugins: []*flows_proto.OutputPluginDescriptor{
			{PluginName: "email", PluginVersion: 1,
				Args: ordereddict.NewDict().
					Set("email_address", "analyst@example.com").
					Set("emails_limit", 1)},
		},
	}

	for i := 0; i < 3; i++ {
		flow.OutputPluginsStates = self.pipeline.RunFlowOutputPlugins(
			self.ctx, flow, self.replies)
	}

	// Bounded by the limit.
	require.Equal(self.T(), 1, len(sender.messages))

	body := &bytes.Buffer{}
	_, err := sender.messages[0].WriteTo(body)
	assert.NoError(self.T(), err)
	assert.Contains(self.T(), body.String(), "from 1 client.")
	assert.Equal(self.T(), uint64(3), flow.OutputPluginsStates["email/v1"].SuccessCount)

	// A missing address is a plugin error.
	flow.OutputPlugins[0].Args = ordereddict.NewDict()
	flow.OutputPluginsStates = self.pipeline.RunFlowOutputPlugins(
		self.ctx, flow, self.replies)
	assert.Equal(self.T(), uint64(1), flow.OutputPluginsStates["email/v1"].ErrorCount)
}

func (self *OutputPluginsTestSuite) TestUnknownPlugin() {
	err := ValidateDescriptors([]*flows_proto.OutputPluginDescriptor{
		{PluginName: "nosuchplugin"}})
	assert.True(self.T(), errors.Is(err, ErrUnknownPlugin))

	err = ValidateDescriptors([]*flows_proto.OutputPluginDescriptor{
		{PluginName: "counting"}, {PluginName: "counting"}})
	assert.Error(self.T(), err)
}

func TestOutputPlugins(t *testing.T) {
	suite.Run(t, &OutputPluginsTestSuite{})
}
