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
package output_plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/Velocidex/ordereddict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

var (
	pluginSuccessCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "output_plugin_success_count",
			Help: "Number of reply batches output plugins processed.",
		}, []string{"plugin"})

	pluginErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "output_plugin_error_count",
			Help: "Number of reply batches output plugins failed on.",
		}, []string{"plugin"})
)

// Runs each configured plugin over a batch of replies. A failing
// plugin never affects the others or the owner of the replies.
type Pipeline struct {
	config_obj *config.Config
	db         datastore.DataStore
	clock      utils.Clock

	// Serializes plugin runs per hunt. Plugins run outside the
	// datastore so they are free to call back into it.
	mu         sync.Mutex
	hunt_locks map[string]*sync.Mutex
}

func NewPipeline(config_obj *config.Config,
	db datastore.DataStore, clock utils.Clock) *Pipeline {
	return &Pipeline{
		config_obj: config_obj,
		db:         db,
		clock:      clock,
		hunt_locks: make(map[string]*sync.Mutex),
	}
}

func (self *Pipeline) huntLock(hunt_id string) *sync.Mutex {
	self.mu.Lock()
	defer self.mu.Unlock()

	lock, pres := self.hunt_locks[hunt_id]
	if !pres {
		lock = &sync.Mutex{}
		self.hunt_locks[hunt_id] = lock
	}
	return lock
}

// Runs one plugin over the batch. On success the new state is
// returned, on failure the old state with the error counted: the
// plugin's changes to its state are discarded.
func (self *Pipeline) RunPlugin(
	ctx context.Context, owner Owner,
	desc *flows_proto.OutputPluginDescriptor,
	state *flows_proto.OutputPluginState,
	replies []*flows_proto.FlowResult) (
	*flows_proto.OutputPluginState, *flows_proto.OutputPluginLogEntry) {

	if state == nil {
		state = &flows_proto.OutputPluginState{}
	}
	state = state.Copy()
	if state.State == nil {
		state.State = ordereddict.NewDict()
	}
	state.PluginId = desc.Key()
	state.PluginName = desc.PluginName

	log_entry := &flows_proto.OutputPluginLogEntry{
		ClientId:  owner.ClientId,
		FlowId:    owner.FlowId,
		HuntId:    owner.HuntId,
		PluginId:  desc.Key(),
		BatchSize: len(replies),
		Timestamp: utils.ToMicro(self.clock.Now()),
	}

	working_state := json.CopyDict(state.State)
	err := self.runPlugin(ctx, owner, desc, working_state, replies)
	if err != nil {
		pluginErrorCounter.WithLabelValues(desc.PluginName).Inc()
		state.ErrorCount++
		log_entry.Type = flows_proto.OutputPluginLogEntry_ERROR
		log_entry.Message = fmt.Sprintf("Error processing %d replies: %v",
			len(replies), err)
		return state, log_entry
	}

	pluginSuccessCounter.WithLabelValues(desc.PluginName).Inc()
	state.State = working_state
	state.SuccessCount++
	log_entry.Type = flows_proto.OutputPluginLogEntry_LOG
	log_entry.Message = fmt.Sprintf("Processed %d replies.", len(replies))
	return state, log_entry
}

func (self *Pipeline) runPlugin(
	ctx context.Context, owner Owner,
	desc *flows_proto.OutputPluginDescriptor,
	state *ordereddict.Dict,
	replies []*flows_proto.FlowResult) (err error) {

	defer func() {
		r := recover()
		if r != nil {
			err = utils.PanicToError(r)
		}
	}()

	info, err := GetOutputPlugin(desc.PluginName)
	if err != nil {
		return err
	}

	plugin, err := info.Factory(&PluginContext{
		ConfigObj:  self.config_obj,
		Clock:      self.clock,
		Owner:      owner,
		Descriptor: desc,
	})
	if err != nil {
		return err
	}

	err = plugin.ProcessResponses(ctx, state, replies)
	if err != nil {
		return err
	}

	err = plugin.Flush(ctx, state)
	if err != nil {
		return err
	}

	return plugin.UpdateState(ctx, state)
}

// Processes a flow's replies with the flow's own plugins. The new
// states are returned keyed by plugin, ready to be stored with the
// flow.
func (self *Pipeline) RunFlowOutputPlugins(
	ctx context.Context, flow *flows_proto.Flow,
	replies []*flows_proto.FlowResult) map[string]*flows_proto.OutputPluginState {

	result := make(map[string]*flows_proto.OutputPluginState)
	for k, v := range flow.OutputPluginsStates {
		result[k] = v
	}

	if len(flow.OutputPlugins) == 0 || len(replies) == 0 {
		return result
	}

	owner := Owner{ClientId: flow.ClientId, FlowId: flow.FlowId}
	logs := []*flows_proto.OutputPluginLogEntry{}
	for _, desc := range flow.OutputPlugins {
		new_state, log_entry := self.RunPlugin(
			ctx, owner, desc, result[desc.Key()], replies)
		result[desc.Key()] = new_state
		logs = append(logs, log_entry)
	}

	self.writeLogs(ctx, logs)
	return result
}

// Processes replies of one of the hunt's flows with the hunt's
// plugins. The hunt's plugin states are shared by all its flows: runs
// for the same hunt are serialized and each new state is written back
// once the plugin returns.
func (self *Pipeline) RunHuntOutputPlugins(
	ctx context.Context, hunt *flows_proto.Hunt,
	replies []*flows_proto.FlowResult) error {

	if len(hunt.OutputPlugins) == 0 || len(replies) == 0 {
		return nil
	}

	lock := self.huntLock(hunt.HuntId)
	lock.Lock()
	defer lock.Unlock()

	states, err := self.db.ReadHuntOutputPluginsStates(ctx, hunt.HuntId)
	if err != nil {
		return err
	}

	owner := Owner{HuntId: hunt.HuntId}
	logs := []*flows_proto.OutputPluginLogEntry{}
	defer func() {
		self.writeLogs(ctx, logs)
	}()

	for _, desc := range hunt.OutputPlugins {
		new_state, log_entry := self.RunPlugin(
			ctx, owner, desc, states[desc.Key()], replies)
		logs = append(logs, log_entry)

		err := self.db.UpdateHuntOutputPluginState(ctx, hunt.HuntId, desc.Key(),
			func(state *flows_proto.OutputPluginState) (
				*flows_proto.OutputPluginState, error) {
				return new_state, nil
			})
		if err != nil {
			return err
		}
	}

	return nil
}

func (self *Pipeline) writeLogs(ctx context.Context,
	logs []*flows_proto.OutputPluginLogEntry) {
	logger := logging.GetLogger(self.config_obj, &logging.OutputPluginsComponent)
	for _, entry := range logs {
		if entry.Type == flows_proto.OutputPluginLogEntry_ERROR {
			logger.Error("%v: %v: %v", entry.OwnerId(), entry.PluginId, entry.Message)
		} else {
			logger.Debug("%v: %v: %v", entry.OwnerId(), entry.PluginId, entry.Message)
		}
	}

	err := self.db.WriteOutputPluginLogEntries(ctx, logs)
	if err != nil {
		logger.Error("Writing output plugin logs: %v", err)
	}
}
