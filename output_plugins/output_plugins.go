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
// Output plugins receive the finalized replies of flows and hunts and
// forward them to external sinks. Each plugin keeps a small persisted
// state blob between batches.
package output_plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/config"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

type OutputPlugin interface {
	ProcessResponses(ctx context.Context, state *ordereddict.Dict,
		replies []*flows_proto.FlowResult) error
	Flush(ctx context.Context, state *ordereddict.Dict) error
	UpdateState(ctx context.Context, state *ordereddict.Dict) error
}

// Identifies whose replies a plugin is processing.
type Owner struct {
	ClientId string
	FlowId   string
	HuntId   string
}

func (self Owner) String() string {
	if self.HuntId != "" {
		return self.HuntId
	}
	return self.ClientId + "/" + self.FlowId
}

// Everything a plugin instance needs to know about where it runs.
type PluginContext struct {
	ConfigObj  *config.Config
	Clock      utils.Clock
	Owner      Owner
	Descriptor *flows_proto.OutputPluginDescriptor
}

func (self *PluginContext) Args() *ordereddict.Dict {
	if self.Descriptor.Args == nil {
		return ordereddict.NewDict()
	}
	return self.Descriptor.Args
}

type OutputPluginFactory func(plugin_ctx *PluginContext) (OutputPlugin, error)

type OutputPluginInfo struct {
	Name    string
	Version int
	Doc     string
	Factory OutputPluginFactory
}

var (
	mu      sync.Mutex
	plugins = make(map[string]*OutputPluginInfo)

	ErrUnknownPlugin = errors.New("Unknown output plugin")
)

func RegisterOutputPlugin(info *OutputPluginInfo) {
	mu.Lock()
	defer mu.Unlock()

	_, pres := plugins[info.Name]
	if pres {
		panic(fmt.Sprintf("Output plugin %v already registered", info.Name))
	}
	plugins[info.Name] = info
}

func GetOutputPlugin(name string) (*OutputPluginInfo, error) {
	mu.Lock()
	defer mu.Unlock()

	info, pres := plugins[name]
	if !pres {
		return nil, errors.WithMessage(ErrUnknownPlugin, name)
	}
	return info, nil
}

func ListOutputPlugins() []*OutputPluginInfo {
	mu.Lock()
	defer mu.Unlock()

	result := make([]*OutputPluginInfo, 0, len(plugins))
	for _, v := range plugins {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Fills in the version of descriptors which do not name one and
// checks that every plugin exists.
func ValidateDescriptors(descriptors []*flows_proto.OutputPluginDescriptor) error {
	seen := make(map[string]bool)
	for _, desc := range descriptors {
		info, err := GetOutputPlugin(desc.PluginName)
		if err != nil {
			return err
		}
		if desc.PluginVersion == 0 {
			desc.PluginVersion = info.Version
		}

		key := desc.Key()
		if seen[key] {
			return fmt.Errorf("Output plugin %v configured twice", key)
		}
		seen[key] = true
	}
	return nil
}
