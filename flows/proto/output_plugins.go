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
package proto

import (
	"fmt"

	"github.com/Velocidex/ordereddict"
)

type OutputPluginDescriptor struct {
	PluginName    string `json:"plugin_name,omitempty"`
	PluginVersion int    `json:"plugin_version,omitempty"`

	// Distinguishes two instances of the same plugin.
	PluginId string `json:"plugin_id,omitempty"`

	Args *ordereddict.Dict `json:"args,omitempty"`
}

// The key the plugin's state is stored under.
func (self *OutputPluginDescriptor) Key() string {
	if self.PluginId != "" {
		return self.PluginId
	}
	return fmt.Sprintf("%s/v%d", self.PluginName, self.PluginVersion)
}

type OutputPluginState struct {
	PluginId     string            `json:"plugin_id,omitempty"`
	PluginName   string            `json:"plugin_name,omitempty"`
	State        *ordereddict.Dict `json:"state,omitempty"`
	SuccessCount uint64            `json:"success_count,omitempty"`
	ErrorCount   uint64            `json:"error_count,omitempty"`
}

func (self *OutputPluginState) Copy() *OutputPluginState {
	if self == nil {
		return nil
	}
	result := *self
	if self.State != nil {
		result.State = ordereddict.NewDict()
		for _, k := range self.State.Keys() {
			v, _ := self.State.Get(k)
			result.State.Set(k, v)
		}
	}
	return &result
}

type OutputPluginLogEntry_Type int32

const (
	OutputPluginLogEntry_LOG   OutputPluginLogEntry_Type = 0
	OutputPluginLogEntry_ERROR OutputPluginLogEntry_Type = 1
)

func (self OutputPluginLogEntry_Type) String() string {
	if self == OutputPluginLogEntry_ERROR {
		return "ERROR"
	}
	return "LOG"
}

type OutputPluginLogEntry struct {
	ClientId  string                    `json:"client_id,omitempty"`
	FlowId    string                    `json:"flow_id,omitempty"`
	HuntId    string                    `json:"hunt_id,omitempty"`
	PluginId  string                    `json:"plugin_id,omitempty"`
	Type      OutputPluginLogEntry_Type `json:"type,omitempty"`
	Message   string                    `json:"message,omitempty"`
	BatchSize int                       `json:"batch_size,omitempty"`
	Timestamp uint64                    `json:"timestamp,omitempty"`
}

// Hunt owned plugins log against the hunt, otherwise the flow.
func (self *OutputPluginLogEntry) OwnerId() string {
	if self.HuntId != "" {
		return self.HuntId
	}
	return self.ClientId + "/" + self.FlowId
}
