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
	"github.com/Velocidex/ordereddict"
)

type Flow_FlowState int32

const (
	Flow_UNSET    Flow_FlowState = 0
	Flow_RUNNING  Flow_FlowState = 1
	Flow_FINISHED Flow_FlowState = 2
	Flow_ERROR    Flow_FlowState = 3
	Flow_CRASHED  Flow_FlowState = 4
)

var Flow_FlowState_name = map[Flow_FlowState]string{
	Flow_UNSET:    "UNSET",
	Flow_RUNNING:  "RUNNING",
	Flow_FINISHED: "FINISHED",
	Flow_ERROR:    "ERROR",
	Flow_CRASHED:  "CRASHED",
}

func (self Flow_FlowState) String() string {
	name, pres := Flow_FlowState_name[self]
	if !pres {
		return "UNKNOWN"
	}
	return name
}

func (self Flow_FlowState) IsTerminal() bool {
	return self == Flow_FINISHED || self == Flow_ERROR || self == Flow_CRASHED
}

// Requests cooperative shutdown of a running flow.
type PendingTermination struct {
	Reason    string `json:"reason,omitempty"`
	Requester string `json:"requester,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}

type Flow struct {
	ClientId      string   `json:"client_id,omitempty"`
	FlowId        string   `json:"flow_id,omitempty"`
	FlowClassName string   `json:"flow_class_name,omitempty"`
	FlowArgs      *Payload `json:"flow_args,omitempty"`
	Creator       string   `json:"creator,omitempty"`

	ParentFlowId    string `json:"parent_flow_id,omitempty"`
	ParentRequestId uint64 `json:"parent_request_id,omitempty"`
	ParentHuntId    string `json:"parent_hunt_id,omitempty"`

	CurrentState         string         `json:"current_state,omitempty"`
	NextOutboundId       uint64         `json:"next_outbound_id,omitempty"`
	NextRequestToProcess uint64         `json:"next_request_to_process,omitempty"`
	ResponseCount        uint64         `json:"response_count,omitempty"`
	FlowState            Flow_FlowState `json:"flow_state,omitempty"`
	EndStateRan          bool           `json:"end_state_ran,omitempty"`

	// The serialized typed state of the flow implementation.
	PersistentData string `json:"persistent_data,omitempty"`

	CpuLimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
	RuntimeLimitUs    uint64  `json:"runtime_limit_us,omitempty"`

	CpuTimeUsed      float64 `json:"cpu_time_used,omitempty"`
	NetworkBytesSent uint64  `json:"network_bytes_sent,omitempty"`
	RuntimeUs        uint64  `json:"runtime_us,omitempty"`

	NumResults uint64 `json:"num_results,omitempty"`

	PendingTermination *PendingTermination `json:"pending_termination,omitempty"`
	ProcessingDeadline uint64              `json:"processing_deadline,omitempty"`
	ProcessingOnWorker string              `json:"processing_on_worker,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Backtrace    string `json:"backtrace,omitempty"`

	OutputPlugins       []*OutputPluginDescriptor     `json:"output_plugins,omitempty"`
	OutputPluginsStates map[string]*OutputPluginState `json:"output_plugins_states,omitempty"`

	CreateTime     uint64 `json:"create_time,omitempty"`
	LastUpdateTime uint64 `json:"last_update_time,omitempty"`
}

func (self *Flow) IsRunning() bool {
	return self.FlowState == Flow_RUNNING
}

// Number of requests issued but not yet processed.
func (self *Flow) OutstandingRequests() uint64 {
	if self.NextOutboundId < self.NextRequestToProcess {
		return 0
	}
	return self.NextOutboundId - self.NextRequestToProcess
}

func (self *Flow) Copy() *Flow {
	if self == nil {
		return nil
	}
	result := *self
	if self.PendingTermination != nil {
		pt := *self.PendingTermination
		result.PendingTermination = &pt
	}
	result.OutputPlugins = append([]*OutputPluginDescriptor{},
		self.OutputPlugins...)
	if self.OutputPluginsStates != nil {
		result.OutputPluginsStates = make(map[string]*OutputPluginState)
		for k, v := range self.OutputPluginsStates {
			result.OutputPluginsStates[k] = v.Copy()
		}
	}
	return &result
}

func (self *Flow) ToDict() *ordereddict.Dict {
	return ordereddict.NewDict().
		Set("ClientId", self.ClientId).
		Set("FlowId", self.FlowId).
		Set("FlowClassName", self.FlowClassName).
		Set("State", self.FlowState.String()).
		Set("CurrentState", self.CurrentState).
		Set("Creator", self.Creator).
		Set("ParentHuntId", self.ParentHuntId).
		Set("OutstandingRequests", self.OutstandingRequests()).
		Set("CpuTimeUsed", self.CpuTimeUsed).
		Set("NetworkBytesSent", self.NetworkBytesSent).
		Set("NumResults", self.NumResults).
		Set("Error", self.ErrorMessage)
}

// Each processing request asks a worker to run a flow's ready
// requests.
type FlowProcessingRequest struct {
	ClientId     string `json:"client_id,omitempty"`
	FlowId       string `json:"flow_id,omitempty"`
	ParentHuntId string `json:"parent_hunt_id,omitempty"`

	// Do not process before this time.
	DeliveryTime uint64 `json:"delivery_time,omitempty"`
	CreationTime uint64 `json:"creation_time,omitempty"`
	LeasedUntil  uint64 `json:"leased_until,omitempty"`
	LeasedBy     string `json:"leased_by,omitempty"`
}

type FlowResult struct {
	ClientId  string   `json:"client_id,omitempty"`
	FlowId    string   `json:"flow_id,omitempty"`
	HuntId    string   `json:"hunt_id,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
	Timestamp uint64   `json:"timestamp,omitempty"`
}

type FlowLogEntry_Level int32

const (
	FlowLogEntry_INFO  FlowLogEntry_Level = 0
	FlowLogEntry_ERROR FlowLogEntry_Level = 1
)

func (self FlowLogEntry_Level) String() string {
	if self == FlowLogEntry_ERROR {
		return "ERROR"
	}
	return "INFO"
}

type FlowLogEntry struct {
	ClientId  string             `json:"client_id,omitempty"`
	FlowId    string             `json:"flow_id,omitempty"`
	HuntId    string             `json:"hunt_id,omitempty"`
	Level     FlowLogEntry_Level `json:"level,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp uint64             `json:"timestamp,omitempty"`
}
