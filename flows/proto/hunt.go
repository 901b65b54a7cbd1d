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

type Hunt_HuntState int32

const (
	Hunt_UNSET     Hunt_HuntState = 0
	Hunt_PAUSED    Hunt_HuntState = 1
	Hunt_STARTED   Hunt_HuntState = 2
	Hunt_STOPPED   Hunt_HuntState = 3
	Hunt_COMPLETED Hunt_HuntState = 4
)

var Hunt_HuntState_name = map[Hunt_HuntState]string{
	Hunt_UNSET:     "UNSET",
	Hunt_PAUSED:    "PAUSED",
	Hunt_STARTED:   "STARTED",
	Hunt_STOPPED:   "STOPPED",
	Hunt_COMPLETED: "COMPLETED",
}

var Hunt_HuntState_value = map[string]Hunt_HuntState{
	"PAUSED":    Hunt_PAUSED,
	"STARTED":   Hunt_STARTED,
	"STOPPED":   Hunt_STOPPED,
	"COMPLETED": Hunt_COMPLETED,
}

func (self Hunt_HuntState) String() string {
	name, pres := Hunt_HuntState_name[self]
	if !pres {
		return "UNKNOWN"
	}
	return name
}

func (self Hunt_HuntState) IsTerminal() bool {
	return self == Hunt_STOPPED || self == Hunt_COMPLETED
}

type Hunt struct {
	HuntId      string `json:"hunt_id,omitempty"`
	Creator     string `json:"creator,omitempty"`
	Description string `json:"description,omitempty"`

	FlowName string   `json:"flow_name,omitempty"`
	FlowArgs *Payload `json:"flow_args,omitempty"`

	State        Hunt_HuntState `json:"state,omitempty"`
	StateComment string         `json:"state_comment,omitempty"`

	// Admission control. ClientRate is in clients per minute, 0 means
	// no rate limit.
	ClientRate  float64 `json:"client_rate,omitempty"`
	ClientLimit uint64  `json:"client_limit,omitempty"`

	// Duration in microseconds measured from the first start.
	Duration uint64 `json:"duration,omitempty"`

	CrashLimit                    uint64  `json:"crash_limit,omitempty"`
	AvgCpuSecondsPerClientLimit   float64 `json:"avg_cpu_seconds_per_client_limit,omitempty"`
	AvgNetworkBytesPerClientLimit uint64  `json:"avg_network_bytes_per_client_limit,omitempty"`
	TotalNetworkBytesLimit        uint64  `json:"total_network_bytes_limit,omitempty"`

	// Applied to each child flow.
	PerClientCpuLimit          float64 `json:"per_client_cpu_limit,omitempty"`
	PerClientNetworkBytesLimit uint64  `json:"per_client_network_bytes_limit,omitempty"`

	OutputPlugins []*OutputPluginDescriptor `json:"output_plugins,omitempty"`

	CreateTime    uint64 `json:"create_time,omitempty"`
	InitStartTime uint64 `json:"init_start_time,omitempty"`
	LastStartTime uint64 `json:"last_start_time,omitempty"`
}

func (self *Hunt) Copy() *Hunt {
	if self == nil {
		return nil
	}
	result := *self
	result.OutputPlugins = append([]*OutputPluginDescriptor{},
		self.OutputPlugins...)
	return &result
}

// Expiry time in microseconds, 0 if the hunt never started.
func (self *Hunt) Expires() uint64 {
	if self.InitStartTime == 0 || self.Duration == 0 {
		return 0
	}
	return self.InitStartTime + self.Duration
}

// Derived from the hunt's child flows. Never stored.
type HuntCounters struct {
	NumClients            uint64  `json:"num_clients"`
	NumRunning            uint64  `json:"num_running"`
	NumSuccessful         uint64  `json:"num_successful"`
	NumFailed             uint64  `json:"num_failed"`
	NumCrashed            uint64  `json:"num_crashed"`
	NumResults            uint64  `json:"num_results"`
	TotalCpuSeconds       float64 `json:"total_cpu_seconds"`
	TotalNetworkBytesSent uint64  `json:"total_network_bytes_sent"`
}

func (self *HuntCounters) Add(flow *Flow) {
	self.NumClients++
	switch flow.FlowState {
	case Flow_RUNNING:
		self.NumRunning++
	case Flow_FINISHED:
		self.NumSuccessful++
	case Flow_ERROR:
		self.NumFailed++
	case Flow_CRASHED:
		self.NumCrashed++
	}
	self.NumResults += flow.NumResults
	self.TotalCpuSeconds += flow.CpuTimeUsed
	self.TotalNetworkBytesSent += flow.NetworkBytesSent
}

// Clients whose flow reached a terminal state.
func (self *HuntCounters) NumCompleted() uint64 {
	return self.NumSuccessful + self.NumFailed + self.NumCrashed
}

type UserNotification struct {
	Username  string `json:"username,omitempty"`
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}
