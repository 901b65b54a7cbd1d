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

// A typed value travelling between the server, clients and output
// plugins. TypeName identifies the registered Go type of Data.
type Payload struct {
	TypeName string `json:"type_name,omitempty"`
	Data     string `json:"data,omitempty"`
}

func (self *Payload) GetTypeName() string {
	if self == nil {
		return ""
	}
	return self.TypeName
}

type CpuSeconds struct {
	UserCpuTime   float64 `json:"user_cpu_time,omitempty"`
	SystemCpuTime float64 `json:"system_cpu_time,omitempty"`
}

func (self *CpuSeconds) Total() float64 {
	if self == nil {
		return 0
	}
	return self.UserCpuTime + self.SystemCpuTime
}

type ClientActionRequest struct {
	ClientId   string   `json:"client_id,omitempty"`
	FlowId     string   `json:"flow_id,omitempty"`
	RequestId  uint64   `json:"request_id,omitempty"`
	ActionName string   `json:"action_name,omitempty"`
	Args       *Payload `json:"args,omitempty"`

	// Sub limits for this single call, derived from the flow's
	// remaining budget.
	CpuLimitMs        float64 `json:"cpu_limit_ms,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
	RuntimeLimitUs    uint64  `json:"runtime_limit_us,omitempty"`

	// Assigned when queued for delivery.
	TaskId      uint64 `json:"task_id,omitempty"`
	LeasedUntil uint64 `json:"leased_until,omitempty"`
}

type FlowRequest struct {
	ClientId  string `json:"client_id,omitempty"`
	FlowId    string `json:"flow_id,omitempty"`
	RequestId uint64 `json:"request_id,omitempty"`
	NextState string `json:"next_state,omitempty"`

	// Opaque context echoed back to the state handler.
	RequestData *ordereddict.Dict `json:"request_data,omitempty"`

	ClientActionRequest *ClientActionRequest `json:"client_action_request,omitempty"`

	// Set when the request waits on a child flow.
	ChildFlowId string `json:"child_flow_id,omitempty"`

	// Do not process before this time (microseconds).
	StartTime uint64 `json:"start_time,omitempty"`

	TransmissionCount int    `json:"transmission_count,omitempty"`
	Timestamp         uint64 `json:"timestamp,omitempty"`
}

type FlowResponse_Type int32

const (
	FlowResponse_MESSAGE FlowResponse_Type = 0
	FlowResponse_STATUS  FlowResponse_Type = 1
	FlowResponse_ERROR   FlowResponse_Type = 2
)

func (self FlowResponse_Type) String() string {
	switch self {
	case FlowResponse_STATUS:
		return "STATUS"
	case FlowResponse_ERROR:
		return "ERROR"
	}
	return "MESSAGE"
}

type Status_Code int32

const (
	Status_OK                     Status_Code = 0
	Status_GENERIC_ERROR          Status_Code = 1
	Status_CLIENT_KILLED          Status_Code = 2
	Status_CPU_LIMIT_EXCEEDED     Status_Code = 3
	Status_NETWORK_LIMIT_EXCEEDED Status_Code = 4
	Status_RUNTIME_LIMIT_EXCEEDED Status_Code = 5
)

var Status_Code_name = map[Status_Code]string{
	Status_OK:                     "OK",
	Status_GENERIC_ERROR:          "GENERIC_ERROR",
	Status_CLIENT_KILLED:          "CLIENT_KILLED",
	Status_CPU_LIMIT_EXCEEDED:     "CPU_LIMIT_EXCEEDED",
	Status_NETWORK_LIMIT_EXCEEDED: "NETWORK_LIMIT_EXCEEDED",
	Status_RUNTIME_LIMIT_EXCEEDED: "RUNTIME_LIMIT_EXCEEDED",
}

func (self Status_Code) String() string {
	name, pres := Status_Code_name[self]
	if !pres {
		return "UNKNOWN"
	}
	return name
}

// The terminal message of every request.
type Status struct {
	Status       Status_Code `json:"status,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Backtrace    string      `json:"backtrace,omitempty"`

	CpuTimeUsed      *CpuSeconds `json:"cpu_time_used,omitempty"`
	NetworkBytesSent uint64      `json:"network_bytes_sent,omitempty"`
	RuntimeUs        uint64      `json:"runtime_us,omitempty"`

	// Set when the status was sent by a child flow.
	ChildSessionId string `json:"child_session_id,omitempty"`
}

func (self *Status) IsOK() bool {
	return self != nil && self.Status == Status_OK
}

type FlowResponse struct {
	ClientId   string            `json:"client_id,omitempty"`
	FlowId     string            `json:"flow_id,omitempty"`
	RequestId  uint64            `json:"request_id,omitempty"`
	ResponseId uint64            `json:"response_id,omitempty"`
	Type       FlowResponse_Type `json:"type,omitempty"`
	Payload    *Payload          `json:"payload,omitempty"`
	Status     *Status           `json:"status,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	Timestamp  uint64            `json:"timestamp,omitempty"`
}

func (self *FlowResponse) IsTerminal() bool {
	return self.Type == FlowResponse_STATUS || self.Type == FlowResponse_ERROR
}

type RequestWithResponses struct {
	Request   *FlowRequest
	Responses []*FlowResponse
}

// The terminal response if one arrived. It is always the response
// with the highest id.
func (self *RequestWithResponses) TerminalResponse() *FlowResponse {
	for _, r := range self.Responses {
		if r.IsTerminal() {
			return r
		}
	}
	return nil
}

// The terminal response's id implies how many messages precede
// it. A request is complete when all of them are present.
func (self *RequestWithResponses) IsComplete() bool {
	terminal := self.TerminalResponse()
	if terminal == nil {
		return false
	}
	return uint64(len(self.Responses)) >= terminal.ResponseId
}
