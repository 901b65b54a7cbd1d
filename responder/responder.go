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
// The responder packages a client action's output as a sequence of
// responses to a single request: zero or more messages followed by
// exactly one terminal status carrying the resources the action used.
package responder

import (
	"os"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

type Responder struct {
	request *flows_proto.ClientActionRequest
	next_id uint64
	output  chan<- *flows_proto.FlowResponse
	clock   utils.Clock

	start_time    time.Time
	start_cpu     float64
	network_bytes uint64
	done          bool
}

// NewResponder returns a new Responder.
func NewResponder(
	request *flows_proto.ClientActionRequest,
	output chan<- *flows_proto.FlowResponse) *Responder {
	result := &Responder{
		request: request,
		output:  output,
		clock:   utils.RealClock{},
	}
	result.start_time = result.clock.Now()
	result.start_cpu = processCpuTime()
	return result
}

func (self *Responder) Request() *flows_proto.ClientActionRequest {
	return self.request
}

// Decode the request arguments into target.
func (self *Responder) GetArgs(target interface{}) error {
	return payloads.DecodeInto(self.request.Args, target)
}

func (self *Responder) AddResponse(message interface{}) error {
	payload, err := payloads.Encode(message)
	if err != nil {
		return err
	}

	self.network_bytes += uint64(len(payload.Data))
	self.send(&flows_proto.FlowResponse{
		Type:    flows_proto.FlowResponse_MESSAGE,
		Payload: payload,
	})
	return nil
}

// Exceeded limits are reported in place of the normal status.
func (self *Responder) limitStatus(status *flows_proto.Status) {
	if self.request.NetworkBytesLimit > 0 &&
		status.NetworkBytesSent > self.request.NetworkBytesLimit {
		status.Status = flows_proto.Status_NETWORK_LIMIT_EXCEEDED
		status.ErrorMessage = "Network limit exceeded."
		return
	}

	if self.request.CpuLimitMs > 0 &&
		status.CpuTimeUsed.Total()*1000 > self.request.CpuLimitMs {
		status.Status = flows_proto.Status_CPU_LIMIT_EXCEEDED
		status.ErrorMessage = "CPU limit exceeded."
		return
	}

	if self.request.RuntimeLimitUs > 0 &&
		status.RuntimeUs > self.request.RuntimeLimitUs {
		status.Status = flows_proto.Status_RUNTIME_LIMIT_EXCEEDED
		status.ErrorMessage = "Runtime limit exceeded."
	}
}

func (self *Responder) usage() *flows_proto.Status {
	cpu := processCpuTime() - self.start_cpu
	if cpu < 0 {
		cpu = 0
	}
	return &flows_proto.Status{
		CpuTimeUsed:      &flows_proto.CpuSeconds{UserCpuTime: cpu},
		NetworkBytesSent: self.network_bytes,
		RuntimeUs: uint64(
			self.clock.Now().Sub(self.start_time).Microseconds()),
	}
}

func (self *Responder) RaiseError(message string) {
	status := self.usage()
	status.Status = flows_proto.Status_GENERIC_ERROR
	status.ErrorMessage = message
	status.Backtrace = string(debug.Stack())
	self.sendStatus(flows_proto.FlowResponse_ERROR, status)
}

func (self *Responder) Return() {
	status := self.usage()
	self.limitStatus(status)

	response_type := flows_proto.FlowResponse_STATUS
	if !status.IsOK() {
		response_type = flows_proto.FlowResponse_ERROR
	}
	self.sendStatus(response_type, status)
}

func (self *Responder) sendStatus(
	response_type flows_proto.FlowResponse_Type, status *flows_proto.Status) {
	if self.done {
		return
	}
	self.done = true
	self.send(&flows_proto.FlowResponse{
		Type:   response_type,
		Status: status,
	})
}

func (self *Responder) send(response *flows_proto.FlowResponse) {
	self.next_id++
	response.ClientId = self.request.ClientId
	response.FlowId = self.request.FlowId
	response.RequestId = self.request.RequestId
	response.ResponseId = self.next_id
	response.Timestamp = utils.ToMicro(self.clock.Now())
	self.output <- response
}

func processCpuTime() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	times, err := proc.Times()
	if err != nil {
		return 0
	}
	return times.User + times.System
}
