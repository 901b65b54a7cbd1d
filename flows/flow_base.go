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
package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/actions"
	"www.velocidex.com/golang/flowrunner/constants"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// All the responses to a single request, terminal status last.
type Responses struct {
	Request   *flows_proto.FlowRequest
	Responses []*flows_proto.FlowResponse
	Status    *flows_proto.Status
}

func (self *Responses) Success() bool {
	return self.Status == nil || self.Status.IsOK()
}

// An error describing the failed status, or nil.
func (self *Responses) Err() error {
	if self.Success() {
		return nil
	}
	return fmt.Errorf("%v: %v", self.Status.Status, self.Status.ErrorMessage)
}

// The MESSAGE responses.
func (self *Responses) Messages() []*flows_proto.FlowResponse {
	result := make([]*flows_proto.FlowResponse, 0, len(self.Responses))
	for _, r := range self.Responses {
		if r.Type == flows_proto.FlowResponse_MESSAGE {
			result = append(result, r)
		}
	}
	return result
}

// The request data passed to the call that produced these responses.
func (self *Responses) RequestData() *ordereddict.Dict {
	if self.Request == nil || self.Request.RequestData == nil {
		return ordereddict.NewDict()
	}
	return self.Request.RequestData
}

// Decodes every message into T.
func DecodeMessages[T any](responses *Responses) ([]*T, error) {
	result := []*T{}
	for _, r := range responses.Messages() {
		item := new(T)
		err := payloads.DecodeInto(r.Payload, item)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}

// The API a flow's state methods use. It wraps one flow record while
// a runner processes it. Everything it does is staged in the runner's
// FlowManager and only becomes visible when the manager is flushed.
type FlowBase struct {
	flow    *flows_proto.Flow
	class   *registeredFlow
	impl    FlowImplementation
	states  StateTable
	runner  *FlowRunner
	manager *FlowManager

	// The processing request being served, if this flow is processed
	// under a lease.
	processing *flows_proto.FlowProcessingRequest

	// Results produced while processing, passed to the output plugins
	// after the flush.
	replies []*flows_proto.FlowResult

	// A failed resource check which the state method may not swallow.
	resource_error error
}

func (self *FlowBase) Flow() *flows_proto.Flow {
	return self.flow
}

func (self *FlowBase) ClientId() string {
	return self.flow.ClientId
}

func (self *FlowBase) FlowId() string {
	return self.flow.FlowId
}

func (self *FlowBase) Name() string {
	return self.flow.FlowClassName
}

func (self *FlowBase) IsRunning() bool {
	return self.flow.IsRunning()
}

func (self *FlowBase) Now() time.Time {
	return self.runner.clock.Now()
}

func (self *FlowBase) now() uint64 {
	return utils.ToMicro(self.runner.clock.Now())
}

func (self *FlowBase) checkRunning() error {
	if !self.flow.IsRunning() {
		return &FlowNotRunningError{
			ClientId: self.flow.ClientId,
			FlowId:   self.flow.FlowId,
			State:    self.flow.FlowState,
		}
	}
	return nil
}

func (self *FlowBase) checkNextState(next_state string) error {
	_, pres := self.states[next_state]
	if !pres {
		return &UnknownStateError{
			FlowName: self.flow.FlowClassName,
			State:    next_state,
		}
	}
	return nil
}

func (self *FlowBase) nextRequestId() uint64 {
	if self.flow.NextOutboundId == 0 {
		self.flow.NextOutboundId = 1
	}
	id := self.flow.NextOutboundId
	self.flow.NextOutboundId++
	return id
}

func (self *FlowBase) checkBudget() (*budget, error) {
	remaining, err := remainingBudget(self.flow)
	if err != nil {
		self.resource_error = err
		return nil, err
	}
	return remaining, nil
}

// Asks the client to run a client action. The responses are passed
// to next_state once they all arrived.
func (self *FlowBase) CallClient(action_name string, args interface{},
	next_state string, request_data *ordereddict.Dict) error {
	err := self.checkRunning()
	if err != nil {
		return err
	}

	err = self.checkNextState(next_state)
	if err != nil {
		return err
	}

	desc, err := actions.GetAction(action_name)
	if err != nil {
		return err
	}

	err = actions.CheckArgs(desc, args)
	if err != nil {
		return &TypeMismatchError{
			Target:   "Client action " + action_name,
			Expected: desc.ArgsType,
			Got:      fmt.Sprintf("%T", args),
		}
	}

	remaining, err := self.checkBudget()
	if err != nil {
		return err
	}

	payload, err := payloads.Encode(args)
	if err != nil {
		return err
	}

	request_id := self.nextRequestId()
	message := &flows_proto.ClientActionRequest{
		ClientId:          self.flow.ClientId,
		FlowId:            self.flow.FlowId,
		RequestId:         request_id,
		ActionName:        action_name,
		Args:              payload,
		CpuLimitMs:        remaining.cpu_seconds * 1000,
		NetworkBytesLimit: remaining.network_bytes,
		RuntimeLimitUs:    remaining.runtime_us,
	}

	self.manager.QueueRequest(&flows_proto.FlowRequest{
		ClientId:            self.flow.ClientId,
		FlowId:              self.flow.FlowId,
		RequestId:           request_id,
		NextState:           next_state,
		RequestData:         request_data,
		ClientActionRequest: message,
		Timestamp:           self.now(),
	})
	self.manager.QueueClientActionRequest(message)
	return nil
}

// Starts a child flow on the same client. The child's replies and
// its final status are passed to next_state once it terminates.
func (self *FlowBase) CallFlow(ctx context.Context,
	flow_name string, args interface{},
	next_state string, request_data *ordereddict.Dict) (string, error) {
	err := self.checkRunning()
	if err != nil {
		return "", err
	}

	err = self.checkNextState(next_state)
	if err != nil {
		return "", err
	}

	class, err := getFlow(flow_name)
	if err != nil {
		return "", err
	}

	err = class.checkArgs(args)
	if err != nil {
		return "", err
	}

	remaining, err := self.checkBudget()
	if err != nil {
		return "", err
	}

	request_id := self.nextRequestId()
	child_id := utils.NewRandomId(constants.FLOW_PREFIX)
	self.manager.QueueRequest(&flows_proto.FlowRequest{
		ClientId:    self.flow.ClientId,
		FlowId:      self.flow.FlowId,
		RequestId:   request_id,
		NextState:   next_state,
		RequestData: request_data,
		ChildFlowId: child_id,
		Timestamp:   self.now(),
	})

	_, err = self.runner.startFlow(ctx, self.manager, &StartFlowArgs{
		ClientId:          self.flow.ClientId,
		FlowName:          flow_name,
		Args:              args,
		Creator:           self.flow.Creator,
		CpuLimit:          remaining.cpu_seconds,
		NetworkBytesLimit: remaining.network_bytes,
		RuntimeLimitUs:    remaining.runtime_us,
	}, &parentLink{
		flow:       self.flow,
		request_id: request_id,
		child_id:   child_id,
	})
	if err != nil {
		// Complete the request so the flow does not wait for a child
		// that never started.
		self.manager.QueueResponse(&flows_proto.FlowResponse{
			ClientId:   self.flow.ClientId,
			FlowId:     self.flow.FlowId,
			RequestId:  request_id,
			ResponseId: 1,
			Type:       flows_proto.FlowResponse_ERROR,
			Status: &flows_proto.Status{
				Status:         flows_proto.Status_GENERIC_ERROR,
				ErrorMessage:   err.Error(),
				ChildSessionId: child_id,
			},
			Timestamp: self.now(),
		})
		return "", err
	}
	return child_id, nil
}

// Calls next_state of this flow without involving the client, not
// before start_time if it is set.
func (self *FlowBase) CallState(next_state string, start_time time.Time,
	request_data *ordereddict.Dict) error {
	err := self.checkRunning()
	if err != nil {
		return err
	}

	err = self.checkNextState(next_state)
	if err != nil {
		return err
	}

	request_id := self.nextRequestId()
	start := utils.ToMicro(start_time)
	self.manager.QueueRequest(&flows_proto.FlowRequest{
		ClientId:    self.flow.ClientId,
		FlowId:      self.flow.FlowId,
		RequestId:   request_id,
		NextState:   next_state,
		RequestData: request_data,
		StartTime:   start,
		Timestamp:   self.now(),
	})

	// The request is complete as soon as it is written.
	self.manager.QueueResponse(&flows_proto.FlowResponse{
		ClientId:   self.flow.ClientId,
		FlowId:     self.flow.FlowId,
		RequestId:  request_id,
		ResponseId: 1,
		Type:       flows_proto.FlowResponse_STATUS,
		Status:     &flows_proto.Status{Status: flows_proto.Status_OK},
		Timestamp:  self.now(),
	})
	self.schedule(start)
	return nil
}

// Queues processing of this flow. Only the lease holder may push the
// delivery time of its own entry into the future.
func (self *FlowBase) schedule(delivery_time uint64) {
	req := &flows_proto.FlowProcessingRequest{
		ClientId:     self.flow.ClientId,
		FlowId:       self.flow.FlowId,
		ParentHuntId: self.flow.ParentHuntId,
		DeliveryTime: delivery_time,
	}
	if self.processing != nil {
		req.LeasedBy = self.processing.LeasedBy
		req.CreationTime = self.processing.CreationTime
	}
	self.manager.QueueProcessingRequest(req)
}

// Records a result of this flow. Child flows also pass the result on
// to the parent's request.
func (self *FlowBase) SendReply(reply interface{}, tag string) error {
	err := self.checkRunning()
	if err != nil {
		return err
	}

	type_name, err := payloads.TypeName(reply)
	if err != nil {
		return err
	}

	if !self.class.allowsResult(type_name) {
		err := &TypeError{
			FlowName: self.flow.FlowClassName,
			TypeName: type_name,
			Allowed:  self.class.desc.ResultTypes,
		}
		self.Log("SendReply: %v", err)
		return err
	}

	payload, err := payloads.Encode(reply)
	if err != nil {
		return err
	}

	result := &flows_proto.FlowResult{
		ClientId:  self.flow.ClientId,
		FlowId:    self.flow.FlowId,
		Tag:       tag,
		Payload:   payload,
		Timestamp: self.now(),
	}
	if self.flow.ParentFlowId == "" {
		result.HuntId = self.flow.ParentHuntId
	}

	self.manager.QueueResult(result)
	self.replies = append(self.replies, result)
	self.flow.NumResults++

	if self.flow.ParentFlowId != "" {
		self.flow.ResponseCount++
		self.manager.QueueResponse(&flows_proto.FlowResponse{
			ClientId:   self.flow.ClientId,
			FlowId:     self.flow.ParentFlowId,
			RequestId:  self.flow.ParentRequestId,
			ResponseId: self.flow.ResponseCount,
			Type:       flows_proto.FlowResponse_MESSAGE,
			Payload:    payload,
			Tag:        tag,
			Timestamp:  self.now(),
		})
	}
	return nil
}

// Writes a message to the flow's log.
func (self *FlowBase) Log(format string, args ...interface{}) {
	self.log(flows_proto.FlowLogEntry_INFO, fmt.Sprintf(format, args...))
}

func (self *FlowBase) log(level flows_proto.FlowLogEntry_Level, message string) {
	self.manager.QueueLog(&flows_proto.FlowLogEntry{
		ClientId:  self.flow.ClientId,
		FlowId:    self.flow.FlowId,
		HuntId:    self.flow.ParentHuntId,
		Level:     level,
		Message:   message,
		Timestamp: self.now(),
	})

	logger := logging.GetLogger(self.runner.config_obj, &logging.FlowComponent)
	logger.Debug("%v/%v: %v", self.flow.ClientId, self.flow.FlowId, message)
}

// Fails the flow. Calling Error on a flow which already terminated
// does nothing.
func (self *FlowBase) Error(message, backtrace string) {
	self.terminate(flows_proto.Flow_ERROR,
		flows_proto.Status_GENERIC_ERROR, message, backtrace)
}

func (self *FlowBase) failWith(err error) {
	self.terminate(flows_proto.Flow_ERROR, statusCodeForError(err),
		err.Error(), utils.Backtrace(utils.WithStack(err)))
}

// Runs a state method. Whatever the state method does, including
// panicking, never escapes: failures terminate the flow instead.
func (self *FlowBase) RunStateMethod(ctx context.Context,
	name string, responses *Responses) {
	defer func() {
		r := recover()
		if r != nil {
			err := utils.PanicToError(r)
			stateErrorCounter.WithLabelValues(self.flow.FlowClassName).Inc()
			self.Error(fmt.Sprintf("State %v panicked: %v", name, r),
				err.ErrorStack())
		}
	}()

	handler, pres := self.states[name]
	if !pres {
		stateErrorCounter.WithLabelValues(self.flow.FlowClassName).Inc()
		self.failWith(&UnknownStateError{
			FlowName: self.flow.FlowClassName,
			State:    name,
		})
		return
	}

	self.flow.CurrentState = name
	self.resource_error = nil

	err := handler(ctx, self, responses)
	if err == nil {
		err = self.resource_error
	}

	if err != nil && self.flow.IsRunning() {
		stateErrorCounter.WithLabelValues(self.flow.FlowClassName).Inc()
		self.failWith(err)
	}
}

func (self *FlowBase) runStart(ctx context.Context, args interface{}) {
	defer func() {
		r := recover()
		if r != nil {
			err := utils.PanicToError(r)
			stateErrorCounter.WithLabelValues(self.flow.FlowClassName).Inc()
			self.Error(fmt.Sprintf("Start panicked: %v", r), err.ErrorStack())
		}
	}()

	self.flow.CurrentState = constants.START_STATE
	err := self.impl.Start(ctx, self, args)
	if err == nil {
		err = self.resource_error
	}

	if err != nil && self.flow.IsRunning() {
		stateErrorCounter.WithLabelValues(self.flow.FlowClassName).Inc()
		self.failWith(err)
	}
}

// Once nothing is outstanding the End state runs, and if it did not
// issue new calls the flow is finished.
func (self *FlowBase) maybeFinish(ctx context.Context) {
	if !self.flow.IsRunning() || self.flow.OutstandingRequests() > 0 {
		return
	}

	if !self.flow.EndStateRan {
		self.flow.EndStateRan = true
		_, pres := self.states[constants.END_STATE]
		if pres {
			self.RunStateMethod(ctx, constants.END_STATE, &Responses{})
		}
	}

	if self.flow.IsRunning() && self.flow.OutstandingRequests() == 0 {
		self.terminate(flows_proto.Flow_FINISHED, flows_proto.Status_OK, "", "")
	}
}

// Stages the flow record with its serialized state.
func (self *FlowBase) persist() error {
	if self.impl != nil {
		serialized, err := json.Marshal(self.impl)
		if err != nil {
			return errors.Wrap(err, "Serializing flow state")
		}
		self.flow.PersistentData = string(serialized)
	}
	self.flow.LastUpdateTime = self.now()
	self.manager.QueueFlow(self.flow)
	return nil
}
