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
	"fmt"

	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

var (
	ErrUnknownFlow = errors.New("Unknown flow")
)

// The flow ran out of one of its budgets.
type ResourcesExceededError struct {
	Resource string
	Limit    float64
	Used     float64
}

func (self *ResourcesExceededError) Error() string {
	return fmt.Sprintf("%v limit exceeded (used %v of %v)",
		self.Resource, self.Used, self.Limit)
}

func (self *ResourcesExceededError) StatusCode() flows_proto.Status_Code {
	switch self.Resource {
	case "Network":
		return flows_proto.Status_NETWORK_LIMIT_EXCEEDED
	case "Runtime":
		return flows_proto.Status_RUNTIME_LIMIT_EXCEEDED
	}
	return flows_proto.Status_CPU_LIMIT_EXCEEDED
}

// Arguments passed to a client action or flow are not of the
// declared type.
type TypeMismatchError struct {
	Target   string
	Expected string
	Got      string
}

func (self *TypeMismatchError) Error() string {
	return fmt.Sprintf("%v expects %v, got %v",
		self.Target, self.Expected, self.Got)
}

type UnknownStateError struct {
	FlowName string
	State    string
}

func (self *UnknownStateError) Error() string {
	return fmt.Sprintf("Flow %v has no state %q", self.FlowName, self.State)
}

// The deadline for processing this flow passed before a state method
// could run. The work is picked up again by a later pass.
type ProcessingExpiredError struct {
	ClientId string
	FlowId   string
	Deadline uint64
}

func (self *ProcessingExpiredError) Error() string {
	return fmt.Sprintf("Processing of %v/%v expired at %v",
		self.ClientId, self.FlowId, self.Deadline)
}

type FlowNotRunningError struct {
	ClientId string
	FlowId   string
	State    flows_proto.Flow_FlowState
}

func (self *FlowNotRunningError) Error() string {
	return fmt.Sprintf("Flow %v/%v is %v", self.ClientId, self.FlowId, self.State)
}

// A flow replied with a type it does not advertise.
type TypeError struct {
	FlowName string
	TypeName string
	Allowed  []string
}

func (self *TypeError) Error() string {
	return fmt.Sprintf("Flow %v may not reply with %v (allowed %v)",
		self.FlowName, self.TypeName, self.Allowed)
}

// Panicked with when the stored state of a flow is corrupt. This is
// never caught by the flow itself.
type InvariantViolation struct {
	ClientId string
	FlowId   string
	Message  string
}

func (self *InvariantViolation) Error() string {
	return fmt.Sprintf("Invariant violated for %v/%v: %v",
		self.ClientId, self.FlowId, self.Message)
}

// Maps a state method error to the status the flow terminates with.
func statusCodeForError(err error) flows_proto.Status_Code {
	var resource_err *ResourcesExceededError
	if errors.As(err, &resource_err) {
		return resource_err.StatusCode()
	}
	return flows_proto.Status_GENERIC_ERROR
}
