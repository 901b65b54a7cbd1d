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

	"www.velocidex.com/golang/flowrunner/payloads"
)

// Collects a summary of the client by running other flows on it.
type InterrogateFlow struct {
	Summary payloads.ClientSummary `json:"summary"`
}

func (self *InterrogateFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	_, err := flow.CallFlow(ctx, "GetClientStats", &payloads.EmptyArgs{},
		"ClientStats", nil)
	if err != nil {
		return err
	}

	_, err = flow.CallFlow(ctx, "ListProcesses", &payloads.ProcessListRequest{},
		"ProcessList", nil)
	return err
}

func (self *InterrogateFlow) States() StateTable {
	return StateTable{
		"ClientStats": self.ClientStats,
		"ProcessList": self.ProcessList,
		"End":         self.End,
	}
}

func (self *InterrogateFlow) ClientStats(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		self.Summary.Errors = append(self.Summary.Errors,
			fmt.Sprintf("GetClientStats: %v", responses.Err()))
		return nil
	}

	stats, err := DecodeMessages[payloads.ClientStats](responses)
	if err != nil {
		return err
	}

	for _, s := range stats {
		self.Summary.Hostname = s.Hostname
		self.Summary.OS = s.OS
		self.Summary.Platform = s.Platform
		self.Summary.MemoryTotal = s.MemoryTotal
	}
	return nil
}

func (self *InterrogateFlow) ProcessList(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		self.Summary.Errors = append(self.Summary.Errors,
			fmt.Sprintf("ListProcesses: %v", responses.Err()))
		return nil
	}

	self.Summary.NumProcesses = len(responses.Messages())
	return nil
}

func (self *InterrogateFlow) End(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	self.Summary.ClientId = flow.ClientId()
	return flow.SendReply(&self.Summary, "summary")
}

func init() {
	RegisterFlow(FlowDescriptor{
		Name:        "Interrogate",
		ArgsType:    "EmptyArgs",
		ResultTypes: []string{"ClientSummary"},
		Doc:         "Collects basic information about the client.",
	}, func() FlowImplementation { return &InterrogateFlow{} })
}
