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
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Asks the client to echo its argument back.
type EchoFlow struct{}

func (self *EchoFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("Echo", args, "Done", nil)
}

func (self *EchoFlow) States() StateTable {
	return StateTable{"Done": self.Done}
}

func (self *EchoFlow) Done(ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		return responses.Err()
	}

	messages, err := DecodeMessages[payloads.EchoResponse](responses)
	if err != nil {
		return err
	}

	for _, m := range messages {
		err = flow.SendReply(m, "")
		if err != nil {
			return err
		}
	}
	return nil
}

type GetClientStatsFlow struct{}

func (self *GetClientStatsFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("GetClientStats", &payloads.EmptyArgs{}, "StoreStats", nil)
}

func (self *GetClientStatsFlow) States() StateTable {
	return StateTable{"StoreStats": self.StoreStats}
}

func (self *GetClientStatsFlow) StoreStats(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		return responses.Err()
	}

	stats, err := DecodeMessages[payloads.ClientStats](responses)
	if err != nil {
		return err
	}

	for _, s := range stats {
		err = flow.SendReply(s, "")
		if err != nil {
			return err
		}
	}
	return nil
}

type ListProcessesFlow struct {
	Count int `json:"count,omitempty"`
}

func (self *ListProcessesFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	return flow.CallClient("ListProcesses", args, "ProcessListing", nil)
}

func (self *ListProcessesFlow) States() StateTable {
	return StateTable{"ProcessListing": self.ProcessListing}
}

func (self *ListProcessesFlow) ProcessListing(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		return responses.Err()
	}

	processes, err := DecodeMessages[payloads.Process](responses)
	if err != nil {
		return err
	}

	for _, p := range processes {
		err = flow.SendReply(p, "")
		if err != nil {
			return err
		}
		self.Count++
	}
	flow.Log("Listed %v processes", self.Count)
	return nil
}

// Waits on the server without involving the client.
type SleepFlow struct {
	Message string `json:"message,omitempty"`
}

func (self *SleepFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	request := args.(*payloads.SleepRequest)
	self.Message = request.Message

	now := flow.Now()
	wake_time := now.Add(time.Duration(request.DelaySeconds) * time.Second)
	return flow.CallState("WakeUp", wake_time,
		ordereddict.NewDict().Set("started", utils.ToMicro(now)))
}

func (self *SleepFlow) States() StateTable {
	return StateTable{"WakeUp": self.WakeUp}
}

func (self *SleepFlow) WakeUp(ctx context.Context, flow *FlowBase, responses *Responses) error {
	now := utils.ToMicro(flow.Now())
	result := &payloads.WakeUp{
		Message:   self.Message,
		Timestamp: now,
	}

	started, _ := responses.RequestData().Get("started")
	started_us, ok := utils.ToInt64(started)
	if ok && uint64(started_us) <= now {
		result.SleptUs = now - uint64(started_us)
	}
	return flow.SendReply(result, "")
}

func init() {
	RegisterFlow(FlowDescriptor{
		Name:        "Echo",
		ArgsType:    "EchoRequest",
		ResultTypes: []string{"EchoResponse"},
		Doc:         "Sends data to the client and returns what it echoed.",
	}, func() FlowImplementation { return &EchoFlow{} })

	RegisterFlow(FlowDescriptor{
		Name:        "GetClientStats",
		ArgsType:    "EmptyArgs",
		ResultTypes: []string{"ClientStats"},
		Doc:         "Host information and resource usage of the client.",
	}, func() FlowImplementation { return &GetClientStatsFlow{} })

	RegisterFlow(FlowDescriptor{
		Name:        "ListProcesses",
		ArgsType:    "ProcessListRequest",
		ResultTypes: []string{"Process"},
		Doc:         "Lists the processes running on the client.",
	}, func() FlowImplementation { return &ListProcessesFlow{} })

	RegisterFlow(FlowDescriptor{
		Name:        "Sleep",
		ArgsType:    "SleepRequest",
		ResultTypes: []string{"WakeUp"},
		Doc:         "Replies after a delay.",
	}, func() FlowImplementation { return &SleepFlow{} })
}
