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

	"www.velocidex.com/golang/flowrunner/constants"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Moves the flow into a terminal state. Outstanding requests are
// removed, the parent flow receives the final status and the hunt or
// the creator hear about it once the batch is committed.
func (self *FlowBase) terminate(state flows_proto.Flow_FlowState,
	code flows_proto.Status_Code, message, backtrace string) {
	flow := self.flow
	if !flow.IsRunning() {
		return
	}

	flow.FlowState = state
	flow.ErrorMessage = message
	flow.Backtrace = backtrace
	flow.LastUpdateTime = self.now()
	flowCompletedCounter.WithLabelValues(
		flow.FlowClassName, state.String()).Inc()

	switch state {
	case flows_proto.Flow_FINISHED:
		self.log(flows_proto.FlowLogEntry_INFO, "Flow finished")
	default:
		self.log(flows_proto.FlowLogEntry_ERROR,
			fmt.Sprintf("Flow %v: %v", state, message))
	}

	self.manager.DestroyFlowStates(flow.ClientId, flow.FlowId)

	if flow.ParentFlowId != "" {
		response_type := flows_proto.FlowResponse_STATUS
		if state != flows_proto.Flow_FINISHED {
			response_type = flows_proto.FlowResponse_ERROR
		}

		flow.ResponseCount++
		self.manager.QueueResponse(&flows_proto.FlowResponse{
			ClientId:   flow.ClientId,
			FlowId:     flow.ParentFlowId,
			RequestId:  flow.ParentRequestId,
			ResponseId: flow.ResponseCount,
			Type:       response_type,
			Status: &flows_proto.Status{
				Status:       code,
				ErrorMessage: message,
				Backtrace:    backtrace,
				CpuTimeUsed: &flows_proto.CpuSeconds{
					UserCpuTime: flow.CpuTimeUsed,
				},
				NetworkBytesSent: flow.NetworkBytesSent,
				RuntimeUs:        flow.RuntimeUs,
				ChildSessionId:   flow.FlowId,
			},
			Timestamp: self.now(),
		})
		self.manager.QueueProcessingRequest(&flows_proto.FlowProcessingRequest{
			ClientId:     flow.ClientId,
			FlowId:       flow.ParentFlowId,
			ParentHuntId: flow.ParentHuntId,
		})
		return
	}

	completed := flow.Copy()
	self.manager.OnCommit(func(ctx context.Context) {
		self.runner.flowCompleted(ctx, completed)
	})
}

// Tells the hunt or the flow's creator that a top level flow
// terminated.
func (self *FlowRunner) flowCompleted(ctx context.Context, flow *flows_proto.Flow) {
	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)

	if flow.ParentHuntId != "" {
		if self.hunt_hooks == nil {
			return
		}
		err := self.hunt_hooks.OnHuntFlowCompleted(ctx, flow)
		if err != nil {
			logger.Error("Hunt %v: %v", flow.ParentHuntId, err)
		}
		return
	}

	if self.notifier == nil || flow.Creator == "" {
		return
	}

	message := fmt.Sprintf("Flow %v on %v %v", flow.FlowClassName,
		flow.ClientId, flow.FlowState)
	if flow.ErrorMessage != "" {
		message += ": " + flow.ErrorMessage
	}

	err := self.notifier.NotifyUser(ctx, &flows_proto.UserNotification{
		Username:  flow.Creator,
		Type:      "FlowStatus",
		Message:   message,
		Reference: constants.GetFlowOwnerId(flow.ClientId, flow.FlowId),
		Timestamp: utils.ToMicro(self.clock.Now()),
	})
	if err != nil {
		logger.Error("Notifying %v: %v", flow.Creator, err)
	}
}

// Asks a flow and all its descendants to stop. The flows stop the
// next time a runner picks them up, so this never interrupts a state
// method in progress.
func (self *FlowRunner) TerminateFlow(ctx context.Context,
	client_id, flow_id, reason, requester string) error {
	if requester == "" {
		requester = constants.SYSTEM_USER
	}

	now := utils.ToMicro(self.clock.Now())
	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)

	requests := []*flows_proto.FlowProcessingRequest{}
	queue := []string{flow_id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		var running bool
		var hunt_id string
		err := self.db.UpdateFlow(ctx, client_id, current,
			func(flow *flows_proto.Flow) error {
				running = flow.IsRunning()
				if !running {
					return nil
				}

				hunt_id = flow.ParentHuntId
				flow.PendingTermination = &flows_proto.PendingTermination{
					Reason:    reason,
					Requester: requester,
					Timestamp: now,
				}
				return nil
			})
		if err != nil {
			if current == flow_id {
				return err
			}
			logger.Warn("TerminateFlow: %v/%v: %v", client_id, current, err)
			continue
		}

		if running {
			requests = append(requests, &flows_proto.FlowProcessingRequest{
				ClientId:     client_id,
				FlowId:       current,
				ParentHuntId: hunt_id,
			})
		}

		children, err := self.db.ReadChildFlowObjects(ctx, client_id, current)
		if err != nil {
			return err
		}
		for _, child := range children {
			queue = append(queue, child.FlowId)
		}
	}

	logger.Info("Terminating %v flows under %v/%v: %v", len(requests),
		client_id, flow_id, reason)
	return self.db.WriteFlowProcessingRequests(ctx, requests)
}

// The client died while running the flow.
func (self *FlowRunner) ProcessClientCrash(ctx context.Context,
	client_id, flow_id, message string) error {
	flow, err := self.db.ReadFlowObject(ctx, client_id, flow_id)
	if err != nil {
		return err
	}

	if !flow.IsRunning() {
		return nil
	}

	manager := self.newManager()
	base := &FlowBase{
		flow:    flow,
		runner:  self,
		manager: manager,
	}
	base.terminate(flows_proto.Flow_CRASHED,
		flows_proto.Status_CLIENT_KILLED, "Client crashed: "+message, "")

	err = base.persist()
	if err != nil {
		return err
	}

	err = manager.Flush(ctx)
	if err != nil {
		return err
	}

	// Child flows on the crashed client will not get their responses
	// either.
	children, err := self.db.ReadChildFlowObjects(ctx, client_id, flow_id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.IsRunning() {
			err = self.TerminateFlow(ctx, client_id, child.FlowId,
				"Parent flow crashed", constants.SYSTEM_USER)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
