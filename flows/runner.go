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
	"os"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/output_plugins"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/services"
	"www.velocidex.com/golang/flowrunner/utils"
)

type StartFlowArgs struct {
	ClientId string
	FlowName string

	// Must be of the flow's declared args type.
	Args    interface{}
	Creator string

	// Set when the flow is started by a hunt.
	ParentHuntId string

	OutputPlugins []*flows_proto.OutputPluginDescriptor

	// Zero limits are replaced by the configured defaults.
	CpuLimit          float64
	NetworkBytesLimit uint64
	RuntimeLimitUs    uint64
}

// Ties a child flow to the request of its parent waiting for it.
type parentLink struct {
	flow       *flows_proto.Flow
	request_id uint64
	child_id   string
}

// Drives flows forward. Requests of a flow are processed strictly in
// request id order, one at a time.
type FlowRunner struct {
	config_obj *config.Config
	db         datastore.DataStore
	channel    services.MessageChannel
	clock      utils.Clock
	pipeline   *output_plugins.Pipeline

	hunt_hooks services.HuntHooks
	notifier   services.Notifier
}

func NewFlowRunner(config_obj *config.Config, db datastore.DataStore,
	channel services.MessageChannel, clock utils.Clock) *FlowRunner {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &FlowRunner{
		config_obj: config_obj,
		db:         db,
		channel:    channel,
		clock:      clock,
		pipeline:   output_plugins.NewPipeline(config_obj, db, clock),
	}
}

func (self *FlowRunner) SetHuntHooks(hooks services.HuntHooks) {
	self.hunt_hooks = hooks
}

func (self *FlowRunner) SetNotifier(notifier services.Notifier) {
	self.notifier = notifier
}

func (self *FlowRunner) newManager() *FlowManager {
	return NewFlowManager(self.config_obj, self.db, self.channel)
}

// Creates a new flow and runs its Start state.
func (self *FlowRunner) StartFlow(ctx context.Context,
	args *StartFlowArgs) (*flows_proto.Flow, error) {
	manager := self.newManager()
	base, err := self.startFlow(ctx, manager, args, nil)
	if err != nil {
		return nil, err
	}

	err = manager.Flush(ctx)
	if err != nil {
		return nil, err
	}

	self.processReplies(ctx, base)
	return base.flow.Copy(), nil
}

func (self *FlowRunner) startFlow(ctx context.Context, manager *FlowManager,
	args *StartFlowArgs, parent *parentLink) (*FlowBase, error) {
	class, err := getFlow(args.FlowName)
	if err != nil {
		return nil, err
	}

	err = class.checkArgs(args.Args)
	if err != nil {
		return nil, err
	}

	err = output_plugins.ValidateDescriptors(args.OutputPlugins)
	if err != nil {
		return nil, err
	}

	var flow_args *flows_proto.Payload
	if args.Args != nil {
		flow_args, err = payloads.Encode(args.Args)
		if err != nil {
			return nil, err
		}
	}

	now := utils.ToMicro(self.clock.Now())
	flow := &flows_proto.Flow{
		ClientId:             args.ClientId,
		FlowId:               utils.NewRandomId(constants.FLOW_PREFIX),
		FlowClassName:        args.FlowName,
		FlowArgs:             flow_args,
		Creator:              args.Creator,
		ParentHuntId:         args.ParentHuntId,
		CurrentState:         constants.START_STATE,
		NextOutboundId:       1,
		NextRequestToProcess: 1,
		FlowState:            flows_proto.Flow_RUNNING,
		CpuLimit:             args.CpuLimit,
		NetworkBytesLimit:    args.NetworkBytesLimit,
		RuntimeLimitUs:       args.RuntimeLimitUs,
		OutputPlugins:        args.OutputPlugins,
		CreateTime:           now,
		LastUpdateTime:       now,
	}

	if parent != nil {
		// Children share the hunt of their parent so they are
		// processed the same way, but only top level flows count as
		// the hunt's flows.
		flow.FlowId = parent.child_id
		flow.ParentFlowId = parent.flow.FlowId
		flow.ParentRequestId = parent.request_id
		flow.ParentHuntId = parent.flow.ParentHuntId
	} else {
		self.applyDefaultLimits(flow)
	}

	impl, states, err := class.newInstance("")
	if err != nil {
		return nil, err
	}

	base := &FlowBase{
		flow:    flow,
		class:   class,
		impl:    impl,
		states:  states,
		runner:  self,
		manager: manager,
	}

	flowStartedCounter.WithLabelValues(args.FlowName).Inc()
	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)
	logger.Info("Starting %v on %v as %v", args.FlowName,
		args.ClientId, flow.FlowId)

	base.runStart(ctx, args.Args)
	base.maybeFinish(ctx)

	err = base.persist()
	if err != nil {
		return nil, err
	}
	return base, nil
}

func (self *FlowRunner) applyDefaultLimits(flow *flows_proto.Flow) {
	if self.config_obj.Flows == nil {
		return
	}
	if flow.CpuLimit == 0 {
		flow.CpuLimit = self.config_obj.Flows.DefaultCpuLimit
	}
	if flow.NetworkBytesLimit == 0 {
		flow.NetworkBytesLimit = self.config_obj.Flows.DefaultNetworkBytesLimit
	}
	if flow.RuntimeLimitUs == 0 {
		flow.RuntimeLimitUs = self.config_obj.Flows.DefaultRuntimeLimitSec * 1000000
	}
}

// Wraps a stored flow for processing. If the flow class can not be
// restored the returned FlowBase can still terminate the flow.
func (self *FlowRunner) loadFlow(flow *flows_proto.Flow, manager *FlowManager,
	processing *flows_proto.FlowProcessingRequest) (*FlowBase, error) {
	base := &FlowBase{
		flow:       flow,
		runner:     self,
		manager:    manager,
		processing: processing,
		class:      &registeredFlow{desc: FlowDescriptor{Name: flow.FlowClassName}},
	}

	class, err := getFlow(flow.FlowClassName)
	if err != nil {
		return base, err
	}
	base.class = class

	impl, states, err := class.newInstance(flow.PersistentData)
	if err != nil {
		return base, err
	}
	base.impl = impl
	base.states = states
	return base, nil
}

// Processes all the ready requests of the flow named by req. Passes
// repeat while they make progress, so work that becomes ready while
// processing, like the replies of a child flow started on the same
// client, is handled right away.
func (self *FlowRunner) ProcessFlow(ctx context.Context,
	req *flows_proto.FlowProcessingRequest, lease *Lease) error {
	return self.processFlow(ctx, req, lease, true)
}

func (self *FlowRunner) processFlow(ctx context.Context,
	req *flows_proto.FlowProcessingRequest, lease *Lease,
	sequential bool) error {
	for {
		progress, err := self.processOnce(ctx, req, lease, sequential)
		if err != nil || !progress {
			return err
		}
	}
}

func (self *FlowRunner) processOnce(ctx context.Context,
	req *flows_proto.FlowProcessingRequest, lease *Lease,
	sequential bool) (bool, error) {
	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)

	flow, err := self.db.ReadFlowObject(ctx, req.ClientId, req.FlowId)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("Processing request for unknown flow %v/%v",
				req.ClientId, req.FlowId)
			return false, nil
		}
		return false, err
	}

	if !flow.IsRunning() {
		return false, nil
	}

	if flow.NextRequestToProcess > flow.NextOutboundId {
		panic(&InvariantViolation{
			ClientId: flow.ClientId,
			FlowId:   flow.FlowId,
			Message: fmt.Sprintf("next request to process %v beyond next outbound id %v",
				flow.NextRequestToProcess, flow.NextOutboundId),
		})
	}

	manager := self.newManager()
	base, err := self.loadFlow(flow, manager, req)
	if err != nil {
		base.failWith(err)
		return false, self.commit(ctx, base)
	}

	if flow.PendingTermination != nil {
		base.Error("Terminated: "+flow.PendingTermination.Reason, "")
		return false, self.commit(ctx, base)
	}

	if lease != nil {
		flow.ProcessingDeadline = utils.ToMicro(lease.Deadline())
		flow.ProcessingOnWorker = lease.WorkerId()
	}

	items, more, err := manager.FetchRequestsAndResponses(
		ctx, flow.ClientId, flow.FlowId)
	if err != nil {
		return false, err
	}

	var progress bool
	var expired error
	if sequential {
		progress, expired = self.processSequential(ctx, base, items, lease)
	} else {
		progress, expired = self.processAnyOrder(ctx, base, items, more, lease)
	}

	if expired == nil {
		base.maybeFinish(ctx)
	}

	err = self.commit(ctx, base)
	if err != nil {
		return false, err
	}

	if expired != nil {
		return false, expired
	}
	return progress, nil
}

func (self *FlowRunner) commit(ctx context.Context, base *FlowBase) error {
	err := base.persist()
	if err != nil {
		return err
	}

	err = base.manager.Flush(ctx)
	if err != nil {
		return err
	}

	self.processReplies(ctx, base)
	return nil
}

func (self *FlowRunner) processSequential(ctx context.Context, base *FlowBase,
	items []*flows_proto.RequestWithResponses, lease *Lease) (bool, error) {
	flow := base.flow
	progress := false

	for _, item := range items {
		request := item.Request

		// Left over from an earlier pass.
		if request.RequestId < flow.NextRequestToProcess {
			base.manager.DeleteFlowRequestStates(request)
			continue
		}

		// Not its turn yet.
		if request.RequestId > flow.NextRequestToProcess {
			break
		}

		processed, err := self.processItem(ctx, base, item, lease)
		if err != nil {
			return progress, err
		}
		if !processed {
			break
		}

		flow.NextRequestToProcess++
		progress = true

		if !flow.IsRunning() {
			break
		}
	}
	return progress, nil
}

// Any complete request may be processed. Requests which are not
// ready do not hold up the ones after them.
func (self *FlowRunner) processAnyOrder(ctx context.Context, base *FlowBase,
	items []*flows_proto.RequestWithResponses, more bool,
	lease *Lease) (bool, error) {
	flow := base.flow
	start_outbound_id := flow.NextOutboundId
	progress := false
	first_waiting := uint64(0)
	last_seen := uint64(0)

	var expired error
	for _, item := range items {
		last_seen = item.Request.RequestId

		processed := false
		if expired == nil && flow.IsRunning() {
			processed, expired = self.processItem(ctx, base, item, lease)
		}

		if processed {
			progress = true
		} else if first_waiting == 0 {
			first_waiting = item.Request.RequestId
		}
	}

	// The cursor is the lowest request still waiting, so the
	// outstanding count stays exact.
	switch {
	case first_waiting > 0:
		flow.NextRequestToProcess = first_waiting
	case more:
		flow.NextRequestToProcess = last_seen + 1
	default:
		flow.NextRequestToProcess = start_outbound_id
	}
	return progress, expired
}

// Returns true if the request was passed to its state method and
// consumed.
func (self *FlowRunner) processItem(ctx context.Context, base *FlowBase,
	item *flows_proto.RequestWithResponses, lease *Lease) (bool, error) {
	flow := base.flow
	request := item.Request

	terminal := item.TerminalResponse()
	if terminal == nil {
		return false, nil
	}

	if !item.IsComplete() {
		self.retransmit(base, request)
		return false, nil
	}

	now := self.clock.Now()
	if request.StartTime > 0 && utils.ToMicro(now) < request.StartTime {
		base.schedule(request.StartTime)
		return false, nil
	}

	if lease.Expired(now) {
		return false, &ProcessingExpiredError{
			ClientId: flow.ClientId,
			FlowId:   flow.FlowId,
			Deadline: utils.ToMicro(lease.Deadline()),
		}
	}

	base.manager.DeleteFlowRequestStates(request)
	requestsProcessedCounter.Inc()

	err := creditUsage(flow, terminal.Status)
	if err != nil {
		base.failWith(err)
		return true, nil
	}

	base.RunStateMethod(ctx, request.NextState, &Responses{
		Request:   request,
		Responses: item.Responses,
		Status:    terminal.Status,
	})
	return true, nil
}

// Responses went missing in transit. The client is asked to run the
// action again until the retransmission limit is reached, after
// which the request waits for manual intervention.
func (self *FlowRunner) retransmit(base *FlowBase, request *flows_proto.FlowRequest) {
	if request.ClientActionRequest == nil {
		return
	}

	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)
	if request.TransmissionCount >= self.config_obj.Flows.RetransmissionLimit {
		logger.Warn("%v/%v: request %v is incomplete and was retransmitted %v times",
			request.ClientId, request.FlowId, request.RequestId,
			request.TransmissionCount)
		return
	}

	updated := *request
	updated.TransmissionCount++
	base.manager.QueueRequest(&updated)
	base.manager.QueueRetransmission(request.ClientActionRequest)
	retransmissionCounter.Inc()

	base.Log("Retransmitting request %v (attempt %v)",
		request.RequestId, updated.TransmissionCount)
}

// Hands the replies collected while processing to the output plugins
// of the flow and of its hunt. Plugin failures are only logged.
func (self *FlowRunner) processReplies(ctx context.Context, base *FlowBase) {
	replies := base.replies
	base.replies = nil
	if len(replies) == 0 {
		return
	}

	logger := logging.GetLogger(self.config_obj, &logging.FlowComponent)
	flow := base.flow

	if flow.ParentHuntId != "" && flow.ParentFlowId == "" {
		hunt, err := self.getHunt(ctx, flow.ParentHuntId)
		if err != nil {
			logger.Error("Output plugins for hunt %v: %v", flow.ParentHuntId, err)
		} else {
			err = self.pipeline.RunHuntOutputPlugins(ctx, hunt, replies)
			if err != nil {
				logger.Error("Output plugins for hunt %v: %v", flow.ParentHuntId, err)
			}
		}
	}

	if len(flow.OutputPlugins) == 0 {
		return
	}

	states := self.pipeline.RunFlowOutputPlugins(ctx, flow, replies)
	flow.OutputPluginsStates = states
	err := self.db.UpdateFlow(ctx, flow.ClientId, flow.FlowId,
		func(stored *flows_proto.Flow) error {
			stored.OutputPluginsStates = states
			return nil
		})
	if err != nil {
		logger.Error("Storing output plugin states of %v/%v: %v",
			flow.ClientId, flow.FlowId, err)
	}
}

func (self *FlowRunner) getHunt(ctx context.Context,
	hunt_id string) (*flows_proto.Hunt, error) {
	if self.hunt_hooks != nil {
		return self.hunt_hooks.GetHunt(ctx, hunt_id)
	}
	return self.db.ReadHuntObject(ctx, hunt_id)
}
