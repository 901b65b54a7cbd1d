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
package hunts

import (
	"context"
	"fmt"
	"sync"
	"time"

	errors "github.com/pkg/errors"
	"golang.org/x/time/rate"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/datastore"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/output_plugins"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/services"
	"www.velocidex.com/golang/flowrunner/utils"
)

type CreateHuntArgs struct {
	FlowName    string
	Args        interface{}
	Creator     string
	Description string

	// Clients per minute, 0 for no limit.
	ClientRate  float64
	ClientLimit uint64

	// 0 means the configured default.
	Duration   time.Duration
	CrashLimit uint64

	AvgCpuSecondsPerClientLimit   float64
	AvgNetworkBytesPerClientLimit uint64
	TotalNetworkBytesLimit        uint64

	PerClientCpuLimit          float64
	PerClientNetworkBytesLimit uint64

	OutputPlugins []*flows_proto.OutputPluginDescriptor
}

// Owns the hunts: their life cycle, which clients they run on and
// when they stop. Hunt counters are never stored, they are always
// derived from the hunt's flows.
type HuntManager struct {
	// Serializes admission decisions. Also guards start_listener.
	mu sync.Mutex

	config_obj *config.Config
	db         datastore.DataStore
	runner     *flows.FlowRunner
	notifier   services.Notifier
	clock      utils.Clock
	cache      *HuntCache

	start_listener services.HuntStartListener

	// hunt id -> limiter for the hunt's client rate.
	limiter_mu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Creates the manager and hooks it into the runner so hunt flows
// report back to it.
func NewHuntManager(config_obj *config.Config, db datastore.DataStore,
	runner *flows.FlowRunner, notifier services.Notifier,
	clock utils.Clock) *HuntManager {
	if clock == nil {
		clock = utils.RealClock{}
	}

	result := &HuntManager{
		config_obj: config_obj,
		db:         db,
		runner:     runner,
		notifier:   notifier,
		clock:      clock,
		cache:      NewHuntCache(config_obj, db),
		limiters:   make(map[string]*rate.Limiter),
	}
	runner.SetHuntHooks(result)
	return result
}

func (self *HuntManager) Close() {
	self.cache.Close()
}

func (self *HuntManager) SetStartListener(listener services.HuntStartListener) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.start_listener = listener
}

func (self *HuntManager) CreateHunt(ctx context.Context,
	args *CreateHuntArgs) (*flows_proto.Hunt, error) {
	desc, err := flows.GetFlowDescriptor(args.FlowName)
	if err != nil {
		return nil, err
	}

	if args.Args == nil && desc.ArgsType != "" {
		args.Args, err = payloads.New(desc.ArgsType)
		if err != nil {
			return nil, err
		}
	}

	var flow_args *flows_proto.Payload
	if args.Args != nil {
		type_name, err := payloads.TypeName(args.Args)
		if err != nil {
			return nil, err
		}
		if desc.ArgsType != "" && type_name != desc.ArgsType {
			return nil, &flows.TypeMismatchError{
				Target:   "Flow " + args.FlowName,
				Expected: desc.ArgsType,
				Got:      type_name,
			}
		}

		flow_args, err = payloads.Encode(args.Args)
		if err != nil {
			return nil, err
		}
	}

	err = output_plugins.ValidateDescriptors(args.OutputPlugins)
	if err != nil {
		return nil, err
	}

	duration := args.Duration
	if duration == 0 {
		duration = time.Duration(self.config_obj.Hunts.DefaultDurationSec) * time.Second
	}

	crash_limit := args.CrashLimit
	if crash_limit == 0 {
		crash_limit = self.config_obj.Hunts.DefaultCrashLimit
	}

	creator := args.Creator
	if creator == "" {
		creator = constants.SYSTEM_USER
	}

	hunt := &flows_proto.Hunt{
		HuntId:                        utils.NewRandomId(constants.HUNT_PREFIX),
		Creator:                       creator,
		Description:                   args.Description,
		FlowName:                      args.FlowName,
		FlowArgs:                      flow_args,
		State:                         flows_proto.Hunt_PAUSED,
		ClientRate:                    args.ClientRate,
		ClientLimit:                   args.ClientLimit,
		Duration:                      uint64(duration.Microseconds()),
		CrashLimit:                    crash_limit,
		AvgCpuSecondsPerClientLimit:   args.AvgCpuSecondsPerClientLimit,
		AvgNetworkBytesPerClientLimit: args.AvgNetworkBytesPerClientLimit,
		TotalNetworkBytesLimit:        args.TotalNetworkBytesLimit,
		PerClientCpuLimit:             args.PerClientCpuLimit,
		PerClientNetworkBytesLimit:    args.PerClientNetworkBytesLimit,
		OutputPlugins:                 args.OutputPlugins,
		CreateTime:                    utils.ToMicro(self.clock.Now()),
	}

	err = self.db.WriteHuntObject(ctx, hunt)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Info("Created hunt %v running %v for %v", hunt.HuntId,
		hunt.FlowName, hunt.Creator)
	return hunt, nil
}

func (self *HuntManager) GetHunt(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	return self.cache.GetHunt(ctx, hunt_id)
}

func (self *HuntManager) ListHunts(ctx context.Context) ([]*flows_proto.Hunt, error) {
	return self.db.ReadHuntObjects(ctx)
}

// Moves the hunt to a new state if the transition is allowed.
func (self *HuntManager) transition(ctx context.Context, hunt_id string,
	to flows_proto.Hunt_HuntState, comment string) (*flows_proto.Hunt, error) {
	now := utils.ToMicro(self.clock.Now())

	var result *flows_proto.Hunt
	err := self.db.UpdateHuntObject(ctx, hunt_id,
		func(hunt *flows_proto.Hunt) error {
			if !allowedTransition(hunt.State, to) {
				return &InvalidTransitionError{
					HuntId: hunt_id,
					From:   hunt.State,
					To:     to,
				}
			}

			hunt.State = to
			hunt.StateComment = comment
			if to == flows_proto.Hunt_STARTED {
				if hunt.InitStartTime == 0 {
					hunt.InitStartTime = now
				}
				hunt.LastStartTime = now
			}
			result = hunt.Copy()
			return nil
		})
	self.cache.Invalidate(hunt_id)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Info("Hunt %v is now %v %v", hunt_id, to, comment)
	return result, nil
}

func allowedTransition(from, to flows_proto.Hunt_HuntState) bool {
	switch from {
	case flows_proto.Hunt_PAUSED:
		return to == flows_proto.Hunt_STARTED ||
			to == flows_proto.Hunt_STOPPED ||
			to == flows_proto.Hunt_COMPLETED
	case flows_proto.Hunt_STARTED:
		return to == flows_proto.Hunt_PAUSED ||
			to == flows_proto.Hunt_STOPPED ||
			to == flows_proto.Hunt_COMPLETED
	}
	return false
}

func (self *HuntManager) StartHunt(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	hunt, err := self.transition(ctx, hunt_id, flows_proto.Hunt_STARTED, "")
	if err != nil {
		return nil, err
	}

	self.mu.Lock()
	listener := self.start_listener
	self.mu.Unlock()

	if listener != nil {
		listener.OnHuntStarted(ctx, hunt_id)
	}
	return hunt, nil
}

func (self *HuntManager) PauseHunt(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	return self.transition(ctx, hunt_id, flows_proto.Hunt_PAUSED, "")
}

// Stops the hunt for good. Flows of the hunt still running are
// terminated.
func (self *HuntManager) StopHunt(ctx context.Context,
	hunt_id, reason string) (*flows_proto.Hunt, error) {
	hunt, err := self.transition(ctx, hunt_id, flows_proto.Hunt_STOPPED, reason)
	if err != nil {
		return nil, err
	}

	self.forgetLimiter(hunt_id)

	hunt_flows, err := self.huntFlows(ctx, hunt_id)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "Hunt stopped"
	}

	for _, flow := range hunt_flows {
		if !flow.IsRunning() {
			continue
		}
		err = self.runner.TerminateFlow(ctx, flow.ClientId, flow.FlowId,
			reason, hunt.Creator)
		if err != nil {
			return nil, err
		}
	}

	self.notifyCreator(ctx, hunt)
	return hunt, nil
}

// Stops admitting clients. Flows already running finish normally.
func (self *HuntManager) CompleteHunt(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	hunt, err := self.transition(ctx, hunt_id, flows_proto.Hunt_COMPLETED, "")
	if err != nil {
		return nil, err
	}

	self.forgetLimiter(hunt_id)
	self.notifyCreator(ctx, hunt)
	return hunt, nil
}

func (self *HuntManager) notifyCreator(ctx context.Context, hunt *flows_proto.Hunt) {
	if self.notifier == nil {
		return
	}

	message := fmt.Sprintf("Hunt %v %v", hunt.HuntId, hunt.State)
	if hunt.StateComment != "" {
		message += ": " + hunt.StateComment
	}

	err := self.notifier.NotifyUser(ctx, &flows_proto.UserNotification{
		Username:  hunt.Creator,
		Type:      "HuntStatus",
		Message:   message,
		Reference: hunt.HuntId,
		Timestamp: utils.ToMicro(self.clock.Now()),
	})
	if err != nil {
		logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
		logger.Error("Notifying %v: %v", hunt.Creator, err)
	}
}

// The hunt's own flows. Flows started by those flows carry the hunt
// id too but are not counted.
func (self *HuntManager) huntFlows(ctx context.Context,
	hunt_id string) ([]*flows_proto.Flow, error) {
	all, err := self.db.ReadHuntFlows(ctx, hunt_id)
	if err != nil {
		return nil, errors.Wrap(err, "huntFlows")
	}

	result := make([]*flows_proto.Flow, 0, len(all))
	for _, flow := range all {
		if flow.ParentFlowId == "" {
			result = append(result, flow)
		}
	}
	return result, nil
}

func (self *HuntManager) ReadHuntCounters(ctx context.Context,
	hunt_id string) (*flows_proto.HuntCounters, error) {
	hunt_flows, err := self.huntFlows(ctx, hunt_id)
	if err != nil {
		return nil, err
	}

	result := &flows_proto.HuntCounters{}
	for _, flow := range hunt_flows {
		result.Add(flow)
	}
	return result, nil
}
