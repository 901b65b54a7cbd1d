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
	"time"

	"golang.org/x/time/rate"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Starts the hunt's flow on the client if admission control lets the
// client in. Admission is decided on the flows the hunt already has,
// so the checks and the start happen under the manager's lock.
func (self *HuntManager) StartHuntFlowOnClient(ctx context.Context,
	hunt_id, client_id string) (*flows_proto.Flow, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	flow, err := self.startHuntFlowOnClient(ctx, hunt_id, client_id)
	if err != nil && IsAdmissionRejection(err) {
		admissionRejectedCounter.WithLabelValues(rejectionReason(err)).Inc()
	}
	return flow, err
}

func (self *HuntManager) startHuntFlowOnClient(ctx context.Context,
	hunt_id, client_id string) (*flows_proto.Flow, error) {
	hunt, err := self.db.ReadHuntObject(ctx, hunt_id)
	if err != nil {
		return nil, err
	}

	if hunt.State != flows_proto.Hunt_STARTED {
		return nil, ErrHuntNotStarted
	}

	now := self.clock.Now()
	expires := hunt.Expires()
	if expires > 0 && utils.ToMicro(now) >= expires {
		completed, err := self.transition(ctx, hunt_id,
			flows_proto.Hunt_COMPLETED, "Hunt expired")
		if err == nil {
			self.forgetLimiter(hunt_id)
			self.notifyCreator(ctx, completed)
		} else {
			logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
			logger.Error("Completing expired hunt %v: %v", hunt_id, err)
		}
		return nil, ErrHuntExpired
	}

	hunt_flows, err := self.huntFlows(ctx, hunt_id)
	if err != nil {
		return nil, err
	}

	var running, recent uint64
	window_start := utils.ToMicro(now.Add(-time.Minute))
	for _, flow := range hunt_flows {
		if flow.ClientId == client_id {
			return nil, ErrAlreadyParticipating
		}
		if flow.IsRunning() {
			running++
		}
		if flow.CreateTime >= window_start {
			recent++
		}
	}

	if hunt.ClientLimit > 0 && running >= hunt.ClientLimit {
		return nil, ErrClientLimitReached
	}

	if hunt.ClientRate > 0 {
		if float64(recent) >= hunt.ClientRate {
			return nil, ErrClientRateExceeded
		}
		if !self.limiter(hunt).AllowN(now, 1) {
			return nil, ErrClientRateExceeded
		}
	}

	var args interface{}
	if hunt.FlowArgs != nil {
		args, err = payloads.Decode(hunt.FlowArgs)
		if err != nil {
			return nil, err
		}
	}

	flow, err := self.runner.StartFlow(ctx, &flows.StartFlowArgs{
		ClientId:          client_id,
		FlowName:          hunt.FlowName,
		Args:              args,
		Creator:           hunt.Creator,
		ParentHuntId:      hunt.HuntId,
		CpuLimit:          hunt.PerClientCpuLimit,
		NetworkBytesLimit: hunt.PerClientNetworkBytesLimit,
	})
	if err != nil {
		return nil, err
	}

	huntFlowsStartedCounter.Inc()
	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Debug("Hunt %v started %v on %v", hunt_id, flow.FlowId, client_id)
	return flow, nil
}

// A token bucket spreading the hunt's clients over the minute.
func (self *HuntManager) limiter(hunt *flows_proto.Hunt) *rate.Limiter {
	self.limiter_mu.Lock()
	defer self.limiter_mu.Unlock()

	limiter, pres := self.limiters[hunt.HuntId]
	if pres {
		return limiter
	}

	burst := int(hunt.ClientRate)
	if burst < 1 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(hunt.ClientRate/60), burst)
	self.limiters[hunt.HuntId] = limiter
	return limiter
}

func (self *HuntManager) forgetLimiter(hunt_id string) {
	self.limiter_mu.Lock()
	defer self.limiter_mu.Unlock()

	delete(self.limiters, hunt_id)
}

// Offers the client to every started hunt. Returns the flows which
// were started.
func (self *HuntManager) ForemanCheck(ctx context.Context,
	client_id string) ([]*flows_proto.Flow, error) {
	hunt_ids, err := self.cache.StartedHunts(ctx)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	result := []*flows_proto.Flow{}
	for _, hunt_id := range hunt_ids {
		flow, err := self.StartHuntFlowOnClient(ctx, hunt_id, client_id)
		if err != nil {
			if !IsAdmissionRejection(err) {
				logger.Error("ForemanCheck: hunt %v on %v: %v",
					hunt_id, client_id, err)
			}
			continue
		}
		result = append(result, flow)
	}
	return result, nil
}
