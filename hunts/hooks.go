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

	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
)

// Called by the flow runner when one of the hunt's flows reached a
// terminal state. The hunt is stopped once its aggregate limits are
// exceeded.
func (self *HuntManager) OnHuntFlowCompleted(
	ctx context.Context, flow *flows_proto.Flow) error {
	if flow.ParentHuntId == "" || flow.ParentFlowId != "" {
		return nil
	}

	hunt, err := self.db.ReadHuntObject(ctx, flow.ParentHuntId)
	if err != nil {
		return err
	}

	if hunt.State.IsTerminal() {
		return nil
	}

	counters, err := self.ReadHuntCounters(ctx, hunt.HuntId)
	if err != nil {
		return err
	}

	limit, reason := self.exceededLimit(hunt, counters)
	if limit == "" {
		return nil
	}

	logger := logging.GetLogger(self.config_obj, &logging.HuntComponent)
	logger.Info("Stopping hunt %v: %v", hunt.HuntId, reason)
	huntsStoppedCounter.WithLabelValues(limit).Inc()

	_, err = self.StopHunt(ctx, hunt.HuntId, reason)

	// Another flow of the hunt may have stopped it first.
	var transition_err *InvalidTransitionError
	if errors.As(err, &transition_err) {
		return nil
	}
	return err
}

// Returns the name of the first limit the hunt exceeds and a
// description, or "" if it is within all its limits.
func (self *HuntManager) exceededLimit(hunt *flows_proto.Hunt,
	counters *flows_proto.HuntCounters) (string, string) {
	if hunt.CrashLimit > 0 && counters.NumCrashed >= hunt.CrashLimit {
		return "crash", fmt.Sprintf("Hunt crash limit %v reached (%v crashed)",
			hunt.CrashLimit, counters.NumCrashed)
	}

	if hunt.TotalNetworkBytesLimit > 0 &&
		counters.TotalNetworkBytesSent > hunt.TotalNetworkBytesLimit {
		return "total_network", fmt.Sprintf(
			"Hunt total network limit %v exceeded (%v sent)",
			hunt.TotalNetworkBytesLimit, counters.TotalNetworkBytesSent)
	}

	// Averages are over completed clients only. Running flows have
	// not reported their usage yet.
	completed := counters.NumCompleted()
	if completed == 0 ||
		completed < self.config_obj.Hunts.MinClientsForAverageLimits {
		return "", ""
	}

	if hunt.AvgCpuSecondsPerClientLimit > 0 {
		average := counters.TotalCpuSeconds / float64(completed)
		if average > hunt.AvgCpuSecondsPerClientLimit {
			return "avg_cpu", fmt.Sprintf(
				"Hunt average CPU per client %.2fs exceeds limit %v",
				average, hunt.AvgCpuSecondsPerClientLimit)
		}
	}

	if hunt.AvgNetworkBytesPerClientLimit > 0 {
		average := counters.TotalNetworkBytesSent / completed
		if average > hunt.AvgNetworkBytesPerClientLimit {
			return "avg_network", fmt.Sprintf(
				"Hunt average network per client %v exceeds limit %v",
				average, hunt.AvgNetworkBytesPerClientLimit)
		}
	}
	return "", ""
}
