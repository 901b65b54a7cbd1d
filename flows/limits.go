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
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

// What is left of a flow's budgets. A zero field means the flow has
// no limit on that resource.
type budget struct {
	cpu_seconds   float64
	network_bytes uint64
	runtime_us    uint64
}

// Every outgoing call is limited to what the flow has left. A flow
// with nothing left may not make any further calls.
func remainingBudget(flow *flows_proto.Flow) (*budget, error) {
	result := &budget{}

	if flow.CpuLimit > 0 {
		if flow.CpuTimeUsed >= flow.CpuLimit {
			return nil, &ResourcesExceededError{
				Resource: "CPU",
				Limit:    flow.CpuLimit,
				Used:     flow.CpuTimeUsed,
			}
		}
		result.cpu_seconds = flow.CpuLimit - flow.CpuTimeUsed
	}

	if flow.NetworkBytesLimit > 0 {
		if flow.NetworkBytesSent >= flow.NetworkBytesLimit {
			return nil, &ResourcesExceededError{
				Resource: "Network",
				Limit:    float64(flow.NetworkBytesLimit),
				Used:     float64(flow.NetworkBytesSent),
			}
		}
		result.network_bytes = flow.NetworkBytesLimit - flow.NetworkBytesSent
	}

	if flow.RuntimeLimitUs > 0 {
		if flow.RuntimeUs >= flow.RuntimeLimitUs {
			return nil, &ResourcesExceededError{
				Resource: "Runtime",
				Limit:    float64(flow.RuntimeLimitUs),
				Used:     float64(flow.RuntimeUs),
			}
		}
		result.runtime_us = flow.RuntimeLimitUs - flow.RuntimeUs
	}

	return result, nil
}

// Adds the usage a terminal status reports to the flow. The usage is
// credited even when it takes the flow over its limits so the final
// accounting shows the overrun.
func creditUsage(flow *flows_proto.Flow, status *flows_proto.Status) error {
	if status == nil {
		return nil
	}

	flow.CpuTimeUsed += status.CpuTimeUsed.Total()
	flow.NetworkBytesSent += status.NetworkBytesSent
	flow.RuntimeUs += status.RuntimeUs

	return checkUsage(flow)
}

func checkUsage(flow *flows_proto.Flow) error {
	if flow.CpuLimit > 0 && flow.CpuTimeUsed > flow.CpuLimit {
		return &ResourcesExceededError{
			Resource: "CPU",
			Limit:    flow.CpuLimit,
			Used:     flow.CpuTimeUsed,
		}
	}

	if flow.NetworkBytesLimit > 0 && flow.NetworkBytesSent > flow.NetworkBytesLimit {
		return &ResourcesExceededError{
			Resource: "Network",
			Limit:    float64(flow.NetworkBytesLimit),
			Used:     float64(flow.NetworkBytesSent),
		}
	}

	if flow.RuntimeLimitUs > 0 && flow.RuntimeUs > flow.RuntimeLimitUs {
		return &ResourcesExceededError{
			Resource: "Runtime",
			Limit:    float64(flow.RuntimeLimitUs),
			Used:     float64(flow.RuntimeUs),
		}
	}
	return nil
}
