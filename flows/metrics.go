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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowStartedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_started_count",
			Help: "Number of flows started.",
		}, []string{"flow"})

	flowCompletedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_completed_count",
			Help: "Number of flows reaching a terminal state.",
		}, []string{"flow", "state"})

	requestsProcessedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_requests_processed_count",
			Help: "Number of requests passed to a state method.",
		})

	retransmissionCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_request_retransmission_count",
			Help: "Number of client requests sent again because responses were missing.",
		})

	stateErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_state_error_count",
			Help: "Number of state methods that failed or panicked.",
		}, []string{"flow"})

	leaseRenewalCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flow_processing_lease_renewal_count",
			Help: "Number of times a worker renewed its processing leases.",
		})
)
