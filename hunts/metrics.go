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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	huntFlowsStartedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hunt_flows_started_count",
			Help: "Number of flows started by hunts.",
		})

	admissionRejectedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunt_admission_rejected_count",
			Help: "Number of clients turned away by hunt admission control.",
		},
		[]string{"reason"},
	)

	huntsStoppedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunt_stopped_count",
			Help: "Number of hunts stopped because a limit was exceeded.",
		},
		[]string{"limit"},
	)
)
