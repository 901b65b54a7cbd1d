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
package constants

import "time"

var (
	VERSION = "0.7.4"

	FLOW_PREFIX   = "F."
	HUNT_PREFIX   = "H."
	WORKER_PREFIX = "W."

	// The state every flow starts in. It is not part of a flow's state
	// table.
	START_STATE = "Start"

	// An optional state ran once the flow has no outstanding requests.
	END_STATE = "End"

	// Client actions the server knows about without registration.
	ECHO_ACTION = "Echo"
)

const (
	// Number of times an incomplete request is resent to the client.
	DEFAULT_RETRANSMISSION_LIMIT = 5

	DEFAULT_LEASE_TTL  = 10 * time.Minute
	DEFAULT_LEASE_PING = 60 * time.Second

	// Bounds on a single fetch of requests and responses.
	DEFAULT_REQUEST_LIMIT  = 1000
	DEFAULT_RESPONSE_LIMIT = 10000

	DEFAULT_HUNT_WORKERS        = 20
	DEFAULT_MAX_LEASED_REQUESTS = 100
	DEFAULT_POLL_INTERVAL       = time.Second

	DEFAULT_HUNT_DURATION    = 14 * 24 * time.Hour
	DEFAULT_HUNT_CRASH_LIMIT = 100
	DEFAULT_HUNT_CACHE_TTL   = time.Minute
	DEFAULT_HUNT_CACHE_SIZE  = 1000

	DEFAULT_MIN_CLIENTS_FOR_AVERAGE_LIMITS = 1000

	DEFAULT_CLIENT_LEASE         = 10 * time.Minute
	DEFAULT_MAX_TASKS_PER_POLL   = 100
	DEFAULT_FRONTEND_BIND        = "127.0.0.1:8000"
	DEFAULT_READER_POLL_INTERVAL = 30 * time.Second
	DEFAULT_FOREMAN_INTERVAL     = time.Minute

	// Used for notification ownership when a flow has no creator.
	SYSTEM_USER = "FlowRunnerServer"
)
