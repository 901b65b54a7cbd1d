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
package services

import (
	"context"

	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

// Delivers client action requests to clients. Delivery is at least
// once.
type MessageChannel interface {
	SendClientActionRequest(ctx context.Context, client_id string,
		request *flows_proto.ClientActionRequest) error

	// Wake up the client if it is waiting for new work.
	NotifyClient(client_id string)
}

// Tells users about the outcome of the flows and hunts they started.
type Notifier interface {
	NotifyUser(ctx context.Context,
		notification *flows_proto.UserNotification) error
}

// Called by the flow runner for flows started by a hunt.
type HuntHooks interface {
	GetHunt(ctx context.Context, hunt_id string) (*flows_proto.Hunt, error)

	// The flow reached a terminal state. The hunt re-evaluates its
	// limits and stops itself when they are exceeded.
	OnHuntFlowCompleted(ctx context.Context, flow *flows_proto.Flow) error
}

// Handles crash reports arriving from clients.
type CrashHandler interface {
	ProcessClientCrash(ctx context.Context,
		client_id, flow_id, message string) error
}

// Offers the hunts that are running to a client.
type Foreman interface {
	ForemanCheck(ctx context.Context,
		client_id string) ([]*flows_proto.Flow, error)
}

// Told when a hunt starts so that waiting clients get a chance to
// join it.
type HuntStartListener interface {
	OnHuntStarted(ctx context.Context, hunt_id string)
}
