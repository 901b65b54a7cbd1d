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
// An interface into persistent data storage.
//
// The datastore holds flows, their outstanding requests and the
// responses received for them, results and logs, the client message
// queue, the flow processing queue and hunts. Every method is atomic
// on its own. Multi step updates go through CommitBatch.
package datastore

import (
	"context"
	"fmt"
	"os"
	"time"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/config"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

type DataStore interface {
	// Flow objects.
	WriteFlowObject(ctx context.Context, flow *flows_proto.Flow) error

	// Returns an error wrapping os.ErrNotExist if the flow is not
	// known.
	ReadFlowObject(ctx context.Context,
		client_id, flow_id string) (*flows_proto.Flow, error)

	// Atomic read-modify-write of a flow object.
	UpdateFlow(ctx context.Context, client_id, flow_id string,
		cb func(flow *flows_proto.Flow) error) error

	ListFlows(ctx context.Context, client_id string) ([]*flows_proto.Flow, error)
	ReadChildFlowObjects(ctx context.Context,
		client_id, parent_flow_id string) ([]*flows_proto.Flow, error)
	ReadHuntFlows(ctx context.Context, hunt_id string) ([]*flows_proto.Flow, error)

	// Requests and responses.
	WriteFlowRequests(ctx context.Context, requests []*flows_proto.FlowRequest) error

	// Responses to requests which do not exist are dropped.
	WriteFlowResponses(ctx context.Context, responses []*flows_proto.FlowResponse) error

	// Deletes the requests, all their responses and any client
	// message still queued for them.
	DeleteFlowRequests(ctx context.Context, requests []*flows_proto.FlowRequest) error

	// Reads requests in ascending id order with their responses. At
	// most request_limit requests and response_limit responses are
	// returned (0 means no limit). The bool is true if more data is
	// available.
	ReadFlowRequestsAndResponses(ctx context.Context,
		client_id, flow_id string,
		request_limit, response_limit int) (
		[]*flows_proto.RequestWithResponses, bool, error)

	// Results and logs.
	WriteFlowResults(ctx context.Context, results []*flows_proto.FlowResult) error
	ReadFlowResults(ctx context.Context, client_id, flow_id string,
		offset, count int) ([]*flows_proto.FlowResult, error)
	ReadHuntResults(ctx context.Context, hunt_id string,
		offset, count int) ([]*flows_proto.FlowResult, error)

	WriteFlowLogEntries(ctx context.Context, entries []*flows_proto.FlowLogEntry) error
	ReadFlowLogEntries(ctx context.Context, client_id, flow_id string,
		offset, count int) ([]*flows_proto.FlowLogEntry, error)

	WriteOutputPluginLogEntries(ctx context.Context,
		entries []*flows_proto.OutputPluginLogEntry) error
	ReadOutputPluginLogEntries(ctx context.Context,
		owner_id string) ([]*flows_proto.OutputPluginLogEntry, error)

	// Client message queue. Messages are keyed by (client, flow,
	// request) so queueing a message again replaces it.
	QueueClientMessages(ctx context.Context,
		messages []*flows_proto.ClientActionRequest) error
	LeaseClientMessages(ctx context.Context, client_id string,
		lease time.Duration, limit int) ([]*flows_proto.ClientActionRequest, error)
	ReadClientMessages(ctx context.Context,
		client_id string) ([]*flows_proto.ClientActionRequest, error)
	DeleteClientMessages(ctx context.Context,
		messages []*flows_proto.ClientActionRequest) error

	// Flow processing queue. There is at most one entry per flow.
	WriteFlowProcessingRequests(ctx context.Context,
		requests []*flows_proto.FlowProcessingRequest) error
	LeaseFlowProcessingRequests(ctx context.Context, worker_id string,
		ttl time.Duration, limit int) ([]*flows_proto.FlowProcessingRequest, error)
	RenewFlowProcessingRequests(ctx context.Context,
		requests []*flows_proto.FlowProcessingRequest, ttl time.Duration) error

	// Removes the entries unless they were written again since they
	// were leased, in which case the lease is released.
	AckFlowProcessingRequests(ctx context.Context,
		requests []*flows_proto.FlowProcessingRequest) error
	ReadFlowProcessingRequests(ctx context.Context) (
		[]*flows_proto.FlowProcessingRequest, error)

	// Hunts.
	WriteHuntObject(ctx context.Context, hunt *flows_proto.Hunt) error
	ReadHuntObject(ctx context.Context, hunt_id string) (*flows_proto.Hunt, error)
	ReadHuntObjects(ctx context.Context) ([]*flows_proto.Hunt, error)
	UpdateHuntObject(ctx context.Context, hunt_id string,
		cb func(hunt *flows_proto.Hunt) error) error
	ReadHuntOutputPluginsStates(ctx context.Context, hunt_id string) (
		map[string]*flows_proto.OutputPluginState, error)

	// The callback receives the current state (nil if none) and
	// returns the state to store.
	UpdateHuntOutputPluginState(ctx context.Context, hunt_id, plugin_id string,
		cb func(state *flows_proto.OutputPluginState) (
			*flows_proto.OutputPluginState, error)) error

	WriteUserNotification(ctx context.Context,
		notification *flows_proto.UserNotification) error
	ReadUserNotifications(ctx context.Context,
		username string) ([]*flows_proto.UserNotification, error)

	// Apply all the batch's mutations in one transaction.
	CommitBatch(ctx context.Context, batch *Batch) error

	Close() error
}

func NewDataStore(
	ctx context.Context, config_obj *config.Config,
	clock utils.Clock) (DataStore, error) {
	if config_obj.Datastore == nil {
		return nil, errors.New("No Datastore configuration")
	}

	if clock == nil {
		clock = utils.RealClock{}
	}

	switch config_obj.Datastore.Implementation {
	case "Memory", "Test":
		return NewMemoryDataStore(clock), nil

	case "SQLite":
		return NewSQLiteDataStore(ctx, config_obj.Datastore.Location, clock)

	case "MySQL":
		return NewMySQLDataStore(ctx,
			config_obj.Datastore.MysqlConnectionString, clock)

	default:
		return nil, fmt.Errorf("Unsupported datastore %v",
			config_obj.Datastore.Implementation)
	}
}

func flowNotFound(client_id, flow_id string) error {
	return errors.WithMessage(os.ErrNotExist,
		fmt.Sprintf("flow %v/%v", client_id, flow_id))
}

func huntNotFound(hunt_id string) error {
	return errors.WithMessage(os.ErrNotExist,
		fmt.Sprintf("hunt %v", hunt_id))
}
