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
package datastore

import (
	"context"
	"sort"

	"github.com/Velocidex/json"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

func flowKey(client_id, flow_id string) string {
	return client_id + "/" + flow_id
}

// Stored values are never shared with callers.
func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}
	serialized, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	result := new(T)
	err = json.Unmarshal(serialized, result)
	if err != nil {
		panic(err)
	}
	return result
}

// A pending termination set by someone else must survive a runner
// writing back its own copy of the flow. A terminal flow never
// returns to running, so a stale running copy is ignored.
func mergeFlowForWrite(stored, incoming *flows_proto.Flow) *flows_proto.Flow {
	if stored == nil {
		return incoming
	}

	if stored.FlowState.IsTerminal() && !incoming.FlowState.IsTerminal() {
		return stored
	}

	if stored.PendingTermination != nil && incoming.PendingTermination == nil {
		incoming = incoming.Copy()
		incoming.PendingTermination = stored.PendingTermination
	}
	return incoming
}

// Merges a write into the processing queue entry that already exists
// for the flow. A lease in progress carries over so two workers never
// process the same flow. The earliest delivery time wins, unless the
// lease holder reschedules an entry nobody else wrote since it was
// leased: its old delivery time was consumed by the holder.
func mergeProcessingRequest(existing, req *flows_proto.FlowProcessingRequest,
	now uint64) *flows_proto.FlowProcessingRequest {
	result := *req
	result.CreationTime = nextCreationTime(existing, now)
	result.LeasedUntil = 0
	result.LeasedBy = ""

	if existing == nil {
		return &result
	}

	result.LeasedUntil = existing.LeasedUntil
	result.LeasedBy = existing.LeasedBy

	rescheduled := req.LeasedBy != "" &&
		req.LeasedBy == existing.LeasedBy &&
		req.CreationTime == existing.CreationTime
	if !rescheduled && existing.DeliveryTime < result.DeliveryTime {
		result.DeliveryTime = existing.DeliveryTime
	}
	return &result
}

// Creation times identify a particular write of a processing request
// so they must change on every write.
func nextCreationTime(existing *flows_proto.FlowProcessingRequest, now uint64) uint64 {
	if existing != nil && existing.CreationTime >= now {
		return existing.CreationTime + 1
	}
	return now
}

// Builds the fetch window from requests sorted by id (at most
// request_limit+1 of them) and their responses sorted by (request id,
// response id), at most response_limit+1.
//
// Only responses for requests inside the window are considered. When
// a limit truncates the data, requests whose responses may be partial
// are dropped from the window and more is reported. A single request
// which alone exceeds the response limit is returned whole so the
// caller can always make progress: full_responses loads it.
func buildFetchWindow(
	requests []*flows_proto.FlowRequest,
	responses []*flows_proto.FlowResponse,
	request_limit, response_limit int,
	full_responses func(request_id uint64) ([]*flows_proto.FlowResponse, error)) (
	[]*flows_proto.RequestWithResponses, bool, error) {

	more := false
	if request_limit > 0 && len(requests) > request_limit {
		requests = requests[:request_limit]
		more = true
	}

	if len(requests) == 0 {
		return nil, more, nil
	}

	max_request_id := requests[len(requests)-1].RequestId
	in_window := responses[:0:0]
	for _, r := range responses {
		if r.RequestId <= max_request_id {
			in_window = append(in_window, r)
		}
	}

	// The cut request's responses may be incomplete.
	var cut_request_id uint64
	truncated := false
	if response_limit > 0 && len(in_window) > response_limit {
		cut_request_id = in_window[response_limit].RequestId
		in_window = in_window[:response_limit]
		truncated = true
		more = true
	}

	by_request := make(map[uint64][]*flows_proto.FlowResponse)
	for _, r := range in_window {
		by_request[r.RequestId] = append(by_request[r.RequestId], r)
	}

	result := make([]*flows_proto.RequestWithResponses, 0, len(requests))
	for _, req := range requests {
		item := &flows_proto.RequestWithResponses{
			Request:   req,
			Responses: by_request[req.RequestId],
		}

		if truncated && req.RequestId >= cut_request_id {
			if len(result) > 0 {
				break
			}

			all, err := full_responses(req.RequestId)
			if err != nil {
				return nil, false, err
			}
			item.Responses = all
			result = append(result, item)
			break
		}
		result = append(result, item)
	}

	for _, item := range result {
		sort.Slice(item.Responses, func(i, j int) bool {
			return item.Responses[i].ResponseId < item.Responses[j].ResponseId
		})
	}

	return result, more, nil
}

// Returns the contiguous run of complete requests starting at
// next_needed_request, keyed by request id.
func ReadFlowRequestsReadyForProcessing(
	ctx context.Context, db DataStore,
	client_id, flow_id string, next_needed_request uint64) (
	map[uint64]*flows_proto.RequestWithResponses, error) {

	items, _, err := db.ReadFlowRequestsAndResponses(ctx, client_id, flow_id, 0, 0)
	if err != nil {
		return nil, err
	}

	result := make(map[uint64]*flows_proto.RequestWithResponses)
	next := next_needed_request
	for _, item := range items {
		if item.Request.RequestId < next {
			continue
		}
		if item.Request.RequestId > next || !item.IsComplete() {
			break
		}
		result[next] = item
		next++
	}
	return result, nil
}

func paginate[T any](items []T, offset, count int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if count > 0 && count < len(items) {
		items = items[:count]
	}
	return items
}
