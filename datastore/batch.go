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
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

type FlowKey struct {
	ClientId string
	FlowId   string
}

// A set of mutations applied atomically by CommitBatch. They are
// applied in the order of the fields below.
type Batch struct {
	Flows              []*flows_proto.Flow
	DestroyFlows       []FlowKey
	DeleteRequests     []*flows_proto.FlowRequest
	Requests           []*flows_proto.FlowRequest
	Responses          []*flows_proto.FlowResponse
	ClientMessages     []*flows_proto.ClientActionRequest
	AckClientMessages  []*flows_proto.ClientActionRequest
	Results            []*flows_proto.FlowResult
	LogEntries         []*flows_proto.FlowLogEntry
	ProcessingRequests []*flows_proto.FlowProcessingRequest
}

func (self *Batch) IsEmpty() bool {
	return len(self.Flows) == 0 &&
		len(self.DestroyFlows) == 0 &&
		len(self.DeleteRequests) == 0 &&
		len(self.Requests) == 0 &&
		len(self.Responses) == 0 &&
		len(self.ClientMessages) == 0 &&
		len(self.AckClientMessages) == 0 &&
		len(self.Results) == 0 &&
		len(self.LogEntries) == 0 &&
		len(self.ProcessingRequests) == 0
}

// Clients with messages in this batch.
func (self *Batch) ClientIds() []string {
	seen := make(map[string]bool)
	result := []string{}
	for _, m := range self.ClientMessages {
		if !seen[m.ClientId] {
			seen[m.ClientId] = true
			result = append(result, m.ClientId)
		}
	}
	return result
}
