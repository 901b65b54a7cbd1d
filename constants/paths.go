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

import "strings"

// Output plugin log entries and results are owned either by a flow
// or a hunt. The owner id is a single string for both.
func GetFlowOwnerId(client_id, flow_id string) string {
	return client_id + "/" + flow_id
}

func IsHuntId(id string) bool {
	return strings.HasPrefix(id, HUNT_PREFIX)
}

func IsFlowId(id string) bool {
	return strings.HasPrefix(id, FLOW_PREFIX)
}
