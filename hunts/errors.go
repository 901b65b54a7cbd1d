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
	"fmt"

	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

// Reasons a client is not admitted to a hunt.
var (
	ErrHuntNotStarted       = errors.New("Hunt is not started")
	ErrHuntExpired          = errors.New("Hunt expired")
	ErrAlreadyParticipating = errors.New("Client already participates in hunt")
	ErrClientLimitReached   = errors.New("Hunt client limit reached")
	ErrClientRateExceeded   = errors.New("Hunt client rate exceeded")
)

// True if the client was turned away by admission control rather
// than because something failed.
func IsAdmissionRejection(err error) bool {
	return errors.Is(err, ErrHuntNotStarted) ||
		errors.Is(err, ErrHuntExpired) ||
		errors.Is(err, ErrAlreadyParticipating) ||
		errors.Is(err, ErrClientLimitReached) ||
		errors.Is(err, ErrClientRateExceeded)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrHuntNotStarted):
		return "not_started"
	case errors.Is(err, ErrHuntExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyParticipating):
		return "participating"
	case errors.Is(err, ErrClientLimitReached):
		return "client_limit"
	case errors.Is(err, ErrClientRateExceeded):
		return "client_rate"
	}
	return "other"
}

type InvalidTransitionError struct {
	HuntId string
	From   flows_proto.Hunt_HuntState
	To     flows_proto.Hunt_HuntState
}

func (self *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Hunt %v can not go from %v to %v",
		self.HuntId, self.From, self.To)
}
