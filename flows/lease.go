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
	"context"
	"sync"
	"time"

	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

// A worker's claim on the processing requests it leased. State
// methods only run while the lease is valid.
type Lease struct {
	mu        sync.Mutex
	worker_id string
	deadline  time.Time
}

func NewLease(worker_id string, deadline time.Time) *Lease {
	return &Lease{
		worker_id: worker_id,
		deadline:  deadline,
	}
}

func (self *Lease) WorkerId() string {
	if self == nil {
		return ""
	}
	return self.worker_id
}

func (self *Lease) Deadline() time.Time {
	if self == nil {
		return time.Time{}
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	return self.deadline
}

// Leases only ever move forward.
func (self *Lease) Extend(deadline time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if deadline.After(self.deadline) {
		self.deadline = deadline
	}
}

// A nil lease never expires.
func (self *Lease) Expired(now time.Time) bool {
	if self == nil {
		return false
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	return !self.deadline.IsZero() && now.After(self.deadline)
}

// Renews the leases on requests every LeasePingSec until the returned
// function is called. The lease deadline follows each renewal.
func StartLeaseRenewal(
	ctx context.Context, config_obj *config.Config,
	db datastore.DataStore, clock utils.Clock,
	requests []*flows_proto.FlowProcessingRequest, lease *Lease) func() {

	sub_ctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()

		logger := logging.GetLogger(config_obj, &logging.FlowComponent)
		defer utils.CheckForPanic(logger, "Lease renewal for %v",
			lease.WorkerId())

		for {
			select {
			case <-sub_ctx.Done():
				return

			case <-clock.After(config_obj.Worker.LeasePing()):
				ttl := config_obj.Worker.LeaseTTL()
				err := db.RenewFlowProcessingRequests(sub_ctx, requests, ttl)
				if err != nil {
					logger.Error("Renewing %v leases: %v", len(requests), err)
					continue
				}
				lease.Extend(clock.Now().Add(ttl))
				leaseRenewalCounter.Inc()
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
