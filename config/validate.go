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
package config

import (
	"fmt"
	"time"

	"github.com/go-errors/errors"
)

type validatorFunction struct {
	name      string
	validator func(config_obj *Config) error
}

var validators = []validatorFunction{
	{name: "datastore", validator: validateDatastore},
	{name: "flows", validator: validateFlows},
	{name: "worker", validator: validateWorker},
}

func Validate(config_obj *Config) error {
	for _, v := range validators {
		err := v.validator(config_obj)
		if err != nil {
			return fmt.Errorf("Config validator %v: %w", v.name, err)
		}
	}
	return nil
}

func validateDatastore(config_obj *Config) error {
	if config_obj.Datastore == nil {
		return errors.New("No Datastore section")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory", "Test":
	case "SQLite":
		if config_obj.Datastore.Location == "" {
			return errors.New("SQLite datastore requires a location")
		}
	case "MySQL":
		if config_obj.Datastore.MysqlConnectionString == "" {
			return errors.New("MySQL datastore requires a connection string")
		}
	default:
		return fmt.Errorf("Unsupported datastore implementation %q",
			config_obj.Datastore.Implementation)
	}
	return nil
}

func validateFlows(config_obj *Config) error {
	if config_obj.Flows == nil {
		return errors.New("No Flows section")
	}

	if config_obj.Flows.RetransmissionLimit < 0 {
		return errors.New("Flows.retransmission_limit may not be negative")
	}

	if config_obj.Flows.RequestLimit <= 0 || config_obj.Flows.ResponseLimit <= 0 {
		return errors.New("Flows request and response limits must be positive")
	}
	return nil
}

// The lease must always be renewed before it expires, otherwise a
// second worker may pick up the same work.
func validateWorker(config_obj *Config) error {
	if config_obj.Worker == nil {
		return errors.New("No Worker section")
	}

	if config_obj.Worker.LeasePingSec == 0 {
		return errors.New("Worker.lease_ping_sec must be set")
	}

	if config_obj.Worker.LeasePingSec >= config_obj.Worker.LeaseTTLSec {
		return fmt.Errorf(
			"Worker.lease_ping_sec (%v) must be shorter than Worker.lease_ttl_sec (%v)",
			config_obj.Worker.LeasePingSec, config_obj.Worker.LeaseTTLSec)
	}

	if config_obj.Worker.HuntWorkers <= 0 {
		return errors.New("Worker.hunt_workers must be positive")
	}
	return nil
}

func (self *WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(self.LeaseTTLSec) * time.Second
}

func (self *WorkerConfig) LeasePing() time.Duration {
	return time.Duration(self.LeasePingSec) * time.Second
}

func (self *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(self.PollIntervalMs) * time.Millisecond
}

func (self *HuntsConfig) CacheTTL() time.Duration {
	return time.Duration(self.CacheTTLSec) * time.Second
}

func (self *HuntsConfig) DefaultDuration() time.Duration {
	return time.Duration(self.DefaultDurationSec) * time.Second
}

func (self *FrontendConfig) ClientLease() time.Duration {
	return time.Duration(self.ClientLeaseSec) * time.Second
}
