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
	"os"

	"github.com/Velocidex/yaml/v2"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/constants"
)

type DatastoreConfig struct {
	// One of Memory, SQLite or MySQL
	Implementation string `json:"implementation,omitempty"`

	// Path to the SQLite database file.
	Location string `json:"location,omitempty"`

	MysqlConnectionString string `json:"mysql_connection_string,omitempty"`
}

type FlowsConfig struct {
	RetransmissionLimit int `json:"retransmission_limit"`
	RequestLimit        int `json:"request_limit,omitempty"`
	ResponseLimit       int `json:"response_limit,omitempty"`

	// Defaults applied to flows started without explicit limits. 0
	// means unlimited.
	DefaultCpuLimit          float64 `json:"default_cpu_limit,omitempty"`
	DefaultNetworkBytesLimit uint64  `json:"default_network_bytes_limit,omitempty"`
	DefaultRuntimeLimitSec   uint64  `json:"default_runtime_limit_sec,omitempty"`
}

type WorkerConfig struct {
	PollIntervalMs    uint64 `json:"poll_interval_ms,omitempty"`
	LeaseTTLSec       uint64 `json:"lease_ttl_sec,omitempty"`
	LeasePingSec      uint64 `json:"lease_ping_sec,omitempty"`
	MaxLeasedRequests int    `json:"max_leased_requests,omitempty"`
	HuntWorkers       int    `json:"hunt_workers,omitempty"`
}

type HuntsConfig struct {
	CacheTTLSec        uint64 `json:"cache_ttl_sec,omitempty"`
	CacheSize          int    `json:"cache_size,omitempty"`
	DefaultDurationSec uint64 `json:"default_duration_sec,omitempty"`
	DefaultCrashLimit  uint64 `json:"default_crash_limit,omitempty"`

	// Average per client limits are only enforced once this many
	// clients ran the hunt.
	MinClientsForAverageLimits uint64 `json:"min_clients_for_average_limits,omitempty"`
}

type FrontendConfig struct {
	BindAddress        string `json:"bind_address,omitempty"`
	ClientLeaseSec     uint64 `json:"client_lease_sec,omitempty"`
	MaxTasksPerPoll    int    `json:"max_tasks_per_poll,omitempty"`
	MetricsBindAddress string `json:"metrics_bind_address,omitempty"`

	// Rate of wakeups when notifying many clients at once. 0 means
	// no limit.
	NotificationsPerSecond float64 `json:"notifications_per_second,omitempty"`
}

type OutputPluginsConfig struct {
	JsonlDirectory string `json:"jsonl_directory,omitempty"`
}

type MailConfig struct {
	Server       string `json:"server,omitempty"`
	ServerPort   uint32 `json:"server_port,omitempty"`
	AuthUsername string `json:"auth_username,omitempty"`
	AuthPassword string `json:"auth_password,omitempty"`
	From         string `json:"from,omitempty"`

	// Usernames are mapped to email addresses by appending this
	// domain. If empty, notifications are not emailed.
	NotificationDomain string `json:"notification_domain,omitempty"`
}

type LoggingConfig struct {
	OutputDirectory string `json:"output_directory,omitempty"`
	Debug           bool   `json:"debug,omitempty"`
}

type Config struct {
	Version       string               `json:"version,omitempty"`
	Datastore     *DatastoreConfig     `json:"Datastore,omitempty"`
	Flows         *FlowsConfig         `json:"Flows,omitempty"`
	Worker        *WorkerConfig        `json:"Worker,omitempty"`
	Hunts         *HuntsConfig         `json:"Hunts,omitempty"`
	Frontend      *FrontendConfig      `json:"Frontend,omitempty"`
	OutputPlugins *OutputPluginsConfig `json:"OutputPlugins,omitempty"`
	Mail          *MailConfig          `json:"Mail,omitempty"`
	Logging       *LoggingConfig       `json:"Logging,omitempty"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Version: constants.VERSION,
		Datastore: &DatastoreConfig{
			Implementation: "Memory",
		},
		Flows: &FlowsConfig{
			RetransmissionLimit: constants.DEFAULT_RETRANSMISSION_LIMIT,
			RequestLimit:        constants.DEFAULT_REQUEST_LIMIT,
			ResponseLimit:       constants.DEFAULT_RESPONSE_LIMIT,
		},
		Worker: &WorkerConfig{
			PollIntervalMs:    uint64(constants.DEFAULT_POLL_INTERVAL.Milliseconds()),
			LeaseTTLSec:       uint64(constants.DEFAULT_LEASE_TTL.Seconds()),
			LeasePingSec:      uint64(constants.DEFAULT_LEASE_PING.Seconds()),
			MaxLeasedRequests: constants.DEFAULT_MAX_LEASED_REQUESTS,
			HuntWorkers:       constants.DEFAULT_HUNT_WORKERS,
		},
		Hunts: &HuntsConfig{
			CacheTTLSec:        uint64(constants.DEFAULT_HUNT_CACHE_TTL.Seconds()),
			CacheSize:          constants.DEFAULT_HUNT_CACHE_SIZE,
			DefaultDurationSec: uint64(constants.DEFAULT_HUNT_DURATION.Seconds()),
			DefaultCrashLimit:  constants.DEFAULT_HUNT_CRASH_LIMIT,

			MinClientsForAverageLimits: constants.DEFAULT_MIN_CLIENTS_FOR_AVERAGE_LIMITS,
		},
		Frontend: &FrontendConfig{
			BindAddress:     constants.DEFAULT_FRONTEND_BIND,
			ClientLeaseSec:  uint64(constants.DEFAULT_CLIENT_LEASE.Seconds()),
			MaxTasksPerPoll: constants.DEFAULT_MAX_TASKS_PER_POLL,
		},
		OutputPlugins: &OutputPluginsConfig{},
		Mail:          &MailConfig{},
		Logging:       &LoggingConfig{},
	}
}

// Load the config stored in the YAML file and returns a config
// object. Missing sections are filled from the defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "LoadConfig")
	}

	return ParseConfigFromString(data)
}

func ParseConfigFromString(config_string []byte) (*Config, error) {
	result := GetDefaultConfig()
	err := yaml.UnmarshalStrict(config_string, result)
	if err != nil {
		return nil, errors.Wrap(err, "ParseConfigFromString")
	}

	fillDefaults(result)

	err = Validate(result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func Encode(config_obj *Config) ([]byte, error) {
	return yaml.Marshal(config_obj)
}

func WriteConfigToFile(filename string, config_obj *Config) error {
	bytes, err := Encode(config_obj)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0600)
}

// An explicitly empty section in the YAML replaces the default
// pointer with nil.
func fillDefaults(config_obj *Config) {
	defaults := GetDefaultConfig()
	if config_obj.Datastore == nil {
		config_obj.Datastore = defaults.Datastore
	}
	if config_obj.Flows == nil {
		config_obj.Flows = defaults.Flows
	}
	if config_obj.Worker == nil {
		config_obj.Worker = defaults.Worker
	}
	if config_obj.Hunts == nil {
		config_obj.Hunts = defaults.Hunts
	}
	if config_obj.Frontend == nil {
		config_obj.Frontend = defaults.Frontend
	}
	if config_obj.OutputPlugins == nil {
		config_obj.OutputPlugins = defaults.OutputPlugins
	}
	if config_obj.Mail == nil {
		config_obj.Mail = defaults.Mail
	}
	if config_obj.Logging == nil {
		config_obj.Logging = defaults.Logging
	}
}
