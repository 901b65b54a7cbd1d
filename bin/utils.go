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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/server"
	"www.velocidex.com/golang/flowrunner/utils"
)

func install_sig_handler() (context.Context, context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-quit:
			cancel()

		case <-ctx.Done():
			return
		}
	}()

	return ctx, cancel
}

// A server for one shot commands. Nothing is started, the commands
// only read and write the datastore.
func get_server(ctx context.Context) *server.Server {
	config_obj := load_config_or_default()
	if config_obj.Datastore.Implementation == "Memory" {
		kingpin.Fatalf("The Memory datastore does not persist between " +
			"commands, use a config with a SQLite or MySQL datastore.")
	}

	server_obj, err := server.NewServer(ctx, config_obj, nil)
	kingpin.FatalIfError(err, "Unable to open datastore")
	return server_obj
}

// Parses a JSON object into the registered payload type. An empty
// string is the type's zero value.
func parsePayload(type_name, serialized string) (interface{}, error) {
	if type_name == "" {
		return nil, nil
	}

	result, err := payloads.New(type_name)
	if err != nil {
		return nil, err
	}

	if serialized == "" {
		return result, nil
	}

	err = json.Unmarshal([]byte(serialized), result)
	if err != nil {
		return nil, fmt.Errorf("Parsing %v: %w", type_name, err)
	}
	return result, nil
}

func newTable(headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	return table
}

func formatTime(timestamp uint64) string {
	if timestamp == 0 {
		return "-"
	}
	return humanize.Time(utils.FromMicro(timestamp))
}

func formatBytes(count uint64) string {
	return humanize.Bytes(count)
}

func formatDuration(us uint64) string {
	return (time.Duration(us) * time.Microsecond).String()
}

func printJson(v interface{}) {
	serialized, err := json.MarshalIndent(v)
	kingpin.FatalIfError(err, "Encoding")
	fmt.Println(string(serialized))
}

func validateFlowId(flow_id string) error {
	if !constants.IsFlowId(flow_id) {
		return fmt.Errorf("%v is not a flow id, flow ids start with %v",
			flow_id, constants.FLOW_PREFIX)
	}
	return nil
}

func validateHuntId(hunt_id string) error {
	if !constants.IsHuntId(hunt_id) {
		return fmt.Errorf("%v is not a hunt id, hunt ids start with %v",
			hunt_id, constants.HUNT_PREFIX)
	}
	return nil
}
