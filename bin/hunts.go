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
	"time"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/flows"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/hunts"
)

var (
	hunts_command = app.Command("hunts", "Manage hunts.")

	hunts_create      = hunts_command.Command("create", "Create a new hunt.")
	hunts_create_flow = hunts_create.Arg("flow", "The flow to run on each client.").
				Required().String()
	hunts_create_args = hunts_create.Flag("args",
		"The flow arguments as a JSON object.").String()
	hunts_create_description = hunts_create.Flag("description",
		"A description of the hunt.").String()
	hunts_create_creator = hunts_create.Flag("creator",
		"The user owning the hunt.").String()
	hunts_create_client_limit = hunts_create.Flag("client_limit",
		"Maximum number of clients running the flow at the same time.").Uint64()
	hunts_create_client_rate = hunts_create.Flag("client_rate",
		"Maximum number of new clients per minute.").Float64()
	hunts_create_duration = hunts_create.Flag("duration",
		"How long the hunt runs after it is first started.").Duration()
	hunts_create_crash_limit = hunts_create.Flag("crash_limit",
		"Stop the hunt after this many crashes.").Uint64()
	hunts_create_avg_cpu = hunts_create.Flag("avg_cpu_limit",
		"Stop the hunt when clients use more CPU seconds on average.").Float64()
	hunts_create_avg_network = hunts_create.Flag("avg_network_limit",
		"Stop the hunt when clients upload more bytes on average.").Uint64()
	hunts_create_total_network = hunts_create.Flag("total_network_limit",
		"Stop the hunt when clients uploaded this many bytes in total.").Uint64()
	hunts_create_per_client_cpu = hunts_create.Flag("per_client_cpu_limit",
		"CPU seconds each client's flow may use.").Float64()
	hunts_create_per_client_network = hunts_create.Flag("per_client_network_limit",
		"Bytes each client's flow may upload.").Uint64()
	hunts_create_output = hunts_create.Flag("output_plugin",
		"Output plugins receiving the hunt's results (may be repeated).").Strings()
	hunts_create_start = hunts_create.Flag("start",
		"Start the hunt right away.").Bool()

	hunts_start    = hunts_command.Command("start", "Start or resume a hunt.")
	hunts_start_id = hunts_start.Arg("hunt_id", "The hunt.").Required().String()

	hunts_pause    = hunts_command.Command("pause", "Pause a hunt.")
	hunts_pause_id = hunts_pause.Arg("hunt_id", "The hunt.").Required().String()

	hunts_stop        = hunts_command.Command("stop", "Stop a hunt for good.")
	hunts_stop_id     = hunts_stop.Arg("hunt_id", "The hunt.").Required().String()
	hunts_stop_reason = hunts_stop.Flag("reason", "Why the hunt is stopped.").
				Default("Stopped by user").String()

	hunts_list = hunts_command.Command("list", "List the hunts.")

	hunts_stats    = hunts_command.Command("stats", "Show a hunt's counters.")
	hunts_stats_id = hunts_stats.Arg("hunt_id", "The hunt.").Required().String()

	hunts_add_client = hunts_command.Command("add_client",
		"Start the hunt's flow on a client now.")
	hunts_add_client_id = hunts_add_client.Arg("hunt_id", "The hunt.").
				Required().String()
	hunts_add_client_client = hunts_add_client.Arg("client_id", "The client.").
				Required().String()
)

func doHuntsCreate() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	server_obj := get_server(ctx)
	defer server_obj.Close()

	desc, err := flows.GetFlowDescriptor(*hunts_create_flow)
	kingpin.FatalIfError(err, "Unknown flow")

	args, err := parsePayload(desc.ArgsType, *hunts_create_args)
	kingpin.FatalIfError(err, "Flow arguments")

	output_plugins := []*flows_proto.OutputPluginDescriptor{}
	for _, name := range *hunts_create_output {
		output_plugins = append(output_plugins,
			&flows_proto.OutputPluginDescriptor{PluginName: name})
	}

	hunt, err := server_obj.Hunts.CreateHunt(ctx, &hunts.CreateHuntArgs{
		FlowName:                      *hunts_create_flow,
		Args:                          args,
		Creator:                       *hunts_create_creator,
		Description:                   *hunts_create_description,
		ClientRate:                    *hunts_create_client_rate,
		ClientLimit:                   *hunts_create_client_limit,
		Duration:                      *hunts_create_duration,
		CrashLimit:                    *hunts_create_crash_limit,
		AvgCpuSecondsPerClientLimit:   *hunts_create_avg_cpu,
		AvgNetworkBytesPerClientLimit: *hunts_create_avg_network,
		TotalNetworkBytesLimit:        *hunts_create_total_network,
		PerClientCpuLimit:             *hunts_create_per_client_cpu,
		PerClientNetworkBytesLimit:    *hunts_create_per_client_network,
		OutputPlugins:                 output_plugins,
	})
	kingpin.FatalIfError(err, "Creating hunt")

	if *hunts_create_start {
		_, err = server_obj.Hunts.StartHunt(ctx, hunt.HuntId)
		kingpin.FatalIfError(err, "Starting hunt")
	}

	fmt.Println(hunt.HuntId)
}

type huntTransition func(ctx context.Context,
	manager *hunts.HuntManager) (*flows_proto.Hunt, error)

func doHuntsTransition(hunt_id string, cb huntTransition) {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateHuntId(hunt_id), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	hunt, err := cb(ctx, server_obj.Hunts)
	kingpin.FatalIfError(err, "Hunt %v", hunt_id)

	fmt.Printf("%v %v\n", hunt.HuntId, hunt.State)
}

func doHuntsList() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	server_obj := get_server(ctx)
	defer server_obj.Close()

	hunt_list, err := server_obj.Hunts.ListHunts(ctx)
	kingpin.FatalIfError(err, "Listing hunts")

	table := newTable("HuntId", "Flow", "State", "Creator", "Created",
		"Expires", "Description")
	for _, hunt := range hunt_list {
		table.Append([]string{
			hunt.HuntId, hunt.FlowName, hunt.State.String(), hunt.Creator,
			formatTime(hunt.CreateTime), formatTime(hunt.Expires()),
			hunt.Description,
		})
	}
	table.Render()
}

func doHuntsStats() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateHuntId(*hunts_stats_id), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	hunt, err := server_obj.Hunts.GetHunt(ctx, *hunts_stats_id)
	kingpin.FatalIfError(err, "Reading hunt")

	counters, err := server_obj.Hunts.ReadHuntCounters(ctx, *hunts_stats_id)
	kingpin.FatalIfError(err, "Reading hunt counters")

	table := newTable("Counter", "Value")
	table.Append([]string{"State", hunt.State.String()})
	if hunt.StateComment != "" {
		table.Append([]string{"Comment", hunt.StateComment})
	}
	table.Append([]string{"Clients", fmt.Sprintf("%v", counters.NumClients)})
	table.Append([]string{"Running", fmt.Sprintf("%v", counters.NumRunning)})
	table.Append([]string{"Successful", fmt.Sprintf("%v", counters.NumSuccessful)})
	table.Append([]string{"Failed", fmt.Sprintf("%v", counters.NumFailed)})
	table.Append([]string{"Crashed", fmt.Sprintf("%v", counters.NumCrashed)})
	table.Append([]string{"Results", fmt.Sprintf("%v", counters.NumResults)})
	table.Append([]string{"CPU", (time.Duration(
		counters.TotalCpuSeconds * float64(time.Second))).String()})
	table.Append([]string{"Network", formatBytes(counters.TotalNetworkBytesSent)})
	table.Render()
}

func doHuntsAddClient() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateHuntId(*hunts_add_client_id), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	flow, err := server_obj.Hunts.StartHuntFlowOnClient(ctx,
		*hunts_add_client_id, *hunts_add_client_client)
	kingpin.FatalIfError(err, "Adding client")

	fmt.Println(flow.FlowId)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case hunts_create.FullCommand():
			doHuntsCreate()

		case hunts_start.FullCommand():
			doHuntsTransition(*hunts_start_id, func(ctx context.Context,
				manager *hunts.HuntManager) (*flows_proto.Hunt, error) {
				return manager.StartHunt(ctx, *hunts_start_id)
			})

		case hunts_pause.FullCommand():
			doHuntsTransition(*hunts_pause_id, func(ctx context.Context,
				manager *hunts.HuntManager) (*flows_proto.Hunt, error) {
				return manager.PauseHunt(ctx, *hunts_pause_id)
			})

		case hunts_stop.FullCommand():
			doHuntsTransition(*hunts_stop_id, func(ctx context.Context,
				manager *hunts.HuntManager) (*flows_proto.Hunt, error) {
				return manager.StopHunt(ctx, *hunts_stop_id, *hunts_stop_reason)
			})

		case hunts_list.FullCommand():
			doHuntsList()

		case hunts_stats.FullCommand():
			doHuntsStats()

		case hunts_add_client.FullCommand():
			doHuntsAddClient()

		default:
			return false
		}
		return true
	})
}
