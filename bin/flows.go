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
	"fmt"
	"strings"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/flows"
	"www.velocidex.com/golang/flowrunner/payloads"
)

var (
	flows_command = app.Command("flows", "Manage flows.")

	flows_start        = flows_command.Command("start", "Start a flow on a client.")
	flows_start_client = flows_start.Arg("client_id", "The client to run on.").
				Required().String()
	flows_start_name = flows_start.Arg("flow", "The flow to run.").
				Required().String()
	flows_start_args = flows_start.Flag("args",
		"The flow arguments as a JSON object.").String()
	flows_start_creator = flows_start.Flag("creator",
		"User to notify when the flow completes.").String()
	flows_start_cpu_limit = flows_start.Flag("cpu_limit",
		"CPU seconds the flow may use.").Float64()
	flows_start_network_limit = flows_start.Flag("network_limit",
		"Bytes the flow may upload.").Uint64()

	flows_list        = flows_command.Command("list", "List a client's flows.")
	flows_list_client = flows_list.Arg("client_id", "The client.").
				Required().String()

	flows_describe = flows_command.Command("describe", "List the known flows.")

	flows_show        = flows_command.Command("show", "Show a flow.")
	flows_show_client = flows_show.Arg("client_id", "The client.").Required().String()
	flows_show_flow   = flows_show.Arg("flow_id", "The flow.").Required().String()

	flows_cancel        = flows_command.Command("cancel", "Cancel a flow.")
	flows_cancel_client = flows_cancel.Arg("client_id", "The client.").Required().String()
	flows_cancel_flow   = flows_cancel.Arg("flow_id", "The flow.").Required().String()
	flows_cancel_reason = flows_cancel.Flag("reason", "Why the flow is cancelled.").
				Default("Cancelled by user").String()

	flows_results        = flows_command.Command("results", "Show a flow's results.")
	flows_results_client = flows_results.Arg("client_id", "The client.").Required().String()
	flows_results_flow   = flows_results.Arg("flow_id", "The flow.").Required().String()

	flows_logs        = flows_command.Command("logs", "Show a flow's log.")
	flows_logs_client = flows_logs.Arg("client_id", "The client.").Required().String()
	flows_logs_flow   = flows_logs.Arg("flow_id", "The flow.").Required().String()
)

func doFlowsStart() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	server_obj := get_server(ctx)
	defer server_obj.Close()

	desc, err := flows.GetFlowDescriptor(*flows_start_name)
	kingpin.FatalIfError(err, "Unknown flow")

	args, err := parsePayload(desc.ArgsType, *flows_start_args)
	kingpin.FatalIfError(err, "Flow arguments")

	flow, err := server_obj.Runner.StartFlow(ctx, &flows.StartFlowArgs{
		ClientId:          *flows_start_client,
		FlowName:          *flows_start_name,
		Args:              args,
		Creator:           *flows_start_creator,
		CpuLimit:          *flows_start_cpu_limit,
		NetworkBytesLimit: *flows_start_network_limit,
	})
	kingpin.FatalIfError(err, "Starting flow")

	fmt.Println(flow.FlowId)
}

func doFlowsList() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	server_obj := get_server(ctx)
	defer server_obj.Close()

	flow_list, err := server_obj.DataStore.ListFlows(ctx, *flows_list_client)
	kingpin.FatalIfError(err, "Listing flows")

	table := newTable("FlowId", "Flow", "State", "Creator", "Created",
		"Results", "Parent")
	for _, flow := range flow_list {
		table.Append([]string{
			flow.FlowId, flow.FlowClassName, flow.FlowState.String(),
			flow.Creator, formatTime(flow.CreateTime),
			fmt.Sprintf("%v", flow.NumResults), flow.ParentFlowId,
		})
	}
	table.Render()
}

func doFlowsDescribe() {
	table := newTable("Flow", "Args", "Results", "Description")
	for _, desc := range flows.ListFlows() {
		table.Append([]string{
			desc.Name, desc.ArgsType,
			strings.Join(desc.ResultTypes, ","), desc.Doc,
		})
	}
	table.Render()
}

func doFlowsShow() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateFlowId(*flows_show_flow), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	flow, err := server_obj.DataStore.ReadFlowObject(ctx,
		*flows_show_client, *flows_show_flow)
	kingpin.FatalIfError(err, "Reading flow")

	table := newTable("Field", "Value")
	table.Append([]string{"FlowId", flow.FlowId})
	table.Append([]string{"Flow", flow.FlowClassName})
	table.Append([]string{"State", flow.FlowState.String()})
	table.Append([]string{"CurrentState", flow.CurrentState})
	table.Append([]string{"Creator", flow.Creator})
	table.Append([]string{"Hunt", flow.ParentHuntId})
	table.Append([]string{"Outstanding", fmt.Sprintf("%v",
		flow.OutstandingRequests())})
	table.Append([]string{"CPU", fmt.Sprintf("%.2fs / %.2fs",
		flow.CpuTimeUsed, flow.CpuLimit)})
	table.Append([]string{"Network", fmt.Sprintf("%v / %v",
		formatBytes(flow.NetworkBytesSent), formatBytes(flow.NetworkBytesLimit))})
	table.Append([]string{"Runtime", formatDuration(flow.RuntimeUs)})
	table.Append([]string{"Results", fmt.Sprintf("%v", flow.NumResults)})
	table.Append([]string{"Created", formatTime(flow.CreateTime)})
	table.Append([]string{"Updated", formatTime(flow.LastUpdateTime)})
	if flow.PendingTermination != nil {
		table.Append([]string{"PendingTermination",
			flow.PendingTermination.Reason})
	}
	if flow.ErrorMessage != "" {
		table.Append([]string{"Error", flow.ErrorMessage})
	}
	table.Render()
}

func doFlowsCancel() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateFlowId(*flows_cancel_flow), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	err := server_obj.Runner.TerminateFlow(ctx, *flows_cancel_client,
		*flows_cancel_flow, *flows_cancel_reason, "")
	kingpin.FatalIfError(err, "Cancelling flow")
}

func doFlowsResults() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateFlowId(*flows_results_flow), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	results, err := server_obj.DataStore.ReadFlowResults(ctx,
		*flows_results_client, *flows_results_flow, 0, 0)
	kingpin.FatalIfError(err, "Reading results")

	for _, result := range results {
		value, err := payloads.Decode(result.Payload)
		if err != nil {
			fmt.Printf("// %v: %v\n", result.Payload.TypeName, err)
			continue
		}
		printJson(value)
	}
}

func doFlowsLogs() {
	ctx, cancel := install_sig_handler()
	defer cancel()

	kingpin.FatalIfError(validateFlowId(*flows_logs_flow), "")

	server_obj := get_server(ctx)
	defer server_obj.Close()

	entries, err := server_obj.DataStore.ReadFlowLogEntries(ctx,
		*flows_logs_client, *flows_logs_flow, 0, 0)
	kingpin.FatalIfError(err, "Reading logs")

	table := newTable("Time", "Level", "Message")
	for _, entry := range entries {
		table.Append([]string{
			formatTime(entry.Timestamp), entry.Level.String(), entry.Message,
		})
	}
	table.Render()
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case flows_start.FullCommand():
			doFlowsStart()
		case flows_list.FullCommand():
			doFlowsList()
		case flows_describe.FullCommand():
			doFlowsDescribe()
		case flows_show.FullCommand():
			doFlowsShow()
		case flows_cancel.FullCommand():
			doFlowsCancel()
		case flows_results.FullCommand():
			doFlowsResults()
		case flows_logs.FullCommand():
			doFlowsLogs()
		default:
			return false
		}
		return true
	})
}
