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

	"www.velocidex.com/golang/flowrunner/actions"
	"www.velocidex.com/golang/flowrunner/output_plugins"
	"www.velocidex.com/golang/flowrunner/payloads"
)

var (
	registry_command = app.Command("registry",
		"Inspect the built in registries.")

	registry_actions = registry_command.Command("actions",
		"List the client actions.")

	registry_payloads = registry_command.Command("payloads",
		"List the registered payload types.")

	registry_output_plugins = registry_command.Command("output_plugins",
		"List the output plugins.")
)

func doRegistryActions() {
	table := newTable("Action", "Args", "Results", "Description")
	for _, name := range actions.ListActions() {
		desc, err := actions.GetAction(name)
		if err != nil {
			continue
		}
		table.Append([]string{
			desc.Name, desc.ArgsType,
			strings.Join(desc.ResultTypes, ","), desc.Doc,
		})
	}
	table.Render()
}

func doRegistryPayloads() {
	for _, name := range payloads.Names() {
		fmt.Println(name)
	}
}

func doRegistryOutputPlugins() {
	table := newTable("Plugin", "Version", "Description")
	for _, info := range output_plugins.ListOutputPlugins() {
		table.Append([]string{
			info.Name, fmt.Sprintf("%v", info.Version), info.Doc,
		})
	}
	table.Render()
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case registry_actions.FullCommand():
			doRegistryActions()

		case registry_payloads.FullCommand():
			doRegistryPayloads()

		case registry_output_plugins.FullCommand():
			doRegistryOutputPlugins()

		default:
			return false
		}
		return true
	})
}
