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

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/config"
)

var (
	config_command = app.Command("config", "Manipulate the configuration.")

	config_generate_command = config_command.Command(
		"generate", "Generate a new config file.")

	config_generate_datastore = config_generate_command.Flag(
		"datastore", "The datastore implementation.").
		Default("SQLite").Enum("Memory", "SQLite", "MySQL")

	config_generate_location = config_generate_command.Flag(
		"location", "SQLite database file or MySQL connection string.").
		Default("flowrunner.db").String()

	config_generate_output = config_generate_command.Flag(
		"output", "Write the config to this file instead of stdout.").
		Short('o').String()

	config_show_command = config_command.Command(
		"show", "Show the current config with defaults filled in.")
)

func generateConfig(datastore, location string) *config.Config {
	config_obj := config.GetDefaultConfig()
	config_obj.Datastore.Implementation = datastore

	switch datastore {
	case "SQLite":
		config_obj.Datastore.Location = location
	case "MySQL":
		config_obj.Datastore.MysqlConnectionString = location
	}
	return config_obj
}

func doGenerateConfig() {
	config_obj := generateConfig(*config_generate_datastore,
		*config_generate_location)

	err := config.Validate(config_obj)
	kingpin.FatalIfError(err, "Invalid config.")

	if *config_generate_output != "" {
		err = config.WriteConfigToFile(*config_generate_output, config_obj)
		kingpin.FatalIfError(err, "Unable to write config.")
		return
	}

	res, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Unable to encode config.")
	fmt.Printf("%v", string(res))
}

func doShowConfig() {
	config_obj := load_config_or_default()

	res, err := config.Encode(config_obj)
	kingpin.FatalIfError(err, "Unable to encode config.")
	fmt.Printf("%v", string(res))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case config_generate_command.FullCommand():
			doGenerateConfig()

		case config_show_command.FullCommand():
			doShowConfig()

		default:
			return false
		}
		return true
	})
}
