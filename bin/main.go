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
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/logging"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("flowrunner",
		"Runs flows and hunts against clients.")

	config_path = app.Flag("config", "The configuration file.").Short('c').
			Envar("FLOWRUNNER_CONFIG").String()

	verbose_flag = app.Flag(
		"verbose", "Log to stderr.").Short('v').
		Default("false").Bool()

	command_handlers []CommandHandler
)

// Loads the config file, or the defaults when none is given.
func load_config_or_default() *config.Config {
	config_obj := config.GetDefaultConfig()
	if *config_path != "" {
		loaded, err := config.LoadConfig(*config_path)
		kingpin.FatalIfError(err, "Unable to load config file")
		config_obj = loaded
	}

	err := logging.InitLogging(config_obj)
	kingpin.FatalIfError(err, "Logging")

	if !*verbose_flag {
		for _, component := range []*string{
			&logging.GenericComponent, &logging.FrontendComponent,
			&logging.FlowComponent, &logging.HuntComponent,
			&logging.OutputPluginsComponent, &logging.ToolComponent} {
			logging.SuppressStderr(config_obj, component)
		}
	}

	return config_obj
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate).DefaultEnvars()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
