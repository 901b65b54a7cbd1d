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
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/server"
	"www.velocidex.com/golang/flowrunner/services"
)

var (
	// Run the server.
	frontend = app.Command("frontend", "Run the frontend and the flow worker.")

	frontend_loopback = frontend.Flag("loopback",
		"Run an in-process client with this id (may be repeated).").Strings()
)

func doFrontend() {
	config_obj := load_config_or_default()

	// Use both context and WaitGroup to control life time of
	// services.
	ctx, cancel := install_sig_handler()
	defer cancel()

	server_obj, err := server.NewServer(ctx, config_obj, nil)
	kingpin.FatalIfError(err, "Unable to start server")
	defer server_obj.Close()

	sm := services.NewServiceManager(ctx, config_obj)
	defer sm.Close()

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)
	logger.Info("Starting Frontend with %v datastore.",
		config_obj.Datastore.Implementation)

	err = sm.Start(server_obj.StartWorker)
	kingpin.FatalIfError(err, "Starting worker")

	err = sm.Start(server_obj.StartFrontend)
	kingpin.FatalIfError(err, "Starting frontend")

	if len(*frontend_loopback) > 0 {
		server_obj.StartLoopbackClients(sm.Ctx, sm.Wg, *frontend_loopback...)
	}

	// Wait here until we are told to exit.
	<-ctx.Done()
	logger.Info("Shutting down.")
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == frontend.FullCommand() {
			doFrontend()
			return true
		}
		return false
	})
}
