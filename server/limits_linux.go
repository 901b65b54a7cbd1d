//go:build linux
// +build linux

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

package server

import (
	"syscall"

	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/logging"
)

// Every waiting client holds a reader connection open, so the
// frontend needs far more file handles than the usual default of
// 1024. Without root we may only raise the soft limit up to the hard
// limit.
func IncreaseLimits(config_obj *config.Config) {
	var rLimit syscall.Rlimit

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)

	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		logger.Info("Error Getting Rlimit %v", err)
		return
	}

	if rLimit.Cur >= rLimit.Max {
		return
	}
	rLimit.Cur = rLimit.Max

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		logger.Info("Error increasing limit %v.", err)
		return
	}

	logger.Info("Increased open file limit to %v", rLimit.Cur)
}
