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
package actions

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/responder"
)

type ListProcesses struct{}

func (self *ListProcesses) Run(ctx context.Context, responder *responder.Responder) {
	arg := &payloads.ProcessListRequest{}
	err := responder.GetArgs(arg)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	for _, proc := range procs {
		if ctx.Err() != nil {
			responder.RaiseError(ctx.Err().Error())
			return
		}

		// Processes may exit while we list them.
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}

		if arg.NameFilter != "" && !strings.Contains(name, arg.NameFilter) {
			continue
		}

		result := &payloads.Process{
			Pid:  proc.Pid,
			Name: name,
		}
		result.Ppid, _ = proc.PpidWithContext(ctx)
		result.Exe, _ = proc.ExeWithContext(ctx)
		result.Username, _ = proc.UsernameWithContext(ctx)
		result.Cmdline, _ = proc.CmdlineWithContext(ctx)

		err = responder.AddResponse(result)
		if err != nil {
			responder.RaiseError(err.Error())
			return
		}
	}
	responder.Return()
}
