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

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/responder"
)

type Echo struct{}

func (self *Echo) Run(ctx context.Context, responder *responder.Responder) {
	arg := &payloads.EchoRequest{}
	err := responder.GetArgs(arg)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	err = responder.AddResponse(&payloads.EchoResponse{Data: arg.Data})
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	responder.Return()
}

type GetClientStats struct{}

func (self *GetClientStats) Run(ctx context.Context, responder *responder.Responder) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	result := &payloads.ClientStats{
		Hostname: info.Hostname,
		OS:       info.OS,
		Platform: info.Platform,
		BootTime: info.BootTime,
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		result.MemoryTotal = vm.Total
		result.MemoryAvailable = vm.Available
	}

	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percent) > 0 {
		result.CpuPercent = percent[0]
	}

	err = responder.AddResponse(result)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	responder.Return()
}
