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
package payloads

// Common payloads used by the built in client actions.

type EmptyArgs struct{}

type EchoRequest struct {
	Data string `json:"data,omitempty"`
}

type EchoResponse struct {
	Data string `json:"data,omitempty"`
}

type ClientStats struct {
	Hostname        string  `json:"hostname,omitempty"`
	OS              string  `json:"os,omitempty"`
	Platform        string  `json:"platform,omitempty"`
	BootTime        uint64  `json:"boot_time,omitempty"`
	MemoryTotal     uint64  `json:"memory_total,omitempty"`
	MemoryAvailable uint64  `json:"memory_available,omitempty"`
	CpuPercent      float64 `json:"cpu_percent,omitempty"`
}

type ProcessListRequest struct {
	// Only return processes whose name contains this string.
	NameFilter string `json:"name_filter,omitempty"`
}

type Process struct {
	Pid      int32  `json:"pid,omitempty"`
	Ppid     int32  `json:"ppid,omitempty"`
	Name     string `json:"name,omitempty"`
	Exe      string `json:"exe,omitempty"`
	Username string `json:"username,omitempty"`
	Cmdline  string `json:"cmdline,omitempty"`
}

type ListDirRequest struct {
	Path string `json:"path,omitempty"`
}

type StatEntry struct {
	Path  string `json:"path,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Mtime uint64 `json:"mtime,omitempty"`
	IsDir bool   `json:"is_dir,omitempty"`
}

type HashRequest struct {
	Path string `json:"path,omitempty"`

	// Files larger than this are not hashed. 0 means no limit.
	MaxSize int64 `json:"max_size,omitempty"`
}

type Hash struct {
	Path   string `json:"path,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Sha256 string `json:"sha256,omitempty"`
}

type SleepRequest struct {
	DelaySeconds uint64 `json:"delay_seconds,omitempty"`
	Message      string `json:"message,omitempty"`
}

type WakeUp struct {
	Message   string `json:"message,omitempty"`
	SleptUs   uint64 `json:"slept_us,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}

// Collected by the Interrogate flow.
type ClientSummary struct {
	ClientId     string   `json:"client_id,omitempty"`
	Hostname     string   `json:"hostname,omitempty"`
	OS           string   `json:"os,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	MemoryTotal  uint64   `json:"memory_total,omitempty"`
	NumProcesses int      `json:"num_processes,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func init() {
	Register("EmptyArgs", &EmptyArgs{})
	Register("EchoRequest", &EchoRequest{})
	Register("EchoResponse", &EchoResponse{})
	Register("ClientStats", &ClientStats{})
	Register("ProcessListRequest", &ProcessListRequest{})
	Register("Process", &Process{})
	Register("ListDirRequest", &ListDirRequest{})
	Register("StatEntry", &StatEntry{})
	Register("HashRequest", &HashRequest{})
	Register("Hash", &Hash{})
	Register("SleepRequest", &SleepRequest{})
	Register("WakeUp", &WakeUp{})
	Register("ClientSummary", &ClientSummary{})
}
