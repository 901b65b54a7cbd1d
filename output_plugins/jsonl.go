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
package output_plugins

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Velocidex/ordereddict"
	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Appends every reply as a JSON line to
// <directory>/<owner>/<plugin id>.jsonl
type JsonlPlugin struct {
	plugin_ctx *PluginContext
	path       string
	buffer     bytes.Buffer
	count      int64
}

func (self *JsonlPlugin) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	for _, reply := range replies {
		row := ordereddict.NewDict().
			Set("ClientId", reply.ClientId).
			Set("FlowId", reply.FlowId).
			Set("Tag", reply.Tag).
			Set("Type", reply.Payload.GetTypeName()).
			Set("Timestamp", reply.Timestamp)
		if reply.HuntId != "" {
			row.Set("HuntId", reply.HuntId)
		}

		if reply.Payload != nil {
			data, err := payloads.Decode(reply.Payload)
			if err != nil {
				return err
			}
			row.Set("Data", data)
		}

		serialized, err := json.Marshal(row)
		if err != nil {
			return err
		}
		self.buffer.Write(serialized)
		self.buffer.WriteByte('\n')
		self.count++
	}
	return nil
}

func (self *JsonlPlugin) Flush(ctx context.Context, state *ordereddict.Dict) error {
	if self.buffer.Len() == 0 {
		return nil
	}

	err := os.MkdirAll(filepath.Dir(self.path), 0700)
	if err != nil {
		return errors.Wrap(err, "jsonl")
	}

	fd, err := os.OpenFile(self.path,
		os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "jsonl")
	}
	defer fd.Close()

	_, err = fd.Write(self.buffer.Bytes())
	if err != nil {
		return errors.Wrap(err, "jsonl")
	}
	self.buffer.Reset()
	return nil
}

func (self *JsonlPlugin) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	total, _ := state.Get("rows_written")
	previous, _ := utils.ToInt64(total)

	state.Update("rows_written", previous+self.count)
	state.Update("path", self.path)
	state.Update("last_write", utils.ToMicro(self.plugin_ctx.Clock.Now()))
	return nil
}

// Owner ids contain / for flows which conveniently nests the output
// per client.
func sanitizePath(component string) string {
	return strings.NewReplacer("..", "_", ":", "_", "\\", "_").Replace(component)
}

func NewJsonlPlugin(plugin_ctx *PluginContext) (OutputPlugin, error) {
	directory, _ := plugin_ctx.Args().GetString("directory")
	if directory == "" && plugin_ctx.ConfigObj.OutputPlugins != nil {
		directory = plugin_ctx.ConfigObj.OutputPlugins.JsonlDirectory
	}
	if directory == "" {
		return nil, errors.New("jsonl: no output directory configured")
	}

	path := filepath.Join(directory,
		filepath.FromSlash(sanitizePath(plugin_ctx.Owner.String())),
		sanitizePath(strings.ReplaceAll(plugin_ctx.Descriptor.Key(), "/", "_"))+".jsonl")

	return &JsonlPlugin{plugin_ctx: plugin_ctx, path: path}, nil
}

func init() {
	RegisterOutputPlugin(&OutputPluginInfo{
		Name:    "jsonl",
		Version: 1,
		Doc:     "Write replies as JSON lines into a file per flow or hunt.",
		Factory: NewJsonlPlugin,
	})
}
