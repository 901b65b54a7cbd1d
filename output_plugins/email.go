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
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Velocidex/ordereddict"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/notifications"
	"www.velocidex.com/golang/flowrunner/utils"
)

const default_emails_limit = 100

// Mails a short summary of each batch of replies. At most
// emails_limit mails are sent over the life of the owner.
type EmailPlugin struct {
	plugin_ctx   *PluginContext
	address      string
	emails_limit int64

	by_type map[string]int
	clients map[string]bool
	sent    bool
}

func (self *EmailPlugin) ProcessResponses(ctx context.Context,
	state *ordereddict.Dict, replies []*flows_proto.FlowResult) error {
	for _, reply := range replies {
		self.by_type[reply.Payload.GetTypeName()]++
		self.clients[reply.ClientId] = true
	}
	return nil
}

func (self *EmailPlugin) emailsSent(state *ordereddict.Dict) int64 {
	value, _ := state.Get("emails_sent")
	sent, _ := utils.ToInt64(value)
	return sent
}

func (self *EmailPlugin) Flush(ctx context.Context, state *ordereddict.Dict) error {
	if len(self.by_type) == 0 {
		return nil
	}

	if self.emailsSent(state) >= self.emails_limit {
		return nil
	}

	types := make([]string, 0, len(self.by_type))
	for k := range self.by_type {
		types = append(types, k)
	}
	sort.Strings(types)

	body := &strings.Builder{}
	fmt.Fprintf(body, "New results for %v from %v.\n\n",
		self.plugin_ctx.Owner, english.Plural(len(self.clients), "client", "clients"))
	for _, t := range types {
		fmt.Fprintf(body, "  %v: %v\n", t, humanize.Comma(int64(self.by_type[t])))
	}

	err := notifications.SendMail(self.plugin_ctx.ConfigObj, []string{self.address},
		fmt.Sprintf("New results for %v", self.plugin_ctx.Owner), body.String())
	if err != nil {
		return err
	}
	self.sent = true
	return nil
}

func (self *EmailPlugin) UpdateState(ctx context.Context, state *ordereddict.Dict) error {
	if self.sent {
		state.Update("emails_sent", self.emailsSent(state)+1)
	}
	return nil
}

func NewEmailPlugin(plugin_ctx *PluginContext) (OutputPlugin, error) {
	args := plugin_ctx.Args()
	address, _ := args.GetString("email_address")
	if address == "" {
		return nil, errors.New("email: email_address is required")
	}

	limit := int64(default_emails_limit)
	value, pres := args.Get("emails_limit")
	if pres {
		limit, _ = utils.ToInt64(value)
	}

	return &EmailPlugin{
		plugin_ctx:   plugin_ctx,
		address:      address,
		emails_limit: limit,
		by_type:      make(map[string]int),
		clients:      make(map[string]bool),
	}, nil
}

func init() {
	RegisterOutputPlugin(&OutputPluginInfo{
		Name:    "email",
		Version: 1,
		Doc:     "Mail a summary of new replies.",
		Factory: NewEmailPlugin,
	})
}
