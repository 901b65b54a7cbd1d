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
package notifications

import (
	"context"
	"fmt"

	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/logging"
	"www.velocidex.com/golang/flowrunner/utils"
)

// Stores user notifications and emails them when a notification
// domain is configured.
type UserNotifier struct {
	config_obj *config.Config
	db         datastore.DataStore
	clock      utils.Clock
}

func NewUserNotifier(config_obj *config.Config,
	db datastore.DataStore, clock utils.Clock) *UserNotifier {
	return &UserNotifier{
		config_obj: config_obj,
		db:         db,
		clock:      clock,
	}
}

func (self *UserNotifier) NotifyUser(ctx context.Context,
	notification *flows_proto.UserNotification) error {
	if notification.Username == "" {
		return nil
	}

	if notification.Timestamp == 0 {
		notification.Timestamp = utils.ToMicro(self.clock.Now())
	}

	err := self.db.WriteUserNotification(ctx, notification)
	if err != nil {
		return err
	}

	if self.config_obj.Mail == nil ||
		self.config_obj.Mail.NotificationDomain == "" {
		return nil
	}

	// Email delivery is best effort.
	address := notification.Username + "@" + self.config_obj.Mail.NotificationDomain
	err = SendMail(self.config_obj, []string{address},
		fmt.Sprintf("%v: %v", notification.Type, notification.Reference),
		notification.Message)
	if err != nil {
		logger := logging.GetLogger(self.config_obj, &logging.GenericComponent)
		logger.Error("NotifyUser: sending mail to %v: %v", address, err)
	}
	return nil
}
