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
	"errors"
	"sync"

	gomail "gopkg.in/gomail.v2"
	"www.velocidex.com/golang/flowrunner/config"
)

type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

var (
	mu          sync.Mutex
	mail_sender MailSender

	ErrMailNotConfigured = errors.New("Mail server not configured")
)

// Replace the sender used for all outgoing mail. Tests install a
// recording sender here.
func SetMailSender(sender MailSender) func() {
	mu.Lock()
	defer mu.Unlock()

	old := mail_sender
	mail_sender = sender
	return func() {
		mu.Lock()
		defer mu.Unlock()

		mail_sender = old
	}
}

func getMailSender(config_obj *config.Config) (MailSender, error) {
	mu.Lock()
	defer mu.Unlock()

	if mail_sender != nil {
		return mail_sender, nil
	}

	if config_obj.Mail == nil || config_obj.Mail.Server == "" {
		return nil, ErrMailNotConfigured
	}

	port := config_obj.Mail.ServerPort
	if port == 0 {
		port = 587
	}

	return gomail.NewDialer(
		config_obj.Mail.Server,
		int(port),
		config_obj.Mail.AuthUsername,
		config_obj.Mail.AuthPassword), nil
}

func SendMail(config_obj *config.Config, to []string, subject, body string) error {
	if len(to) == 0 {
		return errors.New("mail: no recipient")
	}

	sender, err := getMailSender(config_obj)
	if err != nil {
		return err
	}

	from := config_obj.Mail.From
	if from == "" {
		from = config_obj.Mail.AuthUsername
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	return sender.DialAndSend(m)
}
