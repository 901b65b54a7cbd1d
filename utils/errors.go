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
package utils

import (
	stderrors "errors"

	"github.com/go-errors/errors"
)

type stackTracer interface {
	ErrorStack() string
}

// Returns a backtrace for the error if one was captured when it was
// created.
func Backtrace(err error) string {
	var st stackTracer
	if stderrors.As(err, &st) {
		return st.ErrorStack()
	}
	return ""
}

// Attach the current stack to an error unless it already has one.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if stderrors.As(err, &st) {
		return err
	}
	return errors.Wrap(err, 1)
}
