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
	"fmt"

	"github.com/go-errors/errors"
)

// Converts a recovered panic value into an error carrying the stack
// of the panicking goroutine.
func PanicToError(r interface{}) *errors.Error {
	if r == nil {
		return nil
	}
	err, _ := errors.Wrap(r, 3).(*errors.Error)
	return err
}

// Used in a defer to log panics in background goroutines without
// crashing the process.
func CheckForPanic(logger interface {
	Error(format string, v ...interface{})
}, msg string, vals ...interface{}) {
	r := recover()
	if r != nil {
		err, _ := errors.Wrap(r, 2).(*errors.Error)
		logger.Error("%v: PANIC %v\n%s", fmt.Sprintf(msg, vals...),
			r, err.ErrorStack())
	}
}
