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
	"encoding/json"
	"strconv"
)

// Values read back from serialized state may come back as any numeric
// type.
func ToInt64(x interface{}) (int64, bool) {
	switch t := x.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		v, err := t.Int64()
		if err != nil {
			f, err := t.Float64()
			return int64(f), err == nil
		}
		return v, true
	case string:
		v, err := strconv.ParseInt(t, 0, 64)
		return v, err == nil
	}
	return 0, false
}

func Uint64ToString(x uint64) string {
	return strconv.FormatUint(x, 10)
}
