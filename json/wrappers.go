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
package json

import (
	"bytes"
	"reflect"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
)

func Marshal(v interface{}) ([]byte, error) {
	return json.MarshalWithOptions(v, NewEncOpts())
}

func MustMarshalString(v interface{}) string {
	result, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(result)
}

func MarshalIndent(v interface{}) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = json.Indent(&buf, b, "", " ")
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode each member of a slice on its own line.
func MarshalJsonl(v interface{}) ([]byte, error) {
	rt := reflect.TypeOf(v)
	if rt == nil || rt.Kind() != reflect.Slice && rt.Kind() != reflect.Array {
		return nil, json.EncoderCallbackSkip
	}

	a_slice := reflect.ValueOf(v)
	options := NewEncOpts()
	out := bytes.Buffer{}
	for i := 0; i < a_slice.Len(); i++ {
		serialized, err := json.MarshalWithOptions(
			a_slice.Index(i).Interface(), options)
		if err != nil {
			return nil, err
		}
		out.Write(serialized)
		out.Write([]byte{'\n'})
	}
	return out.Bytes(), nil
}

func Unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}

// Parse a serialized JSON object into an ordered dict.
func ParseDict(b []byte) (*ordereddict.Dict, error) {
	result := ordereddict.NewDict()
	if len(b) == 0 {
		return result, nil
	}
	err := result.UnmarshalJSON(b)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deep copy via a serialization round trip.
func CopyDict(in *ordereddict.Dict) *ordereddict.Dict {
	if in == nil {
		return ordereddict.NewDict()
	}
	serialized, err := Marshal(in)
	if err != nil {
		return ordereddict.NewDict()
	}
	result, err := ParseDict(serialized)
	if err != nil {
		return ordereddict.NewDict()
	}
	return result
}
