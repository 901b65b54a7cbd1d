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
// Payloads are typed values exchanged with clients, between flows and
// with output plugins. Every payload type is registered under a stable
// name which travels with the serialized data.
package payloads

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
)

var (
	mu       sync.Mutex
	by_name  = make(map[string]reflect.Type)
	by_type  = make(map[reflect.Type]string)
	notFound = errors.New("Payload type not registered")
)

// Register a payload type. The sample must be a pointer to a struct.
func Register(name string, sample interface{}) {
	mu.Lock()
	defer mu.Unlock()

	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("payloads.Register: %v must be a pointer to struct", name))
	}

	existing, pres := by_name[name]
	if pres && existing != t.Elem() {
		panic(fmt.Sprintf("payloads.Register: %v already registered as %v",
			name, existing))
	}

	by_name[name] = t.Elem()
	by_type[t.Elem()] = name
}

// The registered name of the payload's type.
func TypeName(v interface{}) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name, pres := by_type[t]
	if !pres {
		return "", errors.WithMessage(notFound, fmt.Sprintf("%T", v))
	}
	return name, nil
}

// Returns a pointer to a new zero value of the named type.
func New(name string) (interface{}, error) {
	mu.Lock()
	t, pres := by_name[name]
	mu.Unlock()

	if !pres {
		return nil, errors.WithMessage(notFound, name)
	}
	return reflect.New(t).Interface(), nil
}

func IsRegistered(name string) bool {
	mu.Lock()
	defer mu.Unlock()

	_, pres := by_name[name]
	return pres
}

func Names() []string {
	mu.Lock()
	defer mu.Unlock()

	result := make([]string, 0, len(by_name))
	for k := range by_name {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

func Encode(v interface{}) (*flows_proto.Payload, error) {
	name, err := TypeName(v)
	if err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "payloads.Encode")
	}

	return &flows_proto.Payload{
		TypeName: name,
		Data:     string(serialized),
	}, nil
}

func MustEncode(v interface{}) *flows_proto.Payload {
	result, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return result
}

// Decode into a new value of the payload's registered type.
func Decode(payload *flows_proto.Payload) (interface{}, error) {
	if payload == nil {
		return nil, errors.New("payloads.Decode: nil payload")
	}

	result, err := New(payload.TypeName)
	if err != nil {
		return nil, err
	}

	if payload.Data != "" {
		err = json.Unmarshal([]byte(payload.Data), result)
		if err != nil {
			return nil, errors.Wrap(err, "payloads.Decode")
		}
	}
	return result, nil
}

// Decode into target, which must be a pointer to the payload's
// registered type.
func DecodeInto(payload *flows_proto.Payload, target interface{}) error {
	if payload == nil {
		return errors.New("payloads.DecodeInto: nil payload")
	}

	name, err := TypeName(target)
	if err != nil {
		return err
	}

	if name != payload.TypeName {
		return fmt.Errorf("payloads.DecodeInto: payload is %v, not %v",
			payload.TypeName, name)
	}

	if payload.Data == "" {
		return nil
	}
	return json.Unmarshal([]byte(payload.Data), target)
}
