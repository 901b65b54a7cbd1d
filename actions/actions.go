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
// Client actions are routines that run on the client and return a
// sequence of responses. The server only knows an action's declared
// argument and result types; it never looks inside the action.
package actions

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/responder"
)

type ClientAction interface {
	Run(ctx context.Context, responder *responder.Responder)
}

type ActionDescriptor struct {
	Name        string
	ArgsType    string
	ResultTypes []string
	Doc         string

	// The client side implementation.
	Impl ClientAction
}

var (
	mu          sync.Mutex
	descriptors = make(map[string]*ActionDescriptor)

	ErrUnknownAction = errors.New("Unknown client action")
)

func RegisterAction(desc *ActionDescriptor) {
	mu.Lock()
	defer mu.Unlock()

	if !payloads.IsRegistered(desc.ArgsType) {
		panic(fmt.Sprintf("Action %v: args type %v not registered",
			desc.Name, desc.ArgsType))
	}
	descriptors[desc.Name] = desc
}

func GetAction(name string) (*ActionDescriptor, error) {
	mu.Lock()
	defer mu.Unlock()

	desc, pres := descriptors[name]
	if !pres {
		return nil, errors.WithMessage(ErrUnknownAction, name)
	}
	return desc, nil
}

func ListActions() []string {
	mu.Lock()
	defer mu.Unlock()

	result := make([]string, 0, len(descriptors))
	for k := range descriptors {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// The type name of args if it matches the action's declared
// argument type, otherwise an error describing the mismatch.
func CheckArgs(desc *ActionDescriptor, args interface{}) error {
	if args == nil {
		return fmt.Errorf("%v expects %v, got nil", desc.Name, desc.ArgsType)
	}

	name, err := payloads.TypeName(args)
	if err != nil || name != desc.ArgsType {
		return fmt.Errorf("%v expects %v, got %v",
			desc.Name, desc.ArgsType, reflect.TypeOf(args))
	}
	return nil
}

func init() {
	RegisterAction(&ActionDescriptor{
		Name:        "Echo",
		ArgsType:    "EchoRequest",
		ResultTypes: []string{"EchoResponse"},
		Doc:         "Returns its argument.",
		Impl:        &Echo{},
	})
	RegisterAction(&ActionDescriptor{
		Name:        "GetClientStats",
		ArgsType:    "EmptyArgs",
		ResultTypes: []string{"ClientStats"},
		Doc:         "Host information and resource usage.",
		Impl:        &GetClientStats{},
	})
	RegisterAction(&ActionDescriptor{
		Name:        "ListProcesses",
		ArgsType:    "ProcessListRequest",
		ResultTypes: []string{"Process"},
		Impl:        &ListProcesses{},
	})
	RegisterAction(&ActionDescriptor{
		Name:        "ListDirectory",
		ArgsType:    "ListDirRequest",
		ResultTypes: []string{"StatEntry"},
		Impl:        &ListDirectory{},
	})
	RegisterAction(&ActionDescriptor{
		Name:        "HashFile",
		ArgsType:    "HashRequest",
		ResultTypes: []string{"Hash"},
		Impl:        &HashFile{},
	})
}
