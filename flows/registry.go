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
package flows

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/constants"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/utils"
)

// State methods receive all the responses of one request. They must
// not block: further work is scheduled with CallClient, CallFlow or
// CallState.
type StateHandler func(ctx context.Context,
	flow *FlowBase, responses *Responses) error

type StateTable map[string]StateHandler

// A flow class. The exported fields of the implementing struct are
// the flow's persistent state: they are serialized after every state
// method and restored before the next.
type FlowImplementation interface {
	Start(ctx context.Context, flow *FlowBase, args interface{}) error
	States() StateTable
}

type FlowFactory func() FlowImplementation

type FlowDescriptor struct {
	Name        string
	ArgsType    string
	ResultTypes []string
	Doc         string
}

type registeredFlow struct {
	desc    FlowDescriptor
	factory FlowFactory
}

var (
	registry_mu sync.Mutex
	registry    = make(map[string]*registeredFlow)
)

// Registers a flow class. The state table is checked here so a bad
// table never makes it to a running flow.
func RegisterFlow(desc FlowDescriptor, factory FlowFactory) {
	registry_mu.Lock()
	defer registry_mu.Unlock()

	if desc.Name == "" {
		panic("RegisterFlow: flow name required")
	}

	_, pres := registry[desc.Name]
	if pres {
		panic(fmt.Sprintf("RegisterFlow: %v already registered", desc.Name))
	}

	if desc.ArgsType != "" && !payloads.IsRegistered(desc.ArgsType) {
		panic(fmt.Sprintf("RegisterFlow: %v: args type %v not registered",
			desc.Name, desc.ArgsType))
	}

	for _, t := range desc.ResultTypes {
		if !payloads.IsRegistered(t) {
			panic(fmt.Sprintf("RegisterFlow: %v: result type %v not registered",
				desc.Name, t))
		}
	}

	impl := factory()
	if impl == nil {
		panic(fmt.Sprintf("RegisterFlow: %v: factory returned nil", desc.Name))
	}

	for name, handler := range impl.States() {
		if name == "" {
			panic(fmt.Sprintf("RegisterFlow: %v: empty state name", desc.Name))
		}
		if name == constants.START_STATE {
			panic(fmt.Sprintf("RegisterFlow: %v: %v is reserved",
				desc.Name, constants.START_STATE))
		}
		if handler == nil {
			panic(fmt.Sprintf("RegisterFlow: %v: state %v has no handler",
				desc.Name, name))
		}
	}

	registry[desc.Name] = &registeredFlow{desc: desc, factory: factory}
}

func getFlow(name string) (*registeredFlow, error) {
	registry_mu.Lock()
	defer registry_mu.Unlock()

	result, pres := registry[name]
	if !pres {
		return nil, errors.WithMessage(ErrUnknownFlow, name)
	}
	return result, nil
}

func GetFlowDescriptor(name string) (*FlowDescriptor, error) {
	registered, err := getFlow(name)
	if err != nil {
		return nil, err
	}
	desc := registered.desc
	return &desc, nil
}

func ListFlows() []*FlowDescriptor {
	registry_mu.Lock()
	defer registry_mu.Unlock()

	result := make([]*FlowDescriptor, 0, len(registry))
	for _, v := range registry {
		desc := v.desc
		result = append(result, &desc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func (self *registeredFlow) allowsResult(type_name string) bool {
	return utils.InString(&self.desc.ResultTypes, type_name)
}

// Builds a new instance of the flow class, restoring its persisted
// state if there is any.
func (self *registeredFlow) newInstance(persistent_data string) (
	FlowImplementation, StateTable, error) {
	impl := self.factory()
	if persistent_data != "" {
		err := json.Unmarshal([]byte(persistent_data), impl)
		if err != nil {
			return nil, nil, errors.Wrap(err, "Restoring flow state")
		}
	}
	return impl, impl.States(), nil
}

// Checks args against the declared args type. Flows without declared
// args accept nil.
func (self *registeredFlow) checkArgs(args interface{}) error {
	if self.desc.ArgsType == "" {
		return nil
	}

	name, err := payloads.TypeName(args)
	if args == nil || err != nil || name != self.desc.ArgsType {
		return &TypeMismatchError{
			Target:   "Flow " + self.desc.Name,
			Expected: self.desc.ArgsType,
			Got:      fmt.Sprintf("%T", args),
		}
	}
	return nil
}
