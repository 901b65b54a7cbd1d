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

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/flowrunner/payloads"
)

// Hashes files on the client for the flow that embeds it. The owning
// flow must include the hasher's states in its state table.
type FileHasher struct {
	MaxSize int64  `json:"max_size,omitempty"`
	Pending int    `json:"pending,omitempty"`
	Hashed  uint64 `json:"hashed,omitempty"`
	Failed  uint64 `json:"failed,omitempty"`
}

func (self *FileHasher) HashFile(flow *FlowBase, path string) error {
	err := flow.CallClient("HashFile", &payloads.HashRequest{
		Path:    path,
		MaxSize: self.MaxSize,
	}, "ReceiveHash", ordereddict.NewDict().Set("path", path))
	if err != nil {
		return err
	}
	self.Pending++
	return nil
}

func (self *FileHasher) States() StateTable {
	return StateTable{"ReceiveHash": self.ReceiveHash}
}

// A file which can not be hashed does not fail the flow.
func (self *FileHasher) ReceiveHash(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	self.Pending--

	if !responses.Success() {
		path, _ := responses.RequestData().GetString("path")
		flow.Log("Unable to hash %v: %v", path, responses.Status.ErrorMessage)
		self.Failed++
		return nil
	}

	hashes, err := DecodeMessages[payloads.Hash](responses)
	if err != nil {
		return err
	}

	for _, h := range hashes {
		err = flow.SendReply(h, "hash")
		if err != nil {
			return err
		}
		self.Hashed++
	}
	return nil
}

// Lists a directory on the client and hashes every regular file in
// it.
type ListDirectoryFlow struct {
	Path   string     `json:"path,omitempty"`
	Hasher FileHasher `json:"hasher,omitempty"`
}

func (self *ListDirectoryFlow) Start(ctx context.Context, flow *FlowBase, args interface{}) error {
	request := args.(*payloads.ListDirRequest)
	self.Path = request.Path
	return flow.CallClient("ListDirectory", request, "ListingDone", nil)
}

func (self *ListDirectoryFlow) States() StateTable {
	result := StateTable{
		"ListingDone": self.ListingDone,
		"End":         self.End,
	}
	for k, v := range self.Hasher.States() {
		result[k] = v
	}
	return result
}

func (self *ListDirectoryFlow) ListingDone(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	if !responses.Success() {
		return responses.Err()
	}

	entries, err := DecodeMessages[payloads.StatEntry](responses)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		err = flow.SendReply(entry, "stat")
		if err != nil {
			return err
		}

		if entry.IsDir {
			continue
		}

		err = self.Hasher.HashFile(flow, entry.Path)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *ListDirectoryFlow) End(
	ctx context.Context, flow *FlowBase, responses *Responses) error {
	flow.Log("Listed %v: hashed %v files, %v failed", self.Path,
		self.Hasher.Hashed, self.Hasher.Failed)
	return nil
}

func init() {
	RegisterFlow(FlowDescriptor{
		Name:        "ListDirectory",
		ArgsType:    "ListDirRequest",
		ResultTypes: []string{"StatEntry", "Hash"},
		Doc:         "Lists a directory and hashes the files in it.",
	}, func() FlowImplementation { return &ListDirectoryFlow{} })
}
