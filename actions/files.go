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
package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"www.velocidex.com/golang/flowrunner/payloads"
	"www.velocidex.com/golang/flowrunner/responder"
	"www.velocidex.com/golang/flowrunner/utils"
)

type ListDirectory struct{}

func (self *ListDirectory) Run(ctx context.Context, responder *responder.Responder) {
	arg := &payloads.ListDirRequest{}
	err := responder.GetArgs(arg)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	entries, err := os.ReadDir(arg.Path)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	for _, entry := range entries {
		stat, err := entry.Info()
		if err != nil {
			continue
		}

		err = responder.AddResponse(buildStatEntry(
			filepath.Join(arg.Path, entry.Name()), stat))
		if err != nil {
			responder.RaiseError(err.Error())
			return
		}
	}
	responder.Return()
}

func buildStatEntry(path string, stat os.FileInfo) *payloads.StatEntry {
	return &payloads.StatEntry{
		Path:  path,
		Size:  stat.Size(),
		Mode:  stat.Mode().String(),
		Mtime: utils.ToMicro(stat.ModTime()),
		IsDir: stat.IsDir(),
	}
}

type HashFile struct{}

func (self *HashFile) Run(ctx context.Context, responder *responder.Responder) {
	arg := &payloads.HashRequest{}
	err := responder.GetArgs(arg)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	fd, err := os.Open(arg.Path)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	defer fd.Close()

	stat, err := fd.Stat()
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	if arg.MaxSize > 0 && stat.Size() > arg.MaxSize {
		responder.RaiseError(fmt.Sprintf("%v is larger than %v bytes",
			arg.Path, arg.MaxSize))
		return
	}

	hasher := sha256.New()
	n, err := io.Copy(hasher, fd)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	err = responder.AddResponse(&payloads.Hash{
		Path:   arg.Path,
		Size:   n,
		Sha256: hex.EncodeToString(hasher.Sum(nil)),
	})
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	responder.Return()
}
