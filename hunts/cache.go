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
package hunts

import (
	"context"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/datastore"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
)

const started_hunts_key = "__started__"

// Keeps recently read hunt objects so the foreman and the flow
// runner do not hit the datastore for every client. Entries are
// dropped whenever this process changes a hunt; changes made by other
// processes are seen once the entry expires.
type HuntCache struct {
	db  datastore.DataStore
	lru *ttlcache.Cache
}

func NewHuntCache(config_obj *config.Config, db datastore.DataStore) *HuntCache {
	result := &HuntCache{
		db:  db,
		lru: ttlcache.NewCache(),
	}

	ttl := time.Duration(config_obj.Hunts.CacheTTLSec) * time.Second
	if ttl > 0 {
		result.lru.SetTTL(ttl)
	}
	if config_obj.Hunts.CacheSize > 0 {
		result.lru.SetCacheSizeLimit(config_obj.Hunts.CacheSize)
	}
	return result
}

func (self *HuntCache) GetHunt(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	cached, err := self.lru.Get(hunt_id)
	if err == nil {
		hunt, ok := cached.(*flows_proto.Hunt)
		if ok {
			return hunt.Copy(), nil
		}
	}

	hunt, err := self.db.ReadHuntObject(ctx, hunt_id)
	if err != nil {
		return nil, err
	}

	_ = self.lru.Set(hunt_id, hunt.Copy())
	return hunt, nil
}

// The ids of all hunts currently accepting clients.
func (self *HuntCache) StartedHunts(ctx context.Context) ([]string, error) {
	cached, err := self.lru.Get(started_hunts_key)
	if err == nil {
		ids, ok := cached.([]string)
		if ok {
			return ids, nil
		}
	}

	hunts, err := self.db.ReadHuntObjects(ctx)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, hunt := range hunts {
		if hunt.State == flows_proto.Hunt_STARTED {
			ids = append(ids, hunt.HuntId)
		}
		_ = self.lru.Set(hunt.HuntId, hunt)
	}

	_ = self.lru.Set(started_hunts_key, ids)
	return ids, nil
}

func (self *HuntCache) Invalidate(hunt_id string) {
	_ = self.lru.Remove(hunt_id)
	_ = self.lru.Remove(started_hunts_key)
}

func (self *HuntCache) Close() {
	_ = self.lru.Close()
}
