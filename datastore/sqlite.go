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
package datastore

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/utils"
)

var sqlite_dialect = &dialect{
	name: "sqlite",
	schema: []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS flows (
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           parent_flow_id TEXT NOT NULL DEFAULT '',
           parent_hunt_id TEXT NOT NULL DEFAULT '',
           create_time INTEGER NOT NULL DEFAULT 0,
           data TEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id))`,
		`CREATE INDEX IF NOT EXISTS flows_by_hunt ON flows(parent_hunt_id)`,
		`CREATE TABLE IF NOT EXISTS flow_requests (
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           request_id INTEGER NOT NULL,
           data TEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id))`,
		`CREATE TABLE IF NOT EXISTS flow_responses (
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           request_id INTEGER NOT NULL,
           response_id INTEGER NOT NULL,
           data TEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id, response_id))`,
		`CREATE TABLE IF NOT EXISTS flow_results (
           id INTEGER PRIMARY KEY AUTOINCREMENT,
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           hunt_id TEXT NOT NULL DEFAULT '',
           data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS results_by_flow ON flow_results(client_id, flow_id)`,
		`CREATE INDEX IF NOT EXISTS results_by_hunt ON flow_results(hunt_id)`,
		`CREATE TABLE IF NOT EXISTS flow_log_entries (
           id INTEGER PRIMARY KEY AUTOINCREMENT,
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           hunt_id TEXT NOT NULL DEFAULT '',
           data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS logs_by_flow ON flow_log_entries(client_id, flow_id)`,
		`CREATE TABLE IF NOT EXISTS output_plugin_log_entries (
           id INTEGER PRIMARY KEY AUTOINCREMENT,
           owner_id TEXT NOT NULL,
           data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS client_messages (
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           request_id INTEGER NOT NULL,
           task_id INTEGER NOT NULL,
           leased_until INTEGER NOT NULL DEFAULT 0,
           data TEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id))`,
		`CREATE TABLE IF NOT EXISTS flow_processing_requests (
           client_id TEXT NOT NULL,
           flow_id TEXT NOT NULL,
           parent_hunt_id TEXT NOT NULL DEFAULT '',
           delivery_time INTEGER NOT NULL DEFAULT 0,
           creation_time INTEGER NOT NULL DEFAULT 0,
           leased_until INTEGER NOT NULL DEFAULT 0,
           leased_by TEXT NOT NULL DEFAULT '',
           PRIMARY KEY (client_id, flow_id))`,
		`CREATE TABLE IF NOT EXISTS hunts (
           hunt_id TEXT NOT NULL PRIMARY KEY,
           create_time INTEGER NOT NULL DEFAULT 0,
           data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS hunt_output_plugin_states (
           hunt_id TEXT NOT NULL,
           plugin_id TEXT NOT NULL,
           data TEXT NOT NULL,
           PRIMARY KEY (hunt_id, plugin_id))`,
		`CREATE TABLE IF NOT EXISTS user_notifications (
           id INTEGER PRIMARY KEY AUTOINCREMENT,
           username TEXT NOT NULL,
           data TEXT NOT NULL)`,
	},

	// SQLite serializes writers so there is no row locking.
	for_update: "",
}

func NewSQLiteDataStore(ctx context.Context,
	location string, clock utils.Clock) (*SQLDataStore, error) {
	if location == "" {
		return nil, errors.New("SQLite datastore requires a Location")
	}

	db, err := sql.Open("sqlite3", location)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite")
	}

	// A single connection means transactions never see SQLITE_BUSY
	// from our own process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	result, err := newSQLDataStore(ctx, db, sqlite_dialect, clock)
	if err != nil {
		db.Close()
		return nil, err
	}
	return result, nil
}
