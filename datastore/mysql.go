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
	"time"

	_ "github.com/go-sql-driver/mysql"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/flowrunner/utils"
)

var mysql_dialect = &dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS flows (
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           parent_flow_id VARCHAR(64) NOT NULL DEFAULT '',
           parent_hunt_id VARCHAR(64) NOT NULL DEFAULT '',
           create_time BIGINT UNSIGNED NOT NULL DEFAULT 0,
           data MEDIUMTEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id),
           INDEX(parent_hunt_id))`,
		`CREATE TABLE IF NOT EXISTS flow_requests (
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           request_id BIGINT UNSIGNED NOT NULL,
           data MEDIUMTEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id))`,
		`CREATE TABLE IF NOT EXISTS flow_responses (
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           request_id BIGINT UNSIGNED NOT NULL,
           response_id BIGINT UNSIGNED NOT NULL,
           data MEDIUMTEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id, response_id))`,
		`CREATE TABLE IF NOT EXISTS flow_results (
           id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           hunt_id VARCHAR(64) NOT NULL DEFAULT '',
           data MEDIUMTEXT NOT NULL,
           INDEX(client_id, flow_id), INDEX(hunt_id))`,
		`CREATE TABLE IF NOT EXISTS flow_log_entries (
           id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           hunt_id VARCHAR(64) NOT NULL DEFAULT '',
           data MEDIUMTEXT NOT NULL,
           INDEX(client_id, flow_id))`,
		`CREATE TABLE IF NOT EXISTS output_plugin_log_entries (
           id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
           owner_id VARCHAR(160) NOT NULL,
           data MEDIUMTEXT NOT NULL,
           INDEX(owner_id))`,
		`CREATE TABLE IF NOT EXISTS client_messages (
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           request_id BIGINT UNSIGNED NOT NULL,
           task_id BIGINT UNSIGNED NOT NULL,
           leased_until BIGINT UNSIGNED NOT NULL DEFAULT 0,
           data MEDIUMTEXT NOT NULL,
           PRIMARY KEY (client_id, flow_id, request_id),
           INDEX(client_id, task_id))`,
		`CREATE TABLE IF NOT EXISTS flow_processing_requests (
           client_id VARCHAR(64) NOT NULL,
           flow_id VARCHAR(64) NOT NULL,
           parent_hunt_id VARCHAR(64) NOT NULL DEFAULT '',
           delivery_time BIGINT UNSIGNED NOT NULL DEFAULT 0,
           creation_time BIGINT UNSIGNED NOT NULL DEFAULT 0,
           leased_until BIGINT UNSIGNED NOT NULL DEFAULT 0,
           leased_by VARCHAR(128) NOT NULL DEFAULT '',
           PRIMARY KEY (client_id, flow_id),
           INDEX(delivery_time))`,
		`CREATE TABLE IF NOT EXISTS hunts (
           hunt_id VARCHAR(64) NOT NULL PRIMARY KEY,
           create_time BIGINT UNSIGNED NOT NULL DEFAULT 0,
           data MEDIUMTEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS hunt_output_plugin_states (
           hunt_id VARCHAR(64) NOT NULL,
           plugin_id VARCHAR(128) NOT NULL,
           data MEDIUMTEXT NOT NULL,
           PRIMARY KEY (hunt_id, plugin_id))`,
		`CREATE TABLE IF NOT EXISTS user_notifications (
           id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
           username VARCHAR(128) NOT NULL,
           data MEDIUMTEXT NOT NULL,
           INDEX(username))`,
	},
	for_update: " FOR UPDATE",
}

func NewMySQLDataStore(ctx context.Context,
	conn_string string, clock utils.Clock) (*SQLDataStore, error) {
	if conn_string == "" {
		return nil, errors.New("MySQL datastore requires a MysqlConnectionString")
	}

	db, err := sql.Open("mysql", conn_string)
	if err != nil {
		return nil, errors.Wrap(err, "mysql")
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "mysql")
	}

	result, err := newSQLDataStore(ctx, db, mysql_dialect, clock)
	if err != nil {
		db.Close()
		return nil, err
	}
	return result, nil
}
