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
	"sync"
	"time"

	"github.com/Velocidex/json"
	errors "github.com/pkg/errors"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/utils"
)

const no_limit = 1 << 62

// Differences between the SQL engines we support. Both accept `?`
// placeholders and REPLACE INTO.
type dialect struct {
	name       string
	schema     []string
	for_update string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// A datastore over database/sql. Every object is stored as a JSON
// blob next to the columns needed to find it.
type SQLDataStore struct {
	db      *sql.DB
	clock   utils.Clock
	dialect *dialect

	mu           sync.Mutex
	last_task_id uint64
}

func newSQLDataStore(ctx context.Context,
	db *sql.DB, d *dialect, clock utils.Clock) (*SQLDataStore, error) {
	for _, stmt := range d.schema {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return nil, errors.Wrapf(err, "%v: applying schema", d.name)
		}
	}

	return &SQLDataStore{db: db, clock: clock, dialect: d}, nil
}

func (self *SQLDataStore) Close() error {
	return self.db.Close()
}

func (self *SQLDataStore) transact(
	ctx context.Context, cb func(tx *sql.Tx) error) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "BeginTx")
	}

	err = cb(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "Commit")
}

// Runs a query returning a single data column and decodes each row.
func queryData[T any](ctx context.Context, q querier,
	query string, args ...interface{}) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	result := []*T{}
	for rows.Next() {
		var data string
		err := rows.Scan(&data)
		if err != nil {
			return nil, err
		}

		item := new(T)
		err = json.Unmarshal([]byte(data), item)
		if err != nil {
			return nil, errors.Wrap(err, "decoding stored data")
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func encode(item interface{}) (string, error) {
	serialized, err := json.Marshal(item)
	if err != nil {
		return "", errors.Wrap(err, "encode")
	}
	return string(serialized), nil
}

func limitOrMax(count int) int {
	if count <= 0 {
		return no_limit
	}
	return count
}

func (self *SQLDataStore) readFlow(ctx context.Context, q querier,
	client_id, flow_id string, lock bool) (*flows_proto.Flow, error) {
	query := "SELECT data FROM flows WHERE client_id = ? AND flow_id = ?"
	if lock {
		query += self.dialect.for_update
	}

	flows, err := queryData[flows_proto.Flow](ctx, q, query, client_id, flow_id)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, flowNotFound(client_id, flow_id)
	}
	return flows[0], nil
}

func (self *SQLDataStore) storeFlow(ctx context.Context, q querier,
	flow *flows_proto.Flow) error {
	data, err := encode(flow)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `REPLACE INTO flows
          (client_id, flow_id, parent_flow_id, parent_hunt_id, create_time, data)
          VALUES (?, ?, ?, ?, ?, ?)`,
		flow.ClientId, flow.FlowId, flow.ParentFlowId, flow.ParentHuntId,
		flow.CreateTime, data)
	return errors.Wrap(err, "storeFlow")
}

func (self *SQLDataStore) writeFlow(ctx context.Context, q querier,
	flow *flows_proto.Flow) error {
	stored, err := self.readFlow(ctx, q, flow.ClientId, flow.FlowId, true)
	if err != nil {
		stored = nil
	}
	return self.storeFlow(ctx, q, mergeFlowForWrite(stored, flow))
}

func (self *SQLDataStore) WriteFlowObject(
	ctx context.Context, flow *flows_proto.Flow) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeFlow(ctx, tx, flow)
	})
}

func (self *SQLDataStore) ReadFlowObject(
	ctx context.Context, client_id, flow_id string) (*flows_proto.Flow, error) {
	return self.readFlow(ctx, self.db, client_id, flow_id, false)
}

func (self *SQLDataStore) UpdateFlow(ctx context.Context,
	client_id, flow_id string, cb func(flow *flows_proto.Flow) error) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		flow, err := self.readFlow(ctx, tx, client_id, flow_id, true)
		if err != nil {
			return err
		}

		err = cb(flow)
		if err != nil {
			return err
		}
		return self.storeFlow(ctx, tx, flow)
	})
}

func (self *SQLDataStore) ListFlows(
	ctx context.Context, client_id string) ([]*flows_proto.Flow, error) {
	return queryData[flows_proto.Flow](ctx, self.db, `
        SELECT data FROM flows WHERE client_id = ?
        ORDER BY create_time, flow_id`, client_id)
}

func (self *SQLDataStore) ReadChildFlowObjects(ctx context.Context,
	client_id, parent_flow_id string) ([]*flows_proto.Flow, error) {
	return queryData[flows_proto.Flow](ctx, self.db, `
        SELECT data FROM flows WHERE client_id = ? AND parent_flow_id = ?
        ORDER BY create_time, flow_id`, client_id, parent_flow_id)
}

func (self *SQLDataStore) ReadHuntFlows(
	ctx context.Context, hunt_id string) ([]*flows_proto.Flow, error) {
	return queryData[flows_proto.Flow](ctx, self.db, `
        SELECT data FROM flows WHERE parent_hunt_id = ?
        ORDER BY create_time, client_id, flow_id`, hunt_id)
}

func (self *SQLDataStore) writeRequests(ctx context.Context, q querier,
	requests []*flows_proto.FlowRequest) error {
	for _, req := range requests {
		data, err := encode(req)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `REPLACE INTO flow_requests
            (client_id, flow_id, request_id, data) VALUES (?, ?, ?, ?)`,
			req.ClientId, req.FlowId, req.RequestId, data)
		if err != nil {
			return errors.Wrap(err, "writeRequests")
		}
	}
	return nil
}

func (self *SQLDataStore) WriteFlowRequests(
	ctx context.Context, requests []*flows_proto.FlowRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeRequests(ctx, tx, requests)
	})
}

func (self *SQLDataStore) writeResponses(ctx context.Context, q querier,
	responses []*flows_proto.FlowResponse) error {
	for _, resp := range responses {
		var count int
		err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_requests
            WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
			resp.ClientId, resp.FlowId, resp.RequestId).Scan(&count)
		if err != nil {
			return errors.Wrap(err, "writeResponses")
		}
		if count == 0 {
			continue
		}

		data, err := encode(resp)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `REPLACE INTO flow_responses
            (client_id, flow_id, request_id, response_id, data)
            VALUES (?, ?, ?, ?, ?)`,
			resp.ClientId, resp.FlowId, resp.RequestId, resp.ResponseId, data)
		if err != nil {
			return errors.Wrap(err, "writeResponses")
		}
	}
	return nil
}

func (self *SQLDataStore) WriteFlowResponses(
	ctx context.Context, responses []*flows_proto.FlowResponse) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeResponses(ctx, tx, responses)
	})
}

func (self *SQLDataStore) deleteRequests(ctx context.Context, q querier,
	requests []*flows_proto.FlowRequest) error {
	for _, req := range requests {
		for _, table := range []string{
			"flow_requests", "flow_responses", "client_messages"} {
			_, err := q.ExecContext(ctx, "DELETE FROM "+table+
				" WHERE client_id = ? AND flow_id = ? AND request_id = ?",
				req.ClientId, req.FlowId, req.RequestId)
			if err != nil {
				return errors.Wrap(err, "deleteRequests")
			}
		}
	}
	return nil
}

func (self *SQLDataStore) DeleteFlowRequests(
	ctx context.Context, requests []*flows_proto.FlowRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.deleteRequests(ctx, tx, requests)
	})
}

func (self *SQLDataStore) destroyFlow(ctx context.Context, q querier,
	key FlowKey) error {
	for _, table := range []string{
		"flow_requests", "flow_responses", "client_messages"} {
		_, err := q.ExecContext(ctx, "DELETE FROM "+table+
			" WHERE client_id = ? AND flow_id = ?", key.ClientId, key.FlowId)
		if err != nil {
			return errors.Wrap(err, "destroyFlow")
		}
	}
	return nil
}

func (self *SQLDataStore) ReadFlowRequestsAndResponses(
	ctx context.Context, client_id, flow_id string,
	request_limit, response_limit int) (
	[]*flows_proto.RequestWithResponses, bool, error) {

	var result []*flows_proto.RequestWithResponses
	var more bool

	err := self.transact(ctx, func(tx *sql.Tx) error {
		fetch_requests := no_limit
		if request_limit > 0 {
			fetch_requests = request_limit + 1
		}

		requests, err := queryData[flows_proto.FlowRequest](ctx, tx, `
            SELECT data FROM flow_requests WHERE client_id = ? AND flow_id = ?
            ORDER BY request_id LIMIT ?`, client_id, flow_id, fetch_requests)
		if err != nil {
			return err
		}

		if len(requests) == 0 {
			return nil
		}

		window := requests
		if request_limit > 0 && len(window) > request_limit {
			window = window[:request_limit]
		}
		max_request_id := window[len(window)-1].RequestId

		fetch_responses := no_limit
		if response_limit > 0 {
			fetch_responses = response_limit + 1
		}

		responses, err := queryData[flows_proto.FlowResponse](ctx, tx, `
            SELECT data FROM flow_responses
            WHERE client_id = ? AND flow_id = ? AND request_id <= ?
            ORDER BY request_id, response_id LIMIT ?`,
			client_id, flow_id, max_request_id, fetch_responses)
		if err != nil {
			return err
		}

		result, more, err = buildFetchWindow(requests, responses,
			request_limit, response_limit,
			func(request_id uint64) ([]*flows_proto.FlowResponse, error) {
				return queryData[flows_proto.FlowResponse](ctx, tx, `
                    SELECT data FROM flow_responses
                    WHERE client_id = ? AND flow_id = ? AND request_id = ?
                    ORDER BY response_id`, client_id, flow_id, request_id)
			})
		return err
	})
	return result, more, err
}

func (self *SQLDataStore) writeResults(ctx context.Context, q querier,
	results []*flows_proto.FlowResult) error {
	for _, r := range results {
		data, err := encode(r)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `INSERT INTO flow_results
            (client_id, flow_id, hunt_id, data) VALUES (?, ?, ?, ?)`,
			r.ClientId, r.FlowId, r.HuntId, data)
		if err != nil {
			return errors.Wrap(err, "writeResults")
		}
	}
	return nil
}

func (self *SQLDataStore) WriteFlowResults(
	ctx context.Context, results []*flows_proto.FlowResult) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeResults(ctx, tx, results)
	})
}

func (self *SQLDataStore) ReadFlowResults(ctx context.Context,
	client_id, flow_id string, offset, count int) ([]*flows_proto.FlowResult, error) {
	return queryData[flows_proto.FlowResult](ctx, self.db, `
        SELECT data FROM flow_results WHERE client_id = ? AND flow_id = ?
        ORDER BY id LIMIT ? OFFSET ?`,
		client_id, flow_id, limitOrMax(count), offset)
}

func (self *SQLDataStore) ReadHuntResults(ctx context.Context,
	hunt_id string, offset, count int) ([]*flows_proto.FlowResult, error) {
	return queryData[flows_proto.FlowResult](ctx, self.db, `
        SELECT data FROM flow_results WHERE hunt_id = ?
        ORDER BY id LIMIT ? OFFSET ?`, hunt_id, limitOrMax(count), offset)
}

func (self *SQLDataStore) writeLogs(ctx context.Context, q querier,
	entries []*flows_proto.FlowLogEntry) error {
	for _, e := range entries {
		data, err := encode(e)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `INSERT INTO flow_log_entries
            (client_id, flow_id, hunt_id, data) VALUES (?, ?, ?, ?)`,
			e.ClientId, e.FlowId, e.HuntId, data)
		if err != nil {
			return errors.Wrap(err, "writeLogs")
		}
	}
	return nil
}

func (self *SQLDataStore) WriteFlowLogEntries(
	ctx context.Context, entries []*flows_proto.FlowLogEntry) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeLogs(ctx, tx, entries)
	})
}

func (self *SQLDataStore) ReadFlowLogEntries(ctx context.Context,
	client_id, flow_id string, offset, count int) ([]*flows_proto.FlowLogEntry, error) {
	return queryData[flows_proto.FlowLogEntry](ctx, self.db, `
        SELECT data FROM flow_log_entries WHERE client_id = ? AND flow_id = ?
        ORDER BY id LIMIT ? OFFSET ?`,
		client_id, flow_id, limitOrMax(count), offset)
}

func (self *SQLDataStore) WriteOutputPluginLogEntries(
	ctx context.Context, entries []*flows_proto.OutputPluginLogEntry) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			data, err := encode(e)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO output_plugin_log_entries
                (owner_id, data) VALUES (?, ?)`, e.OwnerId(), data)
			if err != nil {
				return errors.Wrap(err, "WriteOutputPluginLogEntries")
			}
		}
		return nil
	})
}

func (self *SQLDataStore) ReadOutputPluginLogEntries(
	ctx context.Context, owner_id string) ([]*flows_proto.OutputPluginLogEntry, error) {
	return queryData[flows_proto.OutputPluginLogEntry](ctx, self.db, `
        SELECT data FROM output_plugin_log_entries WHERE owner_id = ?
        ORDER BY id`, owner_id)
}

// Task ids order the client queue. They are unique and increasing
// within this process.
func (self *SQLDataStore) nextTaskId() uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.ToMicro(self.clock.Now())
	if now <= self.last_task_id {
		now = self.last_task_id + 1
	}
	self.last_task_id = now
	return now
}

func (self *SQLDataStore) queueMessages(ctx context.Context, q querier,
	messages []*flows_proto.ClientActionRequest) error {
	for _, m := range messages {
		copy := *m
		copy.TaskId = self.nextTaskId()
		copy.LeasedUntil = 0

		data, err := encode(&copy)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `REPLACE INTO client_messages
            (client_id, flow_id, request_id, task_id, leased_until, data)
            VALUES (?, ?, ?, ?, 0, ?)`,
			copy.ClientId, copy.FlowId, copy.RequestId, copy.TaskId, data)
		if err != nil {
			return errors.Wrap(err, "queueMessages")
		}
	}
	return nil
}

func (self *SQLDataStore) QueueClientMessages(
	ctx context.Context, messages []*flows_proto.ClientActionRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.queueMessages(ctx, tx, messages)
	})
}

func (self *SQLDataStore) readMessages(ctx context.Context, q querier,
	query string, args ...interface{}) ([]*flows_proto.ClientActionRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "readMessages")
	}
	defer rows.Close()

	result := []*flows_proto.ClientActionRequest{}
	for rows.Next() {
		var data string
		var leased_until uint64
		err := rows.Scan(&data, &leased_until)
		if err != nil {
			return nil, err
		}

		m := &flows_proto.ClientActionRequest{}
		err = json.Unmarshal([]byte(data), m)
		if err != nil {
			return nil, err
		}
		m.LeasedUntil = leased_until
		result = append(result, m)
	}
	return result, rows.Err()
}

func (self *SQLDataStore) LeaseClientMessages(ctx context.Context,
	client_id string, lease time.Duration, limit int) (
	[]*flows_proto.ClientActionRequest, error) {
	now := utils.ToMicro(self.clock.Now())
	leased_until := utils.ToMicro(self.clock.Now().Add(lease))

	var result []*flows_proto.ClientActionRequest
	err := self.transact(ctx, func(tx *sql.Tx) error {
		messages, err := self.readMessages(ctx, tx, `
            SELECT data, leased_until FROM client_messages
            WHERE client_id = ? AND leased_until <= ?
            ORDER BY task_id LIMIT ?`+self.dialect.for_update,
			client_id, now, limitOrMax(limit))
		if err != nil {
			return err
		}

		for _, m := range messages {
			_, err := tx.ExecContext(ctx, `UPDATE client_messages
                SET leased_until = ?
                WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
				leased_until, m.ClientId, m.FlowId, m.RequestId)
			if err != nil {
				return errors.Wrap(err, "LeaseClientMessages")
			}
			m.LeasedUntil = leased_until
		}
		result = messages
		return nil
	})
	return result, err
}

func (self *SQLDataStore) ReadClientMessages(
	ctx context.Context, client_id string) ([]*flows_proto.ClientActionRequest, error) {
	return self.readMessages(ctx, self.db, `
        SELECT data, leased_until FROM client_messages
        WHERE client_id = ? ORDER BY task_id`, client_id)
}

func (self *SQLDataStore) DeleteClientMessages(
	ctx context.Context, messages []*flows_proto.ClientActionRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.deleteMessages(ctx, tx, messages)
	})
}

func (self *SQLDataStore) deleteMessages(ctx context.Context, tx *sql.Tx,
	messages []*flows_proto.ClientActionRequest) error {
	for _, m := range messages {
		_, err := tx.ExecContext(ctx, `DELETE FROM client_messages
            WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
			m.ClientId, m.FlowId, m.RequestId)
		if err != nil {
			return errors.Wrap(err, "DeleteClientMessages")
		}
	}
	return nil
}

func (self *SQLDataStore) readProcessingRequests(ctx context.Context,
	q querier, query string, args ...interface{}) (
	[]*flows_proto.FlowProcessingRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "readProcessingRequests")
	}
	defer rows.Close()

	result := []*flows_proto.FlowProcessingRequest{}
	for rows.Next() {
		r := &flows_proto.FlowProcessingRequest{}
		err := rows.Scan(&r.ClientId, &r.FlowId, &r.ParentHuntId,
			&r.DeliveryTime, &r.CreationTime, &r.LeasedUntil, &r.LeasedBy)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const processing_columns = `client_id, flow_id, parent_hunt_id,
    delivery_time, creation_time, leased_until, leased_by`

func (self *SQLDataStore) writeProcessingRequests(ctx context.Context,
	q querier, requests []*flows_proto.FlowProcessingRequest) error {
	now := utils.ToMicro(self.clock.Now())
	for _, req := range requests {
		existing, err := self.readProcessingRequests(ctx, q,
			"SELECT "+processing_columns+` FROM flow_processing_requests
             WHERE client_id = ? AND flow_id = ?`+self.dialect.for_update,
			req.ClientId, req.FlowId)
		if err != nil {
			return err
		}

		var current *flows_proto.FlowProcessingRequest
		if len(existing) > 0 {
			current = existing[0]
		}
		r := mergeProcessingRequest(current, req, now)

		_, err = q.ExecContext(ctx, "REPLACE INTO flow_processing_requests ("+
			processing_columns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			r.ClientId, r.FlowId, r.ParentHuntId, r.DeliveryTime,
			r.CreationTime, r.LeasedUntil, r.LeasedBy)
		if err != nil {
			return errors.Wrap(err, "writeProcessingRequests")
		}
	}
	return nil
}

func (self *SQLDataStore) WriteFlowProcessingRequests(
	ctx context.Context, requests []*flows_proto.FlowProcessingRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		return self.writeProcessingRequests(ctx, tx, requests)
	})
}

func (self *SQLDataStore) LeaseFlowProcessingRequests(ctx context.Context,
	worker_id string, ttl time.Duration, limit int) (
	[]*flows_proto.FlowProcessingRequest, error) {
	now := utils.ToMicro(self.clock.Now())
	leased_until := utils.ToMicro(self.clock.Now().Add(ttl))

	var result []*flows_proto.FlowProcessingRequest
	err := self.transact(ctx, func(tx *sql.Tx) error {
		candidates, err := self.readProcessingRequests(ctx, tx,
			"SELECT "+processing_columns+` FROM flow_processing_requests
             WHERE delivery_time <= ? AND leased_until <= ?
             ORDER BY creation_time LIMIT ?`+self.dialect.for_update,
			now, now, limitOrMax(limit))
		if err != nil {
			return err
		}

		for _, r := range candidates {
			_, err := tx.ExecContext(ctx, `UPDATE flow_processing_requests
                SET leased_until = ?, leased_by = ?
                WHERE client_id = ? AND flow_id = ?`,
				leased_until, worker_id, r.ClientId, r.FlowId)
			if err != nil {
				return errors.Wrap(err, "LeaseFlowProcessingRequests")
			}
			r.LeasedUntil = leased_until
			r.LeasedBy = worker_id
		}
		result = candidates
		return nil
	})
	return result, err
}

func (self *SQLDataStore) RenewFlowProcessingRequests(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest, ttl time.Duration) error {
	leased_until := utils.ToMicro(self.clock.Now().Add(ttl))
	return self.transact(ctx, func(tx *sql.Tx) error {
		for _, r := range requests {
			_, err := tx.ExecContext(ctx, `UPDATE flow_processing_requests
                SET leased_until = ?
                WHERE client_id = ? AND flow_id = ? AND leased_by = ?`,
				leased_until, r.ClientId, r.FlowId, r.LeasedBy)
			if err != nil {
				return errors.Wrap(err, "RenewFlowProcessingRequests")
			}
			r.LeasedUntil = leased_until
		}
		return nil
	})
}

func (self *SQLDataStore) AckFlowProcessingRequests(ctx context.Context,
	requests []*flows_proto.FlowProcessingRequest) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		for _, r := range requests {
			res, err := tx.ExecContext(ctx, `DELETE FROM flow_processing_requests
                WHERE client_id = ? AND flow_id = ? AND creation_time = ?`,
				r.ClientId, r.FlowId, r.CreationTime)
			if err != nil {
				return errors.Wrap(err, "AckFlowProcessingRequests")
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected > 0 {
				continue
			}

			// Written again while we held it: release the lease.
			_, err = tx.ExecContext(ctx, `UPDATE flow_processing_requests
                SET leased_until = 0, leased_by = ''
                WHERE client_id = ? AND flow_id = ?`, r.ClientId, r.FlowId)
			if err != nil {
				return errors.Wrap(err, "AckFlowProcessingRequests")
			}
		}
		return nil
	})
}

func (self *SQLDataStore) ReadFlowProcessingRequests(
	ctx context.Context) ([]*flows_proto.FlowProcessingRequest, error) {
	return self.readProcessingRequests(ctx, self.db,
		"SELECT "+processing_columns+
			" FROM flow_processing_requests ORDER BY creation_time")
}

func (self *SQLDataStore) storeHunt(ctx context.Context, q querier,
	hunt *flows_proto.Hunt) error {
	data, err := encode(hunt)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `REPLACE INTO hunts (hunt_id, create_time, data)
        VALUES (?, ?, ?)`, hunt.HuntId, hunt.CreateTime, data)
	return errors.Wrap(err, "storeHunt")
}

func (self *SQLDataStore) WriteHuntObject(
	ctx context.Context, hunt *flows_proto.Hunt) error {
	return self.storeHunt(ctx, self.db, hunt)
}

func (self *SQLDataStore) readHunt(ctx context.Context, q querier,
	hunt_id string, lock bool) (*flows_proto.Hunt, error) {
	query := "SELECT data FROM hunts WHERE hunt_id = ?"
	if lock {
		query += self.dialect.for_update
	}
	hunts, err := queryData[flows_proto.Hunt](ctx, q, query, hunt_id)
	if err != nil {
		return nil, err
	}
	if len(hunts) == 0 {
		return nil, huntNotFound(hunt_id)
	}
	return hunts[0], nil
}

func (self *SQLDataStore) ReadHuntObject(
	ctx context.Context, hunt_id string) (*flows_proto.Hunt, error) {
	return self.readHunt(ctx, self.db, hunt_id, false)
}

func (self *SQLDataStore) ReadHuntObjects(
	ctx context.Context) ([]*flows_proto.Hunt, error) {
	return queryData[flows_proto.Hunt](ctx, self.db,
		"SELECT data FROM hunts ORDER BY create_time, hunt_id")
}

func (self *SQLDataStore) UpdateHuntObject(ctx context.Context,
	hunt_id string, cb func(hunt *flows_proto.Hunt) error) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		hunt, err := self.readHunt(ctx, tx, hunt_id, true)
		if err != nil {
			return err
		}

		err = cb(hunt)
		if err != nil {
			return err
		}
		return self.storeHunt(ctx, tx, hunt)
	})
}

func (self *SQLDataStore) ReadHuntOutputPluginsStates(
	ctx context.Context, hunt_id string) (
	map[string]*flows_proto.OutputPluginState, error) {
	states, err := queryData[flows_proto.OutputPluginState](ctx, self.db, `
        SELECT data FROM hunt_output_plugin_states WHERE hunt_id = ?`, hunt_id)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*flows_proto.OutputPluginState)
	for _, s := range states {
		result[s.PluginId] = s
	}
	return result, nil
}

func (self *SQLDataStore) UpdateHuntOutputPluginState(ctx context.Context,
	hunt_id, plugin_id string,
	cb func(state *flows_proto.OutputPluginState) (
		*flows_proto.OutputPluginState, error)) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		states, err := queryData[flows_proto.OutputPluginState](ctx, tx, `
            SELECT data FROM hunt_output_plugin_states
            WHERE hunt_id = ? AND plugin_id = ?`+self.dialect.for_update,
			hunt_id, plugin_id)
		if err != nil {
			return err
		}

		var current *flows_proto.OutputPluginState
		if len(states) > 0 {
			current = states[0]
		}

		new_state, err := cb(current)
		if err != nil {
			return err
		}

		if new_state == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM hunt_output_plugin_states
                WHERE hunt_id = ? AND plugin_id = ?`, hunt_id, plugin_id)
			return errors.Wrap(err, "UpdateHuntOutputPluginState")
		}

		new_state.PluginId = plugin_id
		data, err := encode(new_state)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `REPLACE INTO hunt_output_plugin_states
            (hunt_id, plugin_id, data) VALUES (?, ?, ?)`, hunt_id, plugin_id, data)
		return errors.Wrap(err, "UpdateHuntOutputPluginState")
	})
}

func (self *SQLDataStore) WriteUserNotification(
	ctx context.Context, notification *flows_proto.UserNotification) error {
	data, err := encode(notification)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(ctx, `INSERT INTO user_notifications
        (username, data) VALUES (?, ?)`, notification.Username, data)
	return errors.Wrap(err, "WriteUserNotification")
}

func (self *SQLDataStore) ReadUserNotifications(
	ctx context.Context, username string) ([]*flows_proto.UserNotification, error) {
	return queryData[flows_proto.UserNotification](ctx, self.db, `
        SELECT data FROM user_notifications WHERE username = ? ORDER BY id`,
		username)
}

func (self *SQLDataStore) CommitBatch(ctx context.Context, batch *Batch) error {
	return self.transact(ctx, func(tx *sql.Tx) error {
		for _, flow := range batch.Flows {
			err := self.writeFlow(ctx, tx, flow)
			if err != nil {
				return err
			}
		}

		for _, key := range batch.DestroyFlows {
			err := self.destroyFlow(ctx, tx, key)
			if err != nil {
				return err
			}
		}

		err := self.deleteRequests(ctx, tx, batch.DeleteRequests)
		if err != nil {
			return err
		}

		err = self.writeRequests(ctx, tx, batch.Requests)
		if err != nil {
			return err
		}

		err = self.writeResponses(ctx, tx, batch.Responses)
		if err != nil {
			return err
		}

		err = self.queueMessages(ctx, tx, batch.ClientMessages)
		if err != nil {
			return err
		}

		err = self.deleteMessages(ctx, tx, batch.AckClientMessages)
		if err != nil {
			return err
		}

		err = self.writeResults(ctx, tx, batch.Results)
		if err != nil {
			return err
		}

		err = self.writeLogs(ctx, tx, batch.LogEntries)
		if err != nil {
			return err
		}

		return self.writeProcessingRequests(ctx, tx, batch.ProcessingRequests)
	})
}
