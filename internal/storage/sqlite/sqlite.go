// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the durable storage backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/flux/internal/storage"
	"github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/execution"
	"github.com/tombee/flux/pkg/flux"
)

var _ storage.Backend = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend, configuring pragmas and running
// migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			execution_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			time TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (execution_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			state TEXT NOT NULL,
			input TEXT,
			priority INTEGER DEFAULT 0,
			worker_id TEXT,
			attempts INTEGER DEFAULT 0,
			schedule_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			checkpoint_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions(worker_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			session_name TEXT,
			capabilities TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			registered_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			cron TEXT,
			every_ns INTEGER DEFAULT 0,
			timezone TEXT,
			input_template TEXT,
			input TEXT,
			enabled INTEGER DEFAULT 1,
			catch_up_policy TEXT,
			allow_overlap INTEGER DEFAULT 0,
			last_fire TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// AppendEvents persists a contiguous batch inside one transaction.
func (b *Backend) AppendEvents(ctx context.Context, executionID string, events []execution.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StorageError{Op: "beginning event append", Cause: err}
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&last); err != nil {
		return &errors.StorageError{Op: "reading last sequence", Cause: err}
	}

	next := int64(0)
	if last.Valid {
		next = last.Int64 + 1
	}
	for i := range events {
		if events[i].Sequence != next+int64(i) {
			return &errors.ConflictError{
				Resource: "event",
				ID:       executionID,
				Reason:   "non-contiguous event batch",
			}
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (execution_id, sequence, type, source, time, value) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return &errors.StorageError{Op: "preparing event insert", Cause: err}
	}
	defer stmt.Close()

	for i := range events {
		ev := events[i]
		if _, err := stmt.ExecContext(ctx,
			executionID, ev.Sequence, string(ev.Type), ev.Source,
			ev.Time.UTC().Format(time.RFC3339Nano), nullBytes(ev.Value),
		); err != nil {
			return &errors.StorageError{Op: "inserting event", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StorageError{Op: "committing event append", Cause: err}
	}
	return nil
}

// ListEvents returns events with sequence >= from, in order.
func (b *Backend) ListEvents(ctx context.Context, executionID string, from int64) ([]execution.Event, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT sequence, type, source, time, value
		 FROM events WHERE execution_id = ? AND sequence >= ?
		 ORDER BY sequence`, executionID, from)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing events", Cause: err}
	}
	defer rows.Close()

	var out []execution.Event
	for rows.Next() {
		var (
			ev      execution.Event
			typ     string
			timeStr string
			value   sql.NullString
		)
		if err := rows.Scan(&ev.Sequence, &typ, &ev.Source, &timeStr, &value); err != nil {
			return nil, &errors.StorageError{Op: "scanning event", Cause: err}
		}
		ev.ExecutionID = executionID
		ev.Type = execution.EventType(typ)
		if t, perr := time.Parse(time.RFC3339Nano, timeStr); perr == nil {
			ev.Time = t
		}
		if value.Valid {
			ev.Value = json.RawMessage(value.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing events", Cause: err}
	}
	return out, nil
}

// LastSequence returns the highest persisted sequence, or -1.
func (b *Backend) LastSequence(ctx context.Context, executionID string) (int64, error) {
	var last sql.NullInt64
	if err := b.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&last); err != nil {
		return 0, &errors.StorageError{Op: "reading last sequence", Cause: err}
	}
	if !last.Valid {
		return -1, nil
	}
	return last.Int64, nil
}

// CreateExecution inserts a new execution record.
func (b *Backend) CreateExecution(ctx context.Context, rec *storage.ExecutionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO executions
			(id, workflow, workflow_version, state, input, priority, worker_id, attempts, schedule_id, created_at, updated_at, checkpoint_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workflow, rec.WorkflowVersion, string(rec.State),
		nullBytes(rec.Input), rec.Priority, nullString(rec.WorkerID), rec.Attempts,
		nullString(rec.ScheduleID), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatTime(rec.CheckpointAt),
	)
	if err != nil {
		return &errors.StorageError{Op: "creating execution", Cause: err}
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, workflow, workflow_version, state, input, priority, worker_id, attempts, schedule_id, created_at, updated_at, checkpoint_at
		 FROM executions WHERE id = ?`, id)

	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "getting execution", Cause: err}
	}
	return rec, nil
}

// UpdateExecution replaces an execution record.
func (b *Backend) UpdateExecution(ctx context.Context, rec *storage.ExecutionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := b.db.ExecContext(ctx,
		`UPDATE executions SET workflow = ?, workflow_version = ?, state = ?, input = ?, priority = ?,
			worker_id = ?, attempts = ?, schedule_id = ?, updated_at = ?, checkpoint_at = ?
		 WHERE id = ?`,
		rec.Workflow, rec.WorkflowVersion, string(rec.State), nullBytes(rec.Input), rec.Priority,
		nullString(rec.WorkerID), rec.Attempts, nullString(rec.ScheduleID),
		formatTime(rec.UpdatedAt), formatTime(rec.CheckpointAt), rec.ID,
	)
	if err != nil {
		return &errors.StorageError{Op: "updating execution", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: rec.ID}
	}
	return nil
}

// ListExecutions returns records matching the filter, oldest first.
func (b *Backend) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*storage.ExecutionRecord, error) {
	query := `SELECT id, workflow, workflow_version, state, input, priority, worker_id, attempts, schedule_id, created_at, updated_at, checkpoint_at
		FROM executions`
	var (
		conds []string
		args  []any
	)
	if filter.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if len(filter.States) > 0 {
		placeholders := ""
		for i, st := range filter.States {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+placeholders+")")
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing executions", Cause: err}
	}
	defer rows.Close()

	var out []*storage.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, &errors.StorageError{Op: "scanning execution", Cause: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing executions", Cause: err}
	}
	return out, nil
}

// ClaimExecution performs the compare-and-set claim: only a SCHEDULED,
// unassigned execution can be claimed, so double claims are impossible.
func (b *Backend) ClaimExecution(ctx context.Context, id, workerID string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE executions
		 SET state = ?, worker_id = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ? AND (worker_id IS NULL OR worker_id = '')`,
		string(execution.StateClaimed), workerID, formatTime(time.Now().UTC()),
		id, string(execution.StateScheduled),
	)
	if err != nil {
		return &errors.StorageError{Op: "claiming execution", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	if _, gerr := b.GetExecution(ctx, id); gerr != nil {
		return gerr
	}
	return &errors.ConflictError{
		Resource: "execution",
		ID:       id,
		Reason:   "already claimed or not schedulable",
	}
}

// ReleaseExecution returns an execution to the queue.
func (b *Backend) ReleaseExecution(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, worker_id = NULL, updated_at = ? WHERE id = ?`,
		string(execution.StateScheduled), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return &errors.StorageError{Op: "releasing execution", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return nil
}

// PutWorkflow inserts the next version for a name inside one transaction.
func (b *Backend) PutWorkflow(ctx context.Context, name string, meta flux.Metadata) (*storage.WorkflowRecord, error) {
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, &errors.StorageError{Op: "encoding workflow metadata", Cause: err}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StorageError{Op: "beginning workflow insert", Cause: err}
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM workflows WHERE name = ?`, name,
	).Scan(&last); err != nil {
		return nil, &errors.StorageError{Op: "reading latest workflow version", Cause: err}
	}

	rec := &storage.WorkflowRecord{
		Name:      name,
		Version:   int(last.Int64) + 1,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (name, version, metadata, created_at) VALUES (?, ?, ?, ?)`,
		rec.Name, rec.Version, string(metaJSON), formatTime(rec.CreatedAt),
	); err != nil {
		return nil, &errors.StorageError{Op: "inserting workflow version", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.StorageError{Op: "committing workflow insert", Cause: err}
	}
	return rec, nil
}

// GetWorkflow returns a version, or the latest when version <= 0.
func (b *Backend) GetWorkflow(ctx context.Context, name string, version int) (*storage.WorkflowRecord, error) {
	var row *sql.Row
	if version <= 0 {
		row = b.db.QueryRowContext(ctx,
			`SELECT name, version, metadata, created_at FROM workflows
			 WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = b.db.QueryRowContext(ctx,
			`SELECT name, version, metadata, created_at FROM workflows
			 WHERE name = ? AND version = ?`, name, version)
	}

	rec, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "getting workflow", Cause: err}
	}
	return rec, nil
}

// ListWorkflows returns the latest version of every workflow, sorted by name.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*storage.WorkflowRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT w.name, w.version, w.metadata, w.created_at
		 FROM workflows w
		 JOIN (SELECT name, MAX(version) AS version FROM workflows GROUP BY name) latest
		   ON w.name = latest.name AND w.version = latest.version
		 ORDER BY w.name`)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing workflows", Cause: err}
	}
	defer rows.Close()

	var out []*storage.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, &errors.StorageError{Op: "scanning workflow", Cause: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing workflows", Cause: err}
	}
	return out, nil
}

// PutWorker inserts or updates a worker record.
func (b *Backend) PutWorker(ctx context.Context, rec *storage.WorkerRecord) error {
	capsJSON, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return &errors.StorageError{Op: "encoding worker capabilities", Cause: err}
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO workers (id, session_name, capabilities, status, last_seen, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			session_name = excluded.session_name,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		rec.ID, nullString(rec.SessionName), string(capsJSON), string(rec.Status),
		formatTime(rec.LastSeen), formatTime(rec.RegisteredAt),
	)
	if err != nil {
		return &errors.StorageError{Op: "putting worker", Cause: err}
	}
	return nil
}

// GetWorker returns a worker record by ID.
func (b *Backend) GetWorker(ctx context.Context, id string) (*storage.WorkerRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, session_name, capabilities, status, last_seen, registered_at FROM workers WHERE id = ?`, id)
	rec, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "worker", ID: id}
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "getting worker", Cause: err}
	}
	return rec, nil
}

// ListWorkers returns all worker records, sorted by ID.
func (b *Backend) ListWorkers(ctx context.Context) ([]*storage.WorkerRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, session_name, capabilities, status, last_seen, registered_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing workers", Cause: err}
	}
	defer rows.Close()

	var out []*storage.WorkerRecord
	for rows.Next() {
		rec, err := scanWorker(rows)
		if err != nil {
			return nil, &errors.StorageError{Op: "scanning worker", Cause: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing workers", Cause: err}
	}
	return out, nil
}

// DeleteWorker removes a worker record.
func (b *Backend) DeleteWorker(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return &errors.StorageError{Op: "deleting worker", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "worker", ID: id}
	}
	return nil
}

// PutSchedule inserts or updates a schedule.
func (b *Backend) PutSchedule(ctx context.Context, rec *storage.ScheduleRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow, cron, every_ns, timezone, input_template, input, enabled, catch_up_policy, allow_overlap, last_fire, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			workflow = excluded.workflow,
			cron = excluded.cron,
			every_ns = excluded.every_ns,
			timezone = excluded.timezone,
			input_template = excluded.input_template,
			input = excluded.input,
			enabled = excluded.enabled,
			catch_up_policy = excluded.catch_up_policy,
			allow_overlap = excluded.allow_overlap,
			last_fire = excluded.last_fire,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Workflow, nullString(rec.Cron), int64(rec.Every), nullString(rec.Timezone),
		nullString(rec.InputTemplate), nullBytes(rec.Input), boolToInt(rec.Enabled),
		nullString(rec.CatchUpPolicy), boolToInt(rec.AllowOverlap), formatTime(rec.LastFire),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return &errors.StorageError{Op: "putting schedule", Cause: err}
	}
	return nil
}

// GetSchedule returns a schedule by ID.
func (b *Backend) GetSchedule(ctx context.Context, id string) (*storage.ScheduleRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, workflow, cron, every_ns, timezone, input_template, input, enabled, catch_up_policy, allow_overlap, last_fire, created_at, updated_at
		 FROM schedules WHERE id = ?`, id)
	rec, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "getting schedule", Cause: err}
	}
	return rec, nil
}

// ListSchedules returns all schedules, sorted by ID.
func (b *Backend) ListSchedules(ctx context.Context) ([]*storage.ScheduleRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, workflow, cron, every_ns, timezone, input_template, input, enabled, catch_up_policy, allow_overlap, last_fire, created_at, updated_at
		 FROM schedules ORDER BY id`)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing schedules", Cause: err}
	}
	defer rows.Close()

	var out []*storage.ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, &errors.StorageError{Op: "scanning schedule", Cause: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing schedules", Cause: err}
	}
	return out, nil
}

// DeleteSchedule removes a schedule.
func (b *Backend) DeleteSchedule(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return &errors.StorageError{Op: "deleting schedule", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// PutSecret stores a ciphertext, replacing any existing value.
func (b *Backend) PutSecret(ctx context.Context, name string, ciphertext []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO secrets (name, ciphertext) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		name, ciphertext)
	if err != nil {
		return &errors.StorageError{Op: "putting secret", Cause: err}
	}
	return nil
}

// GetSecret returns a ciphertext.
func (b *Backend) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var ciphertext []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM secrets WHERE name = ?`, name).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "secret", ID: name}
	}
	if err != nil {
		return nil, &errors.StorageError{Op: "getting secret", Cause: err}
	}
	return ciphertext, nil
}

// ListSecretNames returns secret names, sorted.
func (b *Backend) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, &errors.StorageError{Op: "listing secrets", Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &errors.StorageError{Op: "scanning secret name", Cause: err}
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "listing secrets", Cause: err}
	}
	return out, nil
}

// DeleteSecret removes a secret.
func (b *Backend) DeleteSecret(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return &errors.StorageError{Op: "deleting secret", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "secret", ID: name}
	}
	return nil
}

// GetCache returns an unexpired cache value.
func (b *Backend) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.StorageError{Op: "getting cache entry", Cause: err}
	}

	t, perr := time.Parse(time.RFC3339Nano, expiresAt)
	if perr != nil || time.Now().After(t) {
		return nil, false, nil
	}
	return value, true, nil
}

// PutCache stores a cache value. Last write wins.
func (b *Backend) PutCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StorageError{Op: "putting cache entry", Cause: err}
	}
	return nil
}

// PruneCache drops entries expired before now.
func (b *Backend) PruneCache(ctx context.Context, now time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at < ?`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &errors.StorageError{Op: "pruning cache", Cause: err}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*storage.ExecutionRecord, error) {
	var (
		rec          storage.ExecutionRecord
		state        string
		input        sql.NullString
		workerID     sql.NullString
		scheduleID   sql.NullString
		createdAt    sql.NullString
		updatedAt    sql.NullString
		checkpointAt sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Workflow, &rec.WorkflowVersion, &state, &input,
		&rec.Priority, &workerID, &rec.Attempts, &scheduleID,
		&createdAt, &updatedAt, &checkpointAt); err != nil {
		return nil, err
	}
	rec.State = execution.State(state)
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	rec.WorkerID = workerID.String
	rec.ScheduleID = scheduleID.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.CheckpointAt = parseTime(checkpointAt)
	return &rec, nil
}

func scanWorkflow(s scanner) (*storage.WorkflowRecord, error) {
	var (
		rec       storage.WorkflowRecord
		metaJSON  string
		createdAt sql.NullString
	)
	if err := s.Scan(&rec.Name, &rec.Version, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decoding workflow metadata: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func scanWorker(s scanner) (*storage.WorkerRecord, error) {
	var (
		rec          storage.WorkerRecord
		sessionName  sql.NullString
		capsJSON     string
		status       string
		lastSeen     sql.NullString
		registeredAt sql.NullString
	)
	if err := s.Scan(&rec.ID, &sessionName, &capsJSON, &status, &lastSeen, &registeredAt); err != nil {
		return nil, err
	}
	rec.SessionName = sessionName.String
	if err := json.Unmarshal([]byte(capsJSON), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding worker capabilities: %w", err)
	}
	rec.Status = storage.WorkerStatus(status)
	rec.LastSeen = parseTime(lastSeen)
	rec.RegisteredAt = parseTime(registeredAt)
	return &rec, nil
}

func scanSchedule(s scanner) (*storage.ScheduleRecord, error) {
	var (
		rec           storage.ScheduleRecord
		cron          sql.NullString
		everyNS       int64
		timezone      sql.NullString
		inputTemplate sql.NullString
		input         sql.NullString
		enabled       int
		catchUp       sql.NullString
		allowOverlap  int
		lastFire      sql.NullString
		createdAt     sql.NullString
		updatedAt     sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Workflow, &cron, &everyNS, &timezone, &inputTemplate, &input,
		&enabled, &catchUp, &allowOverlap, &lastFire, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Cron = cron.String
	rec.Every = time.Duration(everyNS)
	rec.Timezone = timezone.String
	rec.InputTemplate = inputTemplate.String
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	rec.Enabled = enabled != 0
	rec.CatchUpPolicy = catchUp.String
	rec.AllowOverlap = allowOverlap != 0
	rec.LastFire = parseTime(lastFire)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
