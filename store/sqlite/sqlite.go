// Package sqlite implements meander's persistence capabilities —
// WorkflowRepository, SnapshotRepository, RubricRepository, and
// LeaseManager — on pure-Go SQLite. Zero CGO required.
//
// Intended for embedded and single-machine deployments; the lease table
// still works with multiple worker processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/meander"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store implements all four meander persistence capabilities backed by a
// local SQLite file.
type Store struct {
	db     *sql.DB
	nodeID string
	codec  meander.SnapshotCodec
	logger *slog.Logger
}

// Option configures a SQLite Store.
type Option func(*Store)

// WithCodec sets the snapshot codec (default: meander.JSONCodec).
func WithCodec(c meander.SnapshotCodec) Option {
	return func(s *Store) { s.codec = c }
}

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for operations including timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var (
	_ meander.WorkflowRepository = (*Store)(nil)
	_ meander.SnapshotRepository = (*SnapshotStore)(nil)
	_ meander.RubricRepository   = (*RubricStore)(nil)
	_ meander.LeaseManager       = (*Store)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. nodeID
// identifies this worker process in the lease table. The store opens a
// single shared connection (SetMaxOpenConns(1)) so all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors from
// concurrent writers.
func New(dbPath, nodeID string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, nodeID: nodeID, codec: meander.JSONCodec{}, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath, "node", nodeID)
	return s
}

// DB returns the underlying *sql.DB for sharing the serialized connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			tenant_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tenant_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			current_node TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_workflow_idx ON snapshots(tenant_id, workflow_id)`,
		`CREATE TABLE IF NOT EXISTS rubrics (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			tenant_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL,
			server_node_id TEXT,
			last_heartbeat_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS leases_node_idx ON leases(server_node_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: schema initialized", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

// --- WorkflowRepository ---

// Save upserts a workflow definition.
func (s *Store) Save(ctx context.Context, wf *meander.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("sqlite: save workflow %s: %w", wf.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, id, definition, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET definition = excluded.definition, updated_at = excluded.updated_at`,
		wf.TenantID, wf.ID, string(def), nowMillis())
	if err != nil {
		return fmt.Errorf("sqlite: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// FindByID returns the workflow with the given id.
func (s *Store) FindByID(ctx context.Context, tenantID, id string) (*meander.Workflow, error) {
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: workflow %s: %w", id, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find workflow %s: %w", id, err)
	}
	var wf meander.Workflow
	if err := json.Unmarshal([]byte(def), &wf); err != nil {
		return nil, fmt.Errorf("sqlite: decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

// FindAll returns every workflow for the tenant.
func (s *Store) FindAll(ctx context.Context, tenantID string) ([]*meander.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find workflows: %w", err)
	}
	defer rows.Close()

	var out []*meander.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("sqlite: scan workflow: %w", err)
		}
		var wf meander.Workflow
		if err := json.Unmarshal([]byte(def), &wf); err != nil {
			return nil, fmt.Errorf("sqlite: decode workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// Exists reports whether a workflow with the given id exists.
func (s *Store) Exists(ctx context.Context, tenantID, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM workflows WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: workflow exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Delete removes a workflow definition.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete workflow %s: %w", id, err)
	}
	return nil
}

// DeleteAllForTenant removes every workflow for the tenant.
func (s *Store) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("sqlite: delete workflows for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Count returns the number of workflows for the tenant.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM workflows WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count workflows: %w", err)
	}
	return n, nil
}

// --- SnapshotRepository ---

// SnapshotStore is the store's SnapshotRepository view.
type SnapshotStore struct {
	s *Store
}

// Snapshots returns the SnapshotRepository view of the store.
func (s *Store) Snapshots() *SnapshotStore { return &SnapshotStore{s: s} }

// Save upserts the snapshot for its execution id.
func (r *SnapshotStore) Save(ctx context.Context, tenantID string, snap *meander.Snapshot) error {
	data, err := r.s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", snap.ExecutionID, err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO snapshots (tenant_id, execution_id, workflow_id, current_node, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, execution_id) DO UPDATE
		SET workflow_id = excluded.workflow_id,
		    current_node = excluded.current_node,
		    data = excluded.data,
		    updated_at = excluded.updated_at`,
		tenantID, snap.ExecutionID, snap.WorkflowID, snap.CurrentNode, data, nowMillis())
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", snap.ExecutionID, err)
	}
	r.s.logger.Debug("sqlite: snapshot saved",
		"execution", snap.ExecutionID, "node", snap.CurrentNode, "bytes", len(data))
	return nil
}

// FindByExecutionID returns the snapshot for an execution.
func (r *SnapshotStore) FindByExecutionID(ctx context.Context, tenantID, executionID string) (*meander.Snapshot, error) {
	var data []byte
	err := r.s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = ? AND execution_id = ?`,
		tenantID, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: snapshot %s: %w", executionID, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find snapshot %s: %w", executionID, err)
	}
	return r.s.codec.Decode(data)
}

// FindPaused returns snapshots of executions that have not reached the
// terminal sentinel.
func (r *SnapshotStore) FindPaused(ctx context.Context, tenantID string) ([]*meander.Snapshot, error) {
	return r.querySnapshots(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = ? AND current_node <> ? ORDER BY updated_at`,
		tenantID, meander.TerminalNode)
}

// FindByWorkflowID returns every snapshot of the workflow's executions.
func (r *SnapshotStore) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*meander.Snapshot, error) {
	return r.querySnapshots(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = ? AND workflow_id = ? ORDER BY updated_at`,
		tenantID, workflowID)
}

func (r *SnapshotStore) querySnapshots(ctx context.Context, query string, args ...any) ([]*meander.Snapshot, error) {
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*meander.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		snap, err := r.s.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes an execution's snapshot.
func (r *SnapshotStore) Delete(ctx context.Context, tenantID, executionID string) error {
	_, err := r.s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE tenant_id = ? AND execution_id = ?`,
		tenantID, executionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete snapshot %s: %w", executionID, err)
	}
	return nil
}

// DeleteAllForTenant removes every snapshot for the tenant.
func (r *SnapshotStore) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("sqlite: delete snapshots for tenant %s: %w", tenantID, err)
	}
	return nil
}

// --- RubricRepository ---

// RubricStore is the store's RubricRepository view.
type RubricStore struct {
	s *Store
}

// Rubrics returns the RubricRepository view of the store.
func (s *Store) Rubrics() *RubricStore { return &RubricStore{s: s} }

// Save upserts a rubric.
func (r *RubricStore) Save(ctx context.Context, rubric *meander.Rubric) error {
	data, err := json.Marshal(rubric)
	if err != nil {
		return fmt.Errorf("sqlite: save rubric %s: %w", rubric.ID, err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO rubrics (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		rubric.ID, string(data), nowMillis())
	if err != nil {
		return fmt.Errorf("sqlite: save rubric %s: %w", rubric.ID, err)
	}
	return nil
}

// FindByID returns the rubric with the given id.
func (r *RubricStore) FindByID(ctx context.Context, id string) (*meander.Rubric, error) {
	var data string
	err := r.s.db.QueryRowContext(ctx, `SELECT data FROM rubrics WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: rubric %s: %w", id, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find rubric %s: %w", id, err)
	}
	var rubric meander.Rubric
	if err := json.Unmarshal([]byte(data), &rubric); err != nil {
		return nil, fmt.Errorf("sqlite: decode rubric %s: %w", id, err)
	}
	return &rubric, nil
}

// Exists reports whether a rubric with the given id exists.
func (r *RubricStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM rubrics WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: rubric exists %s: %w", id, err)
	}
	return n > 0, nil
}

// --- LeaseManager ---

// Acquire takes ownership of an execution. It succeeds when the row is
// new, released (NULL owner), or already owned by this node, and fails
// with ErrLeaseHeld when another node owns it.
func (s *Store) Acquire(ctx context.Context, tenantID, executionID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (tenant_id, execution_id, server_node_id, last_heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, execution_id) DO UPDATE
		SET server_node_id = excluded.server_node_id,
		    last_heartbeat_at = excluded.last_heartbeat_at
		WHERE leases.server_node_id IS NULL OR leases.server_node_id = excluded.server_node_id`,
		tenantID, executionID, s.nodeID, nowMillis())
	if err != nil {
		return fmt.Errorf("sqlite: acquire lease %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: acquire lease %s: %w", executionID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: acquire lease %s: %w", executionID, meander.ErrLeaseHeld)
	}
	return nil
}

// Release gives up ownership while keeping the row.
func (s *Store) Release(ctx context.Context, tenantID, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leases SET server_node_id = NULL
		WHERE tenant_id = ? AND execution_id = ? AND server_node_id = ?`,
		tenantID, executionID, s.nodeID)
	if err != nil {
		return fmt.Errorf("sqlite: release lease %s: %w", executionID, err)
	}
	return nil
}

// UpdateHeartbeats bulk-refreshes the heartbeat of every lease this node
// owns and returns the number of rows touched.
func (s *Store) UpdateHeartbeats(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET last_heartbeat_at = ? WHERE server_node_id = ?`,
		nowMillis(), s.nodeID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update heartbeats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: update heartbeats: %w", err)
	}
	return int(n), nil
}

// ClaimStaleExecutions atomically re-assigns leases whose heartbeat is
// older than threshold to this node. The single UPDATE … RETURNING runs
// on the store's one shared connection, so concurrent sweepers serialize
// and never claim the same row.
func (s *Store) ClaimStaleExecutions(ctx context.Context, threshold time.Duration) ([]meander.Lease, error) {
	cutoff := time.Now().UTC().Add(-threshold).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE leases SET server_node_id = ?, last_heartbeat_at = ?
		WHERE server_node_id IS NOT NULL
		  AND server_node_id <> ?
		  AND last_heartbeat_at < ?
		RETURNING tenant_id, execution_id, last_heartbeat_at`,
		s.nodeID, nowMillis(), s.nodeID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim stale executions: %w", err)
	}
	defer rows.Close()

	var claimed []meander.Lease
	for rows.Next() {
		lease := meander.Lease{ServerNodeID: s.nodeID}
		var beat int64
		if err := rows.Scan(&lease.TenantID, &lease.ExecutionID, &beat); err != nil {
			return nil, fmt.Errorf("sqlite: scan claimed lease: %w", err)
		}
		lease.LastHeartbeat = time.UnixMilli(beat).UTC()
		claimed = append(claimed, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: claim stale executions: %w", err)
	}
	s.logger.Debug("sqlite: claimed stale executions", "count", len(claimed))
	return claimed, nil
}

// IsActive reports whether any node currently owns the execution.
func (s *Store) IsActive(ctx context.Context, tenantID, executionID string) (bool, error) {
	var nodeID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT server_node_id FROM leases
		WHERE tenant_id = ? AND execution_id = ?`,
		tenantID, executionID).Scan(&nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: lease active %s: %w", executionID, err)
	}
	return nodeID.Valid && nodeID.String != "", nil
}

// ThisNodeID returns this worker's lease identity.
func (s *Store) ThisNodeID() string { return s.nodeID }
