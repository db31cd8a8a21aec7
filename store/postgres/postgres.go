// Package postgres implements meander's persistence capabilities —
// WorkflowRepository, SnapshotRepository, RubricRepository, and
// LeaseManager — on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool. Lease claiming uses a
// single UPDATE … RETURNING with a heartbeat predicate, so concurrent
// sweepers under READ COMMITTED never claim the same row twice.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/meander"
)

// Store implements all four meander persistence capabilities backed by
// PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	nodeID string
	codec  meander.SnapshotCodec
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the snapshot codec (default: meander.JSONCodec).
func WithCodec(c meander.SnapshotCodec) Option {
	return func(s *Store) { s.codec = c }
}

// WithLogger sets a structured logger. When set, the store emits debug
// logs with timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var (
	_ meander.WorkflowRepository = (*Store)(nil)
	_ meander.SnapshotRepository = (*SnapshotStore)(nil)
	_ meander.RubricRepository   = (*RubricStore)(nil)
	_ meander.LeaseManager       = (*Store)(nil)
)

// nopLogger discards all records.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool. nodeID identifies
// this server node in the lease table; every node in a deployment must use
// a distinct id. The caller owns the pool and is responsible for closing
// it.
func New(pool *pgxpool.Pool, nodeID string, opts ...Option) *Store {
	s := &Store{pool: pool, nodeID: nodeID, codec: meander.JSONCodec{}, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times; every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			tenant_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			definition JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			tenant_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			current_node TEXT NOT NULL,
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_workflow_idx ON snapshots(tenant_id, workflow_id)`,

		`CREATE TABLE IF NOT EXISTS rubrics (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS leases (
			tenant_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL,
			server_node_id TEXT,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS leases_node_idx ON leases(server_node_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Debug("postgres: schema initialized")
	return nil
}

// --- WorkflowRepository ---

// Save upserts a workflow definition.
func (s *Store) Save(ctx context.Context, wf *meander.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("postgres: save workflow %s: %w", wf.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (tenant_id, id, definition, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = now()`,
		wf.TenantID, wf.ID, def)
	if err != nil {
		return fmt.Errorf("postgres: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// FindByID returns the workflow with the given id.
func (s *Store) FindByID(ctx context.Context, tenantID, id string) (*meander.Workflow, error) {
	var def []byte
	err := s.pool.QueryRow(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: workflow %s: %w", id, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find workflow %s: %w", id, err)
	}
	var wf meander.Workflow
	if err := json.Unmarshal(def, &wf); err != nil {
		return nil, fmt.Errorf("postgres: decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

// FindAll returns every workflow for the tenant.
func (s *Store) FindAll(ctx context.Context, tenantID string) ([]*meander.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: find workflows: %w", err)
	}
	defer rows.Close()

	var out []*meander.Workflow
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("postgres: scan workflow: %w", err)
		}
		var wf meander.Workflow
		if err := json.Unmarshal(def, &wf); err != nil {
			return nil, fmt.Errorf("postgres: decode workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// Exists reports whether a workflow with the given id exists.
func (s *Store) Exists(ctx context.Context, tenantID, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE tenant_id = $1 AND id = $2)`,
		tenantID, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: workflow exists %s: %w", id, err)
	}
	return exists, nil
}

// Delete removes a workflow definition.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflows WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("postgres: delete workflow %s: %w", id, err)
	}
	return nil
}

// DeleteAllForTenant removes every workflow for the tenant.
func (s *Store) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: delete workflows for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Count returns the number of workflows for the tenant.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM workflows WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count workflows: %w", err)
	}
	return n, nil
}

// --- SnapshotRepository ---

// SnapshotStore is the store's SnapshotRepository view. The Save,
// FindByID, and Delete method shapes collide with WorkflowRepository, so
// the snapshot capability lives on its own type.
type SnapshotStore struct {
	s *Store
}

// Snapshots returns the SnapshotRepository view of the store.
func (s *Store) Snapshots() *SnapshotStore { return &SnapshotStore{s: s} }

// Save upserts the snapshot for its execution id.
func (r *SnapshotStore) Save(ctx context.Context, tenantID string, snap *meander.Snapshot) error {
	s := r.s
	data, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", snap.ExecutionID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (tenant_id, execution_id, workflow_id, current_node, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, execution_id) DO UPDATE
		SET workflow_id = EXCLUDED.workflow_id,
		    current_node = EXCLUDED.current_node,
		    data = EXCLUDED.data,
		    updated_at = now()`,
		tenantID, snap.ExecutionID, snap.WorkflowID, snap.CurrentNode, data)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", snap.ExecutionID, err)
	}
	s.logger.Debug("postgres: snapshot saved",
		"execution", snap.ExecutionID, "node", snap.CurrentNode, "bytes", len(data))
	return nil
}

// FindByExecutionID returns the snapshot for an execution.
func (r *SnapshotStore) FindByExecutionID(ctx context.Context, tenantID, executionID string) (*meander.Snapshot, error) {
	s := r.s
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = $1 AND execution_id = $2`,
		tenantID, executionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: snapshot %s: %w", executionID, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find snapshot %s: %w", executionID, err)
	}
	return s.codec.Decode(data)
}

// FindPaused returns snapshots of executions that have not reached the
// terminal sentinel.
func (r *SnapshotStore) FindPaused(ctx context.Context, tenantID string) ([]*meander.Snapshot, error) {
	return r.s.querySnapshots(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = $1 AND current_node <> $2 ORDER BY updated_at`,
		tenantID, meander.TerminalNode)
}

// FindByWorkflowID returns every snapshot of the workflow's executions.
func (r *SnapshotStore) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*meander.Snapshot, error) {
	return r.s.querySnapshots(ctx,
		`SELECT data FROM snapshots WHERE tenant_id = $1 AND workflow_id = $2 ORDER BY updated_at`,
		tenantID, workflowID)
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...any) ([]*meander.Snapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*meander.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snap, err := s.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes an execution's snapshot.
func (r *SnapshotStore) Delete(ctx context.Context, tenantID, executionID string) error {
	_, err := r.s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE tenant_id = $1 AND execution_id = $2`,
		tenantID, executionID)
	if err != nil {
		return fmt.Errorf("postgres: delete snapshot %s: %w", executionID, err)
	}
	return nil
}

// DeleteAllForTenant removes every snapshot for the tenant.
func (r *SnapshotStore) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	_, err := r.s.pool.Exec(ctx, `DELETE FROM snapshots WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: delete snapshots for tenant %s: %w", tenantID, err)
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
		return fmt.Errorf("postgres: save rubric %s: %w", rubric.ID, err)
	}
	_, err = r.s.pool.Exec(ctx, `
		INSERT INTO rubrics (id, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		rubric.ID, data)
	if err != nil {
		return fmt.Errorf("postgres: save rubric %s: %w", rubric.ID, err)
	}
	return nil
}

// FindByID returns the rubric with the given id.
func (r *RubricStore) FindByID(ctx context.Context, id string) (*meander.Rubric, error) {
	var data []byte
	err := r.s.pool.QueryRow(ctx, `SELECT data FROM rubrics WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: rubric %s: %w", id, meander.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find rubric %s: %w", id, err)
	}
	var rubric meander.Rubric
	if err := json.Unmarshal(data, &rubric); err != nil {
		return nil, fmt.Errorf("postgres: decode rubric %s: %w", id, err)
	}
	return &rubric, nil
}

// Exists reports whether a rubric with the given id exists.
func (r *RubricStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rubrics WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: rubric exists %s: %w", id, err)
	}
	return exists, nil
}

// --- LeaseManager ---

// Acquire takes ownership of an execution. It succeeds when the row is
// new, released (NULL owner), or already owned by this node, and fails
// with ErrLeaseHeld when another node owns it. Staleness is the sweeper's
// concern, not Acquire's.
func (s *Store) Acquire(ctx context.Context, tenantID, executionID string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leases (tenant_id, execution_id, server_node_id, last_heartbeat_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, execution_id) DO UPDATE
		SET server_node_id = EXCLUDED.server_node_id, last_heartbeat_at = now()
		WHERE leases.server_node_id IS NULL OR leases.server_node_id = EXCLUDED.server_node_id`,
		tenantID, executionID, s.nodeID)
	if err != nil {
		return fmt.Errorf("postgres: acquire lease %s: %w", executionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: acquire lease %s: %w", executionID, meander.ErrLeaseHeld)
	}
	return nil
}

// Release gives up ownership while keeping the row, so a paused execution
// stays invisible to the sweeper until it is resumed.
func (s *Store) Release(ctx context.Context, tenantID, executionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leases SET server_node_id = NULL
		WHERE tenant_id = $1 AND execution_id = $2 AND server_node_id = $3`,
		tenantID, executionID, s.nodeID)
	if err != nil {
		return fmt.Errorf("postgres: release lease %s: %w", executionID, err)
	}
	return nil
}

// UpdateHeartbeats bulk-refreshes the heartbeat of every lease this node
// owns and returns the number of rows touched.
func (s *Store) UpdateHeartbeats(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leases SET last_heartbeat_at = now() WHERE server_node_id = $1`, s.nodeID)
	if err != nil {
		return 0, fmt.Errorf("postgres: update heartbeats: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimStaleExecutions atomically re-assigns leases whose heartbeat is
// older than threshold to this node. The single UPDATE … RETURNING with a
// time predicate is linearizable under READ COMMITTED: two sweepers can
// never claim the same row.
func (s *Store) ClaimStaleExecutions(ctx context.Context, threshold time.Duration) ([]meander.Lease, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		UPDATE leases SET server_node_id = $1, last_heartbeat_at = now()
		WHERE server_node_id IS NOT NULL
		  AND server_node_id <> $1
		  AND last_heartbeat_at < $2
		RETURNING tenant_id, execution_id, last_heartbeat_at`,
		s.nodeID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim stale executions: %w", err)
	}
	defer rows.Close()

	var claimed []meander.Lease
	for rows.Next() {
		lease := meander.Lease{ServerNodeID: s.nodeID}
		if err := rows.Scan(&lease.TenantID, &lease.ExecutionID, &lease.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("postgres: scan claimed lease: %w", err)
		}
		claimed = append(claimed, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim stale executions: %w", err)
	}
	s.logger.Debug("postgres: claimed stale executions", "count", len(claimed))
	return claimed, nil
}

// IsActive reports whether any node currently owns the execution.
func (s *Store) IsActive(ctx context.Context, tenantID, executionID string) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT server_node_id IS NOT NULL FROM leases
		WHERE tenant_id = $1 AND execution_id = $2`,
		tenantID, executionID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: lease active %s: %w", executionID, err)
	}
	return active, nil
}

// ThisNodeID returns this server node's lease identity.
func (s *Store) ThisNodeID() string { return s.nodeID }
