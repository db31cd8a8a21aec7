package meander

import (
	"context"
	"time"
)

// WorkflowRepository persists workflow definitions. All operations are
// tenant-scoped; implementations must be safe for concurrent use.
type WorkflowRepository interface {
	Save(ctx context.Context, wf *Workflow) error
	FindByID(ctx context.Context, tenantID, id string) (*Workflow, error)
	FindAll(ctx context.Context, tenantID string) ([]*Workflow, error)
	Exists(ctx context.Context, tenantID, id string) (bool, error)
	Delete(ctx context.Context, tenantID, id string) error
	DeleteAllForTenant(ctx context.Context, tenantID string) error
	Count(ctx context.Context, tenantID string) (int, error)
}

// SnapshotRepository persists execution snapshots, one row per execution id
// (save overwrites). FindPaused returns snapshots whose current node is not
// the terminal sentinel, i.e. executions that can still make progress.
type SnapshotRepository interface {
	Save(ctx context.Context, tenantID string, snap *Snapshot) error
	FindByExecutionID(ctx context.Context, tenantID, executionID string) (*Snapshot, error)
	FindPaused(ctx context.Context, tenantID string) ([]*Snapshot, error)
	FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*Snapshot, error)
	Delete(ctx context.Context, tenantID, executionID string) error
	DeleteAllForTenant(ctx context.Context, tenantID string) error
}

// RubricRepository persists rubrics shared across workflows. Rubrics
// embedded in a workflow shadow repository entries with the same id.
type RubricRepository interface {
	Save(ctx context.Context, r *Rubric) error
	FindByID(ctx context.Context, id string) (*Rubric, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Lease is one ownership row of the recovery protocol. ServerNodeID is
// empty while the execution is deliberately paused; the sweeper skips such
// rows.
type Lease struct {
	TenantID      string
	ExecutionID   string
	ServerNodeID  string
	LastHeartbeat time.Time
}

// LeaseManager grants exclusive ownership of executions to server nodes.
// Acquire inserts a row owned by this node and fails with ErrLeaseHeld when
// another node holds a live lease; re-acquiring a row this node already
// owns (or a released one) succeeds, which is how paused and sweeper-claimed
// executions resume. ClaimStaleExecutions atomically
// re-assigns rows whose heartbeat is older than threshold to this node and
// returns them; the claim must be linearizable so that concurrent sweepers
// never claim the same row twice.
type LeaseManager interface {
	Acquire(ctx context.Context, tenantID, executionID string) error
	// Release ends this node's ownership. The row stays with an empty
	// server node id: for paused executions that is what lets any node
	// resume them, and for completed ones the ownerless row is inert —
	// the sweeper only claims rows with a live owner.
	Release(ctx context.Context, tenantID, executionID string) error
	UpdateHeartbeats(ctx context.Context) (int, error)
	ClaimStaleExecutions(ctx context.Context, threshold time.Duration) ([]Lease, error)
	IsActive(ctx context.Context, tenantID, executionID string) (bool, error)
	ThisNodeID() string
}
