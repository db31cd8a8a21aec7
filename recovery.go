package meander

import (
	"context"
	"log/slog"
	"time"
)

// Heartbeat keeps this node's leases alive by bulk-updating their heartbeat
// timestamp on a fixed interval.
//
// Usage:
//
//	hb := meander.NewHeartbeat(leases, meander.HeartbeatInterval(5*time.Second))
//	go hb.Start(ctx)
type Heartbeat struct {
	leases   LeaseManager
	interval time.Duration
	logger   *slog.Logger
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// HeartbeatInterval sets the beat interval. Default: 10 seconds.
func HeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.interval = d }
}

// HeartbeatLogger sets a structured logger for beat outcomes.
func HeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// NewHeartbeat creates a heartbeat job for this node's leases.
func NewHeartbeat(leases LeaseManager, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{leases: leases, interval: 10 * time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins the beat loop. Blocks until ctx is cancelled; returns nil on
// clean shutdown.
func (h *Heartbeat) Start(ctx context.Context) error {
	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.interval):
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	n, err := h.leases.UpdateHeartbeats(ctx)
	if err != nil {
		h.logger.Warn("heartbeat update failed", "node", h.leases.ThisNodeID(), "error", err)
		return
	}
	if n > 0 {
		h.logger.Debug("heartbeat updated", "node", h.leases.ThisNodeID(), "leases", n)
	}
}

// WorkflowSource resolves the workflow definition a claimed execution
// belongs to. A WorkflowRepository satisfies it.
type WorkflowSource interface {
	FindByID(ctx context.Context, tenantID, id string) (*Workflow, error)
}

// Sweeper claims executions whose lease heartbeat has gone stale and
// resumes them from their latest checkpoint. Any number of sweepers may run
// across nodes: the lease manager's atomic claim guarantees each orphan is
// adopted exactly once.
type Sweeper struct {
	leases    LeaseManager
	snapshots SnapshotRepository
	workflows WorkflowSource
	executor  *WorkflowExecutor
	observer  Observer
	interval  time.Duration
	stale     time.Duration
	logger    *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// SweepInterval sets the polling interval. Default: 30 seconds.
func SweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// StaleThreshold sets how old a heartbeat must be before its lease is
// claimable. Default: 1 minute. Keep it a healthy multiple of the
// heartbeat interval.
func StaleThreshold(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.stale = d }
}

// SweeperObserver sets the observer handed to resumed executions.
func SweeperObserver(o Observer) SweeperOption {
	return func(s *Sweeper) { s.observer = o }
}

// SweeperLogger sets a structured logger for claim and resume outcomes.
func SweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a sweeper job.
func NewSweeper(leases LeaseManager, snapshots SnapshotRepository, workflows WorkflowSource, executor *WorkflowExecutor, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		leases:    leases,
		snapshots: snapshots,
		workflows: workflows,
		executor:  executor,
		observer:  NopObserver{},
		interval:  30 * time.Second,
		stale:     time.Minute,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the sweep loop. Blocks until ctx is cancelled; returns nil
// on clean shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// Sweep performs one cycle: claim every stale lease and resume each claimed
// execution from its latest snapshot. Resumed executions run sequentially
// within the cycle; each gets a fresh cancellation scope derived from ctx.
func (s *Sweeper) Sweep(ctx context.Context) {
	claimed, err := s.leases.ClaimStaleExecutions(ctx, s.stale)
	if err != nil {
		s.logger.Warn("claim stale executions failed", "node", s.leases.ThisNodeID(), "error", err)
		return
	}
	for _, lease := range claimed {
		if ctx.Err() != nil {
			return
		}
		s.resume(ctx, lease)
	}
}

func (s *Sweeper) resume(ctx context.Context, lease Lease) {
	s.logger.Info("claimed stale execution",
		"node", s.leases.ThisNodeID(),
		"tenant", lease.TenantID,
		"execution", lease.ExecutionID)

	snap, err := s.snapshots.FindByExecutionID(ctx, lease.TenantID, lease.ExecutionID)
	if err != nil {
		s.logger.Warn("claimed execution has no snapshot",
			"execution", lease.ExecutionID, "error", err)
		return
	}
	wf, err := s.workflows.FindByID(ctx, lease.TenantID, snap.WorkflowID)
	if err != nil {
		s.logger.Warn("claimed execution has no workflow",
			"execution", lease.ExecutionID, "workflow", snap.WorkflowID, "error", err)
		return
	}

	result, err := s.executor.Resume(ctx, wf, snap, s.observer)
	if err != nil {
		s.logger.Warn("resume failed", "execution", lease.ExecutionID, "error", err)
		return
	}
	s.logger.Info("resumed execution",
		"execution", lease.ExecutionID,
		"kind", string(result.Kind),
		"exit", string(result.ExitStatus))
}
