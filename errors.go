package meander

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by repositories when no row matches the given id.
// Implementations wrap it with context: fmt.Errorf("postgres: workflow %s: %w", id, ErrNotFound).
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned by LeaseManager.Acquire when the execution is
// already owned by a node with a live heartbeat.
var ErrLeaseHeld = errors.New("lease already held")

// ErrConfig reports an invalid workflow, agent, node, or rubric configuration.
// Configuration errors surface before any node executes and are never retried.
type ErrConfig struct {
	Kind   string // "workflow", "node", "agent", "rubric", "credentials"
	ID     string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s %q: %s", e.Kind, e.ID, e.Reason)
}

// ErrAgent reports a failed agent invocation. Status carries the upstream
// HTTP status when one exists; 429 and 503 are treated as transient by
// WithRetry, and RetryAfter (when set) is the minimum delay before the
// next attempt.
type ErrAgent struct {
	AgentID    string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *ErrAgent) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent %s: http %d: %s", e.AgentID, e.Status, e.Message)
	}
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
}

// ErrOutput reports an output validation violation. The Rule identifies
// which check failed ("control-char", "unicode", "size"); Detail carries
// the offending rune or measured size.
type ErrOutput struct {
	Rule   string
	Detail string
}

func (e *ErrOutput) Error() string {
	return fmt.Sprintf("output rejected (%s): %s", e.Rule, e.Detail)
}
