package meander

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Execution, step, and plan identifiers all use this form.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUTC returns the current time in UTC truncated to millisecond
// precision, the resolution persisted in snapshots.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
