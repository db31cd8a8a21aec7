package meander

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryAgent wraps an Agent and automatically retries transient transport
// errors (HTTP 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff. In-band agent errors (an Error response) are not
// retried; they flow through transition rules like any node failure.
type retryAgent struct {
	inner       Agent
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryAgent.
type RetryOption func(*retryAgent)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryAgent) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles: baseDelay, 2×baseDelay,
// 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryAgent) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If
// the total time across all attempts exceeds this duration, the retry loop
// gives up and returns the last error. The zero value (default) disables
// the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryAgent) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set,
// retries log at WARN level and final failures after exhausting attempts
// log at ERROR. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryAgent) { r.logger = l }
}

// WithRetry wraps a with automatic retry on transient transport errors
// (429, 503). Retries use exponential backoff with jitter. When the error
// includes a Retry-After duration, the retry delay is at least that long.
// Compose with any Agent:
//
//	agent = meander.WithRetry(agent)
//	agent = meander.WithRetry(agent, meander.RetryMaxAttempts(5))
//	agent = meander.WithRateLimit(meander.WithRetry(agent), meander.RPM(60))
func WithRetry(a Agent, opts ...RetryOption) Agent {
	r := &retryAgent{
		inner:       a,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// ID delegates to the inner agent.
func (r *retryAgent) ID() string { return r.inner.ID() }

// Config delegates to the inner agent.
func (r *retryAgent) Config() AgentBinding { return r.inner.Config() }

// Execute implements Agent with retry.
func (r *retryAgent) Execute(ctx context.Context, prompt string, execContext map[string]any) (AgentResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Execute(ctx, prompt, execContext)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"agent", r.inner.ID(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return AgentResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"agent", r.inner.ID(),
		"attempts", r.maxAttempts,
		"error", last)
	return AgentResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged. The caller must call the returned CancelFunc when done.
func (r *retryAgent) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable transport error (429 or 503).
func isTransient(err error) bool {
	var e *ErrAgent
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrAgent, or 0.
func statusOf(err error) int {
	var e *ErrAgent
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrAgent, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrAgent
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ Agent = (*retryAgent)(nil)
