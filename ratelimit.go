package meander

import (
	"context"
	"sync"
	"time"
)

// rateLimitAgent wraps an Agent with proactive rate limiting. Calls block
// until the sliding-window request budget allows them to proceed.
type rateLimitAgent struct {
	inner Agent
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time
}

// RateLimitOption configures a rateLimitAgent.
type RateLimitOption func(*rateLimitAgent)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitAgent) { r.rpm = n }
}

// WithRateLimit wraps a with proactive rate limiting. Compose with other
// wrappers:
//
//	agent = meander.WithRateLimit(agent, meander.RPM(60))
//	agent = meander.WithRateLimit(meander.WithRetry(agent), meander.RPM(60))
func WithRateLimit(a Agent, opts ...RateLimitOption) Agent {
	r := &rateLimitAgent{inner: a}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID delegates to the inner agent.
func (r *rateLimitAgent) ID() string { return r.inner.ID() }

// Config delegates to the inner agent.
func (r *rateLimitAgent) Config() AgentBinding { return r.inner.Config() }

// Execute implements Agent, blocking until the budget allows the call.
func (r *rateLimitAgent) Execute(ctx context.Context, prompt string, execContext map[string]any) (AgentResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return AgentResponse{}, err
	}
	return r.inner.Execute(ctx, prompt, execContext)
}

// waitForBudget blocks until the RPM budget allows a request. Returns
// ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitAgent) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)

		if r.rpm <= 0 || len(r.rpmWindow) < r.rpm {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the window expires.
		wait := r.rpmWindow[0].Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Agent = (*rateLimitAgent)(nil)
