// Package retry holds the backoff policy applied to transient calculation
// failures. Permanent failures are never retried.
package retry

import (
	"time"

	"github.com/nebflow/engine/internal/backend"
)

// Policy bounds retries of one image's calculation within an iteration.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts is the total number of submissions allowed per image
	// per iteration, the configured retry_limit_per_job plus the first try.
	MaximumAttempts int
}

// DefaultPolicy matches the engine's default job retry behavior.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	}
}

// ShouldRetry reports whether a failed attempt may be resubmitted. Only
// transient failures within the attempt bound qualify.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaximumAttempts {
		return false
	}
	return backend.IsTransient(err)
}

// WithMaximumAttempts returns the policy with the attempt bound replaced.
func (p *Policy) WithMaximumAttempts(n int) *Policy {
	p.MaximumAttempts = n
	return p
}
