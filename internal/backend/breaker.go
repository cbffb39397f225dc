package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nebflow/engine/internal/structure"
)

// BreakerConfig tunes the scheduler circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive transport failures open
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is how many probe successes close it again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns defaults sized for a batch scheduler that
// degrades for minutes, not milliseconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breakerBackend wraps a backend with a circuit breaker. When the scheduler
// stops answering, the breaker fails calls fast with a transient error, so
// job supervision backs off instead of hammering a dead endpoint. Job
// failures reported by a healthy scheduler do not count against the circuit.
type breakerBackend struct {
	inner Backend
	cfg   BreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// WithBreaker guards a backend with a circuit breaker.
func WithBreaker(inner Backend, cfg BreakerConfig) Backend {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	return &breakerBackend{inner: inner, cfg: cfg}
}

func (b *breakerBackend) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailure) > b.cfg.OpenTimeout {
			b.state = breakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default: // half-open: probe traffic through
		return true
	}
}

// record counts transport-level outcomes. Only unavailability errors trip
// the circuit; a job failure reported by a healthy scheduler does not.
func (b *breakerBackend) record(err error) {
	var ce *CalculationError
	if err != nil && (!errors.As(err, &ce) || !ce.Unavailable) {
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = breakerOpen
		}
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = breakerClosed
			b.failures = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}

func (b *breakerBackend) Submit(ctx context.Context, s *structure.Structure, p Params) (Handle, error) {
	if !b.allow() {
		return "", UnavailableError("scheduler circuit is open")
	}
	h, err := b.inner.Submit(ctx, s, p)
	b.record(err)
	return h, err
}

func (b *breakerBackend) Status(ctx context.Context, h Handle) (Status, error) {
	if !b.allow() {
		return StatusFailed, UnavailableError("scheduler circuit is open")
	}
	st, err := b.inner.Status(ctx, h)
	b.record(err)
	return st, err
}

func (b *breakerBackend) Retrieve(ctx context.Context, h Handle) (*Observation, error) {
	if !b.allow() {
		return nil, UnavailableError("scheduler circuit is open")
	}
	obs, err := b.inner.Retrieve(ctx, h)
	b.record(err)
	return obs, err
}

func (b *breakerBackend) Cancel(ctx context.Context, h Handle) error {
	if !b.allow() {
		return UnavailableError("scheduler circuit is open")
	}
	err := b.inner.Cancel(ctx, h)
	b.record(err)
	return err
}
