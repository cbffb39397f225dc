// Package convergence decides, each iteration, whether the chain has
// converged, is still progressing, or has stalled.
package convergence

import (
	"errors"
	"time"
)

var (
	ErrStallDetected = errors.New("chain has stalled")

	ErrNoObservations = errors.New("no convergence observations yet")
)

// Status is the monitor's verdict for one iteration.
type Status int

const (
	StatusProgressing Status = iota
	StatusConverged
	StatusStalled
)

func (s Status) String() string {
	switch s {
	case StatusProgressing:
		return "progressing"
	case StatusConverged:
		return "converged"
	case StatusStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Record is the per-iteration convergence snapshot. The history of records is
// append-only and rides along in every checkpoint.
type Record struct {
	Iteration int64           `json:"iteration"`
	MaxForce  float64         `json:"max_force"`
	Norms     map[int]float64 `json:"norms,omitempty"`
	Energies  []*float64      `json:"energies,omitempty"`
	Climbing  bool            `json:"climbing"`
	// FailedImages lists images excluded from this iteration's evaluation.
	FailedImages []int     `json:"failed_images,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Config holds the convergence and stall criteria.
type Config struct {
	// ForceThreshold is the max effective-force norm below which an
	// iteration counts toward convergence. The comparison is inclusive.
	ForceThreshold float64
	// StallWindow is how many consecutive iterations without relative
	// improvement flag a stall. Zero disables stall detection.
	StallWindow int
	// StallTolerance is the minimum relative improvement of the max force
	// expected over a stall window.
	StallTolerance float64
}

// Monitor evaluates convergence with two-iteration hysteresis and detects
// non-progress over a sliding window.
type Monitor struct {
	cfg     Config
	history []*Record
}

// NewMonitor builds a monitor, optionally seeded with history restored from a
// checkpoint.
func NewMonitor(cfg Config, history []*Record) *Monitor {
	return &Monitor{cfg: cfg, history: append([]*Record(nil), history...)}
}

// Observe appends one iteration's record and returns the verdict. A single
// below-threshold iteration is not enough to converge; two consecutive ones
// are. Convergence takes precedence over a stall verdict.
func (m *Monitor) Observe(rec *Record) Status {
	m.history = append(m.history, rec)

	if m.converged() {
		return StatusConverged
	}
	if m.stalled() {
		return StatusStalled
	}
	return StatusProgressing
}

func (m *Monitor) converged() bool {
	n := len(m.history)
	if n < 2 {
		return false
	}
	return m.history[n-1].MaxForce <= m.cfg.ForceThreshold &&
		m.history[n-2].MaxForce <= m.cfg.ForceThreshold
}

func (m *Monitor) stalled() bool {
	w := m.cfg.StallWindow
	if w <= 0 || len(m.history) < w+1 {
		return false
	}

	ref := m.history[len(m.history)-1-w].MaxForce
	if ref <= 0 {
		return false
	}

	best := m.history[len(m.history)-w].MaxForce
	for _, rec := range m.history[len(m.history)-w:] {
		if rec.MaxForce < best {
			best = rec.MaxForce
		}
	}

	return (ref-best)/ref <= m.cfg.StallTolerance
}

// History returns the append-only record history.
func (m *Monitor) History() []*Record {
	return m.history
}

// Latest returns the most recent record.
func (m *Monitor) Latest() (*Record, error) {
	if len(m.history) == 0 {
		return nil, ErrNoObservations
	}
	return m.history[len(m.history)-1], nil
}
