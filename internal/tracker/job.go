package tracker

import (
	"errors"
	"sync"

	"github.com/nebflow/engine/internal/backend"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

// JobState is the tracker-side view of one calculation job.
type JobState int

const (
	StateSubmitted JobState = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job binds one image at one iteration to one backend calculation. The state
// machine is Submitted -> Running -> {Completed, Failed}; Cancelled is
// reachable from Submitted or Running only through explicit cancellation.
type Job struct {
	ImageIndex int
	Iteration  int64
	Params     backend.Params

	mu      sync.Mutex
	handle  backend.Handle
	state   JobState
	attempt int
	result  *backend.Observation
	err     error
}

// Handle returns the current backend handle.
func (j *Job) Handle() backend.Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.handle
}

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Attempt returns how many times this job has been submitted.
func (j *Job) Attempt() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempt
}

// Err returns the failure that put the job in StateFailed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// transition validates and applies a state change under the job lock.
func (j *Job) transition(to JobState) error {
	allowed := false
	switch to {
	case StateRunning:
		allowed = j.state == StateSubmitted || j.state == StateRunning
	case StateCompleted, StateFailed:
		allowed = j.state == StateSubmitted || j.state == StateRunning
	case StateCancelled:
		allowed = j.state == StateSubmitted || j.state == StateRunning
	case StateSubmitted:
		// Resubmission after a transient failure.
		allowed = j.state == StateFailed
	}
	if !allowed {
		return ErrInvalidTransition
	}
	j.state = to
	return nil
}
