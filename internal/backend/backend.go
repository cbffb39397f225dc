// Package backend defines the capability interface for the external DFT
// engine. The orchestration core treats the electronic-structure calculation
// as opaque: it submits a structure with parameters, polls for a terminal
// status and retrieves an energy/forces observation.
package backend

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/structure"
)

var ErrUnknownJob = errors.New("unknown job handle")

// Handle identifies one submitted calculation on the remote resource.
type Handle string

// Status is the remote job status as reported by the backend.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Params are the calculation parameters forwarded to the engine. Kind selects
// a single-point force evaluation or a geometry relaxation (used for the
// endpoint pre-relaxation stage).
type Params struct {
	Kind     string            `json:"kind"` // "scf" or "relax"
	Settings map[string]string `json:"settings,omitempty"`
	// Pseudos maps species labels to pseudopotential identifiers.
	Pseudos map[string]string `json:"pseudos,omitempty"`
	KPoints [3]int            `json:"kpoints,omitempty"`
}

// Observation is a completed calculation's parsed output. Structure is only
// set for relaxation runs.
type Observation struct {
	Energy    float64
	Forces    *mat.Dense // n x 3
	Structure *structure.Structure
}

// Backend is the compute capability the tracker drives. Implementations
// confine all side effects to the external system.
type Backend interface {
	Submit(ctx context.Context, s *structure.Structure, p Params) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	Retrieve(ctx context.Context, h Handle) (*Observation, error)
	Cancel(ctx context.Context, h Handle) error
}

// CalculationError classifies a failed calculation. Transient failures
// (timeouts, queue evictions, node failures) are retryable; permanent ones
// (non-converging SCF, malformed input) are not.
type CalculationError struct {
	Transient bool
	// Unavailable marks failures of the scheduler connection itself
	// rather than of the calculation. Always transient.
	Unavailable bool
	Reason      string
}

func (e *CalculationError) Error() string {
	if e.Transient {
		return "transient calculation failure: " + e.Reason
	}
	return "calculation failed: " + e.Reason
}

// TransientError builds a retryable calculation error.
func TransientError(reason string) *CalculationError {
	return &CalculationError{Transient: true, Reason: reason}
}

// UnavailableError builds a retryable error for an unreachable or failing
// scheduler endpoint.
func UnavailableError(reason string) *CalculationError {
	return &CalculationError{Transient: true, Unavailable: true, Reason: reason}
}

// PermanentError builds a non-retryable calculation error.
func PermanentError(reason string) *CalculationError {
	return &CalculationError{Reason: reason}
}

// NonConvergingError reports a DFT run whose electronic structure did not
// converge. It is permanent: resubmitting the same input does not help.
func NonConvergingError() *CalculationError {
	return PermanentError("electronic structure did not converge")
}

// IsTransient reports whether err is a retryable calculation failure.
func IsTransient(err error) bool {
	var ce *CalculationError
	return errors.As(err, &ce) && ce.Transient
}
