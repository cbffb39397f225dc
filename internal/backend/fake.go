package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/nebflow/engine/internal/structure"
)

// Script decides the outcome of one fake submission. submission counts all
// Submit calls in order. Returning a *CalculationError marks the job failed
// with that classification; any other error fails the Submit call itself.
type Script func(submission int, s *structure.Structure, p Params) (*Observation, error)

type fakeJob struct {
	obs       *Observation
	err       error
	polls     int
	cancelled bool
}

// Fake is a deterministic in-memory backend for exercising the control loop
// without real DFT jobs. Each job reports running for RunningPolls status
// calls before turning terminal.
type Fake struct {
	// RunningPolls is how many Status calls report running before the job
	// completes. Zero means jobs are terminal immediately.
	RunningPolls int

	script Script

	mu   sync.Mutex
	jobs map[Handle]*fakeJob
	seq  int
}

// NewFake builds a fake backend driven by the given script.
func NewFake(script Script) *Fake {
	return &Fake{script: script, jobs: make(map[Handle]*fakeJob)}
}

// Submissions returns how many jobs have been submitted.
func (f *Fake) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *Fake) Submit(ctx context.Context, s *structure.Structure, p Params) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obs, err := f.script(f.seq, s, p)
	if err != nil {
		if _, ok := err.(*CalculationError); !ok {
			return "", err
		}
	}

	h := Handle(fmt.Sprintf("fake-%d", f.seq))
	f.seq++
	f.jobs[h] = &fakeJob{obs: obs, err: err}
	return h, nil
}

func (f *Fake) Status(ctx context.Context, h Handle) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[h]
	if !ok {
		return StatusFailed, ErrUnknownJob
	}
	if job.cancelled {
		return StatusFailed, nil
	}
	if job.polls < f.RunningPolls {
		job.polls++
		return StatusRunning, nil
	}
	if job.err != nil {
		return StatusFailed, nil
	}
	return StatusDone, nil
}

func (f *Fake) Retrieve(ctx context.Context, h Handle) (*Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[h]
	if !ok {
		return nil, ErrUnknownJob
	}
	if job.err != nil {
		return nil, job.err
	}
	return job.obs, nil
}

func (f *Fake) Cancel(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[h]
	if !ok {
		return ErrUnknownJob
	}
	job.cancelled = true
	return nil
}
