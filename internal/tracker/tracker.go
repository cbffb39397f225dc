// Package tracker supervises the per-image calculation jobs. It wraps the
// compute backend with a uniform submit/poll/result contract, a thin state
// machine per job and a rate limit on submissions.
package tracker

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/structure"
)

// Config tunes the tracker.
type Config struct {
	// SubmitRate limits submissions per second to the remote scheduler.
	// Zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
	Logger      *slog.Logger
}

// Tracker is the only component that talks to the compute backend.
type Tracker struct {
	backend backend.Backend
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a tracker over the given backend.
func New(b backend.Backend, cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	return &Tracker{backend: b, limiter: limiter, logger: logger}
}

// Submit sends one image's structure to the backend and returns the tracking
// job in StateSubmitted.
func (t *Tracker) Submit(ctx context.Context, imageIndex int, iteration int64, s *structure.Structure, p backend.Params) (*Job, error) {
	if err := t.waitLimiter(ctx); err != nil {
		return nil, err
	}

	h, err := t.backend.Submit(ctx, s, p)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("job submitted",
		slog.Int("image", imageIndex),
		slog.Int64("iteration", iteration),
		slog.String("handle", string(h)),
	)

	return &Job{
		ImageIndex: imageIndex,
		Iteration:  iteration,
		Params:     p,
		handle:     h,
		state:      StateSubmitted,
		attempt:    1,
	}, nil
}

// Resubmit retries a transiently failed job with the same image geometry,
// bumping the attempt counter.
func (t *Tracker) Resubmit(ctx context.Context, job *Job, s *structure.Structure) error {
	if err := t.waitLimiter(ctx); err != nil {
		return err
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if err := job.transition(StateSubmitted); err != nil {
		return err
	}

	h, err := t.backend.Submit(ctx, s, job.Params)
	if err != nil {
		job.state = StateFailed
		job.err = err
		return err
	}

	job.handle = h
	job.attempt++
	job.err = nil
	job.result = nil

	t.logger.Debug("job resubmitted",
		slog.Int("image", job.ImageIndex),
		slog.Int("attempt", job.attempt),
		slog.String("handle", string(h)),
	)
	return nil
}

// Poll advances the job state machine from the backend's reported status and
// returns the current state. Completed jobs have their observation fetched
// and cached; failed jobs carry the backend's failure classification in
// Job.Err.
func (t *Tracker) Poll(ctx context.Context, job *Job) (JobState, error) {
	job.mu.Lock()
	if job.state.Terminal() {
		st := job.state
		job.mu.Unlock()
		return st, nil
	}
	h := job.handle
	job.mu.Unlock()

	status, err := t.backend.Status(ctx, h)
	if err != nil {
		// A status probe failure says nothing about the job itself.
		return job.State(), backend.TransientError(err.Error())
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.state.Terminal() {
		return job.state, nil
	}

	switch status {
	case backend.StatusPending:
		return job.state, nil
	case backend.StatusRunning:
		if err := job.transition(StateRunning); err != nil {
			return job.state, err
		}
		return job.state, nil
	case backend.StatusDone:
		obs, err := t.backend.Retrieve(ctx, h)
		if err != nil {
			job.err = err
			_ = job.transition(StateFailed)
			return job.state, nil
		}
		job.result = obs
		if err := job.transition(StateCompleted); err != nil {
			return job.state, err
		}
		return job.state, nil
	case backend.StatusFailed:
		if _, err := t.backend.Retrieve(ctx, h); err != nil {
			job.err = err
		} else {
			job.err = backend.TransientError("backend reported failure without detail")
		}
		_ = job.transition(StateFailed)
		return job.state, nil
	}

	return job.state, nil
}

// Result returns the cached observation of a completed job.
func (t *Tracker) Result(job *Job) (*backend.Observation, error) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.state != StateCompleted {
		if job.err != nil {
			return nil, job.err
		}
		return nil, errors.New("job has no result: " + job.state.String())
	}
	return job.result, nil
}

// Cancel aborts an in-flight job. Only submitted or running jobs can be
// cancelled; cancelling a terminal job is an invalid transition.
func (t *Tracker) Cancel(ctx context.Context, job *Job) error {
	job.mu.Lock()
	defer job.mu.Unlock()
	if err := job.transition(StateCancelled); err != nil {
		return err
	}
	return t.backend.Cancel(ctx, job.handle)
}

// MarkTimedOut records a per-job timeout as a transient failure.
func (t *Tracker) MarkTimedOut(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.state.Terminal() {
		return
	}
	job.err = backend.TransientError("per-job timeout exceeded")
	_ = job.transition(StateFailed)
}

func (t *Tracker) waitLimiter(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
