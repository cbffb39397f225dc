// Package run contains the orchestration engine: the control loop that
// drives a NEB chain through coupled calculation iterations until it
// converges, stalls out, or exhausts its budget.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/convergence"
	"github.com/nebflow/engine/internal/neb"
	"github.com/nebflow/engine/internal/optimizer"
	"github.com/nebflow/engine/internal/path"
	"github.com/nebflow/engine/internal/retry"
	"github.com/nebflow/engine/internal/structure"
	"github.com/nebflow/engine/internal/tracker"
)

var (
	ErrIterationLimit    = errors.New("iteration limit exceeded")
	ErrWallclockExceeded = errors.New("wallclock limit exceeded")
	ErrRunTerminal       = errors.New("run is in a terminal state")
	ErrAllImagesFailed   = errors.New("no image produced a usable result")
)

// State is the run-level state machine:
// initializing -> iterating -> {converged, aborted, failed}.
type State string

const (
	StateInitializing State = "initializing"
	StateIterating    State = "iterating"
	StateConverged    State = "converged"
	StateAborted      State = "aborted"
	StateFailed       State = "failed"
)

// Terminal reports whether the run admits no further iterations.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateAborted || s == StateFailed
}

// Status is a point-in-time view of a run: the last durably checkpointed
// state plus in-flight iteration progress.
type Status struct {
	RunID         string     `json:"run_id"`
	State         State      `json:"state"`
	Iteration     int64      `json:"iteration"`
	MaxForce      float64    `json:"max_force"`
	Climbing      bool       `json:"climbing"`
	ClimbingImage int        `json:"climbing_image"`
	NImages       int        `json:"n_images"`
	Energies      []*float64 `json:"energies,omitempty"`
	Barrier       *float64   `json:"barrier,omitempty"`
	FailedImages  []int      `json:"failed_images,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// StatusPublisher receives a status record after every checkpoint. Failures
// to publish never fail the run.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, st Status) error
}

// Deps are the engine's collaborators. Optimizer may be nil, in which case a
// steepest-descent step with the configured step size is used (and halved as
// a stall remedy).
type Deps struct {
	Tracker   *tracker.Tracker
	Optimizer optimizer.Optimizer
	Store     checkpoint.Store
	Publisher StatusPublisher
	Logger    *slog.Logger
}

// Engine owns one run: its chain, its current iteration's jobs and its
// terminal verdict. All mutation happens on the engine's own goroutine
// inside Run; Status reads are safe concurrently.
type Engine struct {
	runID string
	cfg   Config
	deps  Deps

	logger  *slog.Logger
	monitor *convergence.Monitor
	policy  *retry.Policy

	initial *structure.Structure
	final   *structure.Structure

	mu            sync.RWMutex
	state         State
	chain         *path.Chain
	iteration     int64
	climbing      bool
	climbingImage int
	stepSize      float64
	stepReduced   bool
	failureReason string
	lastRecord    *convergence.Record
	jobs          map[int]*tracker.Job

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	aborted  bool
}

// NewEngine prepares a fresh run. Endpoint validation and interpolation run
// eagerly so structure mismatches and ambiguous paths surface before any job
// is submitted.
func NewEngine(runID string, initial, final *structure.Structure, cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chain, err := path.Interpolate(initial, final, cfg.NImages)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		runID:         runID,
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With(slog.String("run_id", runID)),
		monitor:       convergence.NewMonitor(monitorConfig(cfg), nil),
		policy:        jobPolicy(cfg),
		initial:       initial,
		final:         final,
		state:         StateInitializing,
		chain:         chain,
		climbingImage: -1,
		stepSize:      cfg.StepSize,
	}, nil
}

// ResumeEngine rebuilds a run from its latest checkpoint.
func ResumeEngine(ctx context.Context, runID string, cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cp, err := deps.Store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := State(cp.State)
	if !state.Terminal() {
		state = StateIterating
	}

	stepSize := cp.StepSize
	if stepSize <= 0 {
		stepSize = cfg.StepSize
	}

	e := &Engine{
		runID:         runID,
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With(slog.String("run_id", runID)),
		monitor:       convergence.NewMonitor(monitorConfig(cfg), cp.Records),
		policy:        jobPolicy(cfg),
		state:         state,
		chain:         cp.Chain,
		iteration:     cp.Iteration,
		climbing:      cp.Climbing,
		climbingImage: cp.ClimbingImage,
		stepSize:      stepSize,
		stepReduced:   stepSize < cfg.StepSize,
		failureReason: cp.FailureReason,
	}
	if len(cp.Records) > 0 {
		e.lastRecord = cp.Records[len(cp.Records)-1]
	}
	return e, nil
}

func monitorConfig(cfg Config) convergence.Config {
	return convergence.Config{
		ForceThreshold: cfg.ForceThreshold,
		StallWindow:    cfg.StallWindow,
		StallTolerance: cfg.StallTolerance,
	}
}

func jobPolicy(cfg Config) *retry.Policy {
	return retry.DefaultPolicy().WithMaximumAttempts(cfg.RetryLimitPerJob + 1)
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current run state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Iteration returns the last committed iteration, which equals the number
// of checkpoints written.
func (e *Engine) Iteration() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iteration
}

// Status builds a snapshot of the run for controlling front ends.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		RunID:         e.runID,
		State:         e.state,
		Iteration:     e.iteration,
		Climbing:      e.climbing,
		ClimbingImage: e.climbingImage,
		FailureReason: e.failureReason,
	}
	if e.chain != nil {
		st.NImages = e.chain.Len()
		st.Energies = e.chain.EnergyProfile()
		if b, ok := e.chain.Barrier(); ok {
			st.Barrier = &b
		}
	}
	if e.lastRecord != nil {
		st.MaxForce = e.lastRecord.MaxForce
		st.FailedImages = e.lastRecord.FailedImages
	}
	return st
}

// Abort requests run cancellation: outstanding jobs are cancelled and the
// run halts before writing another checkpoint, leaving the last good
// checkpoint resumable.
func (e *Engine) Abort() {
	e.cancelMu.Lock()
	e.aborted = true
	if e.cancel != nil {
		e.cancel()
	}
	e.cancelMu.Unlock()
}

// Run drives the control loop to a terminal state. It returns nil when the
// run ends in any terminal state, including Failed; it returns an error only
// when the loop itself cannot make the run terminal (e.g. the checkpoint
// store is down).
func (e *Engine) Run(ctx context.Context) error {
	if e.State().Terminal() {
		return ErrRunTerminal
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancel = cancel
	if e.aborted {
		cancel()
	}
	e.cancelMu.Unlock()

	start := time.Now()

	if e.State() == StateInitializing {
		if err := e.initialize(runCtx); err != nil {
			if e.handleInterrupt(runCtx) {
				return nil
			}
			return e.fail(ctx, fmt.Sprintf("initialization failed: %v", err))
		}
		e.setState(StateIterating)
	}

	for {
		if e.handleInterrupt(runCtx) {
			return nil
		}
		if int(e.Iteration()) >= e.cfg.MaxIterations {
			return e.fail(ctx, ErrIterationLimit.Error())
		}
		if e.cfg.MaxWallclock > 0 && time.Since(start) > e.cfg.MaxWallclock {
			return e.fail(ctx, ErrWallclockExceeded.Error())
		}

		done, err := e.runIteration(runCtx)
		if err != nil {
			if e.handleInterrupt(runCtx) {
				return nil
			}
			return e.fail(ctx, err.Error())
		}
		if done {
			return nil
		}
	}
}

// initialize relaxes the endpoints when configured and (re)builds the chain.
func (e *Engine) initialize(ctx context.Context) error {
	if !e.cfg.RelaxEndpoints {
		return nil
	}

	e.logger.Info("relaxing endpoint structures")

	params := e.cfg.Params
	params.Kind = "relax"

	relaxed := make([]*structure.Structure, 2)
	endpoints := []*structure.Structure{e.initial, e.final}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range endpoints {
		wg.Add(1)
		go func(i int, s *structure.Structure) {
			defer wg.Done()
			job, err := e.deps.Tracker.Submit(ctx, -1, 0, s, params)
			if err != nil {
				errs[i] = err
				return
			}
			obs, err := e.superviseJob(ctx, job, s)
			if err != nil {
				errs[i] = err
				return
			}
			if obs.Structure == nil {
				errs[i] = errors.New("relaxation returned no structure")
				return
			}
			relaxed[i] = obs.Structure
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	chain, err := path.Interpolate(relaxed[0], relaxed[1], e.cfg.NImages)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.chain = chain
	e.mu.Unlock()
	return nil
}

type jobOutcome struct {
	index int
	obs   *backend.Observation
	err   error
}

// runIteration executes one full iteration: dispatch, barrier, coupling,
// convergence verdict, escalation, geometry update and checkpoint. Results
// apply to a working copy of the chain; the committed chain only changes
// together with a durable checkpoint, so an iteration never partially
// commits.
func (e *Engine) runIteration(ctx context.Context) (done bool, err error) {
	it := e.Iteration() + 1

	e.mu.RLock()
	working := e.chain.Clone()
	climbing := e.climbing
	climbingImage := e.climbingImage
	e.mu.RUnlock()

	params := e.cfg.Params
	params.Kind = "scf"

	// Dispatch a job for every image without a result for its current
	// geometry. On the first iteration that includes the fixed endpoints,
	// whose energies anchor the tangent estimate and the barrier.
	jobs := make(map[int]*tracker.Job)
	var failed []int
	for i := 0; i < working.Len(); i++ {
		im := working.Image(i)
		if im.HasResult() {
			continue
		}
		job, submitErr := e.deps.Tracker.Submit(ctx, i, it, im.Structure, params)
		if submitErr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.logger.Warn("submission failed",
				slog.Int("image", i), slog.String("error", submitErr.Error()))
			failed = append(failed, i)
			continue
		}
		jobs[i] = job
	}

	e.mu.Lock()
	e.jobs = jobs
	e.mu.Unlock()

	// Barrier: all jobs must reach a terminal state before coupling.
	outcomes := make(chan jobOutcome, len(jobs))
	var wg sync.WaitGroup
	for idx, job := range jobs {
		wg.Add(1)
		go func(idx int, job *tracker.Job) {
			defer wg.Done()
			obs, jobErr := e.superviseJob(ctx, job, working.Image(idx).Structure)
			outcomes <- jobOutcome{index: idx, obs: obs, err: jobErr}
		}(idx, job)
	}
	wg.Wait()
	close(outcomes)

	if ctx.Err() != nil {
		e.cancelOutstanding(jobs)
		return false, ctx.Err()
	}

	for out := range outcomes {
		if out.err != nil {
			e.logger.Warn("image calculation failed for this iteration",
				slog.Int("image", out.index),
				slog.Int64("iteration", it),
				slog.String("error", out.err.Error()))
			failed = append(failed, out.index)
			continue
		}
		working.Image(out.index).SetResult(out.obs.Energy, out.obs.Forces)
	}

	coupleOpts := neb.Options{SpringConstant: e.cfg.SpringConstant, ClimbingImage: -1}
	if climbing {
		coupleOpts.ClimbingImage = climbingImage
	}
	res, err := neb.Couple(working, coupleOpts)
	if err != nil {
		return false, fmt.Errorf("%w at iteration %d: %v", ErrAllImagesFailed, it, err)
	}

	record := &convergence.Record{
		Iteration:    it,
		MaxForce:     res.MaxNorm,
		Norms:        res.Norms,
		Energies:     working.EnergyProfile(),
		Climbing:     climbing,
		FailedImages: failed,
		RecordedAt:   time.Now().UTC(),
	}
	verdict := e.monitor.Observe(record)

	switch verdict {
	case convergence.StatusConverged:
		return true, e.commit(ctx, working, it, record, StateConverged, "")

	case convergence.StatusStalled:
		e.logger.Warn("stall detected", slog.Int64("iteration", it), slog.Float64("max_force", res.MaxNorm))
		if remedy := e.escalateStall(working); remedy == "" {
			return true, e.commit(ctx, working, it, record, StateAborted,
				convergence.ErrStallDetected.Error())
		}

	case convergence.StatusProgressing:
		// An iteration at or below the convergence threshold already
		// counts toward the hysteresis and never flips to climbing.
		if e.cfg.EnableClimbingImage && !climbing &&
			res.MaxNorm > e.cfg.ForceThreshold &&
			res.MaxNorm <= e.cfg.ClimbingTriggerThreshold {
			e.enableClimbing(working)
		}
	}

	// Geometry update. Failed and skipped images keep their geometry; the
	// updated ones lose their stale results and get fresh jobs next time.
	opt := e.stepOptimizer()
	for idx, force := range res.Forces {
		im := working.Image(idx)
		moved, stepErr := opt.Step(im.Structure, force)
		if stepErr != nil {
			return false, fmt.Errorf("optimizer step for image %d: %w", idx, stepErr)
		}
		im.Structure = moved
		im.Iteration = it
		im.ClearResult()
	}

	return false, e.commit(ctx, working, it, record, StateIterating, "")
}

// superviseJob polls one job to a terminal state, applying the per-job
// timeout and the transient retry policy with backoff.
func (e *Engine) superviseJob(ctx context.Context, job *tracker.Job, s *structure.Structure) (*backend.Observation, error) {
	attemptStart := time.Now()

	for {
		st, pollErr := e.deps.Tracker.Poll(ctx, job)
		if pollErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch st {
		case tracker.StateCompleted:
			return e.deps.Tracker.Result(job)

		case tracker.StateCancelled:
			return nil, context.Canceled

		case tracker.StateFailed:
			jobErr := job.Err()
			if !e.policy.ShouldRetry(job.Attempt(), jobErr) {
				return nil, jobErr
			}
			delay := e.policy.NextDelay(job.Attempt())
			e.logger.Info("retrying image calculation",
				slog.Int("image", job.ImageIndex),
				slog.Int("attempt", job.Attempt()),
				slog.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if err := e.deps.Tracker.Resubmit(ctx, job, s); err != nil {
				return nil, err
			}
			attemptStart = time.Now()
			continue
		}

		if e.cfg.JobTimeout > 0 && time.Since(attemptStart) > e.cfg.JobTimeout {
			e.deps.Tracker.MarkTimedOut(job)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
}

// escalateStall applies the escalation ladder: enable climbing image once,
// then halve the step size once. Returns the applied remedy, or "" when the
// ladder is exhausted and the run must abort.
func (e *Engine) escalateStall(working *path.Chain) string {
	if e.cfg.EnableClimbingImage && !e.climbingActive() {
		e.enableClimbing(working)
		return "climbing image enabled"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stepReduced {
		e.stepSize /= 2
		e.stepReduced = true
		e.logger.Info("step size reduced", slog.Float64("step_size", e.stepSize))
		return "step size reduced"
	}
	return ""
}

func (e *Engine) climbingActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.climbing
}

// enableClimbing switches the highest-energy intermediate image to climbing
// mode. The mode is sticky for the rest of the run.
func (e *Engine) enableClimbing(working *path.Chain) {
	idx := working.HighestEnergyIntermediate()
	if idx < 0 {
		return
	}
	e.mu.Lock()
	e.climbing = true
	e.climbingImage = idx
	e.mu.Unlock()
	e.logger.Info("climbing image mode enabled", slog.Int("image", idx))
}

// commit publishes one iteration atomically: the in-memory chain advances
// together with a durable checkpoint, or not at all.
func (e *Engine) commit(ctx context.Context, working *path.Chain, it int64, record *convergence.Record, state State, failureReason string) error {
	e.mu.Lock()
	e.chain = working
	e.iteration = it
	e.lastRecord = record
	e.state = state
	e.failureReason = failureReason
	cp := e.buildCheckpointLocked()
	e.jobs = nil
	e.mu.Unlock()

	if err := e.saveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint at iteration %d: %w", it, err)
	}

	e.publish(ctx)
	e.logger.Info("iteration committed",
		slog.Int64("iteration", it),
		slog.Float64("max_force", record.MaxForce),
		slog.String("state", string(state)))
	return nil
}

func (e *Engine) buildCheckpointLocked() *checkpoint.Checkpoint {
	jobs := make(map[int]checkpoint.JobRef)
	for idx, job := range e.jobs {
		jobs[idx] = checkpoint.JobRef{
			Handle:  job.Handle(),
			Attempt: job.Attempt(),
			State:   job.State().String(),
		}
	}
	return &checkpoint.Checkpoint{
		RunID:         e.runID,
		Iteration:     e.iteration,
		State:         string(e.state),
		Chain:         e.chain,
		Jobs:          jobs,
		Records:       e.monitor.History(),
		Climbing:      e.climbing,
		ClimbingImage: e.climbingImage,
		StepSize:      e.stepSize,
		FailureReason: e.failureReason,
		CreatedAt:     time.Now().UTC(),
	}
}

// saveCheckpoint retries the durable write a few times; without a durable
// checkpoint the iteration must not commit.
func (e *Engine) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = e.deps.Store.Save(ctx, cp); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return err
}

func (e *Engine) publish(ctx context.Context) {
	if e.deps.Publisher == nil {
		return
	}
	if err := e.deps.Publisher.PublishStatus(ctx, e.Status()); err != nil {
		e.logger.Warn("status publish failed", slog.String("error", err.Error()))
	}
}

// handleInterrupt finalizes an aborted or externally cancelled run. No new
// checkpoint is written; the last good one stays resumable.
func (e *Engine) handleInterrupt(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}

	e.mu.Lock()
	jobs := e.jobs
	e.jobs = nil
	e.state = StateAborted
	e.mu.Unlock()

	e.cancelOutstanding(jobs)
	e.logger.Info("run aborted", slog.Int64("iteration", e.Iteration()))
	return true
}

func (e *Engine) cancelOutstanding(jobs map[int]*tracker.Job) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range jobs {
		if job.State().Terminal() {
			continue
		}
		if err := e.deps.Tracker.Cancel(cancelCtx, job); err != nil && !errors.Is(err, tracker.ErrInvalidTransition) {
			e.logger.Warn("job cancellation failed",
				slog.Int("image", job.ImageIndex), slog.String("error", err.Error()))
		}
	}
}

// fail moves the run to Failed and writes a diagnostic checkpoint. State is
// preserved for forensic inspection, never deleted.
func (e *Engine) fail(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.state = StateFailed
	e.failureReason = reason
	e.iteration++
	cp := e.buildCheckpointLocked()
	e.mu.Unlock()

	e.logger.Error("run failed", slog.String("reason", reason))
	if err := e.saveCheckpoint(ctx, cp); err != nil {
		e.logger.Error("diagnostic checkpoint failed", slog.String("error", err.Error()))
		return err
	}
	e.publish(ctx)
	return nil
}

func (e *Engine) stepOptimizer() optimizer.Optimizer {
	if e.deps.Optimizer != nil {
		return e.deps.Optimizer
	}
	e.mu.RLock()
	step := e.stepSize
	e.mu.RUnlock()
	return &optimizer.SteepestDescent{StepSize: step}
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.PollInterval > 0 {
		return e.cfg.PollInterval
	}
	return 50 * time.Millisecond
}
