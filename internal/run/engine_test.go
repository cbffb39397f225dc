package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/structure"
	"github.com/nebflow/engine/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lineEndpoints builds a single-atom migration along x in a cubic cell, with
// unit spacing between chain images.
func lineEndpoints(t *testing.T, nImages int) (*structure.Structure, *structure.Structure) {
	t.Helper()
	cell, err := structure.NewCell([]float64{20, 0, 0, 0, 20, 0, 0, 0, 20})
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	initial, err := structure.New([]string{"H"}, []float64{0, 0, 0}, cell)
	if err != nil {
		t.Fatalf("New initial: %v", err)
	}
	final, err := structure.New([]string{"H"}, []float64{float64(nImages - 1), 0, 0}, cell)
	if err != nil {
		t.Fatalf("New final: %v", err)
	}
	return initial, final
}

// fixedOptimizer leaves geometries untouched, so image spacing and tangents
// stay exact and the scripted raw forces pass through the coupling unchanged.
type fixedOptimizer struct{}

func (fixedOptimizer) Step(current *structure.Structure, _ *mat.Dense) (*structure.Structure, error) {
	return current, nil
}

type capturePublisher struct {
	mu       sync.Mutex
	statuses []Status
}

func (p *capturePublisher) PublishStatus(_ context.Context, st Status) error {
	p.mu.Lock()
	p.statuses = append(p.statuses, st)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) all() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Status(nil), p.statuses...)
}

// forceScript assigns each image a force norm from series, indexed by how
// many times that image has been submitted. The image is identified by its x
// coordinate, which fixedOptimizer keeps at the interpolated position.
// Forces point along y, perpendicular to the chain tangent.
func forceScript(series []float64, energy func(idx int) float64, fail func(idx, submission int) error) backend.Script {
	var mu sync.Mutex
	counts := make(map[int]int)
	return func(_ int, s *structure.Structure, _ backend.Params) (*backend.Observation, error) {
		idx := int(math.Round(s.Position(0)[0]))

		mu.Lock()
		n := counts[idx]
		counts[idx]++
		mu.Unlock()

		if fail != nil {
			if err := fail(idx, n); err != nil {
				return nil, err
			}
		}

		f := series[len(series)-1]
		if n < len(series) {
			f = series[n]
		}
		var e float64
		if energy != nil {
			e = energy(idx)
		}
		return &backend.Observation{
			Energy: e,
			Forces: mat.NewDense(1, 3, []float64{0, f, 0}),
		}, nil
	}
}

func testConfig(nImages int) Config {
	return Config{
		NImages:          nImages,
		ForceThreshold:   0.05,
		StallWindow:      0,
		StallTolerance:   0.02,
		MaxIterations:    20,
		RetryLimitPerJob: 1,
		SpringConstant:   1.0,
		PollInterval:     time.Millisecond,
		StepSize:         0.05,
	}
}

func newTestEngine(t *testing.T, runID string, cfg Config, script backend.Script, pub StatusPublisher) (*Engine, *backend.Fake, *checkpoint.MemoryStore) {
	t.Helper()

	fake := backend.NewFake(script)
	store := checkpoint.NewMemoryStore()
	initial, final := lineEndpoints(t, cfg.NImages)

	eng, err := NewEngine(runID, initial, final, cfg, Deps{
		Tracker:   tracker.New(fake, tracker.Config{Logger: testLogger()}),
		Optimizer: fixedOptimizer{},
		Store:     store,
		Publisher: pub,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	// Keep retry backoff out of the test's critical path.
	eng.policy.InitialInterval = time.Millisecond
	eng.policy.MaximumInterval = 2 * time.Millisecond
	return eng, fake, store
}

func TestRunConvergesOnDecreasingForces(t *testing.T) {
	series := []float64{2.0, 1.5, 1.0, 0.4, 0.05, 0.04}
	pub := &capturePublisher{}
	eng, fake, store := newTestEngine(t, "run-e2e", testConfig(5), forceScript(series, nil, nil), pub)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := eng.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}
	if got := eng.Iteration(); got != 6 {
		t.Errorf("iteration = %d, want 6", got)
	}

	st := eng.Status()
	if st.MaxForce != 0.04 {
		t.Errorf("max force = %v, want 0.04", st.MaxForce)
	}
	if st.Climbing {
		t.Error("climbing image active, want inactive")
	}
	if len(st.FailedImages) != 0 {
		t.Errorf("failed images = %v, want none", st.FailedImages)
	}

	// One checkpoint per iteration, strictly increasing.
	history, err := store.History(context.Background(), "run-e2e")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("checkpoints = %d, want 6", len(history))
	}
	for i, meta := range history {
		if meta.Iteration != int64(i+1) {
			t.Errorf("history[%d].Iteration = %d, want %d", i, meta.Iteration, i+1)
		}
	}

	cp, err := store.Load(context.Background(), "run-e2e")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.State != string(StateConverged) {
		t.Errorf("checkpoint state = %q, want %q", cp.State, StateConverged)
	}
	if len(cp.Records) != 6 {
		t.Errorf("checkpoint records = %d, want 6", len(cp.Records))
	}

	// Endpoints are calculated once; the three intermediates once per
	// iteration.
	if got, want := fake.Submissions(), 5+3*5; got != want {
		t.Errorf("submissions = %d, want %d", got, want)
	}

	statuses := pub.all()
	if len(statuses) != 6 {
		t.Fatalf("published statuses = %d, want 6", len(statuses))
	}
	if last := statuses[len(statuses)-1]; last.State != StateConverged {
		t.Errorf("final published state = %q, want %q", last.State, StateConverged)
	}
}

func TestClimbingNotTriggeredInsideConvergenceWindow(t *testing.T) {
	// Same force series as above, but with the climbing image enabled and
	// the trigger at 0.1: iteration 5's 0.05 is at the convergence
	// threshold, so the run converges without ever entering climbing.
	series := []float64{2.0, 1.5, 1.0, 0.4, 0.05, 0.04}
	cfg := testConfig(5)
	cfg.EnableClimbingImage = true
	cfg.ClimbingTriggerThreshold = 0.1
	eng, _, store := newTestEngine(t, "run-e2e-trigger", cfg, forceScript(series, nil, nil), &capturePublisher{})

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := eng.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}
	if got := eng.Iteration(); got != 6 {
		t.Errorf("iteration = %d, want 6", got)
	}
	if eng.Status().Climbing {
		t.Error("climbing image active, want inactive")
	}

	cp, err := store.Load(context.Background(), "run-e2e-trigger")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, rec := range cp.Records {
		if rec.Climbing {
			t.Errorf("iteration %d ran with the climbing image active", rec.Iteration)
		}
	}
}

func TestClimbingImageIsSticky(t *testing.T) {
	cfg := testConfig(5)
	cfg.EnableClimbingImage = true
	cfg.ClimbingTriggerThreshold = 0.5

	// The trigger fires after iteration 1 (0.4 <= 0.5); iteration 2 rises
	// above the trigger again, which must not disable the mode.
	series := []float64{0.4, 0.6, 0.01, 0.01}
	energy := func(idx int) float64 {
		if idx == 2 {
			return 1.0
		}
		return 0
	}
	eng, _, store := newTestEngine(t, "run-cineb", cfg, forceScript(series, energy, nil), nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}

	st := eng.Status()
	if !st.Climbing {
		t.Error("climbing inactive after run, want active")
	}
	if st.ClimbingImage != 2 {
		t.Errorf("climbing image = %d, want 2", st.ClimbingImage)
	}

	cp, err := store.Load(context.Background(), "run-cineb")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.Records) != 4 {
		t.Fatalf("records = %d, want 4", len(cp.Records))
	}
	if cp.Records[0].Climbing {
		t.Error("iteration 1 ran climbing, want plain")
	}
	// Iteration 2's force exceeded the trigger threshold, yet climbing
	// stayed on.
	for _, rec := range cp.Records[1:] {
		if !rec.Climbing {
			t.Errorf("iteration %d ran plain, want climbing", rec.Iteration)
		}
	}
}

func TestPermanentFailureDoesNotAbortRun(t *testing.T) {
	fail := func(idx, _ int) error {
		if idx == 2 {
			return backend.NonConvergingError()
		}
		return nil
	}
	eng, _, store := newTestEngine(t, "run-iso", testConfig(7), forceScript([]float64{0.04}, nil, fail), nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}

	st := eng.Status()
	if len(st.FailedImages) != 1 || st.FailedImages[0] != 2 {
		t.Errorf("failed images = %v, want [2]", st.FailedImages)
	}

	cp, err := store.Load(context.Background(), "run-iso")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, rec := range cp.Records {
		if len(rec.FailedImages) != 1 || rec.FailedImages[0] != 2 {
			t.Errorf("iteration %d failed images = %v, want [2]", rec.Iteration, rec.FailedImages)
		}
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	fail := func(idx, submission int) error {
		if idx == 1 && submission == 0 {
			return backend.TransientError("node reclaimed")
		}
		return nil
	}
	eng, fake, _ := newTestEngine(t, "run-retry", testConfig(5), forceScript([]float64{0.04}, nil, fail), nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}

	// 5 first-iteration jobs plus one resubmission, then 3 jobs for the
	// converging second iteration.
	if got, want := fake.Submissions(), 9; got != want {
		t.Errorf("submissions = %d, want %d", got, want)
	}
}

func TestIterationLimitWritesDiagnosticCheckpoint(t *testing.T) {
	cfg := testConfig(5)
	cfg.MaxIterations = 3
	eng, _, store := newTestEngine(t, "run-cap", cfg, forceScript([]float64{1.0}, nil, nil), nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateFailed {
		t.Fatalf("state = %q, want %q", got, StateFailed)
	}
	if reason := eng.Status().FailureReason; reason != ErrIterationLimit.Error() {
		t.Errorf("failure reason = %q, want %q", reason, ErrIterationLimit)
	}

	cp, err := store.Load(context.Background(), "run-cap")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.State != string(StateFailed) {
		t.Errorf("checkpoint state = %q, want %q", cp.State, StateFailed)
	}
	// The diagnostic checkpoint advances the counter past the last good
	// iteration so the store stays append-only.
	if cp.Iteration != 4 {
		t.Errorf("checkpoint iteration = %d, want 4", cp.Iteration)
	}

	history, err := store.History(context.Background(), "run-cap")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Iteration <= history[i-1].Iteration {
			t.Fatalf("history iterations not increasing: %d then %d",
				history[i-1].Iteration, history[i].Iteration)
		}
	}
}

func TestStallEscalationLadder(t *testing.T) {
	cfg := testConfig(5)
	cfg.EnableClimbingImage = true
	cfg.ClimbingTriggerThreshold = 0.5
	cfg.StallWindow = 2
	cfg.StallTolerance = 0.01

	energy := func(idx int) float64 {
		if idx == 2 {
			return 1.0
		}
		return 0
	}
	// Constant forces: stall verdicts at iterations 3, 4 and 5 walk the
	// ladder end to end.
	eng, _, store := newTestEngine(t, "run-stall", cfg, forceScript([]float64{1.0}, energy, nil), nil)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateAborted {
		t.Fatalf("state = %q, want %q", got, StateAborted)
	}
	if got := eng.Iteration(); got != 5 {
		t.Errorf("iteration = %d, want 5", got)
	}

	st := eng.Status()
	if !st.Climbing {
		t.Error("climbing inactive, want enabled by first stall remedy")
	}
	if st.FailureReason == "" {
		t.Error("failure reason empty, want stall reason")
	}

	cp, err := store.Load(context.Background(), "run-stall")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.StepSize != cfg.StepSize/2 {
		t.Errorf("step size = %v, want %v after second stall remedy", cp.StepSize, cfg.StepSize/2)
	}
}

func TestResumeContinuesFromLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	series := []float64{2.0, 1.5, 1.0, 0.4, 0.05, 0.04}
	script := forceScript(series, nil, nil)

	eng, fake, store := newTestEngine(t, "run-resume", testConfig(5), script, nil)

	// Two committed iterations, then the process "dies".
	for i := 0; i < 2; i++ {
		done, err := eng.runIteration(ctx)
		if err != nil || done {
			t.Fatalf("runIteration %d: done=%v err=%v", i+1, done, err)
		}
	}

	resumed, err := ResumeEngine(ctx, "run-resume", testConfig(5), Deps{
		Tracker:   tracker.New(fake, tracker.Config{Logger: testLogger()}),
		Optimizer: fixedOptimizer{},
		Store:     store,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("ResumeEngine: %v", err)
	}
	if got := resumed.Iteration(); got != 2 {
		t.Fatalf("resumed iteration = %d, want 2", got)
	}
	if got := resumed.State(); got != StateIterating {
		t.Fatalf("resumed state = %q, want %q", got, StateIterating)
	}

	if err := resumed.Run(ctx); err != nil {
		t.Fatalf("Run after resume: %v", err)
	}
	if got := resumed.State(); got != StateConverged {
		t.Fatalf("state = %q, want %q", got, StateConverged)
	}
	if got := resumed.Iteration(); got != 6 {
		t.Errorf("iteration = %d, want 6", got)
	}

	// The endpoints were not recalculated after the resume.
	if got, want := fake.Submissions(), 5+3*5; got != want {
		t.Errorf("submissions = %d, want %d", got, want)
	}

	history, err := store.History(ctx, "run-resume")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("checkpoints = %d, want 6", len(history))
	}
}

func TestRunRefusesTerminalState(t *testing.T) {
	ctx := context.Background()
	eng, fake, store := newTestEngine(t, "run-term", testConfig(5), forceScript([]float64{0.04}, nil, nil), nil)
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	resumed, err := ResumeEngine(ctx, "run-term", testConfig(5), Deps{
		Tracker: tracker.New(fake, tracker.Config{Logger: testLogger()}),
		Store:   store,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("ResumeEngine: %v", err)
	}
	if got := resumed.State(); got != StateConverged {
		t.Fatalf("resumed state = %q, want %q", got, StateConverged)
	}
	if err := resumed.Run(ctx); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("Run on terminal run: %v, want %v", err, ErrRunTerminal)
	}
}

func TestAbortLeavesNoNewCheckpoint(t *testing.T) {
	eng, _, store := newTestEngine(t, "run-abort", testConfig(5), forceScript([]float64{1.0}, nil, nil), nil)
	// Keep jobs in flight so the abort lands mid-iteration.
	fake := backend.NewFake(forceScript([]float64{1.0}, nil, nil))
	fake.RunningPolls = 1 << 20
	eng.deps.Tracker = tracker.New(fake, tracker.Config{Logger: testLogger()})

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	eng.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after abort: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after abort")
	}

	if got := eng.State(); got != StateAborted {
		t.Fatalf("state = %q, want %q", got, StateAborted)
	}
	if _, err := store.Load(context.Background(), "run-abort"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("Load after first-iteration abort: %v, want %v", err, checkpoint.ErrNotFound)
	}
}

func TestAbortBeforeRun(t *testing.T) {
	eng, _, _ := newTestEngine(t, "run-preabort", testConfig(5), forceScript([]float64{1.0}, nil, nil), nil)
	eng.Abort()

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.State(); got != StateAborted {
		t.Fatalf("state = %q, want %q", got, StateAborted)
	}
}
