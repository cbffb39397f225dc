package run

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/tracker"
)

func newTestManager(script backend.Script, runningPolls int, store *checkpoint.MemoryStore) (*Manager, *backend.Fake) {
	fake := backend.NewFake(script)
	fake.RunningPolls = runningPolls
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	m := NewManager(Deps{
		Tracker:   tracker.New(fake, tracker.Config{Logger: testLogger()}),
		Optimizer: fixedOptimizer{},
		Store:     store,
		Logger:    testLogger(),
	})
	return m, fake
}

func TestManagerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(forceScript([]float64{0.04}, nil, nil), 0, nil)

	initial, final := lineEndpoints(t, 5)
	runID, err := m.StartRun(ctx, initial, final, testConfig(5))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !strings.HasPrefix(runID, "neb-") {
		t.Errorf("run id = %q, want neb- prefix", runID)
	}

	if err := m.Wait(runID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	st, err := m.Status(ctx, runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateConverged {
		t.Errorf("state = %q, want %q", st.State, StateConverged)
	}
	if st.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", st.Iteration)
	}

	ids, err := m.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 1 || ids[0] != runID {
		t.Errorf("ListRuns = %v, want [%s]", ids, runID)
	}
}

func TestManagerStatusUnknownRun(t *testing.T) {
	m, _ := newTestManager(forceScript([]float64{0.04}, nil, nil), 0, nil)
	if _, err := m.Status(context.Background(), "neb-missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Status: %v, want %v", err, ErrRunNotFound)
	}
}

func TestManagerAbortInactiveRun(t *testing.T) {
	m, _ := newTestManager(forceScript([]float64{0.04}, nil, nil), 0, nil)
	if err := m.AbortRun(context.Background(), "neb-missing"); !errors.Is(err, ErrRunNotActive) {
		t.Fatalf("AbortRun: %v, want %v", err, ErrRunNotActive)
	}
}

func TestManagerResumeActiveRunRejected(t *testing.T) {
	ctx := context.Background()
	// Jobs never finish, so the run stays live until aborted.
	m, _ := newTestManager(forceScript([]float64{1.0}, nil, nil), 1<<20, nil)

	initial, final := lineEndpoints(t, 5)
	runID, err := m.StartRun(ctx, initial, final, testConfig(5))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	defer func() {
		m.AbortRun(ctx, runID)
		m.Wait(runID)
	}()

	if _, err := m.ResumeRun(ctx, runID, testConfig(5)); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("ResumeRun: %v, want %v", err, ErrAlreadyActive)
	}
}

func TestManagerResumeTerminalRunReturnsStatus(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	m1, _ := newTestManager(forceScript([]float64{0.04}, nil, nil), 0, store)
	initial, final := lineEndpoints(t, 5)
	runID, err := m1.StartRun(ctx, initial, final, testConfig(5))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := m1.Wait(runID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// A fresh manager models a process restart over the same store.
	m2, fake := newTestManager(forceScript([]float64{0.04}, nil, nil), 0, store)
	st, err := m2.ResumeRun(ctx, runID, testConfig(5))
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if st.State != StateConverged {
		t.Errorf("state = %q, want %q", st.State, StateConverged)
	}
	if got := fake.Submissions(); got != 0 {
		t.Errorf("submissions after terminal resume = %d, want 0", got)
	}
}

func TestManagerShutdownDrainsRuns(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(forceScript([]float64{1.0}, nil, nil), 1<<20, nil)

	initial, final := lineEndpoints(t, 5)
	runID, err := m.StartRun(ctx, initial, final, testConfig(5))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m.Shutdown(shutdownCtx)

	st, err := m.Status(ctx, runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateAborted {
		t.Errorf("state = %q, want %q", st.State, StateAborted)
	}
}
