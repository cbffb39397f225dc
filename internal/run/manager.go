package run

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/structure"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunNotActive  = errors.New("run is not active in this process")
	ErrAlreadyActive = errors.New("run is already active")
)

// Manager owns the runs executing in this process. Each run has its own
// engine and goroutine; runs never share mutable state, so many can execute
// side by side.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*managedRun
}

type managedRun struct {
	engine *Engine
	done   chan struct{}
}

func (mr *managedRun) live() bool {
	select {
	case <-mr.done:
		return false
	default:
		return true
	}
}

// NewManager builds a run manager over shared collaborators.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{deps: deps, logger: logger, runs: make(map[string]*managedRun)}
}

// StartRun validates the endpoints, creates a run and launches its control
// loop. Setup errors (mismatched structures, ambiguous paths, bad config)
// surface here, before any job submission.
func (m *Manager) StartRun(ctx context.Context, initial, final *structure.Structure, cfg Config) (string, error) {
	runID := generateRunID()
	engine, err := NewEngine(runID, initial, final, cfg, m.deps)
	if err != nil {
		return "", err
	}
	m.launch(ctx, engine)
	return runID, nil
}

// ResumeRun rebuilds a run from its latest checkpoint and relaunches it.
func (m *Manager) ResumeRun(ctx context.Context, runID string, cfg Config) (Status, error) {
	m.mu.Lock()
	mr, known := m.runs[runID]
	m.mu.Unlock()
	if known && mr.live() {
		return Status{}, ErrAlreadyActive
	}

	engine, err := ResumeEngine(ctx, runID, cfg, m.deps)
	if err != nil {
		return Status{}, err
	}
	if engine.State().Terminal() {
		return engine.Status(), nil
	}
	m.launch(ctx, engine)
	return engine.Status(), nil
}

func (m *Manager) launch(ctx context.Context, engine *Engine) {
	mr := &managedRun{engine: engine, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[engine.RunID()] = mr
	m.mu.Unlock()

	go func() {
		defer close(mr.done)
		if err := engine.Run(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("run loop error",
				slog.String("run_id", engine.RunID()),
				slog.String("error", err.Error()))
		}
	}()
}

// Status reports a run's current state: the live engine when the run is
// active here, otherwise its latest checkpoint.
func (m *Manager) Status(ctx context.Context, runID string) (Status, error) {
	m.mu.Lock()
	mr, active := m.runs[runID]
	m.mu.Unlock()
	if active {
		return mr.engine.Status(), nil
	}

	cp, err := m.deps.Store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return Status{}, ErrRunNotFound
		}
		return Status{}, err
	}
	return statusFromCheckpoint(cp), nil
}

// AbortRun cancels an active run's outstanding jobs and halts it.
func (m *Manager) AbortRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	mr, known := m.runs[runID]
	m.mu.Unlock()
	if !known || !mr.live() {
		return ErrRunNotActive
	}
	mr.engine.Abort()
	return nil
}

// ListRuns returns the IDs of all runs known here or in the store.
func (m *Manager) ListRuns(ctx context.Context) ([]string, error) {
	known := make(map[string]struct{})

	stored, err := m.deps.Store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range stored {
		known[id] = struct{}{}
	}

	m.mu.Lock()
	for id := range m.runs {
		known[id] = struct{}{}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Wait blocks until the given run's loop exits. Intended for tests and
// graceful shutdown.
func (m *Manager) Wait(runID string) error {
	m.mu.Lock()
	mr, active := m.runs[runID]
	m.mu.Unlock()
	if !active {
		return ErrRunNotActive
	}
	<-mr.done
	return nil
}

// Shutdown aborts every active run and waits for the loops to drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := make([]*managedRun, 0, len(m.runs))
	for _, mr := range m.runs {
		active = append(active, mr)
	}
	m.mu.Unlock()

	for _, mr := range active {
		mr.engine.Abort()
	}
	for _, mr := range active {
		select {
		case <-mr.done:
		case <-ctx.Done():
			return
		}
	}
}

func statusFromCheckpoint(cp *checkpoint.Checkpoint) Status {
	st := Status{
		RunID:         cp.RunID,
		State:         State(cp.State),
		Iteration:     cp.Iteration,
		Climbing:      cp.Climbing,
		ClimbingImage: cp.ClimbingImage,
		FailureReason: cp.FailureReason,
	}
	if cp.Chain != nil {
		st.NImages = cp.Chain.Len()
		st.Energies = cp.Chain.EnergyProfile()
		if b, ok := cp.Chain.Barrier(); ok {
			st.Barrier = &b
		}
	}
	if len(cp.Records) > 0 {
		last := cp.Records[len(cp.Records)-1]
		st.MaxForce = last.MaxForce
		st.FailedImages = last.FailedImages
	}
	return st
}

func generateRunID() string {
	return "neb-" + secureRandomString(16) + "-" + fmt.Sprintf("%d", time.Now().UTC().Unix())
}

func secureRandomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
