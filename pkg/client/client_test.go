package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/api"
	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/run"
	"github.com/nebflow/engine/internal/structure"
	"github.com/nebflow/engine/internal/tracker"
)

func newTestDaemon(t *testing.T) *Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	script := func(_ int, _ *structure.Structure, _ backend.Params) (*backend.Observation, error) {
		return &backend.Observation{
			Energy: 0,
			Forces: mat.NewDense(1, 3, []float64{0, 0.01, 0}),
		}, nil
	}

	manager := run.NewManager(run.Deps{
		Tracker: tracker.New(backend.NewFake(script), tracker.Config{Logger: logger}),
		Store:   checkpoint.NewMemoryStore(),
		Logger:  logger,
	})

	defaults := run.DefaultConfig()
	defaults.NImages = 5
	defaults.PollInterval = time.Millisecond

	mux := http.NewServeMux()
	api.NewHTTPHandler(manager, defaults, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(Config{BaseURL: srv.URL, Timeout: 10 * time.Second})
}

func testStructures() (*Structure, *Structure) {
	cell := []float64{20, 0, 0, 0, 20, 0, 0, 0, 20}
	return &Structure{Species: []string{"H"}, Coords: []float64{0, 0, 0}, Cell: cell},
		&Structure{Species: []string{"H"}, Coords: []float64{4, 0, 0}, Cell: cell}
}

func TestClientRunLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestDaemon(t)
	initial, final := testStructures()

	started, err := c.StartRun(ctx, &StartRunRequest{Initial: initial, Final: final})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !strings.HasPrefix(started.RunID, "neb-") {
		t.Fatalf("run id = %q, want neb- prefix", started.RunID)
	}

	st, err := c.WaitForTerminal(ctx, started.RunID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if st.State != RunStateConverged {
		t.Errorf("state = %q, want %q", st.State, RunStateConverged)
	}
	if st.NImages != 5 {
		t.Errorf("n_images = %d, want 5", st.NImages)
	}

	ids, err := c.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 1 || ids[0] != started.RunID {
		t.Errorf("runs = %v, want [%s]", ids, started.RunID)
	}
}

func TestClientErrorsSurfaceStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestDaemon(t)

	if _, err := c.GetRun(ctx, "neb-missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("GetRun error = %v, want API error 404", err)
	}
	if err := c.AbortRun(ctx, "neb-missing"); err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("AbortRun error = %v, want API error 409", err)
	}
}
