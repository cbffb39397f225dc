// Package client provides a Go SDK for the nebflow engine's run API. It is
// what analysis pipelines and submission scripts use to drive barrier runs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one nebd daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// Config holds client configuration.
type Config struct {
	BaseURL string        // e.g. "http://localhost:8080"
	APIKey  string        // optional bearer token
	Timeout time.Duration // per-request timeout
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

// New creates a new engine client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Structure is a periodic crystal structure: species labels, flat row-major
// cartesian coordinates (3 per atom) and the three lattice vectors (9
// components, rows first).
type Structure struct {
	Species []string  `json:"species"`
	Coords  []float64 `json:"coords"`
	Cell    []float64 `json:"cell"`
}

// RunState is a run's lifecycle state as reported by the daemon.
type RunState string

const (
	RunStateInitializing RunState = "initializing"
	RunStateIterating    RunState = "iterating"
	RunStateConverged    RunState = "converged"
	RunStateAborted      RunState = "aborted"
	RunStateFailed       RunState = "failed"
)

// Terminal reports whether the run admits no further iterations.
func (s RunState) Terminal() bool {
	return s == RunStateConverged || s == RunStateAborted || s == RunStateFailed
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	RunID         string     `json:"run_id"`
	State         RunState   `json:"state"`
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

// StartRunRequest carries the endpoint structures and optional run option
// overrides. Options absent from Config keep the daemon defaults.
type StartRunRequest struct {
	Initial *Structure      `json:"initial"`
	Final   *Structure      `json:"final"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// StartRunResponse acknowledges a launched run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// StartRun validates and launches a new run.
func (c *Client) StartRun(ctx context.Context, req *StartRunRequest) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.post(ctx, "/api/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches a run's current status.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	var st RunStatus
	if err := c.get(ctx, "/api/v1/runs/"+runID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ResumeRun relaunches a checkpointed run, optionally overriding run options.
func (c *Client) ResumeRun(ctx context.Context, runID string, cfg json.RawMessage) (*RunStatus, error) {
	body := map[string]json.RawMessage{}
	if len(cfg) > 0 {
		body["config"] = cfg
	}
	var st RunStatus
	if err := c.post(ctx, "/api/v1/runs/"+runID+"/resume", body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AbortRun requests cancellation of an active run.
func (c *Client) AbortRun(ctx context.Context, runID string) error {
	return c.post(ctx, "/api/v1/runs/"+runID+"/abort", nil, nil)
}

// ListRuns returns the IDs of all runs the daemon knows.
func (c *Client) ListRuns(ctx context.Context) ([]string, error) {
	var resp struct {
		Runs []string `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs", &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// WaitForTerminal polls a run until it reaches a terminal state. The poll
// interval defaults to two seconds when zero.
func (c *Client) WaitForTerminal(ctx context.Context, runID string, interval time.Duration) (*RunStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		st, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(errBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
