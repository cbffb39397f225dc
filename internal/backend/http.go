package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/nebflow/engine/internal/structure"
)

// HTTPBackend drives a remote scheduler service that fronts the DFT cluster
// over a small REST API: POST /jobs, GET /jobs/{id}, GET /jobs/{id}/result,
// POST /jobs/{id}/cancel.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPConfig holds scheduler connection settings.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPBackend creates a backend with connection pooling. Poll traffic per
// run is steady, so idle connections are kept warm.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type submitRequest struct {
	Structure *structure.Structure `json:"structure"`
	Params    Params               `json:"params"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Failure *struct {
		Transient bool   `json:"transient"`
		Reason    string `json:"reason"`
	} `json:"failure,omitempty"`
}

type resultResponse struct {
	Energy    float64              `json:"energy"`
	Forces    []float64            `json:"forces"`
	Structure *structure.Structure `json:"structure,omitempty"`
}

func (b *HTTPBackend) Submit(ctx context.Context, s *structure.Structure, p Params) (Handle, error) {
	var resp submitResponse
	err := b.post(ctx, "/jobs", submitRequest{Structure: s, Params: p}, &resp)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", errors.New("scheduler returned no job id")
	}
	return Handle(resp.JobID), nil
}

func (b *HTTPBackend) Status(ctx context.Context, h Handle) (Status, error) {
	var resp statusResponse
	if err := b.get(ctx, "/jobs/"+string(h), &resp); err != nil {
		return StatusFailed, err
	}

	switch resp.Status {
	case "pending":
		return StatusPending, nil
	case "running":
		return StatusRunning, nil
	case "done":
		return StatusDone, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusFailed, fmt.Errorf("scheduler reported unknown status %q", resp.Status)
	}
}

func (b *HTTPBackend) Retrieve(ctx context.Context, h Handle) (*Observation, error) {
	// Failed jobs carry their classification on the status document.
	var st statusResponse
	if err := b.get(ctx, "/jobs/"+string(h), &st); err != nil {
		return nil, err
	}
	if st.Status == "failed" {
		if st.Failure != nil {
			return nil, &CalculationError{Transient: st.Failure.Transient, Reason: st.Failure.Reason}
		}
		return nil, PermanentError("scheduler reported failure without detail")
	}

	var resp resultResponse
	if err := b.get(ctx, "/jobs/"+string(h)+"/result", &resp); err != nil {
		return nil, err
	}
	if len(resp.Forces)%3 != 0 {
		return nil, fmt.Errorf("scheduler returned %d force components, want a multiple of 3", len(resp.Forces))
	}

	obs := &Observation{Energy: resp.Energy, Structure: resp.Structure}
	if len(resp.Forces) > 0 {
		obs.Forces = mat.NewDense(len(resp.Forces)/3, 3, resp.Forces)
	}
	return obs, nil
}

func (b *HTTPBackend) Cancel(ctx context.Context, h Handle) error {
	return b.post(ctx, "/jobs/"+string(h)+"/cancel", nil, nil)
}

func (b *HTTPBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return b.do(req, result)
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, result)
}

// do maps transport and server-side errors onto the calculation error
// classification: connectivity problems and 5xx responses are retryable
// scheduler unavailability, 4xx responses are permanent.
func (b *HTTPBackend) do(req *http.Request, result interface{}) error {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return UnavailableError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownJob
	}
	if resp.StatusCode >= 500 {
		errBody, _ := io.ReadAll(resp.Body)
		return UnavailableError(fmt.Sprintf("scheduler error %d: %s", resp.StatusCode, errBody))
	}
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return PermanentError(fmt.Sprintf("scheduler rejected request %d: %s", resp.StatusCode, errBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode scheduler response: %w", err)
		}
	}
	return nil
}
