// Package checkpoint persists the resumable state of a run. The engine is
// the only writer; it saves at iteration boundaries and the latest
// checkpoint is the authoritative state to resume from.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nebflow/engine/internal/backend"
	"github.com/nebflow/engine/internal/convergence"
	"github.com/nebflow/engine/internal/path"
)

var (
	ErrNotFound         = errors.New("checkpoint not found")
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// JobRef records an in-flight job handle so a resumed run can account for
// work that was outstanding when the process died.
type JobRef struct {
	Handle  backend.Handle `json:"handle"`
	Attempt int            `json:"attempt"`
	State   string         `json:"state"`
}

// Checkpoint is the durable snapshot of one run at an iteration boundary.
type Checkpoint struct {
	RunID     string                `json:"run_id"`
	Iteration int64                 `json:"iteration"`
	State     string                `json:"state"`
	Chain     *path.Chain           `json:"chain"`
	Jobs      map[int]JobRef        `json:"jobs,omitempty"`
	Records   []*convergence.Record `json:"records,omitempty"`
	// Climbing mode flags. ClimbingImage is -1 while climbing is off.
	Climbing      bool    `json:"climbing"`
	ClimbingImage int     `json:"climbing_image"`
	StepSize      float64 `json:"step_size"`
	// FailureReason is set on the diagnostic checkpoint of a failed run.
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Encode serializes the checkpoint and returns the payload with its blake2b
// digest. Encoding is deterministic, so an unmodified load/save round trip
// produces identical bytes.
func Encode(cp *Checkpoint) (data, sum []byte, err error) {
	data, err = json.Marshal(cp)
	if err != nil {
		return nil, nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	digest := blake2b.Sum256(data)
	return data, digest[:], nil
}

// Decode verifies the digest and deserializes a checkpoint.
func Decode(data, sum []byte) (*Checkpoint, error) {
	digest := blake2b.Sum256(data)
	if !bytes.Equal(digest[:], sum) {
		return nil, ErrChecksumMismatch
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
