package checkpoint

import (
	"context"
	"time"
)

// Meta describes one stored checkpoint without its payload.
type Meta struct {
	RunID     string
	Iteration int64
	CreatedAt time.Time
}

// Store is the durable checkpoint store. Saves are atomic inserts keyed by
// (run, iteration); Load returns the highest iteration. Superseded
// checkpoints are retained as history and never deleted on failure.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	History(ctx context.Context, runID string) ([]Meta, error)
	ListRuns(ctx context.Context) ([]string, error)
}
