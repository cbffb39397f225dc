package checkpoint

import (
	"context"
	"sort"
	"sync"
)

type storedCheckpoint struct {
	meta Meta
	data []byte
	sum  []byte
}

// MemoryStore keeps checkpoints in process memory. It stores serialized
// payloads so reads see exactly what a durable store would return.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]storedCheckpoint
}

// NewMemoryStore builds an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]storedCheckpoint)}
}

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, sum, err := Encode(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.runs[cp.RunID]
	// Replace an existing entry for the same iteration, otherwise append.
	for i, e := range entries {
		if e.meta.Iteration == cp.Iteration {
			entries[i] = storedCheckpoint{
				meta: Meta{RunID: cp.RunID, Iteration: cp.Iteration, CreatedAt: cp.CreatedAt},
				data: data,
				sum:  sum,
			}
			return nil
		}
	}
	s.runs[cp.RunID] = append(entries, storedCheckpoint{
		meta: Meta{RunID: cp.RunID, Iteration: cp.Iteration, CreatedAt: cp.CreatedAt},
		data: data,
		sum:  sum,
	})
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.runs[runID]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	latest := entries[0]
	for _, e := range entries[1:] {
		if e.meta.Iteration > latest.meta.Iteration {
			latest = e
		}
	}
	return Decode(latest.data, latest.sum)
}

func (s *MemoryStore) History(ctx context.Context, runID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.runs[runID]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	metas := make([]Meta, len(entries))
	for i, e := range entries {
		metas[i] = e.meta
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Iteration < metas[j].Iteration })
	return metas, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.runs))
	for id := range s.runs {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
