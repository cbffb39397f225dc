// Package events publishes run status to Redis so dashboards and waiting
// clients can follow a run without polling the engine's HTTP API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebflow/engine/internal/run"
)

const (
	statusKeyPrefix = "neb:run:"
	statusTTL       = 7 * 24 * time.Hour
	// streamMaxLen bounds each run's event stream; status snapshots are
	// cheap and old ones lose value once superseded.
	streamMaxLen = 1000
)

// RedisPublisher mirrors every checkpointed status into Redis: the latest
// snapshot under a per-run key, and the full sequence on a per-run stream.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisPublisher builds a publisher over an existing client.
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, logger: logger}
}

func statusKey(runID string) string {
	return statusKeyPrefix + runID + ":status"
}

func streamKey(runID string) string {
	return statusKeyPrefix + runID + ":events"
}

// PublishStatus writes the snapshot and appends it to the run's stream. The
// engine tolerates publish failures, so partial writes only cost freshness.
func (p *RedisPublisher) PublishStatus(ctx context.Context, st run.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := p.client.Set(ctx, statusKey(st.RunID), payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to set status key: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(st.RunID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append status event: %w", err)
	}

	p.logger.Debug("status published",
		slog.String("run_id", st.RunID),
		slog.String("state", string(st.State)),
		slog.Int64("iteration", st.Iteration),
	)
	return nil
}

// Latest reads the most recent published snapshot for a run.
func (p *RedisPublisher) Latest(ctx context.Context, runID string) (*run.Status, error) {
	payload, err := p.client.Get(ctx, statusKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, run.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status key: %w", err)
	}

	var st run.Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &st, nil
}
