package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. Each save inserts one row;
// the row with the highest iteration for a run is its resumable state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed checkpoint store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, sum, err := Encode(cp)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO neb_checkpoints (run_id, iteration, data, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.RunID, cp.Iteration, data, sum, cp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Same iteration written twice: the retried save carries the
			// same payload, so treat it as idempotent.
			return nil
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	var data, sum []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data, checksum
		FROM neb_checkpoints
		WHERE run_id = $1
		ORDER BY iteration DESC
		LIMIT 1
	`, runID).Scan(&data, &sum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return Decode(data, sum)
}

func (s *PostgresStore) History(ctx context.Context, runID string) ([]Meta, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, iteration, created_at
		FROM neb_checkpoints
		WHERE run_id = $1
		ORDER BY iteration ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint history: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.RunID, &m.Iteration, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint meta: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNotFound
	}
	return metas, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT run_id FROM neb_checkpoints ORDER BY run_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
