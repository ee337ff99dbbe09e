package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL pool.
type PostgresStore struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// NewPostgresStore creates a checkpoint store and verifies connectivity.
// callTimeout bounds each store call; zero disables the bound.
func NewPostgresStore(ctx context.Context, databaseURL string, callTimeout time.Duration) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, callTimeout: callTimeout}, nil
}

// callCtx bounds one store call with the configured timeout. pgx surfaces
// the context error directly, so the %w wraps below keep errors.Is on
// context.DeadlineExceeded working.
func (s *PostgresStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// EnsureSchema creates the checkpoint table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			thread_id  TEXT PRIMARY KEY,
			node       TEXT NOT NULL,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Put upserts the checkpoint for a thread.
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO workflow_checkpoints (thread_id, node, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id)
		DO UPDATE SET node = $2, state = $3, updated_at = $4
	`
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, query, rec.ThreadID, rec.Node, rec.State, time.Now())
	if err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// Get loads the checkpoint for a thread.
func (s *PostgresStore) Get(ctx context.Context, threadID string) (*Record, error) {
	query := `
		SELECT thread_id, node, state, updated_at
		FROM workflow_checkpoints
		WHERE thread_id = $1
	`
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	var rec Record
	err := s.pool.QueryRow(ctx, query, threadID).Scan(
		&rec.ThreadID, &rec.Node, &rec.State, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &rec, nil
}

// Delete removes a thread's checkpoint.
func (s *PostgresStore) Delete(ctx context.Context, threadID string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM workflow_checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ensure PostgresStore implements Store interface.
var _ Store = (*PostgresStore)(nil)
