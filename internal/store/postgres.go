package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements ConversationStore on PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the conversations table.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		history JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get retrieves the stored log for a session.
func (s *PostgresStore) Get(ctx context.Context, key string) (domain.ConversationLog, bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT history FROM conversations WHERE session_id = $1`, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query conversation: %w", err)
	}

	log, err := decodeLog(raw)
	if err != nil {
		return nil, false, err
	}
	return log, true, nil
}

// Put upserts the log for a session.
func (s *PostgresStore) Put(ctx context.Context, key string, log domain.ConversationLog) error {
	data, err := encodeLog(log)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
	INSERT INTO conversations (session_id, history)
	VALUES ($1, $2::jsonb)
	ON CONFLICT (session_id) DO UPDATE SET
		history = EXCLUDED.history,
		updated_at = now()`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

var _ ConversationStore = (*PostgresStore)(nil)
