package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS payment_session_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	getSQL    = `SELECT value FROM payment_session_kv WHERE key = $1`
	upsertSQL = `INSERT INTO payment_session_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteSQL = `DELETE FROM payment_session_kv WHERE key = $1`
)

// Querier is the slice of *pgxpool.Pool the store uses
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KVStore persists session slots in PostgreSQL so several instances share one view
type KVStore struct {
	db      Querier
	timeout time.Duration
	logger  *zap.Logger
}

// NewKVStore creates a KeyValueStore over db
func NewKVStore(db Querier, timeout time.Duration, logger *zap.Logger) *KVStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KVStore{db: db, timeout: timeout, logger: logger}
}

// EnsureSchema creates the backing table if it does not exist
func (s *KVStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create payment_session_kv: %w", err)
	}
	return nil
}

// Get returns the value stored under key
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var value []byte
	err := s.db.QueryRow(ctx, getSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the value under key
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.Exec(ctx, upsertSQL, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (s *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, deleteSQL, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.logger.Debug("Session key deleted",
		zap.String("key", key),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}
