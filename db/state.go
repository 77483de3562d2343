package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// GetState decodes the JSON value stored under key into dst. It reports
// false when the key does not exist.
func (s *Store) GetState(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.GetStateRaw(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode state %q: %w", key, err)
	}
	return true, nil
}

// GetStateRaw returns the raw JSON under key, or nil when missing.
func (s *Store) GetStateRaw(ctx context.Context, key string) ([]byte, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %q: %w", key, err)
	}
	return raw, nil
}

// SetState stores v as JSON under key.
func (s *Store) SetState(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, b)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// UpdateState runs a read-modify-write on key inside a transaction holding the
// row lock. fn receives nil when the key is missing. Serialization failures are
// retried a few times.
func (s *Store) UpdateState(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.updateStateOnce(ctx, key, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) updateStateOnce(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM state WHERE key = $1 FOR UPDATE`, key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock state %q: %w", key, err)
	}
	next, err := fn(raw)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, next); err != nil {
		return fmt.Errorf("write state %q: %w", key, err)
	}
	return tx.Commit()
}
