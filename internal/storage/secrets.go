package storage

// secrets.go contains SQLiteStore methods implementing the credential store.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	hostErrors "github.com/codementor/host/internal/errors"
)

// GetSecret returns the value stored under name.
// The boolean is false when no value is stored.
func (s *SQLiteStore) GetSecret(ctx context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM secrets WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, hostErrors.Wrap(hostErrors.CodeStorageQueryFailed, "read secret", err)
	}
	return value, true, nil
}

// SetSecret stores value under name, replacing any previous value.
// Values are never logged.
func (s *SQLiteStore) SetSecret(ctx context.Context, name, value string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO secrets (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, name, value, time.Now().Format(time.RFC3339Nano)); err != nil {
		return hostErrors.Wrap(hostErrors.CodeStorageSaveFailed, fmt.Sprintf("save secret %s", name), err)
	}

	s.logger.Debug("secret saved", zap.String("name", name))
	return nil
}

// DeleteSecret removes the value stored under name.
// Returns nil if nothing is stored (idempotent).
func (s *SQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", name); err != nil {
		return hostErrors.Wrap(hostErrors.CodeStorageSaveFailed, fmt.Sprintf("delete secret %s", name), err)
	}

	s.logger.Debug("secret deleted", zap.String("name", name))
	return nil
}
