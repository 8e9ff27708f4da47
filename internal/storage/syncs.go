package storage

// syncs.go records successful workspace index uploads.

import (
	"context"
	"database/sql"
	"errors"
	"time"

	hostErrors "github.com/codementor/host/internal/errors"
)

// IndexSync is one successful upload of a workspace index.
type IndexSync struct {
	Workspace string
	Email     string
	FirstSync bool
	SyncedAt  time.Time
}

// RecordSync appends a sync to the history.
func (s *SQLiteStore) RecordSync(ctx context.Context, sync IndexSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO index_syncs (workspace, email, first_sync, synced_at)
		VALUES (?, ?, ?, ?)
	`
	first := 0
	if sync.FirstSync {
		first = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		sync.Workspace,
		sync.Email,
		first,
		sync.SyncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return hostErrors.Wrap(hostErrors.CodeStorageSaveFailed, "record index sync", err)
	}
	return nil
}

// LastSync returns the most recent sync for a workspace and user.
// Returns nil, nil if the workspace has never been synced.
func (s *SQLiteStore) LastSync(ctx context.Context, workspace, email string) (*IndexSync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT workspace, email, first_sync, synced_at
		FROM index_syncs
		WHERE workspace = ? AND email = ?
		ORDER BY id DESC
		LIMIT 1
	`

	var (
		result   IndexSync
		first    int
		syncedAt string
	)
	err := s.db.QueryRowContext(ctx, query, workspace, email).Scan(&result.Workspace, &result.Email, &first, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeStorageQueryFailed, "read index sync", err)
	}

	result.FirstSync = first == 1
	result.SyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeStorageQueryFailed, "parse synced_at", err)
	}
	return &result, nil
}
