package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/runbox/internal/quota"

	_ "modernc.org/sqlite"
)

// Store implements quota.Store as a fixed window per caller backed by a
// SQLite database, so budgets survive restarts.
type Store struct {
	db     *sql.DB
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ quota.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string, limit int, window time.Duration) (*Store, error) {
	if limit < 1 || window <= 0 {
		return nil, fmt.Errorf("invalid quota: %d per %v", limit, window)
	}
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serializes
	// the read-modify-write in Allow.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, limit: limit, window: window, now: time.Now}, nil
}

func (s *Store) Allow(ctx context.Context, key string) (quota.Decision, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	var startUnix int64
	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, used FROM quota_windows WHERE caller = ?`, key,
	).Scan(&startUnix, &used)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		startUnix, used = now.UnixMilli(), 0
	case err != nil:
		return quota.Decision{}, fmt.Errorf("reading quota: %w", err)
	}

	start := time.UnixMilli(startUnix).UTC()
	if !now.Before(start.Add(s.window)) {
		start, used = now, 0
	}

	if used >= s.limit {
		return quota.Decision{
			Allowed:    false,
			RetryAfter: start.Add(s.window).Sub(now),
		}, nil
	}

	used++
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_windows (caller, window_start, used) VALUES (?, ?, ?)
		ON CONFLICT(caller) DO UPDATE SET window_start = excluded.window_start, used = excluded.used`,
		key, start.UnixMilli(), used,
	)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("updating quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return quota.Decision{}, fmt.Errorf("committing quota: %w", err)
	}

	return quota.Decision{Allowed: true, Remaining: s.limit - used}, nil
}

// Prune deletes windows that ended before now and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.window).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_windows WHERE window_start <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning quota windows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Close() error {
	return s.db.Close()
}
