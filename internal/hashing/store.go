package hashing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists file digests keyed by path, size and mtime.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// OpenStore initializes or connects to the digest database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure hash store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Lookup returns the stored digest when size and mtime still match.
func (s *Store) Lookup(ctx context.Context, rel string, size int64, mtime time.Time) (string, bool, error) {
	ctx = ensureContext(ctx)
	var (
		digest    string
		found     bool
		storedSz  int64
		storedMod int64
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, "SELECT size, mtime_ns, digest FROM file_hashes WHERE path = ?", rel)
		switch scanErr := row.Scan(&storedSz, &storedMod, &digest); {
		case errors.Is(scanErr, sql.ErrNoRows):
			found = false
			return nil
		case scanErr != nil:
			return scanErr
		default:
			found = true
			return nil
		}
	})
	if err != nil {
		return "", false, fmt.Errorf("lookup digest %s: %w", rel, err)
	}
	if !found || storedSz != size || storedMod != mtime.UnixNano() {
		return "", false, nil
	}
	return digest, true, nil
}

// Put records digest for rel at the given size and mtime.
func (s *Store) Put(ctx context.Context, rel string, size int64, mtime time.Time, digest string) error {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO file_hashes (path, size, mtime_ns, digest, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET size = excluded.size, mtime_ns = excluded.mtime_ns,
			 digest = excluded.digest, updated_at = excluded.updated_at`,
			rel, size, mtime.UnixNano(), digest, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("store digest %s: %w", rel, err)
	}
	return nil
}

// Delete forgets the given paths.
func (s *Store) Delete(ctx context.Context, rels ...string) error {
	ctx = ensureContext(ctx)
	for _, rel := range rels {
		err := retryOnBusy(ctx, func() error {
			_, err := s.db.ExecContext(ctx, "DELETE FROM file_hashes WHERE path = ?", rel)
			return err
		})
		if err != nil {
			return fmt.Errorf("delete digest %s: %w", rel, err)
		}
	}
	return nil
}

// Count returns the number of stored digests.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	var n int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM file_hashes").Scan(&n)
	})
	return n, err
}
