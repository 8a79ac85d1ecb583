package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"haul/internal/config"
	"haul/internal/services"
)

// Store persists journal records in SQLite. Every write is bounded by the
// configured write timeout and surfaces as services.ErrBackend when it fails.
type Store struct {
	db            *sql.DB
	path          string
	writeTimeout  time.Duration
	now           func() time.Time
	heartbeatStmt *sql.Stmt
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	defaultWriteTimeout     = 2 * time.Second
)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWriteTimeout overrides the per-write bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

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
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
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

// write runs op under the write timeout with busy retries and maps failures
// onto the backend marker.
func (s *Store) write(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ensureContext(ctx), s.writeTimeout)
	defer cancel()
	err := retryOnBusy(ctx, func() error { return op(ctx) })
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRegression) || errors.Is(err, services.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrBackend, "journal", operation, "write timed out", err)
	}
	return services.Wrap(services.ErrBackend, "journal", operation, "", err)
}

// Open initializes or connects to the journal database at cfg.JournalPath().
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	opts = append([]Option{WithWriteTimeout(cfg.JournalWriteTimeout())}, opts...)
	return OpenPath(cfg.JournalPath(), opts...)
}

// OpenPath opens the journal database at an explicit path.
func OpenPath(path string, opts ...Option) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	query := url.Values{}
	query.Add("_pragma", "journal_mode(WAL)")
	query.Add("_pragma", "synchronous(FULL)")
	query.Add("_pragma", "busy_timeout(5000)")
	dsn := "file:" + path + "?" + query.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: path, writeTimeout: defaultWriteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	ctx := context.Background()
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.heartbeatStmt, err = db.PrepareContext(ctx, heartbeatSQL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare heartbeat statement: %w", err)
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
	if s.heartbeatStmt != nil {
		_ = s.heartbeatStmt.Close()
	}
	return s.db.Close()
}
