// Package sqltier is the durable cache tier, backed by a SQLite file.
//
// Entries survive process restarts. Expiry is lazy: [Store.Get] deletes an
// expired row when it meets one, and [Store.PurgeExpired] removes them in bulk.
package sqltier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by every operation after [Store.Close].
	ErrClosed = errors.New("sqltier: closed")

	// ErrInvalidInput is returned for an empty key or path.
	ErrInvalidInput = errors.New("sqltier: invalid input")
)

const noExpiry = int64(math.MaxInt64)

// Options configures [Open].
type Options struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives debug events. Nil discards.
	Logger *slog.Logger
}

// Store is the durable tier. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) the database at opts.Path.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	err := os.MkdirAll(filepath.Dir(opts.Path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := openSQLite(ctx, opts.Path)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		path:   opts.Path,
		now:    opts.Now,
		logger: opts.Logger.With("durable", opts.Path),
	}, nil
}

// Name identifies the tier in logs and stats.
func (s *Store) Name() string {
	return "durable"
}

// Get returns the value for key. An expired row is deleted and reported as a
// miss; a hit increments hit_count. Both happen in one transaction.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	var (
		value []byte
		found bool
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var expiresAt int64

		row := tx.QueryRowContext(ctx, "SELECT value, expires_at FROM cache_entries WHERE key = ?", key)

		err := row.Scan(&value, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("select %q: %w", key, err)
		}

		if s.now().UnixNano() >= expiresAt {
			value = nil

			_, err = tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
			if err != nil {
				return fmt.Errorf("delete expired %q: %w", key, err)
			}

			s.logger.Debug("durable dropped expired entry", "key", key)

			return nil
		}

		_, err = tx.ExecContext(ctx, "UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("update hits %q: %w", key, err)
		}

		found = true

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if found && value == nil {
		value = []byte{}
	}

	return value, found, nil
}

// Set upserts key. The last writer wins; created_at and hit_count reset.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	if value == nil {
		value = []byte{}
	}

	now := s.now().UnixNano()

	expiresAt := noExpiry
	if ttl > 0 && now <= noExpiry-int64(ttl) {
		expiresAt = now + int64(ttl)
	}

	return s.exec(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, created_at, hit_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			hit_count = 0`,
		key, value, expiresAt, now)
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	return s.exec(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
}

// Flush removes every row.
func (s *Store) Flush(ctx context.Context) error {
	return s.exec(ctx, "DELETE FROM cache_entries")
}

// Exists reports whether key holds a live row. Read-only.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return false, ErrClosed
	}

	var one int

	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM cache_entries WHERE key = ? AND expires_at > ?", key, s.now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}

	return true, nil
}

// Hits returns the stored hit count for key, or 0 if absent.
func (s *Store) Hits(ctx context.Context, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, ErrClosed
	}

	var hits uint64

	err := s.db.QueryRowContext(ctx, "SELECT hit_count FROM cache_entries WHERE key = ?", key).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("hits %q: %w", key, err)
	}

	return hits, nil
}

// Len returns the number of rows, expired ones included.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, ErrClosed
	}

	var n int

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	return n, nil
}

// PurgeExpired deletes every expired row and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	if n > 0 {
		s.logger.Debug("durable purged expired entries", "dropped", n)
	}

	return n, nil
}

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}

	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit txn: %w", err)
	}

	committed = true

	return nil
}
