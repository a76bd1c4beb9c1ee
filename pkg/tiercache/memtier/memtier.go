// Package memtier is the ephemeral cache tier: a map guarded by a mutex,
// private to one process and lost when it exits.
//
// Expired entries are removed lazily by [Cache.Get] and, when the cache is
// bounded and full, by the [Cache.Set] that needs room.
package memtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

var (
	// ErrFull is returned by [Cache.Set] for a new key when the cache already
	// holds MaxEntries live entries.
	ErrFull = errors.New("memtier: full")

	// ErrClosed is returned by every operation after [Cache.Close].
	ErrClosed = errors.New("memtier: closed")

	// ErrInvalidInput is returned for an empty key.
	ErrInvalidInput = errors.New("memtier: invalid input")
)

const noExpiry = int64(math.MaxInt64)

// Options configures a [Cache].
type Options struct {
	// MaxEntries bounds the number of entries. Zero or negative means unbounded.
	MaxEntries int

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives debug events. Nil discards.
	Logger *slog.Logger
}

// Cache is the in-process tier. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	items      map[string]*entry
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
	closed     bool
}

type entry struct {
	value     []byte
	expiresAt int64 // unix nanoseconds
	createdAt int64
	hits      uint64
}

func (e *entry) expired(nowNano int64) bool {
	return nowNano >= e.expiresAt
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Cache{
		items:      make(map[string]*entry),
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
		logger:     opts.Logger,
	}
}

// Name identifies the tier in logs and stats.
func (c *Cache) Name() string {
	return "memory"
}

// Get returns a copy of the value for key. An expired entry is deleted and
// reported as a miss.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	e, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}

	if e.expired(c.now().UnixNano()) {
		delete(c.items, key)

		return nil, false, nil
	}

	e.hits++

	return cloneBytes(e.value), true, nil
}

// Set stores a copy of value under key. ttl <= 0 means no expiry.
//
// Possible errors: [ErrFull], [ErrClosed], [ErrInvalidInput].
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	now := c.now().UnixNano()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		dropped := c.purgeExpiredLocked(now)
		if dropped > 0 {
			c.logger.Debug("memtier dropped expired entries", "dropped", dropped)
		}

		if len(c.items) >= c.maxEntries {
			return fmt.Errorf("%d entries: %w", len(c.items), ErrFull)
		}
	}

	expiresAt := noExpiry
	if ttl > 0 && now <= noExpiry-int64(ttl) {
		expiresAt = now + int64(ttl)
	}

	c.items[key] = &entry{
		value:     cloneBytes(value),
		expiresAt: expiresAt,
		createdAt: now,
	}

	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(_ context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	delete(c.items, key)

	return nil
}

// Flush removes every entry.
func (c *Cache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	clear(c.items)

	return nil
}

// Exists reports whether key holds a live entry. It does not touch hit
// counters or remove expired entries.
func (c *Cache) Exists(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	e, ok := c.items[key]

	return ok && !e.expired(c.now().UnixNano()), nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Hits returns the hit count of key, or 0 if absent.
func (c *Cache) Hits(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		return e.hits
	}

	return 0
}

// Close drops all entries. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.items = nil

	return nil
}

func (c *Cache) purgeExpiredLocked(nowNano int64) int {
	dropped := 0

	for key, e := range c.items {
		if e.expired(nowNano) {
			delete(c.items, key)

			dropped++
		}
	}

	return dropped
}

// cloneBytes copies b so callers never share the stored slice. A nil input
// yields an empty, non-nil slice: a stored empty value is still a hit.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
