package tiercache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Options configures a [Manager].
type Options struct {
	// Tiers in lookup order, fastest first. Required.
	Tiers []Tier

	// DefaultTTL is used when a hit is promoted into faster tiers. The
	// original entry's remaining lifetime is not known across tiers.
	// Zero means promoted entries never expire.
	DefaultTTL time.Duration

	// Logger receives warnings about tier failures. Nil discards.
	Logger *slog.Logger
}

// Manager fans cache operations out over an ordered list of tiers.
//
// Manager is safe for concurrent use if its tiers are. It holds no package
// level state; create as many as needed.
type Manager struct {
	tiers      []Tier
	defaultTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics
}

// New returns a manager over opts.Tiers.
//
// Possible errors: [ErrNoTiers].
func New(opts Options) (*Manager, error) {
	if len(opts.Tiers) == 0 {
		return nil, ErrNoTiers
	}

	for i, t := range opts.Tiers {
		if t == nil {
			return nil, fmt.Errorf("tier %d is nil: %w", i, ErrNoTiers)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tiers := append([]Tier(nil), opts.Tiers...)

	return &Manager{
		tiers:      tiers,
		defaultTTL: opts.DefaultTTL,
		logger:     logger,
		metrics:    newMetrics(tiers),
	}, nil
}

// Name identifies the manager when it is itself used as a [Tier].
func (m *Manager) Name() string {
	return "manager"
}

// Tiers returns the configured tiers in lookup order.
func (m *Manager) Tiers() []Tier {
	return append([]Tier(nil), m.tiers...)
}

// Get returns the value from the first tier that has key, then copies it into
// every faster tier with the default TTL.
//
// A tier that fails is logged and counts as a miss. The only error returned
// is a cancelled ctx, which also counts as a miss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, t := range m.tiers {
		err := ctx.Err()
		if err != nil {
			m.metrics.recordMiss()

			return nil, false, err
		}

		value, found, err := t.Get(ctx, key)
		if err != nil {
			m.metrics.recordError(i)
			m.logger.Warn("tier get failed", "tier", t.Name(), "key", key, "error", err)

			continue
		}

		if !found {
			continue
		}

		m.metrics.recordHit(i)
		m.promote(ctx, key, value, i)

		return value, true, nil
	}

	m.metrics.recordMiss()

	return nil, false, nil
}

// promote writes value into every tier faster than hitTier. Failures are
// logged and counted, never returned.
func (m *Manager) promote(ctx context.Context, key string, value []byte, hitTier int) {
	for i := range hitTier {
		t := m.tiers[i]

		err := t.Set(ctx, key, value, m.defaultTTL)
		if err != nil {
			m.metrics.recordPromotionFailure(i)
			m.logger.Warn("tier promotion failed", "tier", t.Name(), "key", key, "error", err)
		}
	}
}

// Set writes value to every tier. It returns nil only if every tier
// succeeded; otherwise a [*WriteError] lists the failures. Tiers that
// succeeded keep the value.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.metrics.recordWrite()

	return m.each("set", key, func(t Tier) error {
		return t.Set(ctx, key, value, ttl)
	})
}

// Delete removes key from every tier. See [Manager.Set] for error semantics.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.each("delete", key, func(t Tier) error {
		return t.Delete(ctx, key)
	})
}

// Flush empties every tier. See [Manager.Set] for error semantics.
func (m *Manager) Flush(ctx context.Context) error {
	return m.each("flush", "", func(t Tier) error {
		return t.Flush(ctx)
	})
}

// Exists reports whether any tier holds a live entry for key. It neither
// promotes nor touches hit/miss counters. Tier failures count as absent.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	for i, t := range m.tiers {
		err := ctx.Err()
		if err != nil {
			return false, err
		}

		ok, err := t.Exists(ctx, key)
		if err != nil {
			m.metrics.recordError(i)
			m.logger.Warn("tier exists failed", "tier", t.Name(), "key", key, "error", err)

			continue
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return m.metrics.snapshot()
}

// Close closes every tier that implements [io.Closer] and joins the errors.
func (m *Manager) Close() error {
	var errs []error

	for _, t := range m.tiers {
		c, ok := t.(io.Closer)
		if !ok {
			continue
		}

		err := c.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) each(op, key string, fn func(t Tier) error) error {
	var failures []TierError

	for i, t := range m.tiers {
		err := fn(t)
		if err != nil {
			m.metrics.recordError(i)
			m.logger.Warn("tier "+op+" failed", "tier", t.Name(), "key", key, "error", err)
			failures = append(failures, TierError{Tier: t.Name(), Err: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}

	return &WriteError{Op: op, Key: key, Total: len(m.tiers), Failures: failures}
}
