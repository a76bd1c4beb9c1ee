// Package tiercache composes cache tiers behind one interface.
//
// A [Manager] holds an ordered list of tiers, fastest first. Reads fall
// through the list and promote a hit into every faster tier. Writes go to
// every tier independently, with no rollback: a partial failure is reported
// as a [*WriteError] while the tiers that succeeded keep the value.
//
// The tiers shipped with this module are:
//
//   - memtier.Cache: in-process map (ephemeral)
//   - segcache.Segment: memory-mapped file shared by every process on the host
//   - sqltier.Store: SQLite file (durable)
//
// Any other type implementing [Tier] can be mixed in.
package tiercache

import (
	"context"
	"time"
)

// Tier is the capability every cache level offers.
//
// Get reports a miss as (nil, false, nil). Errors are reserved for failures
// of the tier itself. A ttl <= 0 means the entry never expires.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Exists(ctx context.Context, key string) (bool, error)
}
