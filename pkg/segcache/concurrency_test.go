// Concurrency: multiple goroutines and handles sharing one segment
//
// Oracle: layout invariants (no overlap, inside heap) and value checksums
// Technique: randomized concurrent workload with errgroup, then a full audit
//
// Failures here mean: "two writers interleaved inside the segment lock, or a
// handle observed stale header state"

package segcache_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/tiercache/internal/fs"
	"github.com/calvinalkan/tiercache/pkg/segcache"
)

func Test_Segment_Handles_Observe_Each_Others_Writes_When_Sharing_A_File(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	opts := newTestOptions(t, nil)
	a := openSegment(t, opts)
	b := openSegment(t, opts)

	err := a.Set(ctx, "k", []byte("from-a"), 0)
	if err != nil {
		t.Fatalf("Set via a: %v", err)
	}

	value, found := mustGet(t, ctx, b, "k")
	if !found || string(value) != "from-a" {
		t.Fatalf("b.Get=(%q,%v)", value, found)
	}

	err = b.Delete(ctx, "k")
	if err != nil {
		t.Fatalf("Delete via b: %v", err)
	}

	if _, found := mustGet(t, ctx, a, "k"); found {
		t.Fatalf("a still sees key deleted through b")
	}
}

func Test_Segment_Returns_ErrLockTimeout_When_Lock_Is_Held_Elsewhere(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t, nil)
	opts.LockTimeout = 50 * time.Millisecond
	seg := openSegment(t, opts)

	// A separate open file description conflicts with the segment's flock
	// exactly as another process would.
	held, err := fs.NewLocker(fs.NewReal()).Lock(opts.Path + ".lock")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	start := time.Now()

	_, _, err = seg.Get(t.Context(), "k")
	if !errors.Is(err, segcache.ErrLockTimeout) {
		t.Fatalf("err=%v, want ErrLockTimeout", err)
	}

	if waited := time.Since(start); waited < opts.LockTimeout {
		t.Fatalf("gave up after %s, before the %s timeout", waited, opts.LockTimeout)
	}

	_ = held.Close()

	_, _, err = seg.Get(t.Context(), "k")
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
}

func Test_Segment_Keeps_Layout_Valid_When_Many_Goroutines_Write_Concurrently(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	opts := newTestOptions(t, nil)
	handles := []*segcache.Segment{openSegment(t, opts), openSegment(t, opts)}

	const (
		workers = 8
		ops     = 150
		keys    = 24
	)

	g, gctx := errgroup.WithContext(ctx)

	for w := range workers {
		seg := handles[w%len(handles)]

		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), 99))

			for range ops {
				key := fmt.Sprintf("key-%02d", rng.IntN(keys))

				switch rng.IntN(4) {
				case 0:
					err := seg.Delete(gctx, key)
					if err != nil {
						return fmt.Errorf("Delete(%s): %w", key, err)
					}
				case 1:
					_, _, err := seg.Get(gctx, key)
					if err != nil {
						return fmt.Errorf("Get(%s): %w", key, err)
					}
				default:
					err := seg.Set(gctx, key, patternFor(key, rng.IntN(4096)), 0)
					if err != nil && !errors.Is(err, segcache.ErrAllocation) {
						return fmt.Errorf("Set(%s): %w", key, err)
					}
				}
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		t.Fatal(err)
	}

	info, err := handles[0].Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	end := uint64(testReserve)

	for _, rec := range info.Records {
		if rec.Offset < end {
			t.Fatalf("record %s at %d overlaps previous end %d", rec.Key, rec.Offset, end)
		}

		end = rec.Offset + rec.Size
		if end > testCapacity {
			t.Fatalf("record %s ends past capacity", rec.Key)
		}

		value, found := mustGet(t, ctx, handles[1], rec.Key)
		if !found {
			t.Fatalf("indexed key %s not readable", rec.Key)
		}

		if !bytes.Equal(value, patternFor(rec.Key, len(value))) {
			t.Fatalf("value for %s is torn", rec.Key)
		}
	}
}

// patternFor fills n bytes with a pattern derived from key so a value
// written for one key is unlikely to pass as another key's value.
func patternFor(key string, n int) []byte {
	var seed byte
	for i := range len(key) {
		seed = seed*31 + key[i]
	}

	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%7)
	}

	return out
}
