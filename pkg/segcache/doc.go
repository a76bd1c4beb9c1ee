// Package segcache provides the shared-segment cache tier: a fixed-size,
// memory-mapped file that every process on a host can map, with a private
// allocator living inside it.
//
// The segment starts with a reserved header region holding a serialized index
// (key → offset, size, expiry, hits). Everything after the header is the value
// heap. Values are placed with a first-fit scan over the gaps between live
// allocations. Deleted and expired ranges are never zeroed; they become part of
// whatever gap the next [Segment.Set] discovers. Expired entries are dropped
// from the index lazily: by [Segment.Get] when it finds one, or in bulk by a
// [Segment.Set] that could not find space on its first scan.
//
// # Basic Usage
//
//	opts := segcache.Options{
//	    Path:          "/dev/shm/app.seg",
//	    Capacity:      64 << 20,
//	    HeaderReserve: 1 << 20,
//	}
//
//	seg, err := segcache.Open(opts)
//	if errors.Is(err, segcache.ErrCorruptHeader) {
//	    // explicit, destructive recovery
//	    err = segcache.Reset(opts)
//	    if err == nil {
//	        seg, err = segcache.Open(opts)
//	    }
//	}
//	if err != nil {
//	    return err
//	}
//	defer seg.Close()
//
//	err = seg.Set(ctx, "user:42", payload, time.Minute)
//	value, found, err := seg.Get(ctx, "user:42")
//
// # Concurrency
//
// Every operation serializes on one lock for the whole segment: an in-process
// mutex shared by all handles on the same file, then an flock(2) on
// Path+".lock" shared with other processes. Acquisition waits at most
// [Options.LockTimeout] and then fails with [ErrLockTimeout]. The kernel
// releases the flock when a holder dies, so a crashed process cannot wedge the
// others.
//
// # Error Handling
//
// Allocation errors ([ErrAllocation], [ErrHeaderFull]) are fatal to the one
// [Segment.Set] call only. [ErrCorruptHeader] means the header failed
// validation; nothing is reinitialised until the caller invokes [Reset] or
// [Segment.Reset].
package segcache
