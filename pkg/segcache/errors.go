package segcache

import "errors"

// Sentinel errors returned by segcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, segcache.ErrAllocation) {
//	    // value did not fit; other tiers may still hold it
//	}
var (
	// ErrAllocation indicates no contiguous free region could hold the value,
	// even after expired entries were collected.
	//
	// Total free bytes may still exceed the request: fragmentation is a real
	// failure mode of first-fit placement.
	ErrAllocation = errors.New("segcache: allocation failed")

	// ErrHeaderFull indicates the serialized index would not fit in the
	// reserved header region. It also matches [ErrAllocation].
	//
	// Recovery: reset the segment with a larger [Options.HeaderReserve].
	ErrHeaderFull error = &headerFullError{}

	// ErrCorruptHeader indicates the header failed validation (magic, version,
	// checksum, or index invariants).
	//
	// Recovery: call [Reset] (or [Segment.Reset]). All entries are discarded.
	ErrCorruptHeader = errors.New("segcache: corrupt header")

	// ErrIncompatible indicates the file is a valid segment but was created
	// with a different capacity or header reserve than requested.
	ErrIncompatible = errors.New("segcache: incompatible")

	// ErrLockTimeout indicates the segment lock could not be acquired within
	// [Options.LockTimeout].
	//
	// Recovery: retry later. A live process is holding the lock.
	ErrLockTimeout = errors.New("segcache: lock timeout")

	// ErrClosed indicates the [Segment] has already been closed.
	ErrClosed = errors.New("segcache: closed")

	// ErrInvalidInput indicates invalid arguments or options.
	ErrInvalidInput = errors.New("segcache: invalid input")
)

type headerFullError struct{}

func (*headerFullError) Error() string { return "segcache: header full" }

// Is makes errors.Is(ErrHeaderFull, ErrAllocation) hold.
func (*headerFullError) Is(target error) bool { return target == ErrAllocation }
