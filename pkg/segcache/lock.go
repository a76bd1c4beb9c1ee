package segcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/tiercache/internal/fs"
)

// Locking architecture
//
//  1. Segment.mu: per-handle closed state. Operations hold RLock for their
//     whole duration so Close waits for in-flight calls.
//
//  2. registryEntry.mu: per-file in-process mutex shared by every Segment
//     handle on the same (dev, ino). Serializes goroutines before they touch
//     the flock, which on its own only excludes other open file descriptions.
//
//  3. interprocess segment lock: flock on Path+".lock", taken by every
//     operation. This is the single whole-segment lock: there is no per-key
//     or sharded locking.
//
// Lock ordering: Segment.mu → registryEntry.mu → interprocess lock

// fileRegistry maps file identities to their per-file lock state.
var fileRegistry sync.Map // map[fileIdentity]*fileRegistryEntry

// locker is the package-level file locker for cross-process coordination.
var locker = fs.NewLocker(fs.NewReal())

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// fileRegistryEntry tracks per-file state shared across all Segment handles
// backed by the same file.
type fileRegistryEntry struct {
	mu sync.Mutex

	// openCount tracks the number of open handles for this file.
	// When it reaches zero, the entry is removed from fileRegistry.
	openCount atomic.Int32
}

// acquireSegmentLock takes the interprocess lock for the segment at path.
//
// timeout > 0 polls until the deadline; timeout < 0 blocks in the kernel with
// no limit and ignores ctx once waiting.
//
// Possible errors: [ErrLockTimeout], ctx.Err(), lock file I/O errors.
func acquireSegmentLock(ctx context.Context, path string, timeout time.Duration) (*fs.Lock, error) {
	lockPath := path + ".lock"

	if timeout < 0 {
		err := ctx.Err()
		if err != nil {
			return nil, err
		}

		lock, err := locker.Lock(lockPath)
		if err != nil {
			return nil, fmt.Errorf("acquire segment lock: %w", err)
		}

		return lock, nil
	}

	lock, err := locker.LockContext(ctx, lockPath, timeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w after %s: %w", ErrLockTimeout, timeout, err)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, fmt.Errorf("acquire segment lock: %w", err)
	}

	return lock, nil
}

// releaseSegmentLock releases the lock. Safe to call with nil.
// The lock file itself persists.
func releaseSegmentLock(lock *fs.Lock) {
	if lock == nil {
		return
	}

	_ = lock.Close()
}

// getFileIdentity returns the device and inode for a file.
func getFileIdentity(fd int) (fileIdentity, error) {
	var stat unix.Stat_t

	err := unix.Fstat(fd, &stat)
	if err != nil {
		return fileIdentity{}, fmt.Errorf("stat: %w", err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}

// getOrCreateRegistryEntry gets or creates a fileRegistryEntry for the given identity,
// incrementing its open count. Callers must call releaseRegistryEntry when done.
func getOrCreateRegistryEntry(id fileIdentity) *fileRegistryEntry {
	for {
		if val, loaded := fileRegistry.Load(id); loaded {
			entry, ok := val.(*fileRegistryEntry)
			if !ok {
				fileRegistry.CompareAndDelete(id, val)

				continue
			}

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					// Entry is being removed, create a new one.
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &fileRegistryEntry{}
		entry.openCount.Store(1)

		_, loaded := fileRegistry.LoadOrStore(id, entry)
		if !loaded {
			return entry
		}

		// Another goroutine created the entry first, retry the loop.
	}
}

// releaseRegistryEntry decrements the open count for a fileRegistryEntry
// and removes it from fileRegistry when the count reaches zero.
func releaseRegistryEntry(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}

	entry, ok := val.(*fileRegistryEntry)
	if !ok {
		fileRegistry.CompareAndDelete(id, val)

		return
	}

	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}
