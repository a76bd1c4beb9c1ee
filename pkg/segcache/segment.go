package segcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

// Segment is an open handle to a shared-memory cache segment.
//
// A Segment is safe for concurrent use by multiple goroutines, and any number
// of processes may hold handles on the same file. Every operation runs under
// the single segment lock, re-reads the header from the mapping, and writes it
// back before releasing the lock when it changed anything.
type Segment struct {
	_ [0]func() // prevent comparison

	mu sync.RWMutex

	file          *os.File
	data          mmap.MMap
	capacity      uint64
	headerReserve uint64

	path        string
	lockTimeout time.Duration
	writeback   WritebackMode
	now         func() time.Time
	logger      *slog.Logger

	identity      fileIdentity
	registryEntry *fileRegistryEntry

	isClosed bool
}

// Record describes one index entry, as reported by [Segment.Info].
type Record struct {
	Key       string
	Offset    uint64
	Size      uint64
	CreatedAt time.Time
	ExpiresAt time.Time // zero when the entry never expires
	Hits      uint64
	Expired   bool
}

// Info is a snapshot of the segment header.
type Info struct {
	ID            uuid.UUID
	Path          string
	Capacity      uint64
	HeaderReserve uint64
	HeaderUsed    uint64
	Generation    uint64
	ItemCount     int
	UsedBytes     uint64
	FreeBytes     uint64
	Records       []Record
	Gaps          []Gap
}

// Name identifies the tier in logs and stats.
func (s *Segment) Name() string {
	return "shared"
}

// Path returns the segment file path.
func (s *Segment) Path() string {
	return s.path
}

// Get returns a copy of the value stored under key.
//
// An expired entry is removed from the index and reported as a miss. A hit
// increments the entry's hit counter.
//
// Possible errors: [ErrInvalidInput], [ErrClosed], [ErrLockTimeout],
// [ErrCorruptHeader], ctx.Err().
func (s *Segment) Get(ctx context.Context, key string) ([]byte, bool, error) {
	err := validateKey(key)
	if err != nil {
		return nil, false, err
	}

	var (
		value []byte
		found bool
	)

	err = s.withHeader(ctx, func(h *header) (bool, error) {
		a, ok := h.index[key]
		if !ok {
			return false, nil
		}

		if a.expired(s.nowNano()) {
			delete(h.index, key)
			s.logger.Debug("segment dropped expired entry", "key", key)

			return true, nil
		}

		value = make([]byte, a.size)
		copy(value, s.data[a.offset:a.end()])
		found = true
		a.hits++

		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

// Exists reports whether key is present and unexpired. It never modifies the
// segment.
//
// Possible errors: [ErrInvalidInput], [ErrClosed], [ErrLockTimeout],
// [ErrCorruptHeader], ctx.Err().
func (s *Segment) Exists(ctx context.Context, key string) (bool, error) {
	err := validateKey(key)
	if err != nil {
		return false, err
	}

	var found bool

	err = s.withHeader(ctx, func(h *header) (bool, error) {
		a, ok := h.index[key]
		found = ok && !a.expired(s.nowNano())

		return false, nil
	})

	return found, err
}

// Set stores value under key, replacing any previous value. ttl <= 0 means
// the entry never expires.
//
// The value is placed in the first gap large enough to hold it. If there is
// none, expired entries are dropped from the index and the scan runs once
// more. A failed Set leaves a previous value for key untouched.
//
// Possible errors:
//   - [ErrAllocation]: no gap large enough, even after collecting expired entries
//   - [ErrHeaderFull]: the index would not fit the header reserve (also matches [ErrAllocation])
//   - [ErrInvalidInput], [ErrClosed], [ErrLockTimeout], [ErrCorruptHeader], ctx.Err()
func (s *Segment) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := validateKey(key)
	if err != nil {
		return err
	}

	return s.withHeader(ctx, func(h *header) (bool, error) {
		now := s.nowNano()
		needed := uint64(len(value))
		collected := 0

		offset, ok := h.place(needed)
		if !ok {
			collected = h.collectExpired(now)
			if collected > 0 {
				s.logger.Debug("segment collected expired entries", "dropped", collected)

				offset, ok = h.place(needed)
			}
		}

		if !ok {
			s.logger.Warn("segment allocation failed", "key", key, "size", needed)

			return collected > 0, fmt.Errorf("no gap of %d bytes for %q: %w", needed, key, ErrAllocation)
		}

		prev, hadPrev := h.index[key]
		if hadPrev && prev.expired(now) {
			hadPrev = false
		}

		h.index[key] = &allocation{
			key:       key,
			offset:    offset,
			size:      needed,
			expiresAt: expiresAt(now, ttl),
			createdAt: now,
		}

		err := h.fits()
		if err != nil {
			if hadPrev {
				h.index[key] = prev
			} else {
				delete(h.index, key)
			}

			return collected > 0, err
		}

		copy(s.data[offset:offset+needed], value)

		return true, nil
	})
}

// Delete removes key. Deleting a missing key is not an error. The value bytes
// stay in the heap until a later Set reuses the range.
//
// Possible errors: [ErrInvalidInput], [ErrClosed], [ErrLockTimeout],
// [ErrCorruptHeader], ctx.Err().
func (s *Segment) Delete(ctx context.Context, key string) error {
	err := validateKey(key)
	if err != nil {
		return err
	}

	return s.withHeader(ctx, func(h *header) (bool, error) {
		if _, ok := h.index[key]; !ok {
			return false, nil
		}

		delete(h.index, key)

		return true, nil
	})
}

// Flush removes every entry. The header reserve, capacity and segment id are
// kept.
func (s *Segment) Flush(ctx context.Context) error {
	return s.withHeader(ctx, func(h *header) (bool, error) {
		clear(h.index)

		return true, nil
	})
}

// Len returns the number of index records, including expired entries that
// have not been collected yet.
func (s *Segment) Len(ctx context.Context) (int, error) {
	var n int

	err := s.withHeader(ctx, func(h *header) (bool, error) {
		n = len(h.index)

		return false, nil
	})

	return n, err
}

// Info returns a snapshot of the header: every record in offset order and
// every free gap.
func (s *Segment) Info(ctx context.Context) (Info, error) {
	var info Info

	err := s.withHeader(ctx, func(h *header) (bool, error) {
		now := s.nowNano()
		records := h.sorted()

		info = Info{
			ID:            h.id,
			Path:          s.path,
			Capacity:      h.capacity,
			HeaderReserve: h.headerReserve,
			HeaderUsed:    h.encodedLen(),
			Generation:    h.generation,
			ItemCount:     len(records),
			Records:       make([]Record, 0, len(records)),
			Gaps:          gaps(records, h.headerReserve, h.capacity),
		}

		for _, a := range records {
			rec := Record{
				Key:       a.key,
				Offset:    a.offset,
				Size:      a.size,
				CreatedAt: time.Unix(0, a.createdAt),
				Hits:      a.hits,
				Expired:   a.expired(now),
			}
			if a.expiresAt != noExpiry {
				rec.ExpiresAt = time.Unix(0, a.expiresAt)
			}

			info.UsedBytes += a.size
			info.Records = append(info.Records, rec)
		}

		for _, g := range info.Gaps {
			info.FreeBytes += g.Size
		}

		return false, nil
	})

	return info, err
}

// Reset discards every entry and rewrites the header, even if the current
// header is corrupt. The segment id is kept when the magic is intact.
//
// This is the recovery path for [ErrCorruptHeader] on an open handle.
func (s *Segment) Reset(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		id := uuid.New()

		var generation uint64

		p, err := readPreamble(s.data)
		if err == nil {
			id = p.id
			generation = p.generation + 1
		}

		h := newHeader(s.capacity, s.headerReserve, id)
		h.generation = generation

		s.logger.Warn("segment reset", "generation", generation)

		return s.store(h)
	})
}

// WritebackSync flushes the mapping to the backing file.
func (s *Segment) WritebackSync(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		err := s.data.Flush()
		if err != nil {
			return fmt.Errorf("msync: %w", err)
		}

		return nil
	})
}

// Close unmaps the segment and closes the file. It waits for in-flight
// operations on this handle. Close is idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}

	s.isClosed = true

	unmapErr := s.data.Unmap()
	if unmapErr != nil {
		unmapErr = fmt.Errorf("munmap: %w", unmapErr)
	}

	closeErr := s.file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close segment file: %w", closeErr)
	}

	releaseRegistryEntry(s.identity)

	s.data = nil
	s.file = nil

	return errors.Join(unmapErr, closeErr)
}

// withLock runs fn holding the handle read lock, the per-file mutex and the
// interprocess segment lock, in that order.
func (s *Segment) withLock(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed {
		return ErrClosed
	}

	s.registryEntry.mu.Lock()
	defer s.registryEntry.mu.Unlock()

	lock, err := acquireSegmentLock(ctx, s.path, s.lockTimeout)
	if err != nil {
		return err
	}
	defer releaseSegmentLock(lock)

	return fn()
}

// withHeader decodes the header under the segment lock and passes it to fn.
// When fn reports dirty, the header is written back with a new generation,
// even if fn also returned an error.
func (s *Segment) withHeader(ctx context.Context, fn func(h *header) (bool, error)) error {
	return s.withLock(ctx, func() error {
		h, err := decodeHeader(s.data, s.capacity)
		if err != nil {
			s.logger.Warn("segment header invalid", "error", err)

			return err
		}

		dirty, fnErr := fn(h)
		if dirty {
			h.generation++

			err = s.store(h)
			if err != nil {
				return err
			}
		}

		return fnErr
	})
}

// store writes h into the mapping. The caller holds the segment lock.
func (s *Segment) store(h *header) error {
	err := h.fits()
	if err != nil {
		return err
	}

	copy(s.data, h.encode())

	if s.writeback == WritebackSync {
		err = s.data.Flush()
		if err != nil {
			return fmt.Errorf("msync: %w", err)
		}
	}

	return nil
}

func (s *Segment) nowNano() int64 {
	return s.now().UnixNano()
}

// expiresAt converts a ttl into an absolute deadline, saturating at noExpiry.
func expiresAt(nowNano int64, ttl time.Duration) int64 {
	if ttl <= 0 || nowNano > noExpiry-int64(ttl) {
		return noExpiry
	}

	return nowNano + int64(ttl)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	if len(key) > maxKeyLen {
		return fmt.Errorf("key length %d exceeds max %d: %w", len(key), maxKeyLen, ErrInvalidInput)
	}

	return nil
}
