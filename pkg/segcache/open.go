package segcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

// WritebackMode controls durability of segment mutations.
type WritebackMode int

const (
	// WritebackNone leaves flushing to the kernel.
	//
	// Changes are visible to other processes immediately (the mapping is
	// shared) but may be lost on power failure. This is the default.
	WritebackNone WritebackMode = iota

	// WritebackSync msyncs the mapping after every mutation.
	WritebackSync
)

// Options configures opening or creating a segment file.
type Options struct {
	// Path is the filesystem path to the segment file, typically under
	// /dev/shm so the mapping never touches disk.
	//
	// Required. A lock file is also created at Path+".lock".
	Path string

	// Capacity is the total segment size in bytes, header included.
	//
	// Required when the file does not exist yet. When zero and the file
	// exists, the existing size is used. When non-zero it must match an
	// existing file, otherwise [Open] returns [ErrIncompatible].
	Capacity uint64

	// HeaderReserve is the number of bytes reserved at the start of the
	// segment for the serialized index.
	//
	// Zero picks capacity/16 clamped to [4 KiB, 16 MiB] for new files and
	// adopts the stored value for existing files.
	HeaderReserve uint64

	// LockTimeout bounds the wait for the segment lock.
	//
	// Zero means 5s. Negative blocks indefinitely.
	LockTimeout time.Duration

	// Writeback controls durability. Default is [WritebackNone].
	Writeback WritebackMode

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time

	// Logger receives debug/warn events. Nil discards.
	Logger *slog.Logger
}

func (opts Options) withDefaults() Options {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return opts
}

// defaultHeaderReserve sizes the header for a new segment.
func defaultHeaderReserve(capacity uint64) uint64 {
	reserve := min(max(capacity/defaultReserveDivisor, defaultReserveMin), defaultReserveMax)
	if reserve >= capacity {
		reserve = capacity / 2
	}

	return reserve
}

// validate checks option ranges that do not depend on an existing file.
func (opts Options) validate() error {
	if opts.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.Capacity > maxCapacity {
		return fmt.Errorf("capacity %d exceeds max %d: %w", opts.Capacity, maxCapacity, ErrInvalidInput)
	}

	if opts.HeaderReserve != 0 {
		if opts.HeaderReserve < minHeaderReserve || opts.HeaderReserve > maxHeaderReserve {
			return fmt.Errorf("header_reserve %d out of range [%d, %d]: %w",
				opts.HeaderReserve, minHeaderReserve, maxHeaderReserve, ErrInvalidInput)
		}

		if opts.Capacity != 0 && opts.HeaderReserve >= opts.Capacity {
			return fmt.Errorf("header_reserve %d must be smaller than capacity %d: %w",
				opts.HeaderReserve, opts.Capacity, ErrInvalidInput)
		}
	}

	switch opts.Writeback {
	case WritebackNone, WritebackSync:
	default:
		return fmt.Errorf("unknown writeback mode %d: %w", opts.Writeback, ErrInvalidInput)
	}

	return nil
}

// newLayout resolves capacity and header reserve for a segment that is about
// to be created or reset.
func (opts Options) newLayout() (uint64, uint64, error) {
	capacity := opts.Capacity

	reserve := opts.HeaderReserve
	if reserve == 0 {
		reserve = defaultHeaderReserve(capacity)
	}

	if reserve < minHeaderReserve || reserve >= capacity {
		return 0, 0, fmt.Errorf("capacity %d too small for header reserve %d: %w", capacity, reserve, ErrInvalidInput)
	}

	return capacity, reserve, nil
}

// Open opens or creates a segment file at opts.Path and maps it shared.
//
// Creation and validation run under the segment lock, so concurrent openers
// in other processes agree on one inode and one header.
//
// A corrupt header is never repaired here. Open returns [ErrCorruptHeader]
// and the caller decides whether to call [Reset].
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options, or Capacity missing for a new file
//   - [ErrIncompatible]: existing file has a different capacity or header reserve
//   - [ErrCorruptHeader]: existing header failed validation
//   - [ErrLockTimeout]: another process held the lock too long
//   - syscall errors: open, truncate, mmap
func Open(opts Options) (*Segment, error) {
	err := opts.validate()
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	lock, err := acquireSegmentLock(context.Background(), opts.Path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer releaseSegmentLock(lock)

	info, err := os.Stat(opts.Path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		err = createSegmentFile(opts)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("stat segment: %w", err)
	case info.Size() == 0:
		err = initializeFile(opts, uuid.New())
		if err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	seg, err := mapAndValidate(file, opts)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return seg, nil
}

// Reset destructively reinitializes the segment at opts.Path: every entry is
// discarded and a fresh header is written. It is the explicit recovery path
// for [ErrCorruptHeader].
//
// If the file is missing it is created. If opts.Capacity is zero the current
// file size is kept; otherwise the file is resized to opts.Capacity. When the
// old preamble is still readable, its segment id and (unless overridden)
// header reserve are kept.
//
// Handles that are already open keep working and observe the empty index on
// their next operation, provided the layout did not change.
//
// Possible errors: [ErrInvalidInput], [ErrLockTimeout], syscall errors.
func Reset(opts Options) error {
	err := opts.validate()
	if err != nil {
		return err
	}

	opts = opts.withDefaults()

	lock, err := acquireSegmentLock(context.Background(), opts.Path, opts.LockTimeout)
	if err != nil {
		return err
	}
	defer releaseSegmentLock(lock)

	info, err := os.Stat(opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return createSegmentFile(opts)
	}

	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}

	if opts.Capacity == 0 {
		opts.Capacity = uint64(info.Size())
	}

	id := uuid.New()

	prev, ok := readExistingPreamble(opts.Path)
	if ok {
		id = prev.id

		if opts.HeaderReserve == 0 && prev.headerReserve < opts.Capacity {
			opts.HeaderReserve = prev.headerReserve
		}
	}

	opts.Logger.Warn("segment reset", "path", opts.Path, "capacity", opts.Capacity)

	return initializeFile(opts, id)
}

// readExistingPreamble returns the preamble of the file at path if it is
// still structurally valid. The index and checksum are not checked.
func readExistingPreamble(path string) (preamble, bool) {
	f, err := os.Open(path)
	if err != nil {
		return preamble{}, false
	}

	defer func() { _ = f.Close() }()

	buf := make([]byte, preambleSize)

	_, err = f.ReadAt(buf, 0)
	if err != nil {
		return preamble{}, false
	}

	p, err := readPreamble(buf)
	if err != nil {
		return preamble{}, false
	}

	return p, true
}

// createSegmentFile creates a new segment using temp + rename so other
// processes never map a half-initialized file.
func createSegmentFile(opts Options) error {
	if opts.Capacity == 0 {
		return fmt.Errorf("capacity is required to create %s: %w", opts.Path, ErrInvalidInput)
	}

	capacity, reserve, err := opts.newLayout()
	if err != nil {
		return err
	}

	dir := filepath.Dir(opts.Path)

	err = os.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(opts.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpPath := tmp.Name()

	err = writeFreshHeader(tmp, capacity, reserve, uuid.New())
	if err == nil {
		err = tmp.Chmod(0o600)
	}

	closeErr := tmp.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}

	if err != nil {
		_ = os.Remove(tmpPath)

		return err
	}

	err = os.Rename(tmpPath, opts.Path)
	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("rename: %w", err)
	}

	return nil
}

// initializeFile writes a fresh header into an existing file in place,
// resizing it to opts.Capacity.
func initializeFile(opts Options, id uuid.UUID) error {
	file, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}

	if opts.Capacity == 0 {
		_ = file.Close()

		return fmt.Errorf("capacity is required to initialize %s: %w", opts.Path, ErrInvalidInput)
	}

	capacity, reserve, err := opts.newLayout()
	if err != nil {
		_ = file.Close()

		return err
	}

	err = writeFreshHeader(file, capacity, reserve, id)

	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close segment: %w", closeErr)
	}

	return err
}

// writeFreshHeader truncates f to capacity and writes an empty header.
func writeFreshHeader(f *os.File, capacity, reserve uint64, id uuid.UUID) error {
	err := f.Truncate(int64(capacity))
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	h := newHeader(capacity, reserve, id)

	_, err = f.WriteAt(h.encode(), 0)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	err = f.Sync()
	if err != nil {
		return fmt.Errorf("fsync: %w", err)
	}

	return nil
}

// mapAndValidate maps file, checks its header against opts and builds the
// Segment. The caller holds the segment lock. On error the caller closes file.
func mapAndValidate(file *os.File, opts Options) (*Segment, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	size := uint64(info.Size())
	if size > maxCapacity {
		return nil, fmt.Errorf("segment size %d exceeds max %d: %w", size, maxCapacity, ErrInvalidInput)
	}

	if opts.Capacity != 0 && opts.Capacity != size {
		return nil, fmt.Errorf("segment size %d, requested capacity %d: %w", size, opts.Capacity, ErrIncompatible)
	}

	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	h, err := decodeHeader(data, size)
	if err != nil {
		_ = data.Unmap()

		return nil, err
	}

	if opts.HeaderReserve != 0 && opts.HeaderReserve != h.headerReserve {
		_ = data.Unmap()

		return nil, fmt.Errorf("segment header_reserve %d, requested %d: %w", h.headerReserve, opts.HeaderReserve, ErrIncompatible)
	}

	identity, err := getFileIdentity(int(file.Fd()))
	if err != nil {
		_ = data.Unmap()

		return nil, err
	}

	return &Segment{
		file:          file,
		data:          data,
		capacity:      size,
		headerReserve: h.headerReserve,
		path:          opts.Path,
		lockTimeout:   opts.LockTimeout,
		writeback:     opts.Writeback,
		now:           opts.Now,
		logger:        opts.Logger.With("segment", opts.Path),
		identity:      identity,
		registryEntry: getOrCreateRegistryEntry(identity),
	}, nil
}
