package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting
	// longer than the caller allowed.
	//
	// It is returned by the *WithTimeout/*Context methods when the acquisition
	// timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker provides exclusive file-based locking using flock(2).
//
// flock is advisory and applies to an open file description, not a pathname.
// All cooperating processes must take the lock for it to have effect. The
// kernel drops the lock when the holding process exits, so a crashed holder
// never leaves the lock file wedged.
//
// Lock a logical resource through a dedicated lock file that is stable on
// disk (for example "cache.seg.lock"). Do not replace or unlink that lock file
// while locks may be held.
//
// Locker verifies that the descriptor it locked still refers to the file
// currently at path at the moment the lock is acquired (protecting the
// open→lock window).
//
// This implementation is Unix-only. Locker is safe for concurrent use.
type Locker struct {
	fs       FS
	flock    func(fd int, how int) error
	statPath func(path string, st *unix.Stat_t) error
}

// NewLocker creates a Locker that uses the given filesystem to open lock files.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:       fs,
		flock:    unix.Flock,
		statPath: unix.Stat,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil.
//
// If both unlocking and closing fail, Close returns an error that wraps both
// underlying errors (see [errors.Join]). Closing the descriptor releases the
// flock in any case, so callers usually only log the error.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Lock acquires an exclusive lock on the file at path, blocking in the kernel
// until the lock is available.
//
// If the file or its parent directories do not exist, they are created lazily.
//
// There is no timeout. Use [Locker.LockContext] when the caller must not
// wait forever on a live holder.
func (l *Locker) Lock(path string) (*Lock, error) {
	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, true)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// LockContext attempts to acquire an exclusive lock, retrying with
// exponential backoff (1ms to 25ms) until the timeout expires or ctx is done.
//
// The timeout is best-effort: because this method polls and sleeps, it may
// overshoot slightly under scheduler delay.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired, and ctx.Err() if ctx ends first.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockContext(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, false)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		timer := time.NewTimer(min(backoff, remaining))

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, 25*time.Millisecond)
	}
}

// acquire attempts to flock the given file and verify the inode still matches
// path. On failure, the file is unlocked (if needed) but NOT closed - the
// caller must close it.
//
// Returns:
//   - nil: lock acquired successfully
//   - ErrWouldBlock: lock held elsewhere (only when blocking is false)
//   - errInodeMismatch: file at path was replaced, caller should retry
//   - other error: something went wrong
func (l *Locker) acquire(file File, path string, blocking bool) error {
	fd := int(file.Fd())

	flags := unix.LOCK_EX
	if !blocking {
		flags |= unix.LOCK_NB
	}

	err := flockRetryEINTR(l.flock, fd, flags)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, fd)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if errors.Is(err, unix.ENOENT) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath reports whether fd still refers to the file currently at
// path.
//
// flock locks by inode. If path is replaced (rename, delete+recreate) while a
// process is opening or waiting, it can end up holding a lock on an inode no
// other process will ever open again, while a second process locks the new
// inode. Callers check immediately after flock and retry on mismatch.
func (l *Locker) inodeMatchesPath(path string, fd int) (bool, error) {
	var open unix.Stat_t

	err := unix.Fstat(fd, &open)
	if err != nil {
		return false, err
	}

	var atPath unix.Stat_t

	err = l.statPath(path, &atPath)
	if err != nil {
		return false, err
	}

	return open.Dev == atPath.Dev && open.Ino == atPath.Ino, nil
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Signals such as SIGCHLD or SIGWINCH interrupt a blocking flock without it
// having failed. Retries are capped so a signal storm cannot spin forever.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
