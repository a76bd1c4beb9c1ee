package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func Test_Locker_LockContext_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock1.Close()

	start := time.Now()

	_, err = locker.LockContext(t.Context(), path, 50*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockContext(%q): err=%v, want %v", path, err, ErrWouldBlock)
	}

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("LockContext returned after %s, want >= 50ms", elapsed)
	}
}

func Test_Locker_LockContext_Returns_Error_When_Timeout_Is_Non_Positive(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	for _, timeout := range []time.Duration{0, -time.Second} {
		_, err := locker.LockContext(t.Context(), path, timeout)
		if !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("LockContext(%s): err=%v, want %v", timeout, err, ErrInvalidTimeout)
		}
	}
}

func Test_Locker_LockContext_Acquires_When_Holder_Releases_Before_Deadline(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = lock1.Close()
	}()

	lock2, err := locker.LockContext(t.Context(), path, 2*time.Second)
	if err != nil {
		t.Fatalf("LockContext(%q): %v", path, err)
	}

	if err := lock2.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_LockContext_Returns_Context_Error_When_Cancelled(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock1.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err = locker.LockContext(ctx, path, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LockContext: err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func Test_Locker_LockContext_Fails_Fast_When_Context_Already_Done(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := locker.LockContext(ctx, path, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("LockContext: err=%v, want %v", err, context.Canceled)
	}

	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("lock file created for cancelled context: stat err=%v", statErr)
	}
}

func Test_Locker_Lock_Creates_Parent_Directories(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "a", "b", "seg.lock")

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat lock file: %v", err)
	}
}

func Test_Locker_Locks_Do_Not_Interfere_Across_Paths(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dir := t.TempDir()

	lockA, err := locker.Lock(filepath.Join(dir, "a.lock"))
	if err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	defer lockA.Close()

	lockB, err := locker.LockContext(t.Context(), filepath.Join(dir, "b.lock"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("LockContext(b) while a is held: %v", err)
	}

	_ = lockB.Close()
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("first Close(): %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("second Close(): %v", err)
	}
}

func Test_Locker_Lock_Retries_When_LockFile_Was_Replaced_During_Acquire(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	var calls atomic.Int32

	locker.statPath = func(p string, st *unix.Stat_t) error {
		if calls.Add(1) == 1 {
			// Simulate the path pointing at a different inode on the first check.
			err := unix.Stat(p, st)
			st.Ino++

			return err
		}

		return unix.Stat(p, st)
	}

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock.Close()

	if got := calls.Load(); got != 2 {
		t.Fatalf("stat calls=%d, want 2", got)
	}
}

func Test_Locker_Lock_Retries_On_EINTR(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	var interrupted atomic.Int32

	locker.flock = func(fd int, how int) error {
		if how == unix.LOCK_EX && interrupted.Add(1) <= 3 {
			return unix.EINTR
		}

		return unix.Flock(fd, how)
	}

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock.Close()

	if got := interrupted.Load(); got != 4 {
		t.Fatalf("flock attempts=%d, want 4", got)
	}
}
