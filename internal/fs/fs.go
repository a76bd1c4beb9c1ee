// Package fs provides the small filesystem surface tiercache needs: file
// access through an interface that tests can stub, atomic whole-file writes,
// and advisory flock(2) locks with timeouts.
//
// Example usage:
//
//	locker := fs.NewLocker(fs.NewReal())
//
//	lock, err := locker.LockContext(ctx, "/dev/shm/app.seg.lock", time.Second)
//	if err != nil {
//	    return err // errors.Is(err, fs.ErrWouldBlock) on timeout
//	}
//	defer lock.Close()
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like flock(2).
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations used by the cache and its tooling.
//
// [Real] is the production implementation. Tests substitute stubs to
// exercise lock acquisition races without touching the real filesystem.
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to a file atomically.
	// Uses a temp file + rename to prevent partial writes on crash.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
