package segcache

import "time"

// Hardcoded implementation limits.
//
// Limit violations are configuration or programming errors and return
// ErrInvalidInput.
const (
	// Maximum key length in bytes. Keys are length-prefixed with a uint16 in
	// the index encoding.
	maxKeyLen = 1024

	// Maximum segment size. mmap lengths are ints and offsets are stored as
	// uint64; this keeps all arithmetic far from overflow.
	maxCapacity = uint64(1) << 40 // 1 TiB

	// Header reserve bounds. The reserve is stored as uint32.
	minHeaderReserve = preambleSize + 64
	maxHeaderReserve = uint64(1) << 31

	// Default header reserve is capacity/defaultReserveDivisor clamped to
	// [defaultReserveMin, defaultReserveMax].
	defaultReserveDivisor = 16
	defaultReserveMin     = 4 << 10
	defaultReserveMax     = 16 << 20

	// Default wait for the segment lock.
	defaultLockTimeout = 5 * time.Second
)
