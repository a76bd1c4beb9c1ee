package tiercache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoTiers is returned by [New] when no tier is configured.
var ErrNoTiers = errors.New("tiercache: no tiers configured")

// TierError is the failure of one tier during a write.
type TierError struct {
	Tier string
	Err  error
}

func (e TierError) Error() string {
	return e.Tier + ": " + e.Err.Error()
}

func (e TierError) Unwrap() error {
	return e.Err
}

// WriteError reports the tiers that failed a Set, Delete or Flush. Tiers not
// listed succeeded and were not rolled back.
//
// errors.Is and errors.As see through to each tier's error:
//
//	if errors.Is(err, segcache.ErrAllocation) { ... }
type WriteError struct {
	Op       string
	Key      string
	Total    int
	Failures []TierError
}

func (e *WriteError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "tiercache: %s", e.Op)

	if e.Key != "" {
		fmt.Fprintf(&b, " %q", e.Key)
	}

	fmt.Fprintf(&b, " failed in %d of %d tiers", len(e.Failures), e.Total)

	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}

		b.WriteString(f.Error())
	}

	return b.String()
}

// Unwrap returns each tier's error.
func (e *WriteError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}

	return out
}

// Failed returns the names of the tiers that failed, in tier order.
func (e *WriteError) Failed() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Tier
	}

	return out
}
