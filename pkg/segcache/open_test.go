// Open validation: unit tests for Open() and Reset()
//
// Oracle: expected error types (ErrIncompatible, ErrCorruptHeader, ErrInvalidInput)
// Technique: table-driven unit tests
//
// Failures here mean: "Open accepted a segment it should have rejected, or
// silently repaired a header it should have reported"

package segcache_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/tiercache/pkg/segcache"
)

func Test_Open_Creates_Segment_File_When_Path_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t, nil)
	opts.Path = filepath.Join(t.TempDir(), "nested", "dir", "cache.seg")

	seg := openSegment(t, opts)

	info, err := os.Stat(opts.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if info.Size() != testCapacity {
		t.Fatalf("size=%d, want %d", info.Size(), testCapacity)
	}

	segInfo, err := seg.Info(t.Context())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	if segInfo.HeaderReserve != testReserve || segInfo.ItemCount != 0 {
		t.Fatalf("info=%+v", segInfo)
	}

	matches, _ := filepath.Glob(opts.Path + ".tmp.*")
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func Test_Open_Adopts_Existing_Layout_When_Capacity_And_Reserve_Are_Zero(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	opts := newTestOptions(t, nil)

	first := openSegment(t, opts)

	err := first.Set(ctx, "k", []byte("v"), 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	second := openSegment(t, segcache.Options{Path: opts.Path})

	info, err := second.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	if info.Capacity != testCapacity || info.HeaderReserve != testReserve || info.ItemCount != 1 {
		t.Fatalf("info=%+v", info)
	}
}

func Test_Open_Uses_Default_Header_Reserve_When_Unset(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t, nil)
	opts.Capacity = 1 << 20
	opts.HeaderReserve = 0

	seg := openSegment(t, opts)

	info, err := seg.Info(t.Context())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	if info.HeaderReserve != 64<<10 {
		t.Fatalf("HeaderReserve=%d, want %d", info.HeaderReserve, 64<<10)
	}
}

func Test_Open_Returns_ErrIncompatible_When_Reopening_With_Mismatched_Options(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(segcache.Options) segcache.Options
	}{
		{
			name: "Capacity",
			mutate: func(opts segcache.Options) segcache.Options {
				opts.Capacity *= 2

				return opts
			},
		},
		{
			name: "HeaderReserve",
			mutate: func(opts segcache.Options) segcache.Options {
				opts.HeaderReserve *= 2

				return opts
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := newTestOptions(t, nil)

			seg, err := segcache.Open(opts)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			_ = seg.Close()

			_, err = segcache.Open(tc.mutate(opts))
			if !errors.Is(err, segcache.ErrIncompatible) {
				t.Fatalf("err=%v, want ErrIncompatible", err)
			}
		})
	}
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cases := []struct {
		name string
		opts segcache.Options
	}{
		{name: "EmptyPath", opts: segcache.Options{Capacity: testCapacity}},
		{name: "MissingCapacityForNewFile", opts: segcache.Options{Path: filepath.Join(dir, "a.seg")}},
		{name: "ReserveTooSmall", opts: segcache.Options{Path: filepath.Join(dir, "b.seg"), Capacity: testCapacity, HeaderReserve: 16}},
		{name: "ReserveNotBelowCapacity", opts: segcache.Options{Path: filepath.Join(dir, "c.seg"), Capacity: 4096, HeaderReserve: 4096}},
		{name: "CapacityTooSmallForHeader", opts: segcache.Options{Path: filepath.Join(dir, "d.seg"), Capacity: 100}},
		{name: "UnknownWriteback", opts: segcache.Options{Path: filepath.Join(dir, "e.seg"), Capacity: testCapacity, Writeback: 42}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := segcache.Open(tc.opts)
			if !errors.Is(err, segcache.ErrInvalidInput) {
				t.Fatalf("err=%v, want ErrInvalidInput", err)
			}
		})
	}
}

func Test_Open_Returns_ErrCorruptHeader_And_Leaves_File_When_Header_Is_Damaged(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	opts := newTestOptions(t, nil)

	seg, err := segcache.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = seg.Set(ctx, "k", []byte("v"), 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	_ = seg.Close()

	corruptChecksum(t, opts.Path)

	before, err := os.ReadFile(opts.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	_, err = segcache.Open(opts)
	if !errors.Is(err, segcache.ErrCorruptHeader) {
		t.Fatalf("err=%v, want ErrCorruptHeader", err)
	}

	after, err := os.ReadFile(opts.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(before) != string(after) {
		t.Fatalf("Open modified a corrupt segment")
	}

	err = segcache.Reset(segcache.Options{Path: opts.Path})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}

	seg = openSegment(t, opts)

	n, err := seg.Len(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Len=(%d,%v) after Reset, want (0,nil)", n, err)
	}
}

func Test_Open_Succeeds_When_Reopened_After_Reset_Of_Corrupt_Segment(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	opts := newTestOptions(t, nil)

	seg := openSegment(t, opts)
	_ = seg.Close()

	corruptChecksum(t, opts.Path)

	seg, err := segcache.Open(opts)
	if errors.Is(err, segcache.ErrCorruptHeader) {
		err = segcache.Reset(opts)
		if err == nil {
			seg, err = segcache.Open(opts)
		}
	}

	if err != nil {
		t.Fatalf("recovery: %v", err)
	}

	t.Cleanup(func() { _ = seg.Close() })

	err = seg.Set(ctx, "k", []byte("v"), 0)
	if err != nil {
		t.Fatalf("Set after recovery: %v", err)
	}

	value, found := mustGet(t, ctx, seg, "k")
	if !found || string(value) != "v" {
		t.Fatalf("Get=(%q,%v), want v", value, found)
	}
}

func Test_Open_Initializes_Segment_When_File_Is_Empty(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t, nil)

	err := os.WriteFile(opts.Path, nil, 0o600)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	seg := openSegment(t, opts)

	err = seg.Set(t.Context(), "k", []byte("v"), 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func Test_Reset_Returns_ErrInvalidInput_When_File_Is_Missing_And_Capacity_Is_Zero(t *testing.T) {
	t.Parallel()

	err := segcache.Reset(segcache.Options{Path: filepath.Join(t.TempDir(), "missing.seg")})
	if !errors.Is(err, segcache.ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}
