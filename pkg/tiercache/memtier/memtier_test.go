package memtier_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tiercache/pkg/tiercache/memtier"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func Test_Cache_Get_Returns_Value_When_Key_Was_Set(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	_, found, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func Test_Cache_Get_Returns_Found_When_Value_Is_Empty(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	require.NoError(t, c.Set(ctx, "empty", nil, 0))

	value, found, err := c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, value)
}

func Test_Cache_Copies_Values_When_Caller_Mutates_Buffers(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	in := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", in, 0))
	in[0] = 'X'

	out, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	out[1] = 'Y'

	again, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func Test_Cache_Get_Drops_Entry_When_Ttl_Has_Elapsed(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	clock := newClock()
	c := memtier.New(memtier.Options{Now: clock.Now})

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))

	clock.Advance(time.Second - 1)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(1)

	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "Exists must not remove expired entries")

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}

func Test_Cache_Get_Counts_Hits_But_Exists_Does_Not(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	for range 2 {
		_, _, err := c.Get(ctx, "k")
		require.NoError(t, err)
	}

	_, err := c.Exists(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, uint64(2), c.Hits("k"))

	require.NoError(t, c.Set(ctx, "k", []byte("w"), 0))
	assert.Equal(t, uint64(0), c.Hits("k"), "overwrite resets hits")
}

func Test_Cache_Set_Returns_ErrFull_When_Bound_Is_Reached(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	clock := newClock()
	c := memtier.New(memtier.Options{MaxEntries: 2, Now: clock.Now})

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	require.ErrorIs(t, c.Set(ctx, "c", []byte("3"), 0), memtier.ErrFull)
	require.NoError(t, c.Set(ctx, "b", []byte("22"), 0), "overwriting an existing key needs no room")

	clock.Advance(time.Second)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0), "expired a makes room")
	assert.Equal(t, 2, c.Len())
}

func Test_Cache_Delete_And_Flush_Remove_Entries(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}

	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "a"))
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Len())
}

func Test_Cache_Returns_Errors_When_Closed_Or_Key_Is_Empty(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := memtier.New(memtier.Options{})

	require.ErrorIs(t, c.Set(ctx, "", nil, 0), memtier.ErrInvalidInput)

	_, _, err := c.Get(ctx, "")
	require.ErrorIs(t, err, memtier.ErrInvalidInput)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, memtier.ErrClosed)
	require.ErrorIs(t, c.Set(ctx, "k", nil, 0), memtier.ErrClosed)
}
