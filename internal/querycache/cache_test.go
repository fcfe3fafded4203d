package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(prefix string) (Fetcher, *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (any, error) {
		return prefix + string(rune('0'+n.Add(1))), nil
	}, &n
}

func TestCache_FetchAndGet(t *testing.T) {
	c := New(nil)
	fetch, calls := counter("tree-")
	release := c.Register("project:p1", fetch)
	defer release()

	_, ok := c.Get("project:p1")
	assert.False(t, ok, "no result before first fetch")

	got, err := c.Fetch(context.Background(), "project:p1")
	require.NoError(t, err)
	assert.Equal(t, "tree-1", got)

	cached, ok := c.Get("project:p1")
	require.True(t, ok)
	assert.Equal(t, "tree-1", cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_FetchUnregistered(t *testing.T) {
	c := New(nil)
	_, err := c.Fetch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCache_RegisterRefCounts(t *testing.T) {
	c := New(nil)
	fetch, _ := counter("x")
	releaseA := c.Register("k", fetch)
	releaseB := c.Register("k", fetch)

	releaseA()
	releaseA() // idempotent
	assert.Equal(t, []string{"k"}, c.Keys())

	releaseB()
	assert.Empty(t, c.Keys())
}

func TestCache_RefetchActive(t *testing.T) {
	c := New(nil, WithConcurrency(2))
	f1, n1 := counter("a")
	f2, n2 := counter("b")
	c.Register("one", f1)
	c.Register("two", f2)

	require.NoError(t, c.RefetchActive(context.Background()))
	require.NoError(t, c.RefetchActive(context.Background()))

	assert.Equal(t, int32(2), n1.Load())
	assert.Equal(t, int32(2), n2.Load())
	got, _ := c.Get("two")
	assert.Equal(t, "b2", got)
	assert.Equal(t, int64(2), c.Stats().Refetches)
}

func TestCache_RefetchActiveJoinsErrors(t *testing.T) {
	c := New(nil)
	boom := errors.New("boom")
	okFetch, okCalls := counter("ok")
	c.Register("bad", func(context.Context) (any, error) { return nil, boom })
	c.Register("good", okFetch)

	err := c.RefetchActive(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), okCalls.Load(), "healthy query still refetched")

	states := c.Queries()
	require.Len(t, states, 2)
	assert.Equal(t, "bad", states[0].Key)
	assert.Equal(t, "boom", states[0].LastError)
	assert.True(t, states[1].Cached)
}

func TestCache_RefetchConcurrencyBound(t *testing.T) {
	c := New(nil, WithConcurrency(2))
	var inFlight, maxInFlight atomic.Int32
	slow := func(context.Context) (any, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := maxInFlight.Load()
			if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		c.Register(k, slow)
	}

	require.NoError(t, c.RefetchActive(context.Background()))
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestCache_ResetDropsResultsAndRefetches(t *testing.T) {
	c := New(nil)
	fetch, calls := counter("v")
	c.Register("k", fetch)
	_, err := c.Fetch(context.Background(), "k")
	require.NoError(t, err)

	require.NoError(t, c.Reset(context.Background()))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Resets)
}

func TestCache_ResetDiscardsInFlightFetch(t *testing.T) {
	c := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var first sync.Once
	var calls atomic.Int32
	c.Register("k", func(context.Context) (any, error) {
		n := calls.Add(1)
		if n == 1 {
			first.Do(func() { close(started) })
			<-release
			return "stale", nil
		}
		return "fresh", nil
	})

	done := make(chan struct{})
	go func() {
		c.Fetch(context.Background(), "k")
		close(done)
	}()
	<-started

	require.NoError(t, c.Reset(context.Background()))
	close(release)
	<-done

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestCache_ConcurrentTriggersIdempotent(t *testing.T) {
	c := New(nil)
	c.Register("k", func(context.Context) (any, error) { return "same", nil })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); c.RefetchActive(context.Background()) }()
		go func() { defer wg.Done(); c.Reset(context.Background()) }()
	}
	wg.Wait()

	// A final refetch always leaves a result behind.
	require.NoError(t, c.RefetchActive(context.Background()))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "same", got)
}
