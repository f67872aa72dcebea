package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyCacheStoreAndLookup(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	c.Store("key1", CachedResponse{Status: "OK", OutputJSON: `{"a":1}`})

	got, ok := c.Lookup("key1")
	require.True(t, ok)
	require.Equal(t, "OK", got.Status)
	require.Equal(t, `{"a":1}`, got.OutputJSON)
}

func TestIdempotencyCacheMissOnUnknownKey(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	_, ok := c.Lookup("nope")
	require.False(t, ok)
}

func TestIdempotencyCacheEmptyKeyNeverStored(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	c.Store("", CachedResponse{Status: "OK"})
	_, ok := c.Lookup("")
	require.False(t, ok)
}

func TestIdempotencyCacheLazyEvictionOnExpiry(t *testing.T) {
	c := NewIdempotencyCache(time.Second)
	fixed := time.Now()
	c.now = func() time.Time { return fixed }
	c.Store("key1", CachedResponse{Status: "OK"})

	c.now = func() time.Time { return fixed.Add(2 * time.Second) }
	_, ok := c.Lookup("key1")
	require.False(t, ok)

	// lazy eviction means the entry is now actually gone, not just hidden
	c.now = func() time.Time { return fixed }
	_, ok = c.Lookup("key1")
	require.False(t, ok)
}

func TestIdempotencyCacheDefaultTTLWhenZero(t *testing.T) {
	c := NewIdempotencyCache(0)
	require.Equal(t, DefaultIdempotencyTTL, c.ttl)
}

func TestIdempotencyCacheCoalescesConcurrentCallsWithSameKey(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	var calls int32

	var wg sync.WaitGroup
	results := make([]CachedResponse, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Coalesce("shared-key", func() (CachedResponse, error) {
				atomic.AddInt32(&calls, 1)
				return CachedResponse{Status: "OK", OutputJSON: `{"done":true}`}, nil
			})
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		require.Equal(t, "OK", r.Status)
	}
}

func TestIdempotencyCacheCoalesceSkipsEmptyKey(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	var calls int32
	for i := 0; i < 3; i++ {
		_, err := c.Coalesce("", func() (CachedResponse, error) {
			atomic.AddInt32(&calls, 1)
			return CachedResponse{Status: "OK"}, nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
