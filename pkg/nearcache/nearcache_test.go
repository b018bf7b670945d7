package nearcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrLoad_CachesAfterFirstLoad(t *testing.T) {
	c, err := New(16, time.Minute)
	require.NoError(t, err)

	var loads int32
	loader := func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&loads, 1)
		return "v", nil
	}

	v1, err := c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "v", v1)

	v2, err := c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "v", v2)

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestGetOrLoad_SingleFlightCoalescesConcurrentLoads(t *testing.T) {
	c, err := New(16, time.Minute)
	require.NoError(t, err)

	var loads int32
	start := make(chan struct{})
	loader := func(ctx context.Context, key string) (any, error) {
		<-start
		atomic.AddInt32(&loads, 1)
		time.Sleep(10 * time.Millisecond)
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "at most one concurrent load per key")
	for _, r := range results {
		assert.Equal(t, "v", r)
	}
}

func TestGetOrLoad_NilLoadResultBecomesNotFound(t *testing.T) {
	c, err := New(16, time.Minute)
	require.NoError(t, err)

	v, err := c.GetOrLoad(context.Background(), "missing", func(ctx context.Context, key string) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, IsNotFound(v))

	peeked, ok := c.Peek("missing")
	require.True(t, ok)
	assert.True(t, IsNotFound(peeked))
}

func TestCache_ExpiresByTTL(t *testing.T) {
	c, err := New(16, 20*time.Millisecond)
	require.NoError(t, err)

	c.Put("k", "v")
	_, ok := c.Peek("k")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Peek("k")
	assert.False(t, ok)
}

func TestCache_InvalidateRemovesEntry(t *testing.T) {
	c, err := New(16, time.Minute)
	require.NoError(t, err)

	c.Put("k", "v")
	c.Invalidate("k")

	_, ok := c.Peek("k")
	assert.False(t, ok)
}
