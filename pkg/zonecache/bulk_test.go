package zonecache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S6: bulk partial fallback — primary resolves one key, each of two
// fallbacks resolves one more, until every key is hit.
func TestGetBulk_S6_PartialFallback(t *testing.T) {
	primary := newFakeReplica("A")
	fb1 := newFakeReplica("B")
	fb2 := newFakeReplica("C")
	p := newFakePool(primary, fb1, fb2)
	c, _ := newTestClient(t, p)

	primary.seed("a", encodedItem(t, c, 1))
	fb1.seed("b", encodedItem(t, c, 2))
	fb2.seed("c", encodedItem(t, c, 3))

	result, err := c.GetBulk(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, result["a"])
	assert.Equal(t, 2, result["b"])
	assert.Equal(t, 3, result["c"])
}

// Invariant 7: the union of primary + fallback hits equals the returned
// non-null entries, and every requested key has an entry iff BMISS_ALL or
// all keys resolved.
func TestGetBulk_Invariant7_FullMiss(t *testing.T) {
	a := newFakeReplica("A")
	b := newFakeReplica("B")
	p := newFakePool(a, b)
	c, _ := newTestClient(t, p)

	result, err := c.GetBulk(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Nil(t, result["x"])
	assert.Nil(t, result["y"])
	assert.Len(t, result, 2)
}

func TestGetBulk_Invariant7_AllHit(t *testing.T) {
	a := newFakeReplica("A")
	p := newFakePool(a)
	c, _ := newTestClient(t, p)

	a.seed("x", encodedItem(t, c, "vx"))
	a.seed("y", encodedItem(t, c, "vy"))

	result, err := c.GetBulk(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "vx", result["x"])
	assert.Equal(t, "vy", result["y"])
}

func TestGetBulk_EmptyInput(t *testing.T) {
	a := newFakeReplica("A")
	p := newFakePool(a)
	c, _ := newTestClient(t, p)

	result, err := c.GetBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Equal(t, 0, a.getN)
}
