package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_EmptyHasNoOwner(t *testing.T) {
	r := newRing(10)
	_, ok := r.get("k")
	assert.False(t, ok)
}

func TestRing_SingleNodeOwnsEverything(t *testing.T) {
	r := newRing(10)
	r.add("node-a")

	for _, k := range []string{"a", "b", "c", "some-long-key"} {
		node, ok := r.get(k)
		require.True(t, ok)
		assert.Equal(t, "node-a", node)
	}
}

func TestRing_IsDeterministic(t *testing.T) {
	r := newRing(50)
	r.add("node-a")
	r.add("node-b")
	r.add("node-c")

	first, ok := r.get("stable-key")
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		node, ok := r.get("stable-key")
		require.True(t, ok)
		assert.Equal(t, first, node)
	}
}

func TestRing_DistributesAcrossNodes(t *testing.T) {
	r := newRing(100)
	r.add("node-a")
	r.add("node-b")
	r.add("node-c")

	seen := make(map[string]int)
	for i := 0; i < 300; i++ {
		node, ok := r.get(string(rune('a' + i%26)))
		require.True(t, ok)
		seen[node]++
	}
	assert.Greater(t, len(seen), 1, "keys should spread across more than one node")
}

func TestRing_AddIsIdempotent(t *testing.T) {
	r := newRing(10)
	r.add("node-a")
	before := len(r.sortedPoints)
	r.add("node-a")
	assert.Equal(t, before, len(r.sortedPoints))
}
