package zonecache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S5: consistent QUORUM met — A and B agree on "x", C has "y"; the call
// returns "x" and a delete is issued to C.
func TestGetWithPolicy_S5_QuorumMet(t *testing.T) {
	a := newFakeReplica("A")
	b := newFakeReplica("B")
	cc := newFakeReplica("C")
	p := newFakePool(a, b, cc)
	c, _ := newTestClient(t, p)

	a.seed("k", encodedItem(t, c, "x"))
	b.seed("k", encodedItem(t, c, "x"))
	cc.seed("k", encodedItem(t, c, "y"))

	val, err := c.GetWithPolicy(context.Background(), "k", PolicyQuorum)
	require.NoError(t, err)
	assert.Equal(t, "x", val)

	waitForCondition(t, func() bool {
		_, found, _ := cc.Get(context.Background(), "k")
		return !found
	})
}

// Invariant 6: if strictly fewer than policy_to_count(P, N) replicas agree
// on any value, the call returns null and every minority bucket is deleted.
func TestGetWithPolicy_Invariant6_NoQuorum(t *testing.T) {
	a := newFakeReplica("A")
	b := newFakeReplica("B")
	cc := newFakeReplica("C")
	p := newFakePool(a, b, cc)
	c, _ := newTestClient(t, p)

	a.seed("k", encodedItem(t, c, "x"))
	b.seed("k", encodedItem(t, c, "y"))
	cc.seed("k", encodedItem(t, c, "z"))

	val, err := c.GetWithPolicy(context.Background(), "k", PolicyQuorum)
	require.NoError(t, err)
	assert.Nil(t, val)

	for _, r := range []*fakeReplica{a, b, cc} {
		waitForCondition(t, func() bool {
			_, found, _ := r.Get(context.Background(), "k")
			return !found
		})
	}
}

// §4.5's explicit degrade rule: a policy whose required-success count is
// <= 1 (NONE or ONE on any pool, or any policy on a one-replica pool) performs a normal single-replica read
// instead of fanning out to every write replica.
func TestGetWithPolicy_DegradesToGet(t *testing.T) {
	a := newFakeReplica("A")
	p := newFakePool(a)
	c, _ := newTestClient(t, p)

	a.seed("k", encodedItem(t, c, "v"))

	val, err := c.GetWithPolicy(context.Background(), "k", PolicyOne)
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}
