package zonecache

import (
	"context"
	"reflect"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/key"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/pool"
	"golang.org/x/sync/errgroup"
)

const callConsistentGet = "CONSISTENT_GET"

// minFutureWait is the floor §5 imposes on the per-future wait during a
// consistent read, so a near-zero remaining budget never starves every
// replica's future outright.
const minFutureWait = 20 * time.Millisecond

type consistentAttempt struct {
	replica pool.Replica
	value   any
	found   bool
}

// GetWithPolicy performs a consistent read (§4.5): it fans the read out to
// every write replica in parallel, buckets the returned values by equality,
// and returns the value of the first bucket meeting the policy's required-
// success count, repairing (best-effort delete) every minority bucket. If
// the policy's threshold is ≤ 1 this degrades to a normal single-replica
// read (§4.5's explicit degrade rule).
func (c *Client) GetWithPolicy(ctx context.Context, applicationKey string, policy Policy, opts ...CallOptions) (any, error) {
	o := firstOpts(opts)
	p := c.activePool()

	replicas := p.GetClientsForWrite()
	required := requiredSuccesses(policy, len(replicas))
	if required <= 1 {
		return c.Get(ctx, applicationKey, optsOrEmpty(o)...)
	}

	start := now()
	nk, err := c.normalise(callConsistentGet, applicationKey)
	if err != nil {
		return nil, c.fault(o, err)
	}

	ev := c.bus.Create(event.CallGet, c.application, c.prefix, []string{nk.CanonicalKey}, 0)
	if ev != nil && c.bus.Throttle(ev) {
		c.fastFail(callConsistentGet, metrics.FailureThrottled)
		return nil, c.fault(o, newError(ErrThrottled, callConsistentGet, c.application, applicationKey, nil))
	}
	c.bus.Start(ev)

	deadline := now().Add(p.ReadTimeout())
	wait := time.Until(deadline)
	if wait < minFutureWait {
		wait = minFutureWait
	}
	fanCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	g, gCtx := errgroup.WithContext(fanCtx)
	attempts := make([]consistentAttempt, len(replicas))
	for i, r := range replicas {
		i, r := i, r
		g.Go(func() error {
			item, found, err := r.Get(gCtx, nk.DerivedKey(r.IsDuetClient()))
			if err != nil || !found {
				attempts[i] = consistentAttempt{replica: r, found: false}
				return nil
			}
			val, collided, derr := c.decodeForRead(nk, item)
			if derr != nil || collided {
				attempts[i] = consistentAttempt{replica: r, found: false}
				return nil
			}
			attempts[i] = consistentAttempt{replica: r, value: val, found: true}
			return nil
		})
	}
	_ = g.Wait()

	buckets := bucketByValue(attempts)
	winner, ok := firstMeetingThreshold(buckets, required)

	status := "GMISS"
	var result any
	if ok {
		status = "GHIT"
		result = winner.value
	}
	// Every bucket that isn't the winner is a minority bucket (§4.5/invariant
	// 6); when no bucket meets the threshold, winner is the zero value and
	// every bucket — i.e. every replica that returned a value at all — is
	// repaired.
	c.repairMinorityBuckets(p, nk, buckets, winner)
	c.bus.Complete(ev, status)

	hit := metrics.HitNo
	if ok {
		hit = metrics.HitYes
	}
	tags := c.baseTags(callConsistentGet, "", "")
	tags.CacheHit = hit
	tags.IPCResult = metrics.ResultSuccess
	c.metricsReg.RecordOverallCall(tags, now().Sub(start))

	return result, nil
}

type valueBucket struct {
	value    any
	replicas []pool.Replica
}

// bucketByValue groups every found attempt by (a deep-equality-free, but
// comparable-by-==) value match. Values produced by the same transcoder for
// the same input are expected to compare equal for comparable Go types
// (strings, numbers) which is the common case for cache payloads; non-
// comparable payloads (e.g. slices, maps) fall back to one bucket per
// attempt, matching §9's "tie-breaking is implementation-defined".
func bucketByValue(attempts []consistentAttempt) []valueBucket {
	var buckets []valueBucket
	for _, a := range attempts {
		if !a.found {
			continue
		}
		placed := false
		if isComparable(a.value) {
			for i := range buckets {
				if isComparable(buckets[i].value) && buckets[i].value == a.value {
					buckets[i].replicas = append(buckets[i].replicas, a.replica)
					placed = true
					break
				}
			}
		}
		if !placed {
			buckets = append(buckets, valueBucket{value: a.value, replicas: []pool.Replica{a.replica}})
		}
	}
	return buckets
}

func isComparable(v any) bool {
	return reflect.ValueOf(v).Comparable()
}

// firstMeetingThreshold picks the first bucket (in replicas-for-write pool
// order, via bucketByValue's append order) whose size meets required,
// breaking ties by bucket size descending (§9 Open-Question-1 resolution:
// deterministic size-desc then stable discovery order, rather than raw map
// iteration order).
func firstMeetingThreshold(buckets []valueBucket, required int) (valueBucket, bool) {
	best := -1
	for i, b := range buckets {
		if len(b.replicas) < required {
			continue
		}
		if best == -1 || len(b.replicas) > len(buckets[best].replicas) {
			best = i
		}
	}
	if best == -1 {
		return valueBucket{}, false
	}
	return buckets[best], true
}

// repairMinorityBuckets issues a best-effort delete against every replica in
// every bucket other than winner (§4.5: "the TTL of the majority is not
// recovered — documented open question").
func (c *Client) repairMinorityBuckets(p pool.Pool, nk key.NormalisedKey, buckets []valueBucket, winner valueBucket) {
	for _, b := range buckets {
		if len(b.replicas) == len(winner.replicas) && sameReplicaSet(b.replicas, winner.replicas) {
			continue
		}
		for _, r := range b.replicas {
			go func(r pool.Replica) {
				ctx, cancel := withTimeout(context.Background(), p.OperationTimeout())
				defer cancel()
				_ = r.Delete(ctx, nk.DerivedKey(r.IsDuetClient()), nil)
			}(r)
		}
	}
}

func sameReplicaSet(a, b []pool.Replica) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
