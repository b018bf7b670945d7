package zonecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/key"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/pool"
	concpool "github.com/sourcegraph/conc/pool"
)

const (
	callSet         = "SET"
	callAdd         = "ADD"
	callReplace     = "REPLACE"
	callAppend      = "APPEND"
	callAppendOrAdd = "APPEND_OR_ADD"
	callDelete      = "DELETE"
	callTouch       = "TOUCH"
	callIncr        = "INCR"
	callDecr        = "DECR"
)

// incrNotFoundSentinel mirrors internal/memserver's convention: a replica
// that is asked to incr/decr a non-existent key with a negative initial
// value returns this sentinel instead of auto-creating it (§4.6 supplement).
const incrNotFoundSentinel int64 = -1

// writeSet resolves the participating replicas and the Latch's accounting:
// total excludes write-only replicas from the denominator (§4.6), but
// write-only replicas still receive the fan-out.
type writeSet struct {
	all     []pool.Replica
	counted int
}

func (c *Client) resolveWriteSet(p pool.Pool) writeSet {
	all := p.GetClientsForWrite()
	wo := make(map[string]bool)
	for _, r := range p.GetWriteOnlyClients() {
		wo[r.ServerGroup()] = true
	}
	counted := 0
	for _, r := range all {
		if !wo[r.ServerGroup()] {
			counted++
		}
	}
	return writeSet{all: all, counted: counted}
}

// fanOutWrite runs op against every replica in ws.all concurrently, using
// sourcegraph/conc's panic-safe worker pool per the domain-stack wiring: no
// source copy of conc ships in the retrieved reference pack, so this usage
// is grounded directly on its documented public API (pool.New().
// WithMaxGoroutines(n).Go(func(){...}); pool.Wait()) rather than a specific
// corpus file — see DESIGN.md.
func fanOutWrite(ctx context.Context, ws writeSet, opTimeout time.Duration, op func(ctx context.Context, r pool.Replica)) {
	wp := concpool.New().WithMaxGoroutines(maxInt(1, len(ws.all)))
	for _, r := range ws.all {
		r := r
		wp.Go(func() {
			rCtx, cancel := withTimeout(ctx, opTimeout)
			defer cancel()
			op(rCtx, r)
		})
	}
	wp.Wait()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Client) beginWrite(call string, p pool.Pool, opts *CallOptions, ev *event.Event) (writeSet, *Latch, error) {
	ws := c.resolveWriteSet(p)
	if len(ws.all) == 0 {
		c.fastFail(call, metrics.FailureNullClient)
		return ws, newLatch(PolicyNone, 0, nil, nil), newError(ErrNullClient, call, c.application, "", nil)
	}
	if ev != nil && c.bus.Throttle(ev) {
		c.fastFail(call, metrics.FailureThrottled)
		return ws, newLatch(PolicyNone, 0, nil, nil), newError(ErrThrottled, call, c.application, "", nil)
	}
	c.bus.Start(ev)

	policy := PolicyOne
	if opts != nil && opts.Policy != nil {
		policy = *opts.Policy
	}

	var latchEvent *event.Event
	var latchBus *event.Bus
	if c.cfg.Get().EventsUsingLatch {
		latchEvent, latchBus = ev, c.bus
	} else {
		c.bus.Complete(ev, "DISPATCHED")
	}
	return ws, newLatch(policy, ws.counted, latchEvent, latchBus), nil
}

func (c *Client) recordOverallWrite(call string, start time.Time, result metrics.IPCResult) {
	tags := c.baseTags(call, "", "")
	tags.IPCResult = result
	c.metricsReg.RecordOverallCall(tags, now().Sub(start))
}

func resultFor(l *Latch) metrics.IPCResult {
	if l.Met() {
		return metrics.ResultSuccess
	}
	return metrics.ResultError
}

func eventCallFor(call string) event.CallKind {
	switch call {
	case callSet:
		return event.CallSet
	case callAdd:
		return event.CallAdd
	case callReplace:
		return event.CallReplace
	case callAppend:
		return event.CallAppend
	case callAppendOrAdd:
		return event.CallAppendOrAdd
	case callDelete:
		return event.CallDelete
	case callTouch:
		return event.CallTouch
	case callIncr:
		return event.CallIncr
	case callDecr:
		return event.CallDecr
	default:
		return event.CallSet
	}
}

// writeValue implements the shared shape for set/add/replace/append/
// append-or-add (§4.6): encode once, fan out with the latch attached.
func (c *Client) writeValue(ctx context.Context, call string, applicationKey string, value any, ttlSeconds int64, opts *CallOptions, dispatch func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error) (*Latch, error) {
	start := now()
	p := c.activePool()

	nk, err := c.normalise(call, applicationKey)
	if err != nil {
		return nil, c.fault(opts, err)
	}
	if err := validateTTL(ttlSeconds, now()); err != nil {
		c.fastFail(call, metrics.FailureInvalidTTL)
		return nil, c.fault(opts, newError(ErrInvalidTTL, call, c.application, applicationKey, err))
	}
	ttl := time.Duration(ttlSeconds) * time.Second

	ev := c.bus.Create(eventCallFor(call), c.application, c.prefix, []string{nk.CanonicalKey}, ttl)
	ws, latch, err := c.beginWrite(call, p, opts, ev)
	if err != nil {
		return latch, c.fault(opts, err)
	}

	item, err := c.encodeForWrite(nk, value, ttl)
	if err != nil {
		return latch, c.fault(opts, newError(ErrUnexpected, call, c.application, applicationKey, err))
	}
	c.metricsReg.RecordTTL(c.application, ttlSeconds)

	fanOutWrite(ctx, ws, p.OperationTimeout(), func(ctx context.Context, r pool.Replica) {
		_ = dispatch(ctx, r, nk, item, ttl, latch)
	})

	latch.Await(p.OperationTimeout())
	c.recordOverallWrite(call, start, resultFor(latch))
	return latch, nil
}

// Set unconditionally stores value under applicationKey across every write
// replica (§4.6).
func (c *Client) Set(ctx context.Context, applicationKey string, value any, ttlSeconds int64, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	return c.writeValue(ctx, callSet, applicationKey, value, ttlSeconds, o, func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error {
		return r.Set(ctx, nk.DerivedKey(r.IsDuetClient()), item, ttl, latch)
	})
}

// Add stores value only where applicationKey does not already exist.
func (c *Client) Add(ctx context.Context, applicationKey string, value any, ttlSeconds int64, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	return c.writeValue(ctx, callAdd, applicationKey, value, ttlSeconds, o, func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error {
		return r.Add(ctx, nk.DerivedKey(r.IsDuetClient()), item, ttl, latch)
	})
}

// Replace stores value only where applicationKey already exists.
func (c *Client) Replace(ctx context.Context, applicationKey string, value any, ttlSeconds int64, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	return c.writeValue(ctx, callReplace, applicationKey, value, ttlSeconds, o, func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error {
		return r.Replace(ctx, nk.DerivedKey(r.IsDuetClient()), item, ttl, latch)
	})
}

// Append appends value to the existing entry under applicationKey.
func (c *Client) Append(ctx context.Context, applicationKey string, value any, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	return c.writeValue(ctx, callAppend, applicationKey, value, 0, o, func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error {
		return r.Append(ctx, nk.DerivedKey(r.IsDuetClient()), item, latch)
	})
}

// AppendOrAdd appends value, falling back to add when the replica reports
// the key absent (§4.6a, recovered from EVCacheImpl; per-replica, not a
// core-level retry — each replica's own AppendOrAdd implements the attempt-
// append-then-add behaviour).
func (c *Client) AppendOrAdd(ctx context.Context, applicationKey string, value any, ttlSeconds int64, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	return c.writeValue(ctx, callAppendOrAdd, applicationKey, value, ttlSeconds, o, func(ctx context.Context, r pool.Replica, nk key.NormalisedKey, item pool.Item, ttl time.Duration, latch pool.Latch) error {
		return r.AppendOrAdd(ctx, nk.DerivedKey(r.IsDuetClient()), item, ttl, latch)
	})
}

// Delete removes applicationKey from every write replica.
func (c *Client) Delete(ctx context.Context, applicationKey string, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	start := now()
	p := c.activePool()

	nk, err := c.normalise(callDelete, applicationKey)
	if err != nil {
		return nil, c.fault(o, err)
	}

	ev := c.bus.Create(event.CallDelete, c.application, c.prefix, []string{nk.CanonicalKey}, 0)
	ws, latch, err := c.beginWrite(callDelete, p, o, ev)
	if err != nil {
		return latch, c.fault(o, err)
	}

	fanOutWrite(ctx, ws, p.OperationTimeout(), func(ctx context.Context, r pool.Replica) {
		_ = r.Delete(ctx, nk.DerivedKey(r.IsDuetClient()), latch)
	})

	latch.Await(p.OperationTimeout())
	c.recordOverallWrite(callDelete, start, resultFor(latch))
	return latch, nil
}

// Touch updates applicationKey's TTL on every write replica without
// altering its value. If the configured ignore.touch flag is set, Touch is
// a no-op that returns an already-settled, zero-participant latch.
func (c *Client) Touch(ctx context.Context, applicationKey string, ttlSeconds int64, opts ...CallOptions) (*Latch, error) {
	o := firstOpts(opts)
	if c.cfg.Get().IgnoreTouch {
		return newLatch(PolicyNone, 0, nil, nil), nil
	}
	start := now()
	p := c.activePool()

	nk, err := c.normalise(callTouch, applicationKey)
	if err != nil {
		return nil, c.fault(o, err)
	}
	if err := validateTTL(ttlSeconds, now()); err != nil {
		c.fastFail(callTouch, metrics.FailureInvalidTTL)
		return nil, c.fault(o, newError(ErrInvalidTTL, callTouch, c.application, applicationKey, err))
	}
	ttl := time.Duration(ttlSeconds) * time.Second

	ev := c.bus.Create(event.CallTouch, c.application, c.prefix, []string{nk.CanonicalKey}, ttl)
	ws, latch, err := c.beginWrite(callTouch, p, o, ev)
	if err != nil {
		return latch, c.fault(o, err)
	}

	fanOutWrite(ctx, ws, p.OperationTimeout(), func(ctx context.Context, r pool.Replica) {
		_ = r.Touch(ctx, nk.DerivedKey(r.IsDuetClient()), ttl, latch)
	})

	latch.Await(p.OperationTimeout())
	c.recordOverallWrite(callTouch, start, resultFor(latch))
	return latch, nil
}

// incrResult is one replica's contribution to the cross-replica convergence
// step incr/decr run after the initial fan-out (§4.6 supplement).
type incrResult struct {
	replica pool.Replica
	wireKey string
	value   int64
	err     error
}

// incrOrDecr implements the shared shape of Incr/Decr: fan the operation out
// to every write replica, observe the highest counter value any replica
// reports, then repair replicas that diverged from it — a sentinel return
// (incrNotFoundSentinel) is treated as "needs re-initialisation", any other
// mismatch is treated as "needs overwrite".
func (c *Client) incrOrDecr(ctx context.Context, call string, applicationKey string, delta, initial int64, ttlSeconds int64, opts *CallOptions, invoke func(ctx context.Context, r pool.Replica, wireKey string, ttl time.Duration, latch pool.Latch) (int64, error)) (int64, error) {
	start := now()
	p := c.activePool()

	nk, err := c.normalise(call, applicationKey)
	if err != nil {
		return 0, c.fault(opts, err)
	}
	if err := validateTTL(ttlSeconds, now()); err != nil {
		c.fastFail(call, metrics.FailureInvalidTTL)
		return 0, c.fault(opts, newError(ErrInvalidTTL, call, c.application, applicationKey, err))
	}
	ttl := time.Duration(ttlSeconds) * time.Second

	ev := c.bus.Create(eventCallFor(call), c.application, c.prefix, []string{nk.CanonicalKey}, ttl)
	ws, latch, err := c.beginWrite(call, p, opts, ev)
	if err != nil {
		return 0, c.fault(opts, err)
	}

	var mu sync.Mutex
	results := make([]incrResult, 0, len(ws.all))

	fanOutWrite(ctx, ws, p.OperationTimeout(), func(ctx context.Context, r pool.Replica) {
		wireKey := nk.DerivedKey(r.IsDuetClient())
		v, rerr := invoke(ctx, r, wireKey, ttl, latch)
		mu.Lock()
		results = append(results, incrResult{replica: r, wireKey: wireKey, value: v, err: rerr})
		mu.Unlock()
	})

	latch.Await(p.OperationTimeout())

	current := initial
	haveCurrent := false
	for _, res := range results {
		if res.err != nil || res.value == incrNotFoundSentinel {
			continue
		}
		if !haveCurrent || res.value > current {
			current = res.value
			haveCurrent = true
		}
	}

	if haveCurrent {
		c.repairDivergentReplicas(ctx, p, results, current, ttl)
	}

	c.recordOverallWrite(call, start, resultFor(latch))
	if !haveCurrent {
		return initial, nil
	}
	return current, nil
}

// repairDivergentReplicas re-initialises replicas that reported the "not
// found" sentinel and overwrites replicas whose counter diverged from
// current, converging every replica on the same value (§4.6 supplement).
// Best-effort: failures here do not affect the caller's result or latch.
func (c *Client) repairDivergentReplicas(ctx context.Context, p pool.Pool, results []incrResult, current int64, ttl time.Duration) {
	asString := fmt.Sprintf("%d", current)
	payload, err := c.tc.Encode(asString)
	if err != nil {
		return
	}
	for _, res := range results {
		res := res
		if res.err == nil && res.value == current {
			continue
		}
		go func() {
			rCtx, cancel := withTimeout(context.Background(), p.OperationTimeout())
			defer cancel()
			if res.value == incrNotFoundSentinel {
				_, _ = res.replica.Incr(rCtx, res.wireKey, 0, current, ttl, nil)
				return
			}
			_ = res.replica.Set(rCtx, res.wireKey, pool.Item{Flags: payload.Flags, Bytes: payload.Bytes}, ttl, nil)
		}()
	}
}

// Incr increments applicationKey's counter by delta across every write
// replica, initialising it to initial where absent, then converges replicas
// that diverged (§4.6 supplement).
func (c *Client) Incr(ctx context.Context, applicationKey string, delta, initial int64, ttlSeconds int64, opts ...CallOptions) (int64, error) {
	o := firstOpts(opts)
	return c.incrOrDecr(ctx, callIncr, applicationKey, delta, initial, ttlSeconds, o, func(ctx context.Context, r pool.Replica, wireKey string, ttl time.Duration, latch pool.Latch) (int64, error) {
		return r.Incr(ctx, wireKey, delta, initial, ttl, latch)
	})
}

// Decr decrements applicationKey's counter by delta across every write
// replica, mirroring Incr's convergence behaviour.
func (c *Client) Decr(ctx context.Context, applicationKey string, delta, initial int64, ttlSeconds int64, opts ...CallOptions) (int64, error) {
	o := firstOpts(opts)
	return c.incrOrDecr(ctx, callDecr, applicationKey, delta, initial, ttlSeconds, o, func(ctx context.Context, r pool.Replica, wireKey string, ttl time.Duration, latch pool.Latch) (int64, error) {
		return r.Decr(ctx, wireKey, delta, initial, ttl, latch)
	})
}

func firstOpts(opts []CallOptions) *CallOptions {
	if len(opts) == 0 {
		return nil
	}
	return &opts[0]
}
