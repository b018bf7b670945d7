package zonecache

import (
	"context"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/key"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/nearcache"
	"github.com/cachemir/zonecache/pkg/pool"
)

const (
	callGet       = "GET"
	callMetaGet   = "META_GET"
	callMetaDebug = "META_DEBUG"
	callGetTouch  = "GET_AND_TOUCH"
)

// attemptResult carries one replica attempt's outcome through the generic
// fallback loop below.
type attemptResult[T any] struct {
	value       T
	found       bool
	serverGroup string
	attempt     int
}

// fanReadWithFallback implements the §4.4 shape shared by get/meta-get/
// meta-debug/get-and-touch: try the primary, then walk the ordered fallback
// list, stopping at the first hit. Only the final attempt honours the
// caller's throw policy; earlier attempts always swallow replica errors.
func fanReadWithFallback[T any](
	ctx context.Context,
	c *Client,
	call string,
	p pool.Pool,
	opts *CallOptions,
	ev *event.Event,
	doRead func(ctx context.Context, r pool.Replica) (T, bool, error),
) (attemptResult[T], error) {
	var zero T

	primary, ok := p.GetClientForRead()
	if !ok {
		c.fastFail(call, metrics.FailureNullClient)
		return attemptResult[T]{}, newError(ErrNullClient, call, c.application, "", nil)
	}

	if ev != nil && c.bus.Throttle(ev) {
		c.fastFail(call, metrics.FailureThrottled)
		return attemptResult[T]{}, newError(ErrThrottled, call, c.application, "", nil)
	}
	c.bus.Start(ev)

	opCtx, cancel := withTimeout(ctx, p.OperationTimeout())
	val, found, err := doRead(opCtx, primary)
	cancel()
	if found && err == nil {
		return attemptResult[T]{value: val, found: true, serverGroup: primary.ServerGroup(), attempt: 0}, nil
	}
	if !p.SupportsFallback() {
		if err != nil {
			return attemptResult[T]{}, c.fault(opts, newError(ErrUnexpected, call, c.application, "", err))
		}
		return attemptResult[T]{value: zero, found: false, serverGroup: primary.ServerGroup(), attempt: 0}, nil
	}

	fallbacks := p.GetClientsForReadExcluding(primary.ServerGroup())
	for i, r := range fallbacks {
		if ev != nil && c.bus.Throttle(ev) {
			c.fastFail(call, metrics.FailureThrottled)
			return attemptResult[T]{}, newError(ErrThrottled, call, c.application, "", nil)
		}
		isLast := i == len(fallbacks)-1
		rCtx, rCancel := withTimeout(ctx, p.OperationTimeout())
		v, f, rerr := doRead(rCtx, r)
		rCancel()
		if f && rerr == nil {
			return attemptResult[T]{value: v, found: true, serverGroup: r.ServerGroup(), attempt: i + 1}, nil
		}
		if rerr != nil && isLast && c.effectiveThrow(opts) {
			return attemptResult[T]{}, newError(ErrUnexpected, call, c.application, "", rerr)
		}
	}

	return attemptResult[T]{value: zero, found: false}, nil
}

// Get performs a single-key read with zone fallback (§4.4).
func (c *Client) Get(ctx context.Context, applicationKey string, opts ...CallOptions) (any, error) {
	var o *CallOptions
	if len(opts) > 0 {
		o = &opts[0]
	}
	start := now()
	p := c.activePool()

	nk, err := c.normalise(callGet, applicationKey)
	if err != nil {
		return nil, c.fault(o, err)
	}

	if c.near != nil && c.cfg.Get().UseInMemoryCache {
		v, err := c.near.GetOrLoad(ctx, nk.CanonicalKey, func(ctx context.Context, _ string) (any, error) {
			return c.readThrough(ctx, p, nk, o, start)
		})
		if err != nil {
			return nil, c.fault(o, err)
		}
		if nearcache.IsNotFound(v) {
			return nil, nil
		}
		return v, nil
	}

	v, err := c.readThrough(ctx, p, nk, o, start)
	return v, c.fault(o, err)
}

func (c *Client) readThrough(ctx context.Context, p pool.Pool, nk key.NormalisedKey, opts *CallOptions, start time.Time) (any, error) {
	ev := c.bus.Create(event.CallGet, c.application, c.prefix, []string{nk.CanonicalKey}, 0)

	result, err := fanReadWithFallback(ctx, c, callGet, p, opts, ev, func(ctx context.Context, r pool.Replica) (any, bool, error) {
		item, found, rerr := r.Get(ctx, nk.DerivedKey(r.IsDuetClient()))
		if rerr != nil || !found {
			return nil, found, rerr
		}
		val, collided, derr := c.decodeForRead(nk, item)
		if collided {
			c.metricsReg.IncKeyHashCollision(c.application)
			return nil, false, nil
		}
		return val, true, derr
	})
	if err != nil {
		c.bus.Error(ev, err)
		c.recordOverallRead(callGet, "", metrics.HitNo, 0, metrics.ResultError, start)
		return nil, err
	}

	hit := metrics.HitNo
	status := "GMISS"
	if result.found {
		hit = metrics.HitYes
		status = "GHIT"
	}
	if ev != nil {
		ev.SetAttribute("status", status)
	}
	c.bus.Complete(ev, status)
	c.recordOverallRead(callGet, result.serverGroup, hit, result.attempt, metrics.ResultSuccess, start)

	if !result.found {
		return nil, nil
	}
	return result.value, nil
}

func (c *Client) recordOverallRead(call, serverGroup string, hit metrics.CacheHit, attempt int, result metrics.IPCResult, start time.Time) {
	tags := c.baseTags(call, serverGroup, serverGroup)
	tags.CacheHit = hit
	tags.Attempt = metrics.AttemptBucket(attempt)
	tags.IPCResult = result
	c.metricsReg.RecordOverallCall(tags, now().Sub(start))
}

// MetaGet returns lightweight metadata plus the value (§3.3), following the
// same fallback shape as Get (§4.4).
func (c *Client) MetaGet(ctx context.Context, applicationKey string, opts ...CallOptions) (pool.MetaResult, error) {
	var o *CallOptions
	if len(opts) > 0 {
		o = &opts[0]
	}
	start := now()
	p := c.activePool()

	nk, err := c.normalise(callMetaGet, applicationKey)
	if err != nil {
		return pool.MetaResult{}, c.fault(o, err)
	}

	ev := c.bus.Create(event.CallMetaGet, c.application, c.prefix, []string{nk.CanonicalKey}, 0)
	result, err := fanReadWithFallback(ctx, c, callMetaGet, p, o, ev, func(ctx context.Context, r pool.Replica) (pool.MetaResult, bool, error) {
		mr, rerr := r.MetaGet(ctx, nk.DerivedKey(r.IsDuetClient()))
		return mr, mr.Found, rerr
	})
	if err != nil {
		c.bus.Error(ev, err)
		return pool.MetaResult{}, c.fault(o, err)
	}
	status := "GMISS"
	if result.found {
		status = "GHIT"
	}
	c.bus.Complete(ev, status)
	c.recordOverallRead(callMetaGet, result.serverGroup, hitFor(result.found), result.attempt, metrics.ResultSuccess, start)
	return result.value, nil
}

// MetaDebug returns diagnostic-only metadata (CAS, TTL) without a value
// payload, following the same fallback shape.
func (c *Client) MetaDebug(ctx context.Context, applicationKey string, opts ...CallOptions) (pool.MetaDebugResult, error) {
	var o *CallOptions
	if len(opts) > 0 {
		o = &opts[0]
	}
	start := now()
	p := c.activePool()

	nk, err := c.normalise(callMetaDebug, applicationKey)
	if err != nil {
		return pool.MetaDebugResult{}, c.fault(o, err)
	}

	ev := c.bus.Create(event.CallMetaDebug, c.application, c.prefix, []string{nk.CanonicalKey}, 0)
	result, err := fanReadWithFallback(ctx, c, callMetaDebug, p, o, ev, func(ctx context.Context, r pool.Replica) (pool.MetaDebugResult, bool, error) {
		md, rerr := r.MetaDebug(ctx, nk.DerivedKey(r.IsDuetClient()))
		return md, md.Found, rerr
	})
	if err != nil {
		c.bus.Error(ev, err)
		return pool.MetaDebugResult{}, c.fault(o, err)
	}
	status := "GMISS"
	if result.found {
		status = "GHIT"
	}
	c.bus.Complete(ev, status)
	c.recordOverallRead(callMetaDebug, result.serverGroup, hitFor(result.found), result.attempt, metrics.ResultSuccess, start)
	return result.value, nil
}

// GetAndTouch performs a read identical to Get, then — on a hit — fans a
// best-effort touch out to every write replica (§4.4). If the configured
// ignore.touch flag is set, it degrades to a plain Get (§6.2).
func (c *Client) GetAndTouch(ctx context.Context, applicationKey string, ttlSeconds int64, opts ...CallOptions) (any, error) {
	var o *CallOptions
	if len(opts) > 0 {
		o = &opts[0]
	}
	if c.cfg.Get().IgnoreTouch {
		return c.Get(ctx, applicationKey, optsOrEmpty(o)...)
	}
	if err := validateTTL(ttlSeconds, now()); err != nil {
		c.fastFail(callGetTouch, metrics.FailureInvalidTTL)
		return nil, c.fault(o, newError(ErrInvalidTTL, callGetTouch, c.application, applicationKey, err))
	}

	val, err := c.Get(ctx, applicationKey, optsOrEmpty(o)...)
	if err != nil || val == nil {
		return val, err
	}

	nk, err := c.normalise(callGetTouch, applicationKey)
	if err != nil {
		return val, nil
	}

	p := c.activePool()
	writeSet := p.GetClientsForWrite()
	ttl := time.Duration(ttlSeconds) * time.Second
	for _, r := range writeSet {
		go func(r pool.Replica) {
			touchCtx, cancel := withTimeout(context.Background(), p.OperationTimeout())
			defer cancel()
			_ = r.Touch(touchCtx, nk.DerivedKey(r.IsDuetClient()), ttl, nil)
		}(r)
	}
	return val, nil
}

func optsOrEmpty(o *CallOptions) []CallOptions {
	if o == nil {
		return nil
	}
	return []CallOptions{*o}
}

func hitFor(found bool) metrics.CacheHit {
	if found {
		return metrics.HitYes
	}
	return metrics.HitNo
}
