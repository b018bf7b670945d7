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

const callGetBulk = "GET_BULK"

// GetBulk resolves every applicationKey to its cached value, or nil for a
// key that ultimately missed (§4.7). An empty input returns an empty map
// without touching the pool.
func (c *Client) GetBulk(ctx context.Context, applicationKeys []string, opts ...CallOptions) (map[string]any, error) {
	o := firstOpts(opts)
	if len(applicationKeys) == 0 {
		return map[string]any{}, nil
	}
	start := now()
	p := c.activePool()

	result := make(map[string]any, len(applicationKeys))
	normalised := make(map[string]key.NormalisedKey, len(applicationKeys)) // applicationKey -> NormalisedKey
	unresolved := make(map[string]key.NormalisedKey, len(applicationKeys)) // canonical -> NormalisedKey, pending

	for _, ak := range applicationKeys {
		nk, err := c.normalise(callGetBulk, ak)
		if err != nil {
			return nil, c.fault(o, err)
		}
		normalised[ak] = nk
		result[ak] = nil
		if c.near != nil && c.cfg.Get().UseInMemoryCache {
			if v, ok := c.near.Peek(nk.CanonicalKey); ok && !nearcache.IsNotFound(v) {
				result[ak] = v
				continue
			}
		}
		unresolved[nk.CanonicalKey] = nk
	}

	c.metricsReg.RecordKeysSize(c.application, int64(len(applicationKeys)))

	if len(unresolved) == 0 {
		return result, nil
	}

	canonicalKeys := make([]string, 0, len(applicationKeys))
	for _, ak := range applicationKeys {
		canonicalKeys = append(canonicalKeys, normalised[ak].CanonicalKey)
	}
	ev := c.bus.Create(event.CallGetBulk, c.application, c.prefix, canonicalKeys, 0)

	primary, ok := p.GetClientForRead()
	if !ok {
		c.fastFail(callGetBulk, metrics.FailureNullClient)
		return nil, c.fault(o, newError(ErrNullClient, callGetBulk, c.application, "", nil))
	}
	if ev != nil && c.bus.Throttle(ev) {
		c.fastFail(callGetBulk, metrics.FailureThrottled)
		return nil, c.fault(o, newError(ErrThrottled, callGetBulk, c.application, "", nil))
	}
	c.bus.Start(ev)

	// Primary phase: bulk-read the unresolved subset.
	hits, err := c.bulkReadOne(ctx, p, primary, unresolved)
	if err != nil && c.effectiveThrow(o) && !p.SupportsFallback() {
		c.bus.Error(ev, err)
		return nil, newError(ErrUnexpected, callGetBulk, c.application, "", err)
	}
	c.applyBulkHits(result, normalised, unresolved, hits)

	if p.SupportsFallback() {
		bulkFallback := c.cfg.Get().BulkFallbackZone
		partialFallback := c.cfg.Get().BulkPartialFallback

		fullFallback := bulkFallback && len(hits) == 0
		partial := !fullFallback && partialFallback && len(unresolved) > 0 && len(hits) > 0

		if fullFallback || partial {
			fallbacks := p.GetClientsForReadExcluding(primary.ServerGroup())
			for _, r := range fallbacks {
				if len(unresolved) == 0 {
					break
				}
				fbHits, _ := c.bulkReadOne(ctx, p, r, unresolved)
				c.applyBulkHits(result, normalised, unresolved, fbHits)
			}
		}
	}

	status, hitKeys := bulkStatus(applicationKeys, result)
	if ev != nil {
		ev.SetAttribute("status", status)
		if status == "BHIT_PARTIAL" {
			ev.SetAttribute("hit_keys", joinKeys(hitKeys))
		}
	}
	c.bus.Complete(ev, status)

	hit := metrics.HitNo
	switch status {
	case "BHIT":
		hit = metrics.HitYes
	case "BHIT_PARTIAL":
		hit = metrics.HitPartial
	}
	tags := c.baseTags(callGetBulk, primary.ServerGroup(), primary.ServerGroup())
	tags.CacheHit = hit
	tags.IPCResult = metrics.ResultSuccess
	c.metricsReg.RecordOverallCall(tags, now().Sub(start))

	if status == "BMISS_ALL" {
		for _, ak := range applicationKeys {
			result[ak] = nil
		}
	}
	return result, nil
}

// bulkReadOne issues one bulk read against r for every canonical key still in
// unresolved, decoding (and, for hashed keys, collision-checking) each result.
func (c *Client) bulkReadOne(ctx context.Context, p pool.Pool, r pool.Replica, unresolved map[string]key.NormalisedKey) (map[string]any, error) {
	wireToCanonical := make(map[string]key.NormalisedKey, len(unresolved))
	wireKeys := make([]string, 0, len(unresolved))
	for _, nk := range unresolved {
		wk := nk.DerivedKey(r.IsDuetClient())
		wireToCanonical[wk] = nk
		wireKeys = append(wireKeys, wk)
	}

	rCtx, cancel := withTimeout(ctx, p.OperationTimeout())
	defer cancel()
	items, err := r.GetBulk(rCtx, wireKeys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(items))
	for wk, item := range items {
		nk, ok := wireToCanonical[wk]
		if !ok {
			continue
		}
		val, collided, derr := c.decodeForRead(nk, item)
		if derr != nil || collided {
			if collided {
				c.metricsReg.IncKeyHashCollision(c.application)
			}
			continue
		}
		out[nk.CanonicalKey] = val
	}
	return out, nil
}

// applyBulkHits copies newly-resolved canonical-keyed values into result
// (keyed by applicationKey) and removes them from unresolved.
func (c *Client) applyBulkHits(result map[string]any, normalised map[string]key.NormalisedKey, unresolved map[string]key.NormalisedKey, hits map[string]any) {
	for ak, nk := range normalised {
		v, ok := hits[nk.CanonicalKey]
		if !ok {
			continue
		}
		result[ak] = v
		delete(unresolved, nk.CanonicalKey)
	}
}

func bulkStatus(applicationKeys []string, result map[string]any) (string, []string) {
	var hitKeys []string
	for _, ak := range applicationKeys {
		if result[ak] != nil {
			hitKeys = append(hitKeys, ak)
		}
	}
	switch {
	case len(hitKeys) == 0:
		return "BMISS_ALL", nil
	case len(hitKeys) == len(applicationKeys):
		return "BHIT", hitKeys
	default:
		return "BHIT_PARTIAL", hitKeys
	}
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// GetBulkAndTouch performs GetBulk, then best-effort touches every key that
// resolved to a non-nil value across every write replica (§4.7).
func (c *Client) GetBulkAndTouch(ctx context.Context, applicationKeys []string, ttlSeconds int64, opts ...CallOptions) (map[string]any, error) {
	o := firstOpts(opts)
	if err := validateTTL(ttlSeconds, now()); err != nil {
		c.fastFail(callGetBulk, metrics.FailureInvalidTTL)
		return nil, c.fault(o, newError(ErrInvalidTTL, callGetBulk, c.application, "", err))
	}

	result, err := c.GetBulk(ctx, applicationKeys, optsOrEmpty(o)...)
	if err != nil {
		return result, err
	}

	p := c.activePool()
	writeReplicas := p.GetClientsForWrite()
	ttl := time.Duration(ttlSeconds) * time.Second
	for ak, v := range result {
		if v == nil {
			continue
		}
		nk, err := c.normalise(callGetBulk, ak)
		if err != nil {
			continue
		}
		for _, r := range writeReplicas {
			go func(r pool.Replica, wireKey string) {
				touchCtx, cancel := withTimeout(context.Background(), p.OperationTimeout())
				defer cancel()
				_ = r.Touch(touchCtx, wireKey, ttl, nil)
			}(r, nk.DerivedKey(r.IsDuetClient()))
		}
	}
	return result, nil
}
