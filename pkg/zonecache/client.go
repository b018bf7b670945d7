// Package zonecache implements the core request orchestrator (C6-C9): the
// client-facing facade that normalises keys, selects replicas, enforces
// throttling and lifecycle events, fans reads and writes out across a zoned
// replica pool, and emits a tag-keyed metric taxonomy.
//
// Grounded on spec.md §1-§9 (distilled from Netflix EVCache's EVCacheImpl)
// and SPEC_FULL.md's expansion. pkg/zonecache depends only on the pool.Pool/
// pool.Replica collaborator contracts, never on a concrete backend.
package zonecache

import (
	"context"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/key"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/nearcache"
	"github.com/cachemir/zonecache/pkg/pool"
	"github.com/cachemir/zonecache/pkg/transcoder"
	"github.com/cachemir/zonecache/pkg/zconfig"
	"github.com/cachemir/zonecache/pkg/zlog"
	"go.uber.org/zap"
)

// CallOptions carries per-call overrides (§4 supplement: CallOptions).
type CallOptions struct {
	Throw  *bool
	Policy *Policy
}

// Config wires a Client's collaborators together at construction (§9: "model
// as explicit dependencies injected into the core at construction").
type Config struct {
	Application string
	Prefix      string

	// ResolvePool returns the current Pool. Re-invoked whenever the
	// zconfig-reported alias changes (SPEC_FULL.md §7 supplement).
	ResolvePool func() pool.Pool

	ConfigStore *zconfig.Store
	Events      *event.Bus
	Metrics     *metrics.Registry
	Transcoder  transcoder.Transcoder
	NearCache   *nearcache.Cache
}

// Client is the core orchestrator facade (C6-C9).
type Client struct {
	application string
	prefix      string
	resolvePool func() pool.Pool
	cfg         *zconfig.Store
	bus         *event.Bus
	metricsReg  *metrics.Registry
	tc          transcoder.Transcoder
	envelopeTC  transcoder.Transcoder
	near        *nearcache.Cache
	log         *zap.SugaredLogger

	lastAlias string
	pool      pool.Pool
}

// New builds a Client from cfg. Panics if ResolvePool, ConfigStore, Events or
// Metrics is nil — these are mandatory collaborators, not optional ones.
func New(cfg Config) *Client {
	if cfg.ResolvePool == nil || cfg.ConfigStore == nil || cfg.Events == nil || cfg.Metrics == nil {
		panic("zonecache: Config.ResolvePool, ConfigStore, Events and Metrics are required")
	}
	tc := cfg.Transcoder
	if tc == nil {
		tc = transcoder.StringTranscoder{}
	}
	c := &Client{
		application: cfg.Application,
		prefix:      cfg.Prefix,
		resolvePool: cfg.ResolvePool,
		cfg:         cfg.ConfigStore,
		bus:         cfg.Events,
		metricsReg:  cfg.Metrics,
		tc:          tc,
		envelopeTC:  transcoder.EnvelopeTranscoder{},
		near:        cfg.NearCache,
		log:         zlog.For("zonecache"),
	}
	c.pool = cfg.ResolvePool()
	c.lastAlias = cfg.ConfigStore.Get().Alias
	return c
}

// activePool re-resolves the pool when the configured alias has changed
// (SPEC_FULL.md §7 supplement), otherwise returns the cached reference.
func (c *Client) activePool() pool.Pool {
	alias := c.cfg.Get().Alias
	if alias != c.lastAlias {
		c.pool = c.resolvePool()
		c.lastAlias = alias
	}
	return c.pool
}

func (c *Client) keyRules() key.Rules {
	p := c.cfg.Get()
	return key.Rules{
		Prefix:       c.prefix,
		MaxKeyLength: p.MaxKeyLength,
		ForceHash:    p.HashKey,
		AutoHash:     p.AutoHashKeys,
		Algorithm:    key.Algorithm(p.HashAlgo),
	}
}

func (c *Client) normalise(callKind, applicationKey string) (key.NormalisedKey, error) {
	nk, err := key.Normalise(applicationKey, c.keyRules())
	if err != nil {
		return key.NormalisedKey{}, newError(ErrInvalidArgument, callKind, c.application, applicationKey, err)
	}
	return nk, nil
}

func (c *Client) effectiveThrow(opts *CallOptions) bool {
	if opts != nil && opts.Throw != nil {
		return *opts.Throw
	}
	return c.cfg.Get().ThrowException
}

// fault converts err into the caller-visible result according to the
// effective throw flag (§7 propagation policy): if throwing, returns err
// (wrapped); otherwise swallows it (callers translate to null/empty/zero).
func (c *Client) fault(opts *CallOptions, err error) error {
	if err == nil {
		return nil
	}
	if c.effectiveThrow(opts) {
		return err
	}
	return nil
}

func callType(call string) metrics.CallType {
	switch call {
	case "SET", "ADD", "REPLACE", "APPEND", "APPEND_OR_ADD", "DELETE", "TOUCH", "INCR", "DECR":
		return metrics.CallTypeWrite
	default:
		return metrics.CallTypeRead
	}
}

func (c *Client) baseTags(call string, sg, zone string) metrics.Tags {
	return metrics.Tags{
		Application: c.application,
		Prefix:      c.prefix,
		Call:        call,
		CallType:    callType(call),
		ServerGroup: sg,
		Zone:        zone,
	}
}

func (c *Client) fastFail(call string, reason metrics.FailureReason) {
	c.metricsReg.IncFastFail(c.application, call, callType(call), reason)
}

// now is a seam so tests can stub the wall clock if ever needed; production
// code always uses time.Now.
var now = time.Now

// ClientStats is what Stats returns (SPEC_FULL.md §5 supplement 4.9 — an
// introspection method replacing the JMX bean EVCacheImpl registers, not a
// bean itself). It carries only the client's application name; Stats does
// not read the metrics registry and reports no call, hit, miss or collision
// counts.
type ClientStats struct {
	Application string
}

func (c *Client) Stats() ClientStats {
	return ClientStats{Application: c.application}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
