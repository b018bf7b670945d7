// Package metrics implements the metrics emitter (C10): tag-keyed timers,
// counters and distribution summaries keyed by (operation, operation-type,
// result, hit, attempt, server-group, zone), per §6.3.
//
// Grounded on dKV's use of rcrowley/go-metrics for request-latency tracking;
// the three metric-name caches §5 requires ("a concurrent keyed map from
// metric-name to Timer / Counter / DistributionSummary") are backed by
// puzpuzpuz/xsync concurrent maps, also pulled from dKV.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	rmetrics "github.com/rcrowley/go-metrics"
)

// CallType distinguishes read-shaped from write-shaped operations for the
// OVERALL_CALL timer tag set.
type CallType string

const (
	CallTypeRead  CallType = "READ"
	CallTypeWrite CallType = "WRITE"
)

// IPCResult is the outcome tag on OVERALL_CALL.
type IPCResult string

const (
	ResultSuccess   IPCResult = "SUCCESS"
	ResultError     IPCResult = "ERROR"
	ResultTimeout   IPCResult = "TIMEOUT"
	ResultThrottled IPCResult = "THROTTLED"
)

// CacheHit is the hit/miss/partial tag on reads.
type CacheHit string

const (
	HitYes     CacheHit = "YES"
	HitNo      CacheHit = "NO"
	HitPartial CacheHit = "PARTIAL"
)

// Attempt buckets fallback attempts per §4.4 step 8.
type Attempt string

const (
	AttemptInitial  Attempt = "INITIAL"
	AttemptSecond   Attempt = "SECOND"
	AttemptThirdUp  Attempt = "THIRD_UP"
)

// AttemptBucket converts a 0-based attempt index into its bucket.
func AttemptBucket(i int) Attempt {
	switch i {
	case 0:
		return AttemptInitial
	case 1:
		return AttemptSecond
	default:
		return AttemptThirdUp
	}
}

// FailureReason tags the FAST_FAIL counter.
type FailureReason string

const (
	FailureNullClient FailureReason = "NULL_CLIENT"
	FailureThrottled  FailureReason = "THROTTLED"
	FailureInvalidTTL FailureReason = "INVALID_TTL"
)

// Tags is the common dimension set attached to every emission.
type Tags struct {
	Application string
	Prefix      string
	Call        string
	CallType    CallType
	IPCResult   IPCResult
	CacheHit    CacheHit
	Attempt     Attempt
	ServerGroup string
	Zone        string
}

func (t Tags) key(metricName string) string {
	parts := []string{
		metricName,
		"app=" + t.Application,
		"prefix=" + t.Prefix,
		"call=" + t.Call,
		"call_type=" + string(t.CallType),
		"ipc_result=" + string(t.IPCResult),
		"cache_hit=" + string(t.CacheHit),
		"attempt=" + string(t.Attempt),
		"server_group=" + t.ServerGroup,
		"zone=" + t.Zone,
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, "|")
}

// Registry is the process-wide metrics registry injected into the core
// (§9: "model as explicit dependencies injected into the core at
// construction"). The three xsync maps are the metric-name caches §5
// requires; each entry is created at most once via LoadOrCompute.
type Registry struct {
	timers      *xsync.MapOf[string, rmetrics.Timer]
	counters    *xsync.MapOf[string, rmetrics.Counter]
	histograms  *xsync.MapOf[string, rmetrics.Histogram]
	underlying  rmetrics.Registry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		timers:     xsync.NewMapOf[string, rmetrics.Timer](),
		counters:   xsync.NewMapOf[string, rmetrics.Counter](),
		histograms: xsync.NewMapOf[string, rmetrics.Histogram](),
		underlying: rmetrics.NewRegistry(),
	}
}

func (r *Registry) timer(name string) rmetrics.Timer {
	t, _ := r.timers.LoadOrCompute(name, func() rmetrics.Timer {
		t := rmetrics.NewTimer()
		_ = r.underlying.Register(name, t)
		return t
	})
	return t
}

func (r *Registry) counter(name string) rmetrics.Counter {
	c, _ := r.counters.LoadOrCompute(name, func() rmetrics.Counter {
		c := rmetrics.NewCounter()
		_ = r.underlying.Register(name, c)
		return c
	})
	return c
}

func (r *Registry) histogram(name string) rmetrics.Histogram {
	h, _ := r.histograms.LoadOrCompute(name, func() rmetrics.Histogram {
		h := rmetrics.NewHistogram(rmetrics.NewUniformSample(1028))
		_ = r.underlying.Register(name, h)
		return h
	})
	return h
}

// RecordOverallCall records the OVERALL_CALL timer (§6.3).
func (r *Registry) RecordOverallCall(tags Tags, elapsed time.Duration) {
	r.timer(tags.key("OVERALL_CALL")).Update(elapsed)
}

// IncFastFail increments FAST_FAIL for the given failure reason (§6.3).
func (r *Registry) IncFastFail(application, call string, callType CallType, reason FailureReason) {
	t := Tags{Application: application, Call: call, CallType: callType}
	r.counter(t.key("FAST_FAIL") + "|failure_reason=" + string(reason)).Inc(1)
}

// IncInternalFail increments INTERNAL_FAIL, used for collisions and similar
// core faults (§6.3).
func (r *Registry) IncInternalFail(application, reason string) {
	r.counter(fmt.Sprintf("INTERNAL_FAIL|app=%s|reason=%s", application, reason)).Inc(1)
}

// IncInternalEventFail increments INTERNAL_EVENT_FAIL, tagged with listener
// class and stage (§6.3).
func (r *Registry) IncInternalEventFail(listenerName, stage string) {
	r.counter(fmt.Sprintf("INTERNAL_EVENT_FAIL|listener=%s|stage=%s", listenerName, stage)).Inc(1)
}

// RecordTTL records the TTL distribution summary on every write (§6.3).
func (r *Registry) RecordTTL(application string, ttlSeconds int64) {
	r.histogram("TTL|app=" + application).Update(ttlSeconds)
}

// RecordKeysSize records OVERALL_KEYS_SIZE on bulk reads (§6.3).
func (r *Registry) RecordKeysSize(application string, n int64) {
	r.histogram("OVERALL_KEYS_SIZE|app=" + application).Update(n)
}

// IncKeyHashCollision increments the collision counter referenced in §4.4/§4.7.
func (r *Registry) IncKeyHashCollision(application string) {
	r.counter("KEY_HASH_COLLISION|app=" + application).Inc(1)
}

// CounterSnapshot returns every registered counter's current value keyed by
// its full tag string, for introspection (metrics assertions in tests; an
// operator-facing dump would use the same rmetrics.Registry.Each the
// production /metrics endpoint would walk).
func (r *Registry) CounterSnapshot() map[string]int64 {
	out := make(map[string]int64)
	r.underlying.Each(func(name string, i any) {
		if c, ok := i.(rmetrics.Counter); ok {
			out[name] = c.Count()
		}
	})
	return out
}

// TimerCountSnapshot returns every registered timer's observation count keyed
// by its full tag string.
func (r *Registry) TimerCountSnapshot() map[string]int64 {
	out := make(map[string]int64)
	r.underlying.Each(func(name string, i any) {
		if t, ok := i.(rmetrics.Timer); ok {
			out[name] = t.Count()
		}
	})
	return out
}

