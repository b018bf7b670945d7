// Package event implements the event bus (C4): per-call Event creation and
// listener dispatch for throttle/start/complete/error hooks, with isolation
// between listeners (§4.2).
package event

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallKind identifies the logical operation an Event describes.
type CallKind string

const (
	CallGet            CallKind = "GET"
	CallGetBulk        CallKind = "GET_BULK"
	CallGetAndTouch    CallKind = "GET_AND_TOUCH"
	CallMetaGet        CallKind = "META_GET"
	CallMetaDebug      CallKind = "META_DEBUG"
	CallSet            CallKind = "SET"
	CallAdd            CallKind = "ADD"
	CallReplace        CallKind = "REPLACE"
	CallAppend         CallKind = "APPEND"
	CallAppendOrAdd    CallKind = "APPEND_OR_ADD"
	CallDelete         CallKind = "DELETE"
	CallTouch          CallKind = "TOUCH"
	CallIncr           CallKind = "INCR"
	CallDecr           CallKind = "DECR"
)

// Event is the per-call object mutated only by the orchestrator and read by
// listeners (§3.4).
type Event struct {
	ID             string
	Call           CallKind
	Application    string
	Prefix         string
	Keys           []string
	TTL            time.Duration
	EncodedPayload []byte
	StartTime      time.Time
	EndTime        time.Time
	Status         string
	Attributes     map[string]string
}

// SetAttribute records a free-form status attribute (e.g. "GHIT", "BHIT_PARTIAL").
func (e *Event) SetAttribute(key, value string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
}

// Listener is the polymorphic capability set §9 describes: four methods,
// dispatched over an immutable snapshot with per-listener failure isolation.
type Listener interface {
	Name() string
	OnThrottle(e *Event) bool
	OnStart(e *Event)
	OnComplete(e *Event)
	OnError(e *Event, err error)
}

// FailureCounter is invoked whenever a listener panics or is otherwise
// swallowed, so callers can wire it to metrics (INTERNAL_EVENT_FAIL, §6.3).
type FailureCounter func(listenerName, stage string)

// Bus dispatches Events to an immutable listener snapshot (§5: "the event
// listener list (treated as thread-safe, immutable once installed)").
type Bus struct {
	listeners atomic.Pointer[[]Listener]
	onFailure FailureCounter
	log       *zap.SugaredLogger
}

// NewBus creates an empty Bus. onFailure may be nil.
func NewBus(log *zap.SugaredLogger, onFailure FailureCounter) *Bus {
	b := &Bus{log: log, onFailure: onFailure}
	empty := []Listener{}
	b.listeners.Store(&empty)
	return b
}

// AddListener installs a listener via copy-on-write (§5 "Supplemental 4.2a").
func (b *Bus) AddListener(l Listener) {
	for {
		old := b.listeners.Load()
		next := make([]Listener, 0, len(*old)+1)
		next = append(next, *old...)
		next = append(next, l)
		if b.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveListener uninstalls a listener by name via copy-on-write.
func (b *Bus) RemoveListener(name string) {
	for {
		old := b.listeners.Load()
		next := make([]Listener, 0, len(*old))
		for _, l := range *old {
			if l.Name() != name {
				next = append(next, l)
			}
		}
		if b.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Create returns a new Event only if there are registered listeners;
// otherwise nil, implementing the §4.2 "fast path skip".
func (b *Bus) Create(call CallKind, application, prefix string, keys []string, ttl time.Duration) *Event {
	if len(*b.listeners.Load()) == 0 {
		return nil
	}
	return &Event{
		ID:          uuid.NewString(),
		Call:        call,
		Application: application,
		Prefix:      prefix,
		Keys:        keys,
		TTL:         ttl,
	}
}

// Throttle runs onThrottle across the snapshot; returns true on the first
// listener opting to reject (§4.2).
func (b *Bus) Throttle(e *Event) bool {
	if e == nil {
		return false
	}
	for _, l := range *b.listeners.Load() {
		rejected := b.safely(l.Name(), "throttle", func() bool {
			return l.OnThrottle(e)
		})
		if rejected {
			return true
		}
	}
	return false
}

func (b *Bus) Start(e *Event) {
	if e == nil {
		return
	}
	e.StartTime = time.Now()
	for _, l := range *b.listeners.Load() {
		b.safelyVoid(l.Name(), "start", func() { l.OnStart(e) })
	}
}

func (b *Bus) Complete(e *Event, status string) {
	if e == nil {
		return
	}
	e.EndTime = time.Now()
	e.Status = status
	for _, l := range *b.listeners.Load() {
		b.safelyVoid(l.Name(), "complete", func() { l.OnComplete(e) })
	}
}

func (b *Bus) Error(e *Event, callErr error) {
	if e == nil {
		return
	}
	e.EndTime = time.Now()
	for _, l := range *b.listeners.Load() {
		b.safelyVoid(l.Name(), "error", func() { l.OnError(e, callErr) })
	}
}

// safely runs a listener callback, swallowing panics and reporting failures,
// never letting a listener affect the caller (§4.2).
func (b *Bus) safely(listenerName, stage string, fn func() bool) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(listenerName, stage, r)
			result = false
		}
	}()
	return fn()
}

func (b *Bus) safelyVoid(listenerName, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(listenerName, stage, r)
		}
	}()
	fn()
}

func (b *Bus) reportFailure(listenerName, stage string, r any) {
	if b.log != nil {
		b.log.Warnw("listener failure swallowed", "listener", listenerName, "stage", stage, "panic", r)
	}
	if b.onFailure != nil {
		b.onFailure(listenerName, stage)
	}
}
