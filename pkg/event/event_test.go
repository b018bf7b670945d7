package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	name              string
	throttleResult    bool
	startCount        int
	completeCount     int
	errorCount        int
	lastCompleteEvent *Event
}

func (l *recordingListener) Name() string { return l.name }
func (l *recordingListener) OnThrottle(e *Event) bool {
	return l.throttleResult
}
func (l *recordingListener) OnStart(e *Event)    { l.startCount++ }
func (l *recordingListener) OnComplete(e *Event) { l.completeCount++; l.lastCompleteEvent = e }
func (l *recordingListener) OnError(e *Event, err error) { l.errorCount++ }

type panicListener struct{ name string }

func (p *panicListener) Name() string                { return p.name }
func (p *panicListener) OnThrottle(e *Event) bool     { panic("throttle boom") }
func (p *panicListener) OnStart(e *Event)             { panic("start boom") }
func (p *panicListener) OnComplete(e *Event)          { panic("complete boom") }
func (p *panicListener) OnError(e *Event, err error)  { panic("error boom") }

func TestBus_CreateReturnsNilWithNoListeners(t *testing.T) {
	b := NewBus(nil, nil)
	ev := b.Create(CallGet, "app", "prefix", []string{"k"}, 0)
	assert.Nil(t, ev)
}

func TestBus_DispatchesToRegisteredListener(t *testing.T) {
	b := NewBus(nil, nil)
	l := &recordingListener{name: "rec"}
	b.AddListener(l)

	ev := b.Create(CallGet, "app", "prefix", []string{"k"}, 0)
	require.NotNil(t, ev)

	rejected := b.Throttle(ev)
	assert.False(t, rejected)

	b.Start(ev)
	assert.Equal(t, 1, l.startCount)

	b.Complete(ev, "GHIT")
	assert.Equal(t, 1, l.completeCount)
	assert.Equal(t, "GHIT", l.lastCompleteEvent.Status)
}

func TestBus_ThrottleStopsAtFirstRejection(t *testing.T) {
	b := NewBus(nil, nil)
	allow := &recordingListener{name: "allow", throttleResult: false}
	reject := &recordingListener{name: "reject", throttleResult: true}
	b.AddListener(allow)
	b.AddListener(reject)

	ev := b.Create(CallGet, "app", "", nil, 0)
	assert.True(t, b.Throttle(ev))
}

func TestBus_ListenerPanicIsolatedAndReported(t *testing.T) {
	var failures []string
	b := NewBus(nil, func(listenerName, stage string) {
		failures = append(failures, listenerName+":"+stage)
	})
	b.AddListener(&panicListener{name: "bad"})
	good := &recordingListener{name: "good"}
	b.AddListener(good)

	ev := b.Create(CallGet, "app", "", nil, 0)
	require.NotNil(t, ev)

	b.Start(ev)
	assert.Equal(t, 1, good.startCount, "a panicking listener must not block the next listener")
	assert.Contains(t, failures, "bad:start")

	b.Complete(ev, "GHIT")
	assert.Equal(t, 1, good.completeCount)
	assert.Contains(t, failures, "bad:complete")
}

func TestBus_RemoveListener(t *testing.T) {
	b := NewBus(nil, nil)
	l := &recordingListener{name: "rec"}
	b.AddListener(l)
	b.RemoveListener("rec")

	ev := b.Create(CallGet, "app", "", nil, 0)
	assert.Nil(t, ev, "Create should see no listeners once removed")
}

func TestEvent_SetAttribute(t *testing.T) {
	e := &Event{}
	e.SetAttribute("status", "GHIT")
	assert.Equal(t, "GHIT", e.Attributes["status"])
}
