package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptBucket(t *testing.T) {
	assert.Equal(t, AttemptInitial, AttemptBucket(0))
	assert.Equal(t, AttemptSecond, AttemptBucket(1))
	assert.Equal(t, AttemptThirdUp, AttemptBucket(2))
	assert.Equal(t, AttemptThirdUp, AttemptBucket(9))
}

func TestTags_KeyIsStableUnderFieldOrder(t *testing.T) {
	a := Tags{Application: "app", Call: "GET", CallType: CallTypeRead, IPCResult: ResultSuccess}
	b := Tags{CallType: CallTypeRead, Application: "app", IPCResult: ResultSuccess, Call: "GET"}
	assert.Equal(t, a.key("OVERALL_CALL"), b.key("OVERALL_CALL"))
}

func TestRegistry_RecordOverallCallIncrementsTimerCount(t *testing.T) {
	r := NewRegistry()
	tags := Tags{Application: "app", Call: "GET", CallType: CallTypeRead, IPCResult: ResultSuccess}

	r.RecordOverallCall(tags, 5*time.Millisecond)
	r.RecordOverallCall(tags, 7*time.Millisecond)

	snap := r.TimerCountSnapshot()
	var total int64
	for _, v := range snap {
		total += v
	}
	assert.Equal(t, int64(2), total)
}

func TestRegistry_IncFastFailIncrementsCounter(t *testing.T) {
	r := NewRegistry()
	r.IncFastFail("app", "GET", CallTypeRead, FailureThrottled)
	r.IncFastFail("app", "GET", CallTypeRead, FailureThrottled)

	found := false
	for name, v := range r.CounterSnapshot() {
		if strings.Contains(name, "FAST_FAIL") {
			assert.Equal(t, int64(2), v)
			found = true
		}
	}
	assert.True(t, found, "expected a FAST_FAIL counter in the snapshot")
}

func TestRegistry_IncKeyHashCollision(t *testing.T) {
	r := NewRegistry()
	r.IncKeyHashCollision("app")

	found := false
	for name, v := range r.CounterSnapshot() {
		if strings.Contains(name, "KEY_HASH_COLLISION") {
			assert.Equal(t, int64(1), v)
			found = true
		}
	}
	assert.True(t, found)
}

func TestRegistry_CountersAreKeyedSeparatelyByApplication(t *testing.T) {
	r := NewRegistry()
	r.IncInternalFail("appA", "boom")
	r.IncInternalFail("appB", "boom")

	snap := r.CounterSnapshot()
	var total int64
	for name, v := range snap {
		if strings.Contains(name, "INTERNAL_FAIL") {
			total += v
		}
	}
	assert.Equal(t, int64(2), total)
}
