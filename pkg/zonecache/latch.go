package zonecache

import (
	"sync"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
)

// Policy is a write-completion quorum policy (§3.5).
type Policy string

const (
	PolicyNone       Policy = "NONE"
	PolicyOne        Policy = "ONE"
	PolicyQuorum     Policy = "QUORUM"
	PolicyAllMinus1  Policy = "ALL_MINUS_1"
	PolicyAll        Policy = "ALL"
)

// requiredSuccesses implements the §3.5 policy → required-successes table.
func requiredSuccesses(p Policy, total int) int {
	switch p {
	case PolicyNone:
		return 0
	case PolicyOne:
		if total == 0 {
			return 0
		}
		return 1
	case PolicyQuorum:
		switch {
		case total == 0:
			return 0
		case total <= 2:
			return total
		default:
			return total/2 + 1
		}
	case PolicyAllMinus1:
		switch {
		case total == 0:
			return 0
		case total <= 2:
			return 1
		default:
			return total - 1
		}
	case PolicyAll:
		return total
	default:
		return total
	}
}

// Latch coordinates a fan-out write (§3.5). It satisfies pool.Latch so
// Replica implementations can report completion directly into it.
type Latch struct {
	mu          sync.Mutex
	policy      Policy
	total       int
	required    int
	done        int
	succeeded   int
	errs        []error
	event       *event.Event
	bus         *event.Bus
	finalStatus string
	settled     chan struct{} // closed once the quorum is met or every replica has reported
}

func newLatch(policy Policy, total int, ev *event.Event, bus *event.Bus) *Latch {
	l := &Latch{
		policy:   policy,
		total:    total,
		required: requiredSuccesses(policy, total),
		event:    ev,
		bus:      bus,
		settled:  make(chan struct{}),
	}
	if l.total == 0 {
		l.finalStatus = "SUCCESS"
		close(l.settled)
	}
	return l
}

// Total returns the number of replicas participating in the fan-out
// (excluding write-only replicas, per §4.6).
func (l *Latch) Total() int { return l.total }

// Required returns the policy's required-success count.
func (l *Latch) Required() int { return l.required }

// MarkDone implements pool.Latch: records one replica's completion.
func (l *Latch) MarkDone(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.done++
	if err == nil {
		l.succeeded++
	} else {
		l.errs = append(l.errs, err)
	}
	if l.succeeded >= l.required {
		l.maybeSettleLocked("SUCCESS")
	} else if l.done >= l.total {
		l.maybeSettleLocked("PARTIAL")
	}
}

func (l *Latch) maybeSettleLocked(status string) {
	if l.finalStatus != "" {
		return
	}
	l.finalStatus = status
	if l.bus != nil && l.event != nil {
		l.bus.Complete(l.event, status)
	}
	close(l.settled)
}

// Met reports whether the required-success threshold has been reached.
func (l *Latch) Met() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.succeeded >= l.required
}

// Await blocks until the quorum is met, every replica has reported, or
// timeout elapses. Returns whether the quorum was met.
func (l *Latch) Await(timeout time.Duration) bool {
	select {
	case <-l.settled:
	case <-time.After(timeout):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.succeeded >= l.required
}
