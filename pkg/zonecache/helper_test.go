package zonecache

import (
	"testing"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/pool"
	"github.com/cachemir/zonecache/pkg/zconfig"
	"github.com/cachemir/zonecache/pkg/zlog"
)

// waitForCondition polls cond until it reports true or a short deadline
// elapses, for assertions against best-effort background goroutines (touch
// fan-out, incr/decr convergence repair, consistent-read minority deletes).
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within deadline")
	}
}

// newTestClient builds a Client over p with defaults (no near-cache, no
// prefix), letting each test tweak zconfig.Store.Set afterwards.
func newTestClient(t *testing.T, p pool.Pool) (*Client, *zconfig.Store) {
	t.Helper()
	return newTestClientWithPrefix(t, p, "")
}

func newTestClientWithPrefix(t *testing.T, p pool.Pool, prefix string) (*Client, *zconfig.Store) {
	t.Helper()
	cfg := zconfig.NewStore("test", nil)
	c := New(Config{
		Application: "test",
		Prefix:      prefix,
		ResolvePool: func() pool.Pool { return p },
		ConfigStore: cfg,
		Events:      event.NewBus(zlog.For("events-test"), nil),
		Metrics:     metrics.NewRegistry(),
	})
	return c, cfg
}
