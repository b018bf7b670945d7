package zonecache

import (
	"context"
	"sync"
	"time"

	"github.com/cachemir/zonecache/pkg/pool"
)

// fakeReplica is an in-memory stand-in for pool.Replica, grounded on
// internal/memserver's Store shape but collapsed to a single process-local
// map — enough to exercise every orchestrator path without a real socket.
type fakeReplica struct {
	serverGroup string
	duet        bool

	mu      sync.Mutex
	items   map[string]pool.Item
	getErr  error
	getN    int // Get call count, for fallback-attempt-count assertions
}

func newFakeReplica(serverGroup string) *fakeReplica {
	return &fakeReplica{serverGroup: serverGroup, items: make(map[string]pool.Item)}
}

func (r *fakeReplica) ServerGroup() string { return r.serverGroup }
func (r *fakeReplica) IsDuetClient() bool  { return r.duet }

func (r *fakeReplica) seed(wireKey string, item pool.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[wireKey] = item
}

func (r *fakeReplica) Get(_ context.Context, wireKey string) (pool.Item, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getN++
	if r.getErr != nil {
		return pool.Item{}, false, r.getErr
	}
	item, ok := r.items[wireKey]
	return item, ok, nil
}

func (r *fakeReplica) GetBulk(_ context.Context, wireKeys []string) (map[string]pool.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pool.Item)
	for _, wk := range wireKeys {
		if item, ok := r.items[wk]; ok {
			out[wk] = item
		}
	}
	return out, nil
}

func (r *fakeReplica) MetaGet(_ context.Context, wireKey string) (pool.MetaResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[wireKey]
	return pool.MetaResult{Flags: item.Flags, Bytes: item.Bytes, Found: ok}, nil
}

func (r *fakeReplica) MetaDebug(_ context.Context, wireKey string) (pool.MetaDebugResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[wireKey]
	return pool.MetaDebugResult{Found: ok}, nil
}

func (r *fakeReplica) Set(_ context.Context, wireKey string, payload pool.Item, _ time.Duration, latch pool.Latch) error {
	r.mu.Lock()
	r.items[wireKey] = payload
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Add(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	r.mu.Lock()
	_, exists := r.items[wireKey]
	if !exists {
		r.items[wireKey] = payload
	}
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Replace(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	r.mu.Lock()
	_, exists := r.items[wireKey]
	if exists {
		r.items[wireKey] = payload
	}
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Append(_ context.Context, wireKey string, payload pool.Item, latch pool.Latch) error {
	r.mu.Lock()
	existing, ok := r.items[wireKey]
	if ok {
		merged := append(append([]byte{}, existing.Bytes...), payload.Bytes...)
		r.items[wireKey] = pool.Item{Flags: existing.Flags, Bytes: merged}
	}
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) AppendOrAdd(_ context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	r.mu.Lock()
	existing, ok := r.items[wireKey]
	if ok {
		merged := append(append([]byte{}, existing.Bytes...), payload.Bytes...)
		r.items[wireKey] = pool.Item{Flags: existing.Flags, Bytes: merged}
	} else {
		r.items[wireKey] = payload
	}
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Delete(_ context.Context, wireKey string, latch pool.Latch) error {
	r.mu.Lock()
	delete(r.items, wireKey)
	r.mu.Unlock()
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Touch(_ context.Context, wireKey string, ttl time.Duration, latch pool.Latch) error {
	if latch != nil {
		latch.MarkDone(nil)
	}
	return nil
}

func (r *fakeReplica) Incr(_ context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch pool.Latch) (int64, error) {
	return r.incrDecr(wireKey, delta, initial, latch)
}

func (r *fakeReplica) Decr(_ context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch pool.Latch) (int64, error) {
	return r.incrDecr(wireKey, -delta, initial, latch)
}

func (r *fakeReplica) incrDecr(wireKey string, delta, initial int64, latch pool.Latch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[wireKey]
	var current int64
	if !ok {
		if initial < 0 {
			if latch != nil {
				latch.MarkDone(nil)
			}
			return incrNotFoundSentinel, nil
		}
		current = initial
	} else {
		current = parseCounter(item.Bytes)
		current += delta
		if current < 0 {
			current = 0
		}
	}
	r.items[wireKey] = pool.Item{Bytes: []byte(formatCounter(current))}
	if latch != nil {
		latch.MarkDone(nil)
	}
	return current, nil
}

func parseCounter(b []byte) int64 {
	var v int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

func formatCounter(v int64) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// fakePool is a minimal pool.Pool over a fixed replica slice, grounded on
// pool.StaticPool's own shape but without its mutex/rotation bookkeeping —
// tests want deterministic primary selection, not round robin.
type fakePool struct {
	replicas  []pool.Replica
	writeOnly map[string]bool

	readTimeout      time.Duration
	operationTimeout time.Duration
	fallback         bool
}

func newFakePool(replicas ...pool.Replica) *fakePool {
	return &fakePool{
		replicas:         replicas,
		writeOnly:        make(map[string]bool),
		readTimeout:      200 * time.Millisecond,
		operationTimeout: 200 * time.Millisecond,
		fallback:         len(replicas) > 1,
	}
}

func (p *fakePool) GetClientForRead() (pool.Replica, bool) {
	if len(p.replicas) == 0 {
		return nil, false
	}
	return p.replicas[0], true
}

func (p *fakePool) GetClientsForReadExcluding(serverGroup string) []pool.Replica {
	var out []pool.Replica
	for _, r := range p.replicas {
		if r.ServerGroup() != serverGroup {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePool) GetClientsForWrite() []pool.Replica {
	out := make([]pool.Replica, len(p.replicas))
	copy(out, p.replicas)
	return out
}

func (p *fakePool) GetWriteOnlyClients() []pool.Replica {
	var out []pool.Replica
	for _, r := range p.replicas {
		if p.writeOnly[r.ServerGroup()] {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePool) ReadTimeout() time.Duration      { return p.readTimeout }
func (p *fakePool) OperationTimeout() time.Duration { return p.operationTimeout }
func (p *fakePool) SupportsFallback() bool          { return p.fallback }
