// Package pool defines the collaborator contracts the core orchestrator
// depends on (§6.1): the Replica capability set and the Pool that selects a
// primary read replica, an ordered fallback list, and the full write set.
//
// This package also provides StaticPool, a simple concrete Pool over a fixed
// replica list, grounded on cachemir's node-map bookkeeping (AddNode/
// RemoveNode over a mutex-guarded map) but generalized from per-node TCP pools
// to per-zone replica sets. Replicas do not shard data by key: every replica
// in the write set is expected to hold an independent full copy, so selection
// here is about failure-domain rotation, not key routing.
package pool

import (
	"context"
	"sync"
	"time"
)

// Item is a single bulk-read result: the raw wire payload for one key.
type Item struct {
	Flags uint32
	Bytes []byte
}

// MetaResult is the result of a meta-get (§3.3): value plus lightweight
// metadata a real memcached meta-protocol would report.
type MetaResult struct {
	Flags     uint32
	Bytes     []byte
	Found     bool
	LastAccess time.Duration
}

// MetaDebugResult is the result of a meta-debug call: diagnostic fields only,
// no value payload.
type MetaDebugResult struct {
	Found bool
	CAS   uint64
	TTL   time.Duration
}

// Latch coordinates a fan-out write across replicas (§3.5). Defined here
// (rather than in pkg/zonecache) because Replica operations accept one.
type Latch interface {
	// MarkDone records the outcome of one replica's operation.
	MarkDone(err error)
}

// Replica is the capability set the core calls per participating backend
// (§3.3, §6.1). A production implementation talks to a memcached-style
// server; pkg/replica is this module's reference implementation.
type Replica interface {
	ServerGroup() string
	IsDuetClient() bool

	Get(ctx context.Context, wireKey string) (Item, bool, error)
	GetBulk(ctx context.Context, wireKeys []string) (map[string]Item, error)
	MetaGet(ctx context.Context, wireKey string) (MetaResult, error)
	MetaDebug(ctx context.Context, wireKey string) (MetaDebugResult, error)

	Set(ctx context.Context, wireKey string, payload Item, ttl time.Duration, latch Latch) error
	Add(ctx context.Context, wireKey string, payload Item, ttl time.Duration, latch Latch) error
	Replace(ctx context.Context, wireKey string, payload Item, ttl time.Duration, latch Latch) error
	Append(ctx context.Context, wireKey string, payload Item, latch Latch) error
	AppendOrAdd(ctx context.Context, wireKey string, payload Item, ttl time.Duration, latch Latch) error
	Delete(ctx context.Context, wireKey string, latch Latch) error
	Touch(ctx context.Context, wireKey string, ttl time.Duration, latch Latch) error
	Incr(ctx context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch Latch) (int64, error)
	Decr(ctx context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch Latch) (int64, error)
}

// Pool supplies replicas for reads and writes (§6.1).
type Pool interface {
	GetClientForRead() (Replica, bool)
	GetClientsForReadExcluding(serverGroup string) []Replica
	GetClientsForWrite() []Replica
	GetWriteOnlyClients() []Replica
	ReadTimeout() time.Duration
	OperationTimeout() time.Duration
	SupportsFallback() bool
}

// StaticPool is a fixed-membership Pool: replicas are supplied once at
// construction. writeOnly names the subset of replicas that participate in
// fan-out writes but are excluded from the write-quorum denominator (§4.6).
type StaticPool struct {
	mu                sync.RWMutex
	replicas          []Replica
	writeOnly         map[string]bool // by server group
	readTimeout       time.Duration
	operationTimeout  time.Duration
	fallbackEnabled   bool
	nextPrimaryOffset int
}

// NewStaticPool builds a StaticPool from a fixed replica set.
func NewStaticPool(replicas []Replica, writeOnlyGroups []string, readTimeout, operationTimeout time.Duration, fallbackEnabled bool) *StaticPool {
	wo := make(map[string]bool, len(writeOnlyGroups))
	for _, g := range writeOnlyGroups {
		wo[g] = true
	}
	return &StaticPool{
		replicas:         replicas,
		writeOnly:        wo,
		readTimeout:      readTimeout,
		operationTimeout: operationTimeout,
		fallbackEnabled:  fallbackEnabled,
	}
}

// GetClientForRead rotates through replicas so repeated calls spread load
// across zones rather than always hammering the first one.
func (p *StaticPool) GetClientForRead() (Replica, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replicas) == 0 {
		return nil, false
	}
	idx := p.nextPrimaryOffset % len(p.replicas)
	p.nextPrimaryOffset++
	return p.replicas[idx], true
}

// GetClientsForReadExcluding returns every replica outside serverGroup, in
// pool-defined (construction) order — fallback attempts must be strictly
// ordered per §5.
func (p *StaticPool) GetClientsForReadExcluding(serverGroup string) []Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		if r.ServerGroup() != serverGroup {
			out = append(out, r)
		}
	}
	return out
}

func (p *StaticPool) GetClientsForWrite() []Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Replica, len(p.replicas))
	copy(out, p.replicas)
	return out
}

func (p *StaticPool) GetWriteOnlyClients() []Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Replica
	for _, r := range p.replicas {
		if p.writeOnly[r.ServerGroup()] {
			out = append(out, r)
		}
	}
	return out
}

func (p *StaticPool) ReadTimeout() time.Duration      { return p.readTimeout }
func (p *StaticPool) OperationTimeout() time.Duration { return p.operationTimeout }
func (p *StaticPool) SupportsFallback() bool          { return p.fallbackEnabled }
