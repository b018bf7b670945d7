package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/cachemir/zonecache/pkg/memproto"
	"github.com/cachemir/zonecache/pkg/pool"
)

// Config controls one zone's worth of nodes.
type Config struct {
	ServerGroup   string
	Nodes         []string
	VirtualNodes  int
	MaxConns      int
	ConnTimeout   time.Duration
	RetryAttempts int
	DuetClient    bool
}

// Replica is the reference pool.Replica implementation: a set of memcached-
// shaped nodes in one zone, routed by consistent hashing, reached through a
// per-node connection pool speaking pkg/memproto.
//
// Grounded on cachemir's pkg/client.Client: same getConnection/
// returnConnection/executeCommand shape, narrowed to one zone (a production
// EVCache replica is one server group, not a whole cluster) and generalized
// to the pool.Replica capability set so pkg/zonecache can fan out across
// several of these.
type Replica struct {
	serverGroup   string
	duetClient    bool
	ring          *ring
	pools         map[string]*connPool
	retryAttempts int
}

// New builds a Replica for one zone from a fixed node list.
func New(cfg Config) *Replica {
	r := &Replica{
		serverGroup:   cfg.ServerGroup,
		duetClient:    cfg.DuetClient,
		ring:          newRing(cfg.VirtualNodes),
		pools:         make(map[string]*connPool, len(cfg.Nodes)),
		retryAttempts: cfg.RetryAttempts,
	}
	for _, node := range cfg.Nodes {
		r.ring.add(node)
		r.pools[node] = newConnPool(node, cfg.MaxConns, cfg.ConnTimeout)
	}
	return r
}

func (r *Replica) ServerGroup() string { return r.serverGroup }
func (r *Replica) IsDuetClient() bool  { return r.duetClient }

func (r *Replica) poolFor(key string) (*connPool, error) {
	node, ok := r.ring.get(key)
	if !ok {
		return nil, fmt.Errorf("replica[%s]: no nodes available", r.serverGroup)
	}
	p, ok := r.pools[node]
	if !ok {
		return nil, fmt.Errorf("replica[%s]: no connection pool for node %s", r.serverGroup, node)
	}
	return p, nil
}

// execute sends cmd to the node responsible for cmd.Key, retrying on
// transport failure up to retryAttempts times. Grounded on cachemir's
// Client.executeCommand.
func (r *Replica) execute(ctx context.Context, cmd *memproto.Command) (*memproto.Response, error) {
	p, err := r.poolFor(cmd.Key)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= r.retryAttempts; attempt++ {
		conn, err := p.get(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		if err := memproto.WriteCommand(conn, cmd); err != nil {
			p.discard(conn)
			lastErr = err
			continue
		}
		resp, err := memproto.ReadResponse(conn)
		if err != nil {
			p.discard(conn)
			lastErr = err
			continue
		}

		p.put(conn)
		return resp, nil
	}
	return nil, fmt.Errorf("replica[%s]: command failed after %d attempts: %w", r.serverGroup, r.retryAttempts+1, lastErr)
}

func markAndReturn(latch pool.Latch, err error) error {
	if latch != nil {
		latch.MarkDone(err)
	}
	return err
}

func (r *Replica) Get(ctx context.Context, wireKey string) (pool.Item, bool, error) {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdGet, Key: wireKey})
	if err != nil {
		return pool.Item{}, false, err
	}
	if resp.Type == memproto.RespNil {
		return pool.Item{}, false, nil
	}
	if resp.Type == memproto.RespError {
		return pool.Item{}, false, fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return pool.Item{Flags: resp.Flags, Bytes: resp.Bytes}, true, nil
}

func (r *Replica) GetBulk(ctx context.Context, wireKeys []string) (map[string]pool.Item, error) {
	if len(wireKeys) == 0 {
		return map[string]pool.Item{}, nil
	}
	// Each node holds only the keys the ring routes to it, so keys are
	// grouped by owning node and each group is sent to its node.
	byNode := make(map[string][]string)
	for _, k := range wireKeys {
		node, ok := r.ring.get(k)
		if !ok {
			return nil, fmt.Errorf("replica[%s]: no nodes available", r.serverGroup)
		}
		byNode[node] = append(byNode[node], k)
	}
	out := make(map[string]pool.Item, len(wireKeys))
	for _, keys := range byNode {
		resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdGetBulk, Key: keys[0], Keys: keys})
		if err != nil {
			return nil, err
		}
		if resp.Type == memproto.RespError {
			return nil, fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
		}
		for k, v := range resp.Values {
			out[k] = pool.Item{Flags: v.Flags, Bytes: v.Bytes}
		}
	}
	return out, nil
}

func (r *Replica) MetaGet(ctx context.Context, wireKey string) (pool.MetaResult, error) {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdMetaGet, Key: wireKey})
	if err != nil {
		return pool.MetaResult{}, err
	}
	if resp.Type == memproto.RespNil {
		return pool.MetaResult{Found: false}, nil
	}
	if resp.Type == memproto.RespError {
		return pool.MetaResult{}, fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return pool.MetaResult{Flags: resp.Flags, Bytes: resp.Bytes, Found: true}, nil
}

func (r *Replica) MetaDebug(ctx context.Context, wireKey string) (pool.MetaDebugResult, error) {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdMetaDebug, Key: wireKey})
	if err != nil {
		return pool.MetaDebugResult{}, err
	}
	if resp.Type == memproto.RespError {
		return pool.MetaDebugResult{}, fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return pool.MetaDebugResult{Found: resp.MetaFound, CAS: resp.MetaCAS, TTL: resp.MetaTTL}, nil
}

func (r *Replica) Set(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	_, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdSet, Key: wireKey, Value: payload.Bytes, Flags: payload.Flags, TTL: ttl})
	return markAndReturn(latch, err)
}

func (r *Replica) Add(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdAdd, Key: wireKey, Value: payload.Bytes, Flags: payload.Flags, TTL: ttl})
	if err == nil && resp.Type == memproto.RespError {
		err = fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return markAndReturn(latch, err)
}

func (r *Replica) Replace(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdReplace, Key: wireKey, Value: payload.Bytes, Flags: payload.Flags, TTL: ttl})
	if err == nil && resp.Type == memproto.RespError {
		err = fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return markAndReturn(latch, err)
}

func (r *Replica) Append(ctx context.Context, wireKey string, payload pool.Item, latch pool.Latch) error {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdAppend, Key: wireKey, Value: payload.Bytes})
	if err == nil && resp.Type == memproto.RespError {
		err = fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
	}
	return markAndReturn(latch, err)
}

func (r *Replica) AppendOrAdd(ctx context.Context, wireKey string, payload pool.Item, ttl time.Duration, latch pool.Latch) error {
	_, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdAppendOrAdd, Key: wireKey, Value: payload.Bytes, Flags: payload.Flags, TTL: ttl})
	return markAndReturn(latch, err)
}

func (r *Replica) Delete(ctx context.Context, wireKey string, latch pool.Latch) error {
	_, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdDelete, Key: wireKey})
	return markAndReturn(latch, err)
}

func (r *Replica) Touch(ctx context.Context, wireKey string, ttl time.Duration, latch pool.Latch) error {
	_, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdTouch, Key: wireKey, TTL: ttl})
	return markAndReturn(latch, err)
}

func (r *Replica) Incr(ctx context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch pool.Latch) (int64, error) {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdIncr, Key: wireKey, Delta: delta, Initial: initial, TTL: ttl})
	if err != nil {
		markAndReturn(latch, err)
		return 0, err
	}
	if resp.Type == memproto.RespError {
		err = fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
		markAndReturn(latch, err)
		return 0, err
	}
	markAndReturn(latch, nil)
	return resp.Int, nil
}

func (r *Replica) Decr(ctx context.Context, wireKey string, delta, initial int64, ttl time.Duration, latch pool.Latch) (int64, error) {
	resp, err := r.execute(ctx, &memproto.Command{Type: memproto.CmdDecr, Key: wireKey, Delta: delta, Initial: initial, TTL: ttl})
	if err != nil {
		markAndReturn(latch, err)
		return 0, err
	}
	if resp.Type == memproto.RespError {
		err = fmt.Errorf("replica[%s]: %s", r.serverGroup, resp.Error)
		markAndReturn(latch, err)
		return 0, err
	}
	markAndReturn(latch, nil)
	return resp.Int, nil
}

// Close releases every connection pool. Not part of pool.Replica; called
// directly by owners that built a Replica and need a clean shutdown.
func (r *Replica) Close() {
	for _, p := range r.pools {
		p.close()
	}
}
