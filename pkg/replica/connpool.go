package replica

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// connPool manages reusable connections to a single node. Adapted from
// cachemir's pkg/client.ConnectionPool: a buffered channel of idle
// connections backed by a created-count ceiling, dialing fresh connections
// on demand up to maxConns and blocking on the channel past that.
type connPool struct {
	address     string
	connections chan net.Conn
	mu          sync.Mutex
	created     int
	maxConns    int
	connTimeout time.Duration
}

func newConnPool(address string, maxConns int, connTimeout time.Duration) *connPool {
	return &connPool{
		address:     address,
		connections: make(chan net.Conn, maxConns),
		maxConns:    maxConns,
		connTimeout: connTimeout,
	}
}

func (p *connPool) get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.connections:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.maxConns {
		p.created++
		p.mu.Unlock()

		dialer := &net.Dialer{Timeout: p.connTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.address)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("replica: dial %s: %w", p.address, err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.connTimeout):
		return nil, fmt.Errorf("replica: connection pool timeout for %s", p.address)
	}
}

func (p *connPool) put(conn net.Conn) {
	select {
	case p.connections <- conn:
	default:
		_ = conn.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
	}
}

func (p *connPool) discard(conn net.Conn) {
	_ = conn.Close()
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

func (p *connPool) close() {
	close(p.connections)
	for conn := range p.connections {
		_ = conn.Close()
	}
}
