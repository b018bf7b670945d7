// Server implements the TCP front-end for the reference backend. Adapted
// from cachemir's internal/server: same accept loop, per-connection
// goroutine, deadline-guarded read/write cycle and handler-table dispatch,
// retargeted at memproto's memcached-shaped command set.
package memserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cachemir/zonecache/pkg/memproto"
)

const (
	defaultReadTimeoutSecs  = 30
	defaultWriteTimeoutSecs = 10
)

// Server is a minimal TCP front-end over a Store.
type Server struct {
	store    *Store
	listener net.Listener
	port     int
}

// New creates a Server bound to port, backed by a fresh Store.
func New(port int) *Server {
	return &Server{store: NewStore(), port: port}
}

// Start blocks, accepting connections until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("memserver: listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("memserver listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("memserver: accept error: %v", err)
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the server's bound network address, or nil before Start has
// finished binding its listener. Primarily useful for tests that bind to
// port 0 and need to discover the assigned port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and the backing store.
func (s *Server) Stop() error {
	s.store.Close()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("memserver: error closing connection: %v", err)
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(defaultReadTimeoutSecs * time.Second)); err != nil {
			return
		}
		cmd, err := memproto.ReadCommand(conn)
		if err != nil {
			return
		}

		resp := s.execute(cmd)

		if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeoutSecs * time.Second)); err != nil {
			return
		}
		if err := memproto.WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) execute(cmd *memproto.Command) *memproto.Response {
	switch cmd.Type {
	case memproto.CmdGet:
		return s.handleGet(cmd)
	case memproto.CmdGetBulk:
		return s.handleGetBulk(cmd)
	case memproto.CmdMetaGet:
		return s.handleGet(cmd)
	case memproto.CmdMetaDebug:
		return s.handleMetaDebug(cmd)
	case memproto.CmdSet:
		s.store.Set(cmd.Key, cmd.Flags, cmd.Value, cmd.TTL)
		return &memproto.Response{Type: memproto.RespOK}
	case memproto.CmdAdd:
		if s.store.Add(cmd.Key, cmd.Flags, cmd.Value, cmd.TTL) {
			return &memproto.Response{Type: memproto.RespOK}
		}
		return &memproto.Response{Type: memproto.RespError, Error: "key already exists"}
	case memproto.CmdReplace:
		if s.store.Replace(cmd.Key, cmd.Flags, cmd.Value, cmd.TTL) {
			return &memproto.Response{Type: memproto.RespOK}
		}
		return &memproto.Response{Type: memproto.RespError, Error: "key not found"}
	case memproto.CmdAppend:
		if s.store.Append(cmd.Key, cmd.Value) {
			return &memproto.Response{Type: memproto.RespOK}
		}
		return &memproto.Response{Type: memproto.RespError, Error: "key not found"}
	case memproto.CmdAppendOrAdd:
		if !s.store.Append(cmd.Key, cmd.Value) {
			s.store.Add(cmd.Key, cmd.Flags, cmd.Value, cmd.TTL)
		}
		return &memproto.Response{Type: memproto.RespOK}
	case memproto.CmdDelete:
		if s.store.Delete(cmd.Key) {
			return &memproto.Response{Type: memproto.RespOK}
		}
		return &memproto.Response{Type: memproto.RespNil}
	case memproto.CmdTouch:
		if s.store.Touch(cmd.Key, cmd.TTL) {
			return &memproto.Response{Type: memproto.RespOK}
		}
		return &memproto.Response{Type: memproto.RespNil}
	case memproto.CmdIncr:
		v, ok := s.store.IncrDecr(cmd.Key, cmd.Delta, cmd.Initial, cmd.TTL)
		if !ok {
			return &memproto.Response{Type: memproto.RespError, Error: "not a valid integer"}
		}
		return &memproto.Response{Type: memproto.RespInt, Int: v}
	case memproto.CmdDecr:
		v, ok := s.store.IncrDecr(cmd.Key, -cmd.Delta, cmd.Initial, cmd.TTL)
		if !ok {
			return &memproto.Response{Type: memproto.RespError, Error: "not a valid integer"}
		}
		return &memproto.Response{Type: memproto.RespInt, Int: v}
	case memproto.CmdPing:
		return &memproto.Response{Type: memproto.RespOK}
	default:
		return &memproto.Response{Type: memproto.RespError, Error: fmt.Sprintf("unknown command: %d", cmd.Type)}
	}
}

func (s *Server) handleGet(cmd *memproto.Command) *memproto.Response {
	flags, bytes, ok := s.store.Get(cmd.Key)
	if !ok {
		return &memproto.Response{Type: memproto.RespNil}
	}
	return &memproto.Response{Type: memproto.RespValue, Flags: flags, Bytes: bytes}
}

func (s *Server) handleGetBulk(cmd *memproto.Command) *memproto.Response {
	found := s.store.GetBulk(cmd.Keys)
	values := make(map[string]memproto.ValueEntry, len(found))
	for k, v := range found {
		values[k] = memproto.ValueEntry{Flags: v.Flags, Bytes: v.Bytes}
	}
	return &memproto.Response{Type: memproto.RespValues, Values: values}
}

func (s *Server) handleMetaDebug(cmd *memproto.Command) *memproto.Response {
	cas, ttl, found := s.store.MetaDebug(cmd.Key)
	return &memproto.Response{Type: memproto.RespMetaDebug, MetaFound: found, MetaCAS: cas, MetaTTL: ttl}
}
