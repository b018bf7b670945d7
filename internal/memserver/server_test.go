package memserver

import (
	"net"
	"testing"
	"time"

	"github.com/cachemir/zonecache/pkg/memproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	srv := New(0)
	go func() {
		_ = srv.Start()
	}()

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String(), func() { _ = srv.Stop() }
}

func roundTrip(t *testing.T, addr string, cmd *memproto.Command) *memproto.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, memproto.WriteCommand(conn, cmd))
	resp, err := memproto.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestServer_SetThenGet(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdSet, Key: "k", Value: []byte("v"), Flags: 1})
	assert.Equal(t, memproto.RespOK, resp.Type)

	resp = roundTrip(t, addr, &memproto.Command{Type: memproto.CmdGet, Key: "k"})
	assert.Equal(t, memproto.RespValue, resp.Type)
	assert.Equal(t, []byte("v"), resp.Bytes)
	assert.Equal(t, uint32(1), resp.Flags)
}

func TestServer_GetMissingReturnsNil(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdGet, Key: "nope"})
	assert.Equal(t, memproto.RespNil, resp.Type)
}

func TestServer_AddRejectsExistingKey(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdAdd, Key: "k", Value: []byte("v1")})
	assert.Equal(t, memproto.RespOK, resp.Type)

	resp = roundTrip(t, addr, &memproto.Command{Type: memproto.CmdAdd, Key: "k", Value: []byte("v2")})
	assert.Equal(t, memproto.RespError, resp.Type)
}

func TestServer_IncrCreatesThenAccumulates(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdIncr, Key: "c", Delta: 1, Initial: 10})
	require.Equal(t, memproto.RespInt, resp.Type)
	assert.Equal(t, int64(10), resp.Int)

	resp = roundTrip(t, addr, &memproto.Command{Type: memproto.CmdIncr, Key: "c", Delta: 5, Initial: 0})
	require.Equal(t, memproto.RespInt, resp.Type)
	assert.Equal(t, int64(15), resp.Int)
}

func TestServer_GetBulkReturnsPresentKeys(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	roundTrip(t, addr, &memproto.Command{Type: memproto.CmdSet, Key: "a", Value: []byte("va")})
	roundTrip(t, addr, &memproto.Command{Type: memproto.CmdSet, Key: "b", Value: []byte("vb")})

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdGetBulk, Key: "a", Keys: []string{"a", "b", "c"}})
	require.Equal(t, memproto.RespValues, resp.Type)
	assert.Len(t, resp.Values, 2)
	assert.Equal(t, []byte("va"), resp.Values["a"].Bytes)
}

func TestServer_DeleteReportsNilWhenMissing(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	resp := roundTrip(t, addr, &memproto.Command{Type: memproto.CmdDelete, Key: "missing"})
	assert.Equal(t, memproto.RespNil, resp.Type)

	roundTrip(t, addr, &memproto.Command{Type: memproto.CmdSet, Key: "k", Value: []byte("v")})
	resp = roundTrip(t, addr, &memproto.Command{Type: memproto.CmdDelete, Key: "k"})
	assert.Equal(t, memproto.RespOK, resp.Type)
}
