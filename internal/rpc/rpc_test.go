package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/codectx/internal/logging"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New("127.0.0.1:0", logging.NewNop())
	srv.Register("Echo", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p map[string]any
		_ = json.Unmarshal(params, &p)
		return p, nil
	})
	srv.Register("Boom", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		panic("handler exploded")
	})
	srv.Register("Fail", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32002, Message: "operation failed"}
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func roundTrip(t *testing.T, addr string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestServerEcho(t *testing.T) {
	srv := startTestServer(t)
	resp := roundTrip(t, srv.Addr(), Request{
		JSONRPC: "2.0",
		Method:  "Echo",
		Params:  json.RawMessage(`{"hello":"world"}`),
		ID:      1,
	})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", result["hello"])
	assert.Equal(t, float64(1), resp.ID)
}

func TestServerMethodNotFound(t *testing.T) {
	srv := startTestServer(t)
	resp := roundTrip(t, srv.Addr(), Request{JSONRPC: "2.0", Method: "Nope", ID: 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestServerRejectsWrongVersion(t *testing.T) {
	srv := startTestServer(t)
	resp := roundTrip(t, srv.Addr(), Request{JSONRPC: "1.0", Method: "Echo", ID: 3})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestServerRecoversFromHandlerPanic(t *testing.T) {
	srv := startTestServer(t)
	resp := roundTrip(t, srv.Addr(), Request{JSONRPC: "2.0", Method: "Boom", ID: 4})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32603, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "handler exploded")

	// The server must still serve after a panic.
	resp = roundTrip(t, srv.Addr(), Request{JSONRPC: "2.0", Method: "Echo", Params: json.RawMessage(`{}`), ID: 5})
	assert.Nil(t, resp.Error)
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t)
	resp := roundTrip(t, srv.Addr(), Request{JSONRPC: "2.0", Method: "Fail", ID: 6})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32002, resp.Error.Code)
	assert.Equal(t, "operation failed", resp.Error.Message)
}

func TestServerMultipleRequestsPerConnection(t *testing.T) {
	srv := startTestServer(t)
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	for i := 1; i <= 3; i++ {
		require.NoError(t, enc.Encode(Request{JSONRPC: "2.0", Method: "Echo", Params: json.RawMessage(`{"n":1}`), ID: i}))
		var resp Response
		require.NoError(t, dec.Decode(&resp))
		assert.Equal(t, float64(i), resp.ID)
	}
}
