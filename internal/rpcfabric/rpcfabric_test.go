package rpcfabric

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nu-lp/corelp/internal/wire"
	"github.com/shoenig/test/must"
)

type echoRequest struct {
	Value string
}

type echoResponse struct {
	Value string
}

func startEchoServer(t *testing.T, rt *Router) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)

	srv := NewServer(nil, ln, rt)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()

	return ln.Addr().String(), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestClient_CallRoundTrip(t *testing.T) {
	rt := NewRouter(nil)
	rt.Register(wire.KindProcletCall, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req echoRequest
		must.NoError(t, wire.ReadBody(r, &req))
		return echoResponse{Value: "echo:" + req.Value}, nil
	})

	addr, stop := startEchoServer(t, rt)
	defer stop()

	client := NewClient(2, func(wire.NodeIP) string { return addr })
	defer client.Close()

	var resp echoResponse
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	must.NoError(t, client.Call(ctx, "peer-a", wire.KindProcletCall, echoRequest{Value: "hi"}, &resp))
	must.Eq(t, "echo:hi", resp.Value)
}

func TestClient_HandlerErrorSurfacesAsError(t *testing.T) {
	rt := NewRouter(nil)
	rt.Register(wire.KindProcletCall, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req echoRequest
		must.NoError(t, wire.ReadBody(r, &req))
		return nil, errors.New("boom")
	})

	addr, stop := startEchoServer(t, rt)
	defer stop()

	client := NewClient(1, func(wire.NodeIP) string { return addr })
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Call(ctx, "peer-a", wire.KindProcletCall, echoRequest{Value: "x"}, &echoResponse{})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "boom")
}

func TestClient_UnknownKindIsRejected(t *testing.T) {
	rt := NewRouter(nil)
	addr, stop := startEchoServer(t, rt)
	defer stop()

	client := NewClient(1, func(wire.NodeIP) string { return addr })
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Call(ctx, "peer-a", wire.KindGCStack, wire.GCStackRequest{}, nil)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "no handler")
}

func TestPeerPool_ReusesConnectionAfterPut(t *testing.T) {
	rt := NewRouter(nil)
	var calls int
	rt.Register(wire.KindProcletCall, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req echoRequest
		must.NoError(t, wire.ReadBody(r, &req))
		calls++
		return echoResponse{Value: req.Value}, nil
	})

	addr, stop := startEchoServer(t, rt)
	defer stop()

	client := NewClient(1, func(wire.NodeIP) string { return addr })
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		var resp echoResponse
		must.NoError(t, client.Call(ctx, "peer-a", wire.KindProcletCall, echoRequest{Value: "r"}, &resp))
	}
	must.Eq(t, 3, calls)

	pool := client.poolFor("peer-a")
	must.Eq(t, 1, len(pool.idle))
}
