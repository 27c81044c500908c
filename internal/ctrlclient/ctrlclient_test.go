package ctrlclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/controller"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
	"github.com/shoenig/test/must"
)

func startController(t *testing.T) (addr string, stop func()) {
	t.Helper()
	plan, err := addrplan.NewPlan(1<<20, 1<<22, 1<<30, 1<<21, 4)
	must.NoError(t, err)
	svc, err := controller.New(nil, plan)
	must.NoError(t, err)

	rt := rpcfabric.NewRouter(nil)
	svc.RegisterHandlers(rt)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	srv := rpcfabric.NewServer(nil, ln, rt)

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

func TestClient_ResolveProcletCachesUntilInvalidated(t *testing.T) {
	addr, stop := startController(t)
	defer stop()

	rpc := rpcfabric.NewClient(2, func(wire.NodeIP) string { return addr })
	defer rpc.Close()
	client, err := New(rpc, "controller")
	must.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reg, err := client.RegisterNode(ctx, wire.RegisterNodeRequest{IP: "10.0.0.1"})
	must.NoError(t, err)
	must.True(t, reg.OK)

	alloc, err := client.AllocateProclet(ctx, wire.AllocateProcletRequest{LPID: reg.LPID, Capacity: 1024})
	must.NoError(t, err)
	must.True(t, alloc.OK)

	ip, err := client.ResolveProclet(ctx, reg.LPID, alloc.ProcletID, false)
	must.NoError(t, err)
	must.Eq(t, wire.NodeIP("10.0.0.1"), ip)

	// Cache holds the value even without asking the controller again:
	// corrupt the cache directly and confirm ResolveProclet trusts it
	// when skipCache is false.
	client.UpdateLocationCache(alloc.ProcletID, "bogus")
	ip, err = client.ResolveProclet(ctx, reg.LPID, alloc.ProcletID, false)
	must.NoError(t, err)
	must.Eq(t, wire.NodeIP("bogus"), ip)

	// skipCache forces a fresh round trip to the controller, which
	// still has the correct location.
	ip, err = client.ResolveProclet(ctx, reg.LPID, alloc.ProcletID, true)
	must.NoError(t, err)
	must.Eq(t, wire.NodeIP("10.0.0.1"), ip)
}

func TestClient_DestroyProcletInvalidatesCache(t *testing.T) {
	addr, stop := startController(t)
	defer stop()

	rpc := rpcfabric.NewClient(2, func(wire.NodeIP) string { return addr })
	defer rpc.Close()
	client, err := New(rpc, "controller")
	must.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reg, err := client.RegisterNode(ctx, wire.RegisterNodeRequest{IP: "10.0.0.1"})
	must.NoError(t, err)
	alloc, err := client.AllocateProclet(ctx, wire.AllocateProcletRequest{LPID: reg.LPID, Capacity: 1024})
	must.NoError(t, err)

	must.NoError(t, client.DestroyProclet(ctx, wire.DestroyProcletRequest{
		LPID: reg.LPID, ProcletID: alloc.ProcletID, Capacity: 1024, LastHost: "10.0.0.1",
	}))

	ip, err := client.ResolveProclet(ctx, reg.LPID, alloc.ProcletID, false)
	must.NoError(t, err)
	must.Eq(t, wire.NodeIP(""), ip)
}
