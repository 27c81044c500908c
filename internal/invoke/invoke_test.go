package invoke

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/controller"
	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
	"github.com/shoenig/test/must"
)

// testCluster wires a controller plus N nodes, each with its own
// rpcfabric.Server/Client, ctrlclient.Client, proclet.Manager and
// invoke.Engine, all addressable by NodeIP through a single shared
// addr-resolution map (as if DNS/service-discovery already resolved
// every node to its loopback listener).
type testCluster struct {
	t        *testing.T
	addrs    map[wire.NodeIP]string
	engines  map[wire.NodeIP]*Engine
	managers map[wire.NodeIP]*proclet.Manager
	stops    []func()
}

func newTestCluster(t *testing.T, nodeIPs ...wire.NodeIP) *testCluster {
	t.Helper()
	tc := &testCluster{
		t:        t,
		addrs:    make(map[wire.NodeIP]string),
		engines:  make(map[wire.NodeIP]*Engine),
		managers: make(map[wire.NodeIP]*proclet.Manager),
	}

	plan, err := addrplan.NewPlan(1<<20, 1<<22, 1<<30, 1<<21, 4)
	must.NoError(t, err)
	ctrlSvc, err := controller.New(nil, plan)
	must.NoError(t, err)
	ctrlRouter := rpcfabric.NewRouter(nil)
	ctrlSvc.RegisterHandlers(ctrlRouter)
	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	ctrlSrv := rpcfabric.NewServer(nil, ctrlLn, ctrlRouter)
	ctrlCtx, ctrlCancel := context.WithCancel(context.Background())
	ctrlDone := make(chan struct{})
	go func() { _ = ctrlSrv.Serve(ctrlCtx); close(ctrlDone) }()
	tc.addrs["controller"] = ctrlLn.Addr().String()
	tc.stops = append(tc.stops, func() { ctrlCancel(); ctrlSrv.Close(); <-ctrlDone })

	addrFn := func(ip wire.NodeIP) string { return tc.addrs[ip] }

	var lpid wire.LPID
	for i, ip := range nodeIPs {
		rt := rpcfabric.NewRouter(nil)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		must.NoError(t, err)
		tc.addrs[ip] = ln.Addr().String()

		srv := rpcfabric.NewServer(nil, ln, rt)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { _ = srv.Serve(ctx); close(done) }()
		tc.stops = append(tc.stops, func() { cancel(); srv.Close(); <-done })

		ctrlRPC := rpcfabric.NewClient(4, addrFn)
		cc, err := ctrlclient.New(ctrlRPC, "controller")
		must.NoError(t, err)

		regCtx, regCancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := cc.RegisterNode(regCtx, wire.RegisterNodeRequest{IP: ip, LPID: lpid})
		regCancel()
		must.NoError(t, err)
		must.True(t, resp.OK)
		if i == 0 {
			lpid = resp.LPID
		}

		mgr := proclet.NewManager(proclet.NewStatusTable())
		peerRPC := rpcfabric.NewClient(4, addrFn)
		eng := New(nil, ip, lpid, mgr, cc, peerRPC)
		eng.RegisterHandlers(rt)

		tc.managers[ip] = mgr
		tc.engines[ip] = eng
	}

	return tc
}

func (tc *testCluster) Close() {
	for i := len(tc.stops) - 1; i >= 0; i-- {
		tc.stops[i]()
	}
}

const echoMethod wire.MethodID = 1

func registerEcho(p *proclet.Proclet) {
	p.RegisterMethod(echoMethod, func(p *proclet.Proclet, args []byte, caller proclet.PendingCall) ([]byte, error) {
		return append([]byte("echo:"), args...), nil
	})
}

func TestEngine_CallLocalFastPath(t *testing.T) {
	tc := newTestCluster(t, "node-a")
	defer tc.Close()

	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	registerEcho(p)
	tc.managers["node-a"].Setup(p, false)
	tc.managers["node-a"].Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := tc.engines["node-a"].Call(ctx, p.ID, echoMethod, []byte("hi"))
	must.NoError(t, err)
	must.Eq(t, "echo:hi", string(result))
}

func TestEngine_CallRemoteNode(t *testing.T) {
	tc := newTestCluster(t, "node-a", "node-b")
	defer tc.Close()

	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	registerEcho(p)
	tc.managers["node-b"].Setup(p, false)
	tc.managers["node-b"].Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := tc.engines["node-a"].Call(ctx, p.ID, echoMethod, []byte("hi"))
	must.NoError(t, err)
	must.Eq(t, "echo:hi", string(result))
}

func TestEngine_CallRelaysWhenProcletMovedAwayUnnoticed(t *testing.T) {
	tc := newTestCluster(t, "node-a", "node-b", "node-c")
	defer tc.Close()

	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	registerEcho(p)
	// Present on node-c, but node-a's caller will address node-b (as if
	// its cache were stale) which must relay to node-c.
	tc.managers["node-c"].Setup(p, false)
	tc.managers["node-c"].Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Tell the controller the proclet lives on node-c so node-b's relay
	// can resolve it, without node-a's own cache knowing that yet.
	must.NoError(t, tc.engines["node-b"].ctrl.UpdateLocation(ctx, wire.UpdateLocationRequest{
		LPID: tc.engines["node-b"].lpid, ProcletID: p.ID, NodeIP: "node-c",
	}))

	req := wire.ProcletCallRequest{ProcletID: p.ID, MethodID: echoMethod, Args: []byte("hi"), CallerIP: "node-a", CallerCallID: 1}
	var resp wire.ProcletCallResponse
	must.NoError(t, tc.engines["node-a"].rpc.Call(ctx, "node-b", wire.KindProcletCall, req, &resp))
	must.Eq(t, wire.ErrCodeOK, resp.Code)
	must.Eq(t, "echo:hi", string(resp.Result))
}

func TestEngine_ParkedCallResumesViaForward(t *testing.T) {
	tc := newTestCluster(t, "node-a", "node-b")
	defer tc.Close()

	const blockMethod wire.MethodID = 5
	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	p.RegisterMethod(blockMethod, func(p *proclet.Proclet, args []byte, caller proclet.PendingCall) ([]byte, error) {
		p.Syncers.Mutex(0x1).Wait(blockMethod, args, caller)
		return nil, wire.ErrParked
	})
	tc.managers["node-b"].Setup(p, false)
	tc.managers["node-b"].Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := tc.engines["node-a"].Call(ctx, p.ID, blockMethod, []byte("payload"))
		resultCh <- result
		errCh <- err
	}()

	// Give the parked call time to register, then resume it as if a
	// signal arrived, delivering the final reply back to node-a.
	time.Sleep(100 * time.Millisecond)
	m := p.Syncers.Mutex(0x1)
	w, ok := m.Unlock()
	must.True(t, ok)

	must.NoError(t, tc.engines["node-b"].ForwardReply(ctx, proclet.PendingCall(w.Pending), wire.ProcletCallResponse{
		Code:   wire.ErrCodeOK,
		Result: []byte("resumed:" + string(w.ResumeArgs)),
	}))

	must.NoError(t, <-errCh)
	must.Eq(t, "resumed:payload", string(<-resultCh))
}
