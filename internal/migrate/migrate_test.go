package migrate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/controller"
	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/invoke"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

// migTestNode bundles everything one node needs to both issue and
// receive migrations, wired the way cmd/corelp-node will wire it.
type migTestNode struct {
	ip       wire.NodeIP
	manager  *proclet.Manager
	ctrl     *ctrlclient.Client
	engine   *invoke.Engine
	migrator *Migrator
	migAddr  string
}

type migTestCluster struct {
	addrs map[wire.NodeIP]string // rpcfabric addresses
	mig   map[wire.NodeIP]string // migration-listener addresses
	nodes map[wire.NodeIP]*migTestNode
	stops []func()
}

func newMigTestCluster(t *testing.T, ips ...wire.NodeIP) *migTestCluster {
	t.Helper()
	tc := &migTestCluster{
		addrs: make(map[wire.NodeIP]string),
		mig:   make(map[wire.NodeIP]string),
		nodes: make(map[wire.NodeIP]*migTestNode),
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

	rpcAddrFn := func(ip wire.NodeIP) string { return tc.addrs[ip] }
	migAddrFn := func(ip wire.NodeIP) string { return tc.mig[ip] }

	var lpid wire.LPID
	for i, ip := range ips {
		rt := rpcfabric.NewRouter(nil)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		must.NoError(t, err)
		tc.addrs[ip] = ln.Addr().String()
		srv := rpcfabric.NewServer(nil, ln, rt)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() { _ = srv.Serve(ctx); close(done) }()
		tc.stops = append(tc.stops, func() { cancel(); srv.Close(); <-done })

		migLn, err := net.Listen("tcp", "127.0.0.1:0")
		must.NoError(t, err)
		tc.mig[ip] = migLn.Addr().String()

		ctrlRPC := rpcfabric.NewClient(4, rpcAddrFn)
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
		peerRPC := rpcfabric.NewClient(4, rpcAddrFn)
		eng := invoke.New(nil, ip, lpid, mgr, cc, peerRPC)
		eng.RegisterHandlers(rt)

		dial := func(ctx context.Context, peer wire.NodeIP) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", migAddrFn(peer))
		}
		mig := New(nil, ip, lpid, mgr, cc, eng, dial, 0)

		migCtx, migCancel := context.WithCancel(context.Background())
		migDone := make(chan struct{})
		go func() { _ = mig.Serve(migCtx, migLn); close(migDone) }()
		tc.stops = append(tc.stops, func() { migCancel(); migLn.Close(); mig.Close(); <-migDone })

		tc.nodes[ip] = &migTestNode{ip: ip, manager: mgr, ctrl: cc, engine: eng, migrator: mig, migAddr: tc.mig[ip]}
	}

	return tc
}

func (tc *migTestCluster) Close() {
	for i := len(tc.stops) - 1; i >= 0; i-- {
		tc.stops[i]()
	}
}

func TestMigrator_SendBatchMovesHeapAndMarksPresent(t *testing.T) {
	tc := newMigTestCluster(t, "node-a", "node-b")
	defer tc.Close()

	src := tc.nodes["node-a"]
	dst := tc.nodes["node-b"]

	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	counter := 7
	p.SnapshotFunc = func() []byte {
		data, _ := wire.Marshal(counter)
		return data
	}
	var restored int
	p.RestoreFunc = func(data []byte) { _ = wire.Unmarshal(data, &restored) }
	src.manager.Setup(p, false)
	src.manager.Insert(p)
	must.Eq(t, proclet.Present, src.manager.Status.Get(p.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := src.migrator.SendBatch(ctx, dst.ip, false, []wire.ProcletID{p.ID})
	must.NoError(t, err)

	// The source no longer tracks it as live.
	must.Eq(t, proclet.Absent, src.manager.Status.Get(p.ID))

	_, ok := dst.manager.Get(p.ID)
	must.True(t, ok)
	must.Eq(t, proclet.Present, dst.manager.Status.Get(p.ID))
	must.Eq(t, 7, restored)
}

func TestMigrator_SendBatchCarriesBlockedMutexWaiters(t *testing.T) {
	tc := newMigTestCluster(t, "node-a", "node-b")
	defer tc.Close()

	src := tc.nodes["node-a"]
	dst := tc.nodes["node-b"]

	const blockMethod wire.MethodID = 9
	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	p.RegisterMethod(blockMethod, func(p *proclet.Proclet, args []byte, caller proclet.PendingCall) ([]byte, error) {
		return append([]byte("ran:"), args...), nil
	})
	p.Syncers.Mutex(0xabc).Wait(blockMethod, []byte("payload"), proclet.PendingCall{CallerIP: "node-a", CallerCallID: 1})
	src.manager.Setup(p, false)
	src.manager.Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	must.NoError(t, src.migrator.SendBatch(ctx, dst.ip, false, []wire.ProcletID{p.ID}))

	dp, ok := dst.manager.Get(p.ID)
	must.True(t, ok)
	m := dp.Syncers.Mutex(0xabc)
	must.Eq(t, 1, m.NumWaiters())
	w, ok := m.Unlock()
	must.True(t, ok)
	must.Eq(t, blockMethod, w.ResumeMethodID)
	must.Eq(t, "payload", string(w.ResumeArgs))
}

func TestMigrator_DestinationDenialRollsBackAndBlacklists(t *testing.T) {
	tc := newMigTestCluster(t, "node-a", "node-b")
	defer tc.Close()

	src := tc.nodes["node-a"]
	dst := tc.nodes["node-b"]
	dst.migrator.SetDenyFunc(func(header wire.MigrateBatchHeader) []wire.ProcletID {
		ids := make([]wire.ProcletID, len(header.Proclets))
		for i, pm := range header.Proclets {
			ids[i] = pm.ProcletID
		}
		return ids
	})

	p := proclet.New(wire.ProcletID(1<<30), 1<<20, true, 2)
	src.manager.Setup(p, false)
	src.manager.Insert(p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := src.migrator.SendBatch(ctx, dst.ip, false, []wire.ProcletID{p.ID})
	must.ErrorIs(t, err, wire.ErrDestinationDenied)

	must.Eq(t, proclet.Present, src.manager.Status.Get(p.ID))
	must.True(t, src.migrator.Blacklist.Contains(dst.ip))
	_, ok := dst.manager.Get(p.ID)
	must.False(t, ok)
}

func TestBlacklist_AddContainsRemoveReset(t *testing.T) {
	b := NewBlacklist()
	must.False(t, b.Contains("node-x"))
	b.Add("node-x")
	must.True(t, b.Contains("node-x"))
	b.Remove("node-x")
	must.False(t, b.Contains("node-x"))

	b.Add("node-y")
	b.Reset()
	must.False(t, b.Contains("node-y"))
}
