package proclet

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nu-lp/corelp/internal/clock"
	"github.com/nu-lp/corelp/internal/slab"
	"github.com/nu-lp/corelp/internal/wire"
)

// MethodFunc is how application code registers proclet methods (spec.md
// §1 "Application-level data structures... are clients of the proclet
// API"). The core never interprets method bodies; it only looks one up
// by MethodID and invokes it under a migration guard (internal/invoke).
//
// caller identifies whoever is blocked waiting on this invocation's
// result. A method that needs to block (e.g. acquiring a proclet-local
// mutex that is currently held) registers a continuation with
// p.Syncers keyed by caller and returns wire.ErrParked instead of
// blocking the calling goroutine; internal/invoke delivers the eventual
// result via a wire.ForwardReplyRequest instead of this call's direct
// return value.
type MethodFunc func(p *Proclet, args []byte, caller PendingCall) (result []byte, err error)

// Proclet is the unit of relocatable state described in spec.md §3. Its
// identity (ID) never changes; every other field may be replaced
// wholesale during a migration (internal/migrate builds a fresh Proclet
// on the destination and restores its payload, Syncers and Clock into it).
type Proclet struct {
	ID         wire.ProcletID
	Capacity   uint64
	Migratable bool

	RefCnt    atomic.Int64
	ThreadCnt atomic.Int32

	Slab    *slab.Allocator
	Clock   *clock.Clock
	Syncers *BlockedSyncerRegistry
	RCU     *RCU
	CPULoad *CPULoad

	spin SpinLock

	methodsMu sync.RWMutex
	methods   map[wire.MethodID]MethodFunc

	// RemoteCallStats tracks outgoing remote-call volume per destination;
	// the pressure handler's utility scoring does not read it
	// (original_source/inc/nu/proclet_mgr.hpp remote_call_map,
	// SPEC_FULL.md §4 supplemented features).
	statsMu         sync.Mutex
	RemoteCallStats map[wire.NodeIP]RemoteCallStat

	// SnapshotFunc/RestoreFunc are the explicit application-level
	// serialization hooks internal/migrate uses to move a proclet's
	// state: Go cannot copy arbitrary heap memory across a process
	// boundary the way the source runtime's raw mmap'd segments do, so
	// a proclet that wants its state migrated must produce and consume
	// an opaque byte payload through the same explicit-boundary
	// discipline as internal/xfer.PassAcrossProclet. Left nil, a
	// proclet migrates with an empty payload (its methods are expected
	// to rebuild transient state from args on first use after arrival).
	SnapshotFunc func() []byte
	RestoreFunc  func([]byte)

	// TimerFireFunc is called when a timer that was pending across a
	// migration (internal/migrate restores only deadlines, never the
	// original closure, since a Go func value cannot be serialized) comes
	// due on the destination. Left nil, such a timer fires silently; an
	// application that cares registers this to re-check its own state
	// against the deadline instead of relying on the lost closure.
	TimerFireFunc func(deadline time.Time)
}

type RemoteCallStat struct {
	Count uint32
	Bytes uint64
}

// New builds a proclet record. It sets no status; Manager.Setup makes
// the Absent -> Present (local create) or Absent -> Populating move.
func New(id wire.ProcletID, capacity uint64, migratable bool, numShards int) *Proclet {
	return &Proclet{
		ID:              id,
		Capacity:        capacity,
		Migratable:      migratable,
		Slab:            slab.NewAllocator(numShards),
		Clock:           clock.New(),
		Syncers:         NewBlockedSyncerRegistry(),
		RCU:             NewRCU(),
		CPULoad:         NewCPULoad(1),
		methods:         make(map[wire.MethodID]MethodFunc),
		RemoteCallStats: make(map[wire.NodeIP]RemoteCallStat),
	}
}

// RegisterMethod installs a method implementation. Safe to call
// concurrently with Invoke.
func (p *Proclet) RegisterMethod(id wire.MethodID, fn MethodFunc) {
	p.methodsMu.Lock()
	defer p.methodsMu.Unlock()
	p.methods[id] = fn
}

// Invoke looks up and runs a registered method under CPU-load
// accounting (spec.md §4.1 "CPU-load accounting starts/stops around
// each method body").
func (p *Proclet) Invoke(id wire.MethodID, args []byte, caller PendingCall) ([]byte, error) {
	p.methodsMu.RLock()
	fn, ok := p.methods[id]
	p.methodsMu.RUnlock()
	if !ok {
		return nil, wire.ErrFatal
	}
	stop := p.CPULoad.Start()
	defer stop()
	return fn(p, args, caller)
}

// RecordRemoteCall accounts one outgoing remote call's size in
// RemoteCallStats.
func (p *Proclet) RecordRemoteCall(dest wire.NodeIP, bytes uint64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.RemoteCallStats[dest]
	s.Count++
	s.Bytes += bytes
	p.RemoteCallStats[dest] = s
}

// Snapshot returns this proclet's application-level state payload, or
// nil if it registered no SnapshotFunc.
func (p *Proclet) Snapshot() []byte {
	if p.SnapshotFunc == nil {
		return nil
	}
	return p.SnapshotFunc()
}

// Restore feeds a payload produced by Snapshot on the source back into
// a freshly-arrived proclet, a no-op if it registered no RestoreFunc.
func (p *Proclet) Restore(data []byte) {
	if p.RestoreFunc != nil {
		p.RestoreFunc(data)
	}
}

// FireTimer notifies a registered TimerFireFunc that a pending timer's
// logical deadline has arrived, a no-op if none was registered.
func (p *Proclet) FireTimer(deadline time.Time) {
	if p.TimerFireFunc != nil {
		p.TimerFireFunc(deadline)
	}
}

// HeapSize is the size of this proclet's heap segment, i.e. its fixed
// Capacity (not the bytes in use), for utility scoring and the
// migration manifest (spec.md §4.3 step 2).
func (p *Proclet) HeapSize() uint64 {
	return p.Capacity
}

// Spin returns the per-proclet spinlock guarding status transitions
// (spec.md §4.2).
func (p *Proclet) Spin() *SpinLock { return &p.spin }
