package proclet

import (
	"sync"
	"sync/atomic"

	"github.com/nu-lp/corelp/internal/wire"
)

// StatusTable is the process-wide, address-indexed status array from
// spec.md §3 invariant 1 and the Design Notes ("Global status byte
// array... implement as an atomic-byte array with acquire/release
// ordering"). Every node in an LP keeps one; entries are created
// lazily the first time a node observes a given proclet id (locally or
// via RPC), and updated by migration commits and local transitions.
//
// Go has no free-standing process-wide array indexed by address, so
// this is a concurrent map of atomics instead — functionally
// equivalent for the contract the spec requires (lock-free reads,
// atomic CAS transitions), without literally overlaying memory at an
// address offset.
type StatusTable struct {
	entries sync.Map // wire.ProcletID -> *entry
}

type entry struct {
	status atomic.Int32
	// waiters is closed and replaced every time the status changes, so
	// that goroutines parked in Wait wake up and re-check (a condition
	// variable built from a replaceable channel, the usual Go idiom
	// for "broadcast" without a dedicated condvar type).
	mu      sync.Mutex
	waiters chan struct{}
}

func newEntry(initial Status) *entry {
	e := &entry{waiters: make(chan struct{})}
	e.status.Store(int32(initial))
	return e
}

func NewStatusTable() *StatusTable {
	return &StatusTable{}
}

func (t *StatusTable) load(id wire.ProcletID) *entry {
	if v, ok := t.entries.Load(id); ok {
		return v.(*entry)
	}
	e := newEntry(Absent)
	actual, _ := t.entries.LoadOrStore(id, e)
	return actual.(*entry)
}

// Get returns the current status of id, creating an Absent entry if
// this node has never observed id before.
func (t *StatusTable) Get(id wire.ProcletID) Status {
	return Status(t.load(id).status.Load())
}

// Set forcibly sets the status without validating a transition. Used
// only when seeding an entry for a proclet id this node learns about
// for the first time (e.g. a remote call target it has never seen).
func (t *StatusTable) Set(id wire.ProcletID, s Status) {
	e := t.load(id)
	e.status.Store(int32(s))
	t.broadcast(e)
}

// Transition atomically moves id from 'from' to 'to', validating the
// state machine (spec.md §4.2), and broadcasts to any waiters. It
// returns false (a protocol violation, wire.ErrFatal territory) if the
// current status is not 'from' or the transition is not legal.
func (t *StatusTable) Transition(id wire.ProcletID, from, to Status) bool {
	if !CanTransition(from, to) {
		return false
	}
	e := t.load(id)
	if !e.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	t.broadcast(e)
	return true
}

func (t *StatusTable) broadcast(e *entry) {
	e.mu.Lock()
	close(e.waiters)
	e.waiters = make(chan struct{})
	e.mu.Unlock()
}

// WaitForPresent blocks until id's status becomes Present (or until ch
// is closed, e.g. by a context cancellation watcher), implementing the
// "retries by waiting on the proclet's condition variable" loop of
// spec.md §4.1 step 1.
func (t *StatusTable) WaitForPresent(id wire.ProcletID, cancel <-chan struct{}) bool {
	for {
		e := t.load(id)
		if Status(e.status.Load()) == Present {
			return true
		}
		e.mu.Lock()
		ch := e.waiters
		e.mu.Unlock()
		select {
		case <-ch:
		case <-cancel:
			return false
		}
	}
}
