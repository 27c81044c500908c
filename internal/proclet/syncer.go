package proclet

import (
	"sync"

	"github.com/nu-lp/corelp/internal/wire"
)

// PendingCall identifies the original RPC caller of a proclet method
// that is currently blocked, so its eventual result can be forwarded
// once the block clears (spec.md §4.3 "in-flight call forwarding").
type PendingCall struct {
	CallerIP     wire.NodeIP
	CallerCallID uint64
}

// Waiter is one thread parked on a Mutex or CondVar. Because a blocked
// Go call cannot be resumed mid-stack on another process (Design Notes:
// "replace [stack-switching] with an explicit continuation object"),
// a waiter is represented entirely as data: which registered method to
// re-invoke, with which arguments, to produce the call's eventual
// result, plus where to send that result. This is deliberately
// serializable end to end, so migrating a proclet with blocked waiters
// is just migrating more proclet state — no live goroutine ever needs
// to cross a process boundary.
type Waiter struct {
	ID             uint64
	ResumeMethodID wire.MethodID
	ResumeArgs     []byte
	Pending        PendingCall
}

// waitQueue is the FIFO waiter list shared by Mutex and CondVar.
type waitQueue struct {
	mu      sync.Mutex
	nextID  uint64
	waiters []Waiter
}

func (q *waitQueue) enqueue(resumeMethod wire.MethodID, resumeArgs []byte, pending PendingCall) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.waiters = append(q.waiters, Waiter{
		ID: q.nextID, ResumeMethodID: resumeMethod, ResumeArgs: resumeArgs, Pending: pending,
	})
	return q.nextID
}

func (q *waitQueue) popOne() (Waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		return Waiter{}, false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	return w, true
}

func (q *waitQueue) popAll() []Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.waiters
	q.waiters = nil
	return out
}

func (q *waitQueue) snapshot() []Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Waiter, len(q.waiters))
	copy(out, q.waiters)
	return out
}

func (q *waitQueue) restore(waiters []Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = append(q.waiters, waiters...)
	for _, w := range waiters {
		if w.ID >= q.nextID {
			q.nextID = w.ID
		}
	}
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// CondVar is one proclet-local condition variable (spec.md §5 "the
// proclet's own mutexes/condvars are the serialization primitives
// offered to user code"). Addr is an opaque per-proclet identity (the
// application assigns it; in the source runtime this was the variable's
// memory address, here it is just a handle the application controls).
type CondVar struct {
	Addr  uint64
	queue waitQueue
}

func NewCondVar(addr uint64) *CondVar { return &CondVar{Addr: addr} }

// Wait registers a continuation to run once this condvar is signaled,
// instead of blocking the calling goroutine. Returns the waiter id.
func (c *CondVar) Wait(resumeMethod wire.MethodID, resumeArgs []byte, pending PendingCall) uint64 {
	return c.queue.enqueue(resumeMethod, resumeArgs, pending)
}

// Signal wakes (dequeues) the oldest waiter, if any.
func (c *CondVar) Signal() (Waiter, bool) { return c.queue.popOne() }

// Broadcast wakes (dequeues) every waiter.
func (c *CondVar) Broadcast() []Waiter { return c.queue.popAll() }

func (c *CondVar) NumWaiters() int { return c.queue.len() }

func (c *CondVar) snapshotWire() wire.BlockedCondVar {
	waiters := c.queue.snapshot()
	return wire.BlockedCondVar{Addr: c.Addr, Waiters: toThreadSnapshots(waiters)}
}

func (c *CondVar) restoreWire(bc wire.BlockedCondVar) {
	c.Addr = bc.Addr
	c.queue.restore(fromThreadSnapshots(bc.Waiters))
}

// Mutex is one proclet-local mutex (spec.md §3, §5). Lock contention is
// expressed the same continuation-waiter way as CondVar.
type Mutex struct {
	Addr   uint64
	mu     sync.Mutex
	locked bool
	queue  waitQueue
}

func NewMutex(addr uint64) *Mutex { return &Mutex{Addr: addr} }

// TryLock attempts to acquire the mutex immediately, returning false if
// it is already held (in which case the caller should register a
// waiter via Wait instead of blocking).
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

func (m *Mutex) Unlock() (Waiter, bool) {
	m.mu.Lock()
	w, ok := m.queue.popOne()
	if !ok {
		m.locked = false
	}
	// Ownership transfers directly to the woken waiter if there is one,
	// avoiding a lock/unlock race with a third acquirer.
	m.mu.Unlock()
	return w, ok
}

func (m *Mutex) Wait(resumeMethod wire.MethodID, resumeArgs []byte, pending PendingCall) uint64 {
	return m.queue.enqueue(resumeMethod, resumeArgs, pending)
}

func (m *Mutex) NumWaiters() int { return m.queue.len() }

func (m *Mutex) snapshotWire() wire.BlockedMutex {
	waiters := m.queue.snapshot()
	return wire.BlockedMutex{Addr: m.Addr, Waiters: toThreadSnapshots(waiters)}
}

func (m *Mutex) restoreWire(bm wire.BlockedMutex) {
	m.Addr = bm.Addr
	m.queue.restore(fromThreadSnapshots(bm.Waiters))
}

func toThreadSnapshots(waiters []Waiter) []wire.ThreadSnapshot {
	out := make([]wire.ThreadSnapshot, len(waiters))
	for i, w := range waiters {
		out[i] = waiterToSnapshot(w)
	}
	return out
}

func fromThreadSnapshots(snaps []wire.ThreadSnapshot) []Waiter {
	out := make([]Waiter, len(snaps))
	for i, s := range snaps {
		out[i] = snapshotToWaiter(s)
	}
	return out
}

// waiterToSnapshot/snapshotToWaiter encode a Waiter's data-only
// continuation into the wire.ThreadSnapshot "nu-state" envelope so it
// rides along with the rest of a migration batch (spec.md §4.3 step
// 4e). The encoding is just the msgpack of the Waiter struct itself;
// NuState is kept as a distinct field name for fidelity to the wire
// layout spec.md describes, not because the payload differs in kind
// from an ordinary serialized value.
func waiterToSnapshot(w Waiter) wire.ThreadSnapshot {
	data, _ := wire.Marshal(w)
	return wire.ThreadSnapshot{NuState: data}
}

func snapshotToWaiter(s wire.ThreadSnapshot) Waiter {
	var w Waiter
	_ = wire.Unmarshal(s.NuState, &w)
	return w
}

// BlockedSyncerRegistry is a proclet's set of live Mutex/CondVar
// objects, keyed by the application-assigned Addr handle (spec.md §3
// "blocked-syncer registry").
type BlockedSyncerRegistry struct {
	mu        sync.Mutex
	mutexes   map[uint64]*Mutex
	condvars  map[uint64]*CondVar
}

func NewBlockedSyncerRegistry() *BlockedSyncerRegistry {
	return &BlockedSyncerRegistry{
		mutexes:  make(map[uint64]*Mutex),
		condvars: make(map[uint64]*CondVar),
	}
}

func (r *BlockedSyncerRegistry) Mutex(addr uint64) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mutexes[addr]
	if !ok {
		m = NewMutex(addr)
		r.mutexes[addr] = m
	}
	return m
}

func (r *BlockedSyncerRegistry) CondVar(addr uint64) *CondVar {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.condvars[addr]
	if !ok {
		c = NewCondVar(addr)
		r.condvars[addr] = c
	}
	return c
}

// Snapshot freezes every mutex/condvar with at least one waiter, for
// inclusion in a migration batch.
func (r *BlockedSyncerRegistry) Snapshot() ([]wire.BlockedMutex, []wire.BlockedCondVar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mutexes []wire.BlockedMutex
	for _, m := range r.mutexes {
		if m.NumWaiters() > 0 {
			mutexes = append(mutexes, m.snapshotWire())
		}
	}
	var condvars []wire.BlockedCondVar
	for _, c := range r.condvars {
		if c.NumWaiters() > 0 {
			condvars = append(condvars, c.snapshotWire())
		}
	}
	return mutexes, condvars
}

// Restore re-links transferred waiters into (possibly freshly created)
// mutex/condvar objects on a migration destination (spec.md §4.3 step
// 5: "restores mutexes and their waiters (re-linking each waiter into
// the mutex's local waitlist)").
func (r *BlockedSyncerRegistry) Restore(mutexes []wire.BlockedMutex, condvars []wire.BlockedCondVar) {
	for _, bm := range mutexes {
		r.Mutex(bm.Addr).restoreWire(bm)
	}
	for _, bc := range condvars {
		r.CondVar(bc.Addr).restoreWire(bc)
	}
}
