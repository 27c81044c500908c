// Package stackmgr allocates and reclaims the fixed-size proclet thread
// stacks described in spec.md §4.5/§5: each node draws from its own
// reserved cluster; a stack that migrated away returns to its origin
// node's cluster via RPC rather than being freed locally.
package stackmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/nu-lp/corelp/internal/wire"
)

// Handle identifies one stack slot within a node's cluster. Base is the
// slot's absolute virtual address, captured at acquire time so a
// remote release never needs to ask the origin how its cluster is
// laid out.
type Handle struct {
	Origin wire.NodeIP
	Index  uint64
	Base   uint64
}

// Releaser returns a stack slot to its origin node when that node is
// not the local node, i.e. it is the client side of the GCStack RPC
// (spec.md §6 "proclet-server... gc-stack"). The caller of NewManager
// supplies the implementation; stackmgr only depends on this narrow interface so
// it has no import-cycle on the RPC layer.
type Releaser interface {
	ReleaseRemoteStack(ctx context.Context, origin wire.NodeIP, req wire.GCStackRequest) error
}

// Cluster is one node's fixed-size stack reservation (spec.md §6
// "Stack cluster region: one contiguous span per node, sized to hold a
// node's maximum number of fixed-size stacks").
type Cluster struct {
	self     wire.NodeIP
	base     uint64
	slotSize uint64
	capacity uint64

	mu   sync.Mutex
	free []uint64 // free slot indices
}

// NewCluster creates a cluster of `capacity` fixed-size stacks starting
// at base (the range the controller assigned this node at register
// time, spec.md §4.4 register_node).
func NewCluster(self wire.NodeIP, base, slotSize, capacity uint64) *Cluster {
	c := &Cluster{self: self, base: base, slotSize: slotSize, capacity: capacity}
	c.free = make([]uint64, capacity)
	for i := range c.free {
		c.free[i] = uint64(i)
	}
	return c
}

// Acquire draws one stack slot from this node's cluster.
func (c *Cluster) Acquire() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		return Handle{}, fmt.Errorf("stackmgr: cluster exhausted (capacity %d)", c.capacity)
	}
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return Handle{Origin: c.self, Index: idx, Base: c.Base(idx)}, nil
}

// releaseLocal returns a slot that originated on this cluster.
func (c *Cluster) releaseLocal(idx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free = append(c.free, idx)
}

// Base returns the virtual address of slot idx within this cluster
// (spec.md §6 address plan).
func (c *Cluster) Base(idx uint64) uint64 {
	return c.base + idx*c.slotSize
}

// Manager ties a node's local Cluster to the Releaser used when a
// migrated-in proclet thread's stack must be returned to a remote
// origin (spec.md §4.5 "the original stack is returned to the source
// via an RPC on scope exit").
type Manager struct {
	self     wire.NodeIP
	local    *Cluster
	releaser Releaser
}

func NewManager(self wire.NodeIP, local *Cluster, releaser Releaser) *Manager {
	return &Manager{self: self, local: local, releaser: releaser}
}

// Acquire draws a new stack for a proclet thread running on this node.
// Future stacks for a migrated thread are always drawn from the
// destination's own cluster (spec.md §4.5): callers always call
// Acquire on the node they are currently executing on, never on the
// stack's original origin.
func (m *Manager) Acquire() (Handle, error) {
	return m.local.Acquire()
}

// Release returns h to its origin cluster, going over RPC when that
// origin is not this node.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	if h.Origin == m.self {
		m.local.releaseLocal(h.Index)
		return nil
	}
	if m.releaser == nil {
		return fmt.Errorf("stackmgr: no releaser configured to return stack to %s", h.Origin)
	}
	return m.releaser.ReleaseRemoteStack(ctx, h.Origin, wire.GCStackRequest{StackBase: h.Base})
}
