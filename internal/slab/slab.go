// Package slab implements the per-proclet and per-runtime bump/slab
// allocator described in spec.md §4.5 and §5: per-size-class free
// lists, bounded per-core caches, and cross-core "transferred" lists
// drained under a short critical section.
//
// Go exposes no core-affinity API, so "core" here is an approximation:
// a small fixed number of shards selected by a fast round-robin counter
// rather than true CPU-pinned state. The property the spec actually
// cares about — a bounded-size local cache plus a cross-shard return
// path so a block freed from the "wrong" shard doesn't take a global
// lock on every free — is preserved.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SlabID uniquely identifies one Slab for the lifetime of a process, so
// a freed block can find its owning slab even after the freeing thread
// has since attached to a different proclet (spec.md §4.5, §5).
type SlabID uint64

// BlockHeader prefixes every allocated block. OriginShard and SlabID let
// Free() route a block back to the slab and per-shard list it came
// from, even when called from a different shard or proclet than the one
// that allocated it (spec.md §5 "Per-proclet slab").
type BlockHeader struct {
	SizeClass   int
	OriginShard int
	SlabID      SlabID
}

const headerSize = 24 // generous fixed header footprint; matches size-class rounding below

// sizeClasses are the bucket boundaries a request size is rounded up
// to, mirroring a conventional slab allocator's small-object classes.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

func sizeClassFor(n int) (int, int) {
	for i, sz := range sizeClasses {
		if n <= sz {
			return i, sz
		}
	}
	return -1, n // falls back to a direct (uncached) allocation for oversized requests
}

const perShardCacheLimit = 256 // bounded length of each per-shard free list

var nextSlabID uint64

// shard is one per-core cache: a free list per size class, bounded in
// length, plus a cross-shard "transferred" list that accumulates blocks
// freed by other shards until this shard's allocator path next runs and
// drains it (spec.md §4.5 "cross-core return lists").
type shard struct {
	mu        sync.Mutex
	free      [][]unsafeBlock // indexed by size class
	transfer  [][]unsafeBlock // indexed by size class; drained into free lazily
}

// unsafeBlock is a raw block the allocator hands out; in this Go
// rendition it is simply a byte slice rather than a bare pointer, since
// there is no unsafe heap segment to index into directly (see Design
// Notes: ProcletID is opaque, not a literal pointer).
type unsafeBlock []byte

// Allocator is one proclet's (or the node's runtime) slab allocator.
type Allocator struct {
	id     SlabID
	shards []shard
	rr     uint64 // round-robin counter approximating "current core"
}

// NewAllocator creates an allocator with numShards shards, as passed to
// proclet.New (internal/migrate's receiver passes 1); tests use small
// fixed counts to make cross-shard transfer deterministic to assert on.
func NewAllocator(numShards int) *Allocator {
	if numShards < 1 {
		numShards = 1
	}
	a := &Allocator{
		id:     SlabID(atomic.AddUint64(&nextSlabID, 1)),
		shards: make([]shard, numShards),
	}
	for i := range a.shards {
		a.shards[i].free = make([][]unsafeBlock, len(sizeClasses))
		a.shards[i].transfer = make([][]unsafeBlock, len(sizeClasses))
	}
	return a
}

func (a *Allocator) ID() SlabID { return a.id }

func (a *Allocator) currentShard() int {
	return int(atomic.AddUint64(&a.rr, 1) % uint64(len(a.shards)))
}

// Alloc returns a block whose first headerSize bytes are the
// BlockHeader and whose remainder is at least n usable bytes. Use
// Payload to get the usable portion and Free to return the whole block
// (as returned by Alloc, header included) to its allocator.
func (a *Allocator) Alloc(n int) []byte {
	shardIdx := a.currentShard()
	class, sz := sizeClassFor(n)
	if class < 0 {
		return a.allocDirect(shardIdx, -1, n)
	}

	s := &a.shards[shardIdx]
	s.mu.Lock()
	if len(s.transfer[class]) > 0 {
		s.free[class] = append(s.free[class], s.transfer[class]...)
		s.transfer[class] = s.transfer[class][:0]
	}
	var blk unsafeBlock
	if n := len(s.free[class]); n > 0 {
		blk = s.free[class][n-1]
		s.free[class] = s.free[class][:n-1]
	}
	s.mu.Unlock()

	if blk != nil {
		encodeHeader(blk, BlockHeader{SizeClass: class, OriginShard: shardIdx, SlabID: a.id})
		return blk
	}
	return a.allocDirect(shardIdx, class, sz)
}

func (a *Allocator) allocDirect(shardIdx, class, sz int) []byte {
	blk := make(unsafeBlock, headerSize+sz)
	encodeHeader(blk, BlockHeader{SizeClass: class, OriginShard: shardIdx, SlabID: a.id})
	return blk
}

// Payload returns the usable portion of a block returned by Alloc,
// stripping the header.
func Payload(block []byte) []byte {
	if len(block) < headerSize {
		return nil
	}
	return block[headerSize:]
}

// Free returns a block (header included, as returned by Alloc) to its
// owning allocator's free list, routing it through the cross-shard
// transfer list when freed from a shard other than the one it was
// allocated on (spec.md §5: "Freeing a block that originated in proclet
// A from a thread attached to B routes the free to A's slab via the
// cross-core transferred list").
func (a *Allocator) Free(block []byte) {
	if len(block) < headerSize {
		return // oversized/direct allocations below headerSize never happen; defensive no-op
	}
	hdr := decodeHeader(block[:headerSize])
	if hdr.SizeClass < 0 {
		return // direct allocation, nothing cached
	}

	callerShard := a.currentShard()
	target := &a.shards[hdr.OriginShard]
	target.mu.Lock()
	defer target.mu.Unlock()
	blk := unsafeBlock(block)
	if callerShard == hdr.OriginShard {
		if len(target.free[hdr.SizeClass]) < perShardCacheLimit {
			target.free[hdr.SizeClass] = append(target.free[hdr.SizeClass], blk)
		}
		return
	}
	if len(target.transfer[hdr.SizeClass]) < perShardCacheLimit {
		target.transfer[hdr.SizeClass] = append(target.transfer[hdr.SizeClass], blk)
	}
}

func encodeHeader(b []byte, hdr BlockHeader) {
	putInt(b[0:8], int64(hdr.SizeClass))
	putInt(b[8:16], int64(hdr.OriginShard))
	putInt(b[16:24], int64(hdr.SlabID))
}

func decodeHeader(b []byte) BlockHeader {
	return BlockHeader{
		SizeClass:   int(getInt(b[0:8])),
		OriginShard: int(getInt(b[8:16])),
		SlabID:      SlabID(getInt(b[16:24])),
	}
}

func putInt(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getInt(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

// Registry is the process-wide map from SlabID to *Allocator, letting a
// freed pointer find its owning slab after the freeing thread has
// re-attached to a different proclet (spec.md §4.5 "Per-process slab
// registry").
type Registry struct {
	mu   sync.RWMutex
	byID map[SlabID]*Allocator
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[SlabID]*Allocator)}
}

func (r *Registry) Register(a *Allocator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.id] = a
}

func (r *Registry) Unregister(id SlabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *Registry) Lookup(id SlabID) (*Allocator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// FreeViaRegistry frees block through the registry, routing it to its
// owning allocator regardless of which allocator instance calls this
// (the cross-proclet free path, spec.md §5).
func (r *Registry) FreeViaRegistry(block []byte) error {
	if len(block) < headerSize {
		return fmt.Errorf("slab: block too small to carry a header")
	}
	hdr := decodeHeader(block[:headerSize])
	owner, ok := r.Lookup(hdr.SlabID)
	if !ok {
		return fmt.Errorf("slab: no allocator registered for slab id %d", hdr.SlabID)
	}
	owner.Free(block)
	return nil
}
