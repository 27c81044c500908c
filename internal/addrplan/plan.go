// Package addrplan carves the logical process's virtual address space
// into the three fixed regions described in spec.md §5/§6: proclet
// heap segments, a per-node stack cluster, and a node-local runtime
// heap. The layout is computed once and is identical on every node of
// an LP (spec.md "Address plan stability" invariant, §8).
package addrplan

import (
	"fmt"
	"math/bits"
)

// Plan is the byte-exact address layout shared by every node in an LP.
// It never changes after NewPlan returns, so it is safe to share a
// *Plan across goroutines without locking.
type Plan struct {
	MinProcletHeapSize uint64
	MaxProcletHeapSize uint64

	ProcletHeapStart uint64
	ProcletHeapEnd   uint64

	// StackClusterLen is the length of one node's stack cluster. Every
	// node in an LP gets a distinct, non-overlapping range of this same
	// size; internal/controller hands each registering node its base.
	StackClusterLen uint64

	RuntimeHeapStart uint64
	RuntimeHeapEnd   uint64

	// BucketCount is bsr_64(max)-bsr_64(min)+1, i.e. the number of
	// power-of-two size classes a proclet heap segment can take
	// (original_source/inc/nu/ctrl.hpp kNumProcletSegmentBuckets).
	BucketCount int
}

// Default region sizes. These are address-arithmetic sizes only: nothing
// in this module maps or commits memory for them.
const (
	DefaultMinProcletHeapSize = 1 << 20  // 1 MiB
	DefaultMaxProcletHeapSize = 1 << 34  // 16 GiB, largest single proclet
	DefaultProcletHeapSpan    = 1 << 40  // 1 TiB total proclet-heap region
	DefaultStackSize          = 1 << 21  // 2 MiB per proclet thread stack
	DefaultRuntimeHeapSpan    = 1 << 34  // 16 GiB node-local runtime heap
)

// NewPlan computes the layout for an LP with up to maxStacksPerNode
// concurrently live proclet-thread stacks on each node.
func NewPlan(minProcletHeapSize, maxProcletHeapSize, procletHeapSpan, stackSize uint64, maxStacksPerNode int) (*Plan, error) {
	if minProcletHeapSize == 0 || maxProcletHeapSize == 0 || minProcletHeapSize > maxProcletHeapSize {
		return nil, fmt.Errorf("addrplan: invalid proclet heap size range [%d, %d]", minProcletHeapSize, maxProcletHeapSize)
	}
	if !isPowerOfTwo(minProcletHeapSize) || !isPowerOfTwo(maxProcletHeapSize) {
		return nil, fmt.Errorf("addrplan: proclet heap sizes must be powers of two")
	}
	if procletHeapSpan < maxProcletHeapSize {
		return nil, fmt.Errorf("addrplan: proclet heap span smaller than max segment size")
	}
	if stackSize == 0 || maxStacksPerNode <= 0 {
		return nil, fmt.Errorf("addrplan: invalid stack cluster parameters")
	}

	const base = 1 << 30 // arbitrary low-half-of-address-space anchor

	p := &Plan{
		MinProcletHeapSize: minProcletHeapSize,
		MaxProcletHeapSize: maxProcletHeapSize,
		ProcletHeapStart:   base,
		ProcletHeapEnd:     base + procletHeapSpan,
		StackClusterLen:    stackSize * uint64(maxStacksPerNode),
		BucketCount:        bsr64(maxProcletHeapSize) - bsr64(minProcletHeapSize) + 1,
	}
	p.RuntimeHeapStart = p.ProcletHeapEnd
	p.RuntimeHeapEnd = p.RuntimeHeapStart + DefaultRuntimeHeapSpan
	return p, nil
}

// Equal reports whether two plans describe the same byte-exact layout,
// used by tests asserting the "address plan stability" invariant across
// nodes (spec.md §8).
func (p *Plan) Equal(other *Plan) bool {
	if p == nil || other == nil {
		return p == other
	}
	return *p == *other
}

// BucketIndex maps a proclet heap segment size to its power-of-two free
// list bucket (spec.md §3 "Heap segment", §4.4 allocate_proclet).
func (p *Plan) BucketIndex(size uint64) (int, error) {
	if size < p.MinProcletHeapSize || size > p.MaxProcletHeapSize || !isPowerOfTwo(size) {
		return 0, fmt.Errorf("addrplan: size %d is not a valid proclet heap segment size", size)
	}
	return bsr64(size) - bsr64(p.MinProcletHeapSize), nil
}

// BucketSize is the inverse of BucketIndex.
func (p *Plan) BucketSize(bucket int) uint64 {
	return p.MinProcletHeapSize << uint(bucket)
}

// CapacityToSegmentSize rounds a requested proclet capacity up to the
// smallest power-of-two segment size that can hold it.
func (p *Plan) CapacityToSegmentSize(capacity uint64) (uint64, error) {
	if capacity > p.MaxProcletHeapSize {
		return 0, fmt.Errorf("addrplan: capacity %d exceeds max proclet heap size %d", capacity, p.MaxProcletHeapSize)
	}
	size := p.MinProcletHeapSize
	for size < capacity {
		size <<= 1
	}
	return size, nil
}

// ContainsProcletID reports whether id lies within the proclet-heap
// region and is aligned to some valid segment size — the validation the
// Design Notes require in place of the source's raw pointer-as-identity
// trick.
func (p *Plan) ContainsProcletID(id uint64) bool {
	if id < p.ProcletHeapStart || id >= p.ProcletHeapEnd {
		return false
	}
	for size := p.MinProcletHeapSize; size <= p.MaxProcletHeapSize; size <<= 1 {
		if (id-p.ProcletHeapStart)%size == 0 {
			return true
		}
	}
	return false
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// bsr64 returns the index of the highest set bit ("bit scan reverse"),
// matching original_source's bsr_64 helper used to size the bucket
// array.
func bsr64(v uint64) int {
	if v == 0 {
		return -1
	}
	return bits.Len64(v) - 1
}
