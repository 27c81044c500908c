package controller

import (
	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/wire"
)

// segment is a controller-owned heap-segment record (spec.md §3 "Heap
// segment. Controller-owned record {range, prev_host}").
type segment struct {
	Base     uint64
	PrevHost wire.NodeIP
}

// segmentAllocator is the buddy-style power-of-two allocator behind
// allocate_proclet/destroy_proclet (spec.md §4.4): "carves a segment
// from the appropriate power-of-two bucket; splits the largest bucket
// if empty". One allocator per LP, since each LP owns an independent
// proclet-heap address range.
type segmentAllocator struct {
	plan *addrplan.Plan

	// free[bucket] is a LIFO stack of free segments of that bucket's
	// size, most-recently-freed on top so a just-destroyed proclet's
	// range is likely reused quickly (helps the prev_host locality
	// hint stay meaningful).
	free [][]segment

	// nextBase is the next never-before-carved address at the top
	// bucket (max segment size); the region is bump-allocated from
	// here until exhausted, then only splitting can satisfy requests.
	nextBase uint64
}

func newSegmentAllocator(plan *addrplan.Plan) *segmentAllocator {
	return &segmentAllocator{
		plan:     plan,
		free:     make([][]segment, plan.BucketCount),
		nextBase: plan.ProcletHeapStart,
	}
}

// alloc carves a segment of the smallest power-of-two size that can
// hold capacity. When an exact-size segment was previously freed, its
// prevHost comes back too so the caller can use it as a placement hint
// (spec.md "prev_host as placement hint"); a freshly split or
// bump-allocated segment has no prior host.
func (a *segmentAllocator) alloc(capacity uint64) (base uint64, prevHost wire.NodeIP, ok bool) {
	size, err := a.plan.CapacityToSegmentSize(capacity)
	if err != nil {
		return 0, "", false
	}
	targetBucket, err := a.plan.BucketIndex(size)
	if err != nil {
		return 0, "", false
	}

	if n := len(a.free[targetBucket]); n > 0 {
		seg := a.free[targetBucket][n-1]
		a.free[targetBucket] = a.free[targetBucket][:n-1]
		return seg.Base, seg.PrevHost, true
	}

	// No exact-size segment free: find the smallest larger bucket with
	// something free and split it down, spec.md "splits the largest
	// bucket if empty".
	for b := targetBucket + 1; b < a.plan.BucketCount; b++ {
		if len(a.free[b]) == 0 {
			continue
		}
		n := len(a.free[b])
		seg := a.free[b][n-1]
		a.free[b] = a.free[b][:n-1]
		return a.split(seg.Base, b, targetBucket), "", true
	}

	// Nothing to split: bump-allocate a fresh top-bucket segment if the
	// region has room, then split it down to the target size.
	top := a.plan.BucketCount - 1
	topSize := a.plan.BucketSize(top)
	if a.nextBase+topSize <= a.plan.ProcletHeapEnd {
		base := a.nextBase
		a.nextBase += topSize
		return a.split(base, top, targetBucket), "", true
	}

	return 0, "", false
}

// split halves seg down from `from` bucket to `to` bucket, pushing the
// upper half of every intermediate level onto that level's free list
// and returning the base of the final, fully-split-down segment.
func (a *segmentAllocator) split(base uint64, from, to int) uint64 {
	for b := from; b > to; b-- {
		half := a.plan.BucketSize(b - 1)
		upper := base + half
		a.free[b-1] = append(a.free[b-1], segment{Base: upper})
	}
	return base
}

// free returns a segment to its bucket, keyed by the node it last ran
// on (spec.md "destroy_proclet ... returns segment to its bucket keyed
// by last host").
func (a *segmentAllocator) freeSegment(base uint64, capacity uint64, lastHost wire.NodeIP) {
	size, err := a.plan.CapacityToSegmentSize(capacity)
	if err != nil {
		return
	}
	bucket, err := a.plan.BucketIndex(size)
	if err != nil {
		return
	}
	a.free[bucket] = append(a.free[bucket], segment{Base: base, PrevHost: lastHost})
}
