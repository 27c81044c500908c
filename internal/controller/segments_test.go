package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nu-lp/corelp/internal/addrplan"
)

func TestSegmentAllocator_AllocSplitsLargerBucketWhenExactSizeEmpty(t *testing.T) {
	plan, err := addrplan.NewPlan(1<<20, 1<<22, 1<<30, 1<<21, 4)
	require.NoError(t, err)
	a := newSegmentAllocator(plan)

	base1, _, ok := a.alloc(1 << 22) // largest bucket, bump-allocated
	require.True(t, ok)
	a.freeSegment(base1, 1<<22, "node-a")

	// Request the smallest bucket: the allocator must split the 4 MiB
	// free segment down to 1 MiB, pushing the 2 MiB and 1 MiB leftovers
	// onto their own buckets.
	base2, prevHost, ok := a.alloc(1 << 20)
	assert.True(t, ok)
	assert.Equal(t, base1, base2)
	assert.Empty(t, prevHost) // split segments carry no prev_host

	mid, err := plan.BucketIndex(1 << 21)
	require.NoError(t, err)
	assert.Len(t, a.free[mid], 1)
}

func TestSegmentAllocator_FreeSegmentReturnsPrevHostOnNextAlloc(t *testing.T) {
	plan, err := addrplan.NewPlan(1<<20, 1<<22, 1<<30, 1<<21, 4)
	require.NoError(t, err)
	a := newSegmentAllocator(plan)

	base, _, ok := a.alloc(1 << 20)
	require.True(t, ok)
	a.freeSegment(base, 1<<20, "node-b")

	base2, prevHost, ok := a.alloc(1 << 20)
	require.True(t, ok)
	assert.Equal(t, base, base2)
	assert.EqualValues(t, "node-b", prevHost)
}

func TestSegmentAllocator_ExhaustionReturnsFalse(t *testing.T) {
	plan, err := addrplan.NewPlan(1<<20, 1<<20, 1<<20, 1<<21, 4)
	require.NoError(t, err)
	a := newSegmentAllocator(plan)

	_, _, ok := a.alloc(1 << 20)
	require.True(t, ok)
	_, _, ok = a.alloc(1 << 20)
	assert.False(t, ok)
}
