package addrplan

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestNewPlan_RejectsNonPowerOfTwo(t *testing.T) {
	testCases := []struct {
		name    string
		min     uint64
		max     uint64
		wantErr bool
	}{
		{name: "valid", min: 1 << 20, max: 1 << 30, wantErr: false},
		{name: "min not power of two", min: 3, max: 1 << 30, wantErr: true},
		{name: "max not power of two", min: 1 << 20, max: (1 << 30) + 1, wantErr: true},
		{name: "min greater than max", min: 1 << 30, max: 1 << 20, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPlan(tc.min, tc.max, DefaultProcletHeapSpan, DefaultStackSize, 64)
			if tc.wantErr {
				must.Error(t, err)
			} else {
				must.NoError(t, err)
			}
		})
	}
}

func TestPlan_BucketIndexRoundTrip(t *testing.T) {
	p, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 64)
	must.NoError(t, err)
	must.Eq(t, 11, p.BucketCount) // 30-20+1

	for bucket := 0; bucket < p.BucketCount; bucket++ {
		size := p.BucketSize(bucket)
		got, err := p.BucketIndex(size)
		must.NoError(t, err)
		must.Eq(t, bucket, got)
	}

	_, err = p.BucketIndex(3)
	must.Error(t, err)
}

func TestPlan_CapacityToSegmentSize(t *testing.T) {
	p, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 64)
	must.NoError(t, err)

	size, err := p.CapacityToSegmentSize(1 << 20)
	must.NoError(t, err)
	must.Eq(t, uint64(1<<20), size)

	size, err = p.CapacityToSegmentSize((1 << 20) + 1)
	must.NoError(t, err)
	must.Eq(t, uint64(1<<21), size)

	_, err = p.CapacityToSegmentSize(1 << 31)
	must.Error(t, err)
}

func TestPlan_ContainsProcletID(t *testing.T) {
	p, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 64)
	must.NoError(t, err)

	must.True(t, p.ContainsProcletID(p.ProcletHeapStart))
	must.True(t, p.ContainsProcletID(p.ProcletHeapStart+(1<<20)))
	must.False(t, p.ContainsProcletID(p.ProcletHeapStart+1)) // unaligned
	must.False(t, p.ContainsProcletID(p.RuntimeHeapStart))
}

func TestPlan_Equal(t *testing.T) {
	p1, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 64)
	must.NoError(t, err)
	p2, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 64)
	must.NoError(t, err)
	must.True(t, p1.Equal(p2))

	p3, err := NewPlan(1<<20, 1<<30, DefaultProcletHeapSpan, DefaultStackSize, 32)
	must.NoError(t, err)
	must.False(t, p1.Equal(p3))
}
