package pressure

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/wire"
)

func TestMemUtility_BiggerHeapScoresHigher(t *testing.T) {
	small := memUtility(1<<20, 1.0, 1<<30)
	big := memUtility(1<<26, 1.0, 1<<30)
	must.True(t, big > small)
}

func TestCPUUtility_HigherLoadScoresHigher(t *testing.T) {
	idle := cpuUtility(0.01, 1<<20, 1.0, 1<<30)
	busy := cpuUtility(0.9, 1<<20, 1.0, 1<<30)
	must.True(t, busy > idle)
}

func TestClassify(t *testing.T) {
	cfg := Config{CPUThreshold: 0.8, MemThreshold: 0.8}
	cases := []struct {
		name     string
		sig      signal
		wantKind Kind
		wantOK   bool
	}{
		{"idle", signal{cpuUsedFraction: 0.1, memUsedFraction: 0.1}, 0, false},
		{"cpu only", signal{cpuUsedFraction: 0.95, memUsedFraction: 0.1}, KindCPU, true},
		{"mem only", signal{cpuUsedFraction: 0.1, memUsedFraction: 0.95}, KindMem, true},
		{"both", signal{cpuUsedFraction: 0.95, memUsedFraction: 0.95}, KindBoth, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := classify(tc.sig, cfg)
			require.Equal(t, tc.wantOK, ok)
			if ok {
				require.Equal(t, tc.wantKind, kind)
			}
		})
	}
}

func newTestHandler(t *testing.T) (*Handler, *proclet.Manager) {
	t.Helper()
	mgr := proclet.NewManager(proclet.NewStatusTable())
	h := &Handler{
		manager: mgr,
		cfg:     Config{FixedCost: 1.0, LineRateBytesPerSec: 1 << 30, MaxDestAttempts: 4},
	}
	return h, mgr
}

func TestHandler_RankCandidatesSkipsPinnedAndNonPresent(t *testing.T) {
	h, mgr := newTestHandler(t)

	pinned := proclet.New(wire.ProcletID(1), 1<<20, false, 1)
	mgr.Setup(pinned, false)
	mgr.Insert(pinned)

	present := proclet.New(wire.ProcletID(2), 1<<21, true, 1)
	mgr.Setup(present, false)
	mgr.Insert(present)

	migrating := proclet.New(wire.ProcletID(3), 1<<22, true, 1)
	mgr.Setup(migrating, false)
	mgr.Insert(migrating)
	mgr.RemoveForMigration(migrating.ID)

	candidates := h.rankCandidates(KindMem)
	must.Eq(t, 1, len(candidates))
	must.Eq(t, present.ID, candidates[0].ID)
}

func TestHandler_RankCandidatesOrdersByMemUtilityDescending(t *testing.T) {
	h, mgr := newTestHandler(t)

	small := proclet.New(wire.ProcletID(10), 1<<20, true, 1)
	mgr.Setup(small, false)
	mgr.Insert(small)

	big := proclet.New(wire.ProcletID(11), 1<<26, true, 1)
	mgr.Setup(big, false)
	mgr.Insert(big)

	candidates := h.rankCandidates(KindMem)
	must.Eq(t, 2, len(candidates))
	must.Eq(t, big.ID, candidates[0].ID)
	must.Eq(t, small.ID, candidates[1].ID)
}

func TestSelectBatch_StopsOnceDeficitMet(t *testing.T) {
	a := proclet.New(wire.ProcletID(1), 64<<20, true, 1)
	b := proclet.New(wire.ProcletID(2), 64<<20, true, 1)
	c := proclet.New(wire.ProcletID(3), 64<<20, true, 1)
	candidates := []*proclet.Proclet{a, b, c}

	batch := selectBatch(candidates, wire.Resource{MemMBs: 100})
	must.Eq(t, 2, len(batch))
}

func TestSelectBatch_ZeroDeficitTakesOneCandidate(t *testing.T) {
	a := proclet.New(wire.ProcletID(1), 64<<20, true, 1)
	batch := selectBatch([]*proclet.Proclet{a}, wire.Resource{})
	must.Eq(t, 1, len(batch))
}

func TestHandler_FilterStillPresent(t *testing.T) {
	h, mgr := newTestHandler(t)

	present := proclet.New(wire.ProcletID(1), 1<<20, true, 1)
	mgr.Setup(present, false)
	mgr.Insert(present)

	migrated := proclet.New(wire.ProcletID(2), 1<<20, true, 1)
	mgr.Setup(migrated, false)
	mgr.Insert(migrated)
	mgr.RemoveForMigration(migrated.ID)

	still := h.filterStillPresent([]wire.ProcletID{present.ID, migrated.ID})
	must.Eq(t, 1, len(still))
	must.Eq(t, present.ID, still[0])
}
