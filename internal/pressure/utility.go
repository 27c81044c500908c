package pressure

import (
	"sort"

	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/wire"
)

// memUtility and cpuUtility are spec.md §4.6's two ranking formulas:
// bigger means a better eviction candidate under the corresponding
// pressure kind. Both divide by the cost of actually moving the
// proclet (a fixed per-migration overhead plus the heap's own transfer
// time at the configured line rate), so a proclet that is expensive to
// move scores lower even if it would free a lot of the resource under
// pressure.
func memUtility(bytes uint64, fixedCost, lineRate float64) float64 {
	return float64(bytes) / (fixedCost + float64(bytes)/lineRate)
}

func cpuUtility(cpuLoad float64, bytes uint64, fixedCost, lineRate float64) float64 {
	return cpuLoad / (fixedCost + float64(bytes)/lineRate)
}

// rankCandidates returns every migratable, Present local proclet sorted
// by descending utility for the given pressure kind (spec.md §4.6:
// "refreshes two sorted multisets of local proclets, keyed by
// utility"). Both-kind episodes rank by mem utility first since memory
// pressure is the more urgent of the two to relieve (destination
// denial under mem pressure is handled by acquire_migration_dest's
// relaxed-cpu second pass).
func (h *Handler) rankCandidates(kind Kind) []*proclet.Proclet {
	all := h.manager.AllProclets()
	candidates := make([]*proclet.Proclet, 0, len(all))
	for _, p := range all {
		if !p.Migratable {
			continue
		}
		if h.manager.Status.Get(p.ID) != proclet.Present {
			continue
		}
		candidates = append(candidates, p)
	}

	useCPU := kind == KindCPU
	sort.Slice(candidates, func(i, j int) bool {
		ui := h.utility(candidates[i], useCPU)
		uj := h.utility(candidates[j], useCPU)
		return ui > uj
	})
	return candidates
}

func (h *Handler) utility(p *proclet.Proclet, useCPU bool) float64 {
	bytes := p.HeapSize()
	if useCPU {
		return cpuUtility(p.CPULoad.Load(), bytes, h.cfg.FixedCost, h.cfg.LineRateBytesPerSec)
	}
	return memUtility(bytes, h.cfg.FixedCost, h.cfg.LineRateBytesPerSec)
}

// selectBatch walks candidates (already sorted best-first) and
// accumulates proclets until their summed resource meets or exceeds
// deficit, or candidates run out (spec.md §4.6: "choose a batch whose
// summed resource is >= the deficit").
func selectBatch(candidates []*proclet.Proclet, deficit wire.Resource) []*proclet.Proclet {
	if deficit.Cores <= 0 && deficit.MemMBs <= 0 {
		if len(candidates) == 0 {
			return nil
		}
		return candidates[:1]
	}

	var sum wire.Resource
	batch := make([]*proclet.Proclet, 0, len(candidates))
	for _, p := range candidates {
		batch = append(batch, p)
		sum.MemMBs += p.HeapSize() / (1 << 20)
		sum.Cores += p.CPULoad.Load()
		if sum.GreaterOrEqual(deficit) {
			break
		}
	}
	return batch
}
