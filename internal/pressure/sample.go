package pressure

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nu-lp/corelp/internal/wire"
)

// Kind classifies an observed pressure signal (spec.md §4.6 "classify
// as cpu/mem/both").
type Kind int

const (
	KindCPU Kind = iota
	KindMem
	KindBoth
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindMem:
		return "mem"
	case KindBoth:
		return "both"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// signal is one host-level sample: the fraction (0-1) of total CPU and
// memory capacity currently in use, plus the host's total capacity in
// the units acquire_migration_dest's wire.Resource uses.
type signal struct {
	cpuUsedFraction float64
	memUsedFraction float64
	totalCores      float64
	totalMemMBs     uint64
}

// sampleHostPressure reads real OS counters via gopsutil (SPEC_FULL.md
// §3 domain stack: "resource.Reporter and pressure.Handler read real
// cpu.Percent/mem.VirtualMemory samples instead of stubs").
func sampleHostPressure() (signal, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return signal{}, fmt.Errorf("pressure: cpu.Percent: %w", err)
	}
	if len(percents) == 0 {
		return signal{}, fmt.Errorf("pressure: cpu.Percent returned no samples")
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return signal{}, fmt.Errorf("pressure: mem.VirtualMemory: %w", err)
	}
	return signal{
		cpuUsedFraction: percents[0] / 100,
		memUsedFraction: vm.UsedPercent / 100,
		totalCores:      float64(runtime.NumCPU()),
		totalMemMBs:     vm.Total / (1 << 20),
	}, nil
}

// classify decides whether sig counts as pressure under cfg's
// thresholds, and if so which kind.
func classify(sig signal, cfg Config) (Kind, bool) {
	cpuPressure := sig.cpuUsedFraction >= cfg.CPUThreshold
	memPressure := sig.memUsedFraction >= cfg.MemThreshold
	switch {
	case cpuPressure && memPressure:
		return KindBoth, true
	case memPressure:
		return KindMem, true
	case cpuPressure:
		return KindCPU, true
	default:
		return 0, false
	}
}

// deficitResource estimates how much of the over-threshold resource
// needs to move off this node as a tenth of the amount currently in use
// (spec.md §4.6: "choose a batch whose summed resource is >= the
// deficit").
func deficitResource(kind Kind, sig signal) wire.Resource {
	var need wire.Resource
	if kind == KindCPU || kind == KindBoth {
		need.Cores = sig.cpuUsedFraction * sig.totalCores * 0.1
	}
	if kind == KindMem || kind == KindBoth {
		need.MemMBs = uint64(sig.memUsedFraction * float64(sig.totalMemMBs) * 0.1)
	}
	return need
}
