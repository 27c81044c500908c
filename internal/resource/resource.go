// Package resource implements the resource reporter of spec.md §4.6: a
// periodic task that pushes this node's free {cores, mem_mbs} to the
// controller and keeps the controller's reply (the full per-node free-
// resource view) around for local consumers, e.g. a placement decision
// that wants to see the cluster's state without its own round trip.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/wire"
)

const defaultInterval = 3 * time.Second

// Reporter is component C11.
type Reporter struct {
	log      hclog.Logger
	self     wire.NodeIP
	lpid     wire.LPID
	ctrl     *ctrlclient.Client
	interval time.Duration
	sample   func() (wire.Resource, error)

	mu       sync.RWMutex
	lastView []wire.NodeResource
}

// New creates a Reporter. interval <= 0 uses the default (spec.md §9:
// the reporting interval is a tunable, not a fixed constant).
func New(log hclog.Logger, self wire.NodeIP, lpid wire.LPID, ctrl *ctrlclient.Client, interval time.Duration) *Reporter {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reporter{
		log:      log,
		self:     self,
		lpid:     lpid,
		ctrl:     ctrl,
		interval: interval,
		sample:   sampleFreeResource,
	}
}

// Run sends a report every interval until ctx is cancelled (spec.md
// §4.6 "every few seconds sends report_free_resource and stores the
// returned global view for local consumption").
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reportOnce(ctx); err != nil {
				r.log.Warn("resource: report_free_resource failed", "error", err)
			}
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	free, err := r.sample()
	if err != nil {
		return fmt.Errorf("resource: sample free resource: %w", err)
	}
	resp, err := r.ctrl.ReportFreeResource(ctx, wire.ReportFreeResourceRequest{
		LPID:     r.lpid,
		IP:       r.self,
		Resource: free,
	})
	if err != nil {
		return fmt.Errorf("resource: report_free_resource rpc: %w", err)
	}
	r.mu.Lock()
	r.lastView = resp.Nodes
	r.mu.Unlock()
	return nil
}

// GlobalView returns the most recently received cluster-wide
// free-resource snapshot, or an empty slice if no report has completed
// yet.
func (r *Reporter) GlobalView() []wire.NodeResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.NodeResource, len(r.lastView))
	copy(out, r.lastView)
	return out
}

// sampleFreeResource reads real free capacity via gopsutil
// (SPEC_FULL.md §3: "resource.Reporter... read real cpu.Percent/
// mem.VirtualMemory samples instead of stubs").
func sampleFreeResource() (wire.Resource, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return wire.Resource{}, fmt.Errorf("mem.VirtualMemory: %w", err)
	}
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return wire.Resource{}, fmt.Errorf("cpu.Percent: %w", err)
	}
	usedFraction := 0.0
	if len(percents) > 0 {
		usedFraction = percents[0] / 100
	}
	freeCores := float64(runtime.NumCPU()) * (1 - usedFraction)
	if freeCores < 0 {
		freeCores = 0
	}
	return wire.Resource{
		Cores:  freeCores,
		MemMBs: vm.Available / (1 << 20),
	}, nil
}
