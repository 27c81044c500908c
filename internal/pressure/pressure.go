// Package pressure implements the pressure handler of spec.md §4.6: a
// low-priority periodic task that watches this node's own CPU/memory
// pressure, ranks local proclets by migration utility, and drives
// internal/migrate to relocate enough of them to relieve the signal.
package pressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/migrate"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/wire"
)

// Config tunes the handler. Zero values fall back to the defaults set
// by New.
type Config struct {
	// Interval is how often the OS pressure signal is sampled (spec.md
	// §9: CPU-load sampling interval is a tunable, not a fixed
	// constant).
	Interval time.Duration

	// CPUThreshold/MemThreshold are the fractions (0-1) of total
	// capacity above which this node reports cpu/mem pressure.
	CPUThreshold float64
	MemThreshold float64

	// FixedCost and LineRateBytesPerSec parameterize the mem_utility
	// and cpu_utility formulas of spec.md §4.6.
	FixedCost           float64
	LineRateBytesPerSec float64

	// MaxDestAttempts bounds how many candidate destinations one
	// pressure episode will cycle through before giving up (scenario 5,
	// spec.md §8: a short migration blacklists its destination and
	// retries acquire_migration_dest, not forever).
	MaxDestAttempts int
}

const (
	defaultInterval            = 2 * time.Second
	defaultCPUThreshold        = 0.85
	defaultMemThreshold        = 0.85
	defaultFixedCost           = 1.0
	defaultLineRateBytesPerSec = 1 << 30 // 1 GB/s, a generic NIC/memcpy line rate
	defaultMaxDestAttempts     = 4
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = defaultCPUThreshold
	}
	if c.MemThreshold <= 0 {
		c.MemThreshold = defaultMemThreshold
	}
	if c.FixedCost <= 0 {
		c.FixedCost = defaultFixedCost
	}
	if c.LineRateBytesPerSec <= 0 {
		c.LineRateBytesPerSec = defaultLineRateBytesPerSec
	}
	if c.MaxDestAttempts <= 0 {
		c.MaxDestAttempts = defaultMaxDestAttempts
	}
	return c
}

// Handler is the per-node pressure handler (component C10).
type Handler struct {
	log  hclog.Logger
	self wire.NodeIP
	lpid wire.LPID

	manager  *proclet.Manager
	ctrl     *ctrlclient.Client
	migrator *migrate.Migrator
	cfg      Config

	sample func() (signal, error)

	wg sync.WaitGroup
}

func New(log hclog.Logger, self wire.NodeIP, lpid wire.LPID, manager *proclet.Manager, ctrl *ctrlclient.Client, migrator *migrate.Migrator, cfg Config) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		log:      log,
		self:     self,
		lpid:     lpid,
		manager:  manager,
		ctrl:     ctrl,
		migrator: migrator,
		cfg:      cfg,
		sample:   sampleHostPressure,
	}
}

// Run polls the OS pressure signal every cfg.Interval until ctx is
// cancelled, spawning one migration episode per signal it observes
// (spec.md §4.6 "on a pressure signal... call migrate(batch)").
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sig, err := h.sample()
			if err != nil {
				h.log.Warn("pressure: sampling host signal failed", "error", err)
				continue
			}
			kind, ok := classify(sig, h.cfg)
			if !ok {
				continue
			}
			h.runEpisode(ctx, kind, sig)
		}
	}
}

// runEpisode selects a migration batch for one observed pressure signal
// and drives it to completion in the background, so a slow migration
// doesn't delay the next sampling tick.
func (h *Handler) runEpisode(ctx context.Context, kind Kind, sig signal) {
	candidates := h.rankCandidates(kind)
	if len(candidates) == 0 {
		return
	}
	deficit := deficitResource(kind, sig)
	batch := selectBatch(candidates, deficit)
	if len(batch) == 0 {
		return
	}
	ids := make([]wire.ProcletID, len(batch))
	for i, p := range batch {
		ids[i] = p.ID
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.handleEpisode(ctx, kind, ids); err != nil {
			h.log.Warn("pressure: migration episode failed", "kind", kind, "error", err)
		}
	}()
}

// handleEpisode implements spec.md §4.6/§8 scenario 5: acquire a
// destination, hand it the batch, and if the migrator moved fewer
// proclets than requested, blacklist that destination for the rest of
// this episode and try acquire_migration_dest again.
func (h *Handler) handleEpisode(ctx context.Context, kind Kind, ids []wire.ProcletID) error {
	episodeBlacklist := make(map[wire.NodeIP]bool)
	remaining := ids
	hasMemPressure := kind == KindMem || kind == KindBoth

	for attempt := 0; attempt < h.cfg.MaxDestAttempts && len(remaining) > 0; attempt++ {
		need := h.resourceFor(remaining)
		resp, err := h.ctrl.AcquireMigrationDest(ctx, wire.AcquireMigrationDestRequest{
			LPID:           h.lpid,
			SrcIP:          h.self,
			HasMemPressure: hasMemPressure,
			Resource:       need,
		})
		if err != nil {
			return fmt.Errorf("pressure: acquire_migration_dest: %w", err)
		}
		if !resp.OK {
			return nil // no destination currently available; try again next tick
		}
		if episodeBlacklist[resp.NodeIP] || h.migrator.Blacklist.Contains(resp.NodeIP) {
			h.release(ctx, resp.NodeIP)
			continue
		}

		sendErr := h.migrator.SendBatch(ctx, resp.NodeIP, hasMemPressure, remaining)
		h.release(ctx, resp.NodeIP)
		if sendErr != nil {
			h.log.Warn("pressure: batch to destination failed", "dest", resp.NodeIP, "error", sendErr)
		}

		stillHere := h.filterStillPresent(remaining)
		if len(stillHere) > 0 {
			episodeBlacklist[resp.NodeIP] = true
		}
		remaining = stillHere
	}
	return nil
}

func (h *Handler) release(ctx context.Context, ip wire.NodeIP) {
	if err := h.ctrl.ReleaseNode(ctx, wire.ReleaseNodeRequest{LPID: h.lpid, IP: ip}); err != nil {
		h.log.Warn("pressure: release_node failed", "ip", ip, "error", err)
	}
}

// filterStillPresent keeps only the ids that did not end up migrated
// away, i.e. the ones a partial denial or transfer failure left Present
// on this node.
func (h *Handler) filterStillPresent(ids []wire.ProcletID) []wire.ProcletID {
	out := make([]wire.ProcletID, 0, len(ids))
	for _, id := range ids {
		if h.manager.Status.Get(id) == proclet.Present {
			out = append(out, id)
		}
	}
	return out
}

// resourceFor sums the footprint of a candidate batch for the
// acquire_migration_dest request (spec.md §4.4).
func (h *Handler) resourceFor(ids []wire.ProcletID) wire.Resource {
	var need wire.Resource
	for _, id := range ids {
		p, ok := h.manager.Get(id)
		if !ok {
			continue
		}
		need.MemMBs += p.HeapSize() / (1 << 20)
		need.Cores += p.CPULoad.Load()
	}
	return need
}

// Close waits for any in-flight episodes spawned by Run to finish.
func (h *Handler) Close() { h.wg.Wait() }
