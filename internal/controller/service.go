// Package controller implements the singleton directory service
// described in spec.md C6/§4.4: LP registration, the free-proclet-id
// (heap-segment) allocator, the proclet-to-node location directory,
// migration-destination selection, and node acquire/release locks.
// Mutating operations are serialized behind Service.mu. ResolveProclet
// takes no lock: it reads a go-memdb copy-on-write snapshot of the
// location table. DestroyLP releases Service.mu while it waits for the
// LP's nodes to release their acquire locks and while it sends the
// shutdown fanout.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	multierror "github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/wire"
)

// releasePollInterval is how often DestroyLP re-checks whether every
// node under an LP has released its acquire lock.
const releasePollInterval = 20 * time.Millisecond

// ewmaWeight smooths report_free_resource updates against a node's
// prior reading (original_source/inc/nu/ctrl.hpp kEWMAWeight), so one
// noisy sample doesn't make a node look transiently free or pinned for
// acquire_migration_dest's two-pass search.
const ewmaWeight = 0.25

// lpState is the controller's bookkeeping for one logical process.
type lpState struct {
	imageHash  [16]byte
	runID      string
	destroying bool
	segments   *segmentAllocator
	plan       *addrplan.Plan

	// stackBase is the next unused stack-cluster base handed out by
	// register_node (spec.md §6 stack cluster region).
	stackBase uint64

	// placement round-robins over non-isolated, currently-registered
	// nodes for plain (no ip_hint, no prev_host) allocate_proclet
	// requests (spec.md "placement = ip_hint > prev_host >
	// round-robin over non-isolated nodes").
	placementOrder []wire.NodeIP
	rrNext         int
}

// Service is the controller. One Service is the single source of
// truth for every LP it has registered nodes for.
type Service struct {
	log  hclog.Logger
	plan *addrplan.Plan

	mu sync.Mutex
	db *memdb.MemDB

	nextLPID wire.LPID
	lps      map[wire.LPID]*lpState

	// shutdown sends wire.KindShutdown to one node, set by the binary
	// wiring this Service to a live rpcfabric.Client (SetShutdownFunc).
	// Left nil in tests that never exercise destroy_lp's shutdown fanout.
	shutdown func(ctx context.Context, ip wire.NodeIP, lpid wire.LPID) error
}

// SetShutdownFunc installs the callback DestroyLP uses to tell a node
// to shut down (spec.md §4.4 destroy_lp, §6 wire.KindShutdown). Callers
// wire this to an rpcfabric.Client dialing wire.KindShutdown once the
// controller's own RPC listener is up.
func (s *Service) SetShutdownFunc(f func(ctx context.Context, ip wire.NodeIP, lpid wire.LPID) error) {
	s.shutdown = f
}

// New creates a Service using plan as the address layout handed to
// every registering node (spec.md "Address plan stability": identical
// across all LP nodes).
func New(log hclog.Logger, plan *addrplan.Plan) (*Service, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("controller: build memdb: %w", err)
	}
	return &Service{
		log:      log,
		plan:     plan,
		db:       db,
		nextLPID: 1,
		lps:      make(map[wire.LPID]*lpState),
	}, nil
}

// RegisterNode implements spec.md §4.4 register_node.
func (s *Service) RegisterNode(req wire.RegisterNodeRequest) (wire.RegisterNodeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lpid := req.LPID
	lp, exists := s.lps[lpid]

	if lpid == 0 {
		lpid = s.nextLPID
		s.nextLPID++
		runID, err := uuid.GenerateUUID()
		if err != nil {
			return wire.RegisterNodeResponse{}, fmt.Errorf("controller: generate run id: %w", err)
		}
		lp = &lpState{
			imageHash: req.ImageHash,
			runID:     runID,
			segments:  newSegmentAllocator(s.plan),
			plan:      s.plan,
			stackBase: s.plan.RuntimeHeapEnd, // stack clusters are handed out above the runtime heap
		}
		s.lps[lpid] = lp
		s.log.Info("lp registered", "lpid", lpid, "run_id", runID)
	} else if !exists {
		return wire.RegisterNodeResponse{}, fmt.Errorf("controller: unknown lpid %d", lpid)
	} else if lp.destroying {
		return wire.RegisterNodeResponse{}, fmt.Errorf("controller: lpid %d is being destroyed", lpid)
	} else if lp.imageHash != req.ImageHash {
		// Open question (spec.md §9) resolved: reject on mismatch
		// rather than silently accepting a node running different code.
		return wire.RegisterNodeResponse{}, fmt.Errorf("controller: image hash mismatch for lpid %d", lpid)
	}

	base := lp.stackBase
	lp.stackBase += s.plan.StackClusterLen

	txn := s.db.Txn(true)
	if err := txn.Insert("nodes", &nodeRow{IP: string(req.IP), LPID: uint64(lpid), Isolated: req.Isolated}); err != nil {
		txn.Abort()
		return wire.RegisterNodeResponse{}, fmt.Errorf("controller: insert node: %w", err)
	}
	txn.Commit()

	if !req.Isolated {
		lp.placementOrder = append(lp.placementOrder, req.IP)
	}

	s.log.Debug("node registered", "lpid", lpid, "ip", req.IP, "isolated", req.Isolated)
	return wire.RegisterNodeResponse{
		OK:               true,
		LPID:             lpid,
		StackClusterBase: base,
		StackClusterLen:  s.plan.StackClusterLen,
	}, nil
}

// AllocateProclet implements spec.md §4.4 allocate_proclet.
func (s *Service) AllocateProclet(req wire.AllocateProcletRequest) (wire.AllocateProcletResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp, ok := s.lps[req.LPID]
	if !ok || lp.destroying {
		return wire.AllocateProcletResponse{}, nil
	}

	base, prevHost, ok := lp.segments.alloc(req.Capacity)
	if !ok {
		return wire.AllocateProcletResponse{}, nil
	}

	node, ok := s.pickPlacement(lp, req.IPHint, prevHost)
	if !ok {
		lp.segments.freeSegment(base, req.Capacity, "")
		return wire.AllocateProcletResponse{}, nil
	}

	if err := s.setLocation(req.LPID, wire.ProcletID(base), node); err != nil {
		lp.segments.freeSegment(base, req.Capacity, "")
		return wire.AllocateProcletResponse{}, err
	}

	return wire.AllocateProcletResponse{OK: true, ProcletID: wire.ProcletID(base), NodeIP: node}, nil
}

// pickPlacement implements "placement = ip_hint > prev_host >
// round-robin over non-isolated nodes" (spec.md §4.4), skipping any
// candidate that is not a currently-registered, non-isolated node of
// this LP.
func (s *Service) pickPlacement(lp *lpState, ipHint, prevHost wire.NodeIP) (wire.NodeIP, bool) {
	if ipHint != "" && s.nodeEligible(lp, ipHint) {
		return ipHint, true
	}
	if prevHost != "" && s.nodeEligible(lp, prevHost) {
		return prevHost, true
	}
	if len(lp.placementOrder) == 0 {
		return "", false
	}
	for i := 0; i < len(lp.placementOrder); i++ {
		idx := (lp.rrNext + i) % len(lp.placementOrder)
		candidate := lp.placementOrder[idx]
		if s.nodeEligible(lp, candidate) {
			lp.rrNext = (idx + 1) % len(lp.placementOrder)
			return candidate, true
		}
	}
	return "", false
}

func (s *Service) nodeEligible(lp *lpState, ip wire.NodeIP) bool {
	txn := s.db.Txn(false)
	raw, err := txn.First("nodes", "id", string(ip))
	if err != nil || raw == nil {
		return false
	}
	row := raw.(*nodeRow)
	return !row.Isolated
}

// DestroyProclet implements spec.md §4.4 destroy_proclet.
func (s *Service) DestroyProclet(req wire.DestroyProcletRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp, ok := s.lps[req.LPID]
	if !ok {
		return fmt.Errorf("controller: unknown lpid %d", req.LPID)
	}
	lp.segments.freeSegment(uint64(req.ProcletID), req.Capacity, req.LastHost)

	txn := s.db.Txn(true)
	if _, err := txn.DeleteAll("location", "id", uint64(req.ProcletID)); err != nil {
		txn.Abort()
		return fmt.Errorf("controller: delete location: %w", err)
	}
	txn.Commit()
	return nil
}

// ResolveProclet implements spec.md §4.4 resolve_proclet.
func (s *Service) ResolveProclet(req wire.ResolveProcletRequest) wire.ResolveProcletResponse {
	txn := s.db.Txn(false)
	raw, err := txn.First("location", "id", uint64(req.ProcletID))
	if err != nil || raw == nil {
		return wire.ResolveProcletResponse{}
	}
	return wire.ResolveProcletResponse{NodeIP: wire.NodeIP(raw.(*locationRow).NodeIP)}
}

// UpdateLocation implements spec.md §4.4 update_location.
func (s *Service) UpdateLocation(req wire.UpdateLocationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocation(req.LPID, req.ProcletID, req.NodeIP)
}

func (s *Service) setLocation(lpid wire.LPID, id wire.ProcletID, ip wire.NodeIP) error {
	txn := s.db.Txn(true)
	if err := txn.Insert("location", &locationRow{ProcletID: uint64(id), NodeIP: string(ip)}); err != nil {
		txn.Abort()
		return fmt.Errorf("controller: set location: %w", err)
	}
	txn.Commit()
	return nil
}

// AcquireMigrationDest implements spec.md §4.4 acquire_migration_dest's
// two-pass search: pass 1 requires both enough cpu and mem on a
// non-source, non-isolated, non-acquired node; pass 2 (only tried under
// memory pressure) relaxes the cpu test.
func (s *Service) AcquireMigrationDest(req wire.AcquireMigrationDestRequest) (wire.AcquireMigrationDestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lps[req.LPID]; !ok {
		return wire.AcquireMigrationDestResponse{}, nil
	}

	if node, free, ok := s.findMigrationDest(req, false); ok {
		return s.acquireNodeLocked(req.LPID, node, free)
	}
	if req.HasMemPressure {
		if node, free, ok := s.findMigrationDest(req, true); ok {
			return s.acquireNodeLocked(req.LPID, node, free)
		}
	}
	return wire.AcquireMigrationDestResponse{}, nil
}

func (s *Service) findMigrationDest(req wire.AcquireMigrationDestRequest, relaxCPU bool) (wire.NodeIP, wire.Resource, bool) {
	txn := s.db.Txn(false)
	it, err := txn.Get("nodes", "lpid", uint64(req.LPID))
	if err != nil {
		return "", wire.Resource{}, false
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*nodeRow)
		if row.IP == string(req.SrcIP) || row.Isolated || row.Acquired {
			continue
		}
		free := wire.Resource{Cores: row.Cores, MemMBs: row.MemMBs}
		memOK := free.MemMBs >= req.Resource.MemMBs
		cpuOK := relaxCPU || free.Cores >= req.Resource.Cores
		if memOK && cpuOK {
			return wire.NodeIP(row.IP), free, true
		}
	}
	return "", wire.Resource{}, false
}

func (s *Service) acquireNodeLocked(lpid wire.LPID, ip wire.NodeIP, free wire.Resource) (wire.AcquireMigrationDestResponse, error) {
	if err := s.setAcquired(ip, true); err != nil {
		return wire.AcquireMigrationDestResponse{}, err
	}
	return wire.AcquireMigrationDestResponse{OK: true, NodeIP: ip, FreeResource: free}, nil
}

// AcquireNode/ReleaseNode implement spec.md §4.4's generic node-acquire
// locks used outside migration-destination selection too (e.g. holding
// a node still while a controller-driven operation spans more than one
// RPC).
func (s *Service) AcquireNode(req wire.AcquireNodeRequest) (wire.AcquireNodeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(false)
	raw, err := txn.First("nodes", "id", string(req.IP))
	if err != nil || raw == nil {
		return wire.AcquireNodeResponse{}, nil
	}
	if raw.(*nodeRow).Acquired {
		return wire.AcquireNodeResponse{}, nil
	}
	if err := s.setAcquired(req.IP, true); err != nil {
		return wire.AcquireNodeResponse{}, err
	}
	return wire.AcquireNodeResponse{OK: true}, nil
}

func (s *Service) ReleaseNode(req wire.ReleaseNodeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAcquired(req.IP, false)
}

func (s *Service) setAcquired(ip wire.NodeIP, acquired bool) error {
	txn := s.db.Txn(true)
	raw, err := txn.First("nodes", "id", string(ip))
	if err != nil {
		txn.Abort()
		return fmt.Errorf("controller: lookup node %s: %w", ip, err)
	}
	if raw == nil {
		txn.Abort()
		return fmt.Errorf("controller: unknown node %s", ip)
	}
	row := *raw.(*nodeRow)
	row.Acquired = acquired
	if err := txn.Insert("nodes", &row); err != nil {
		txn.Abort()
		return fmt.Errorf("controller: update node %s: %w", ip, err)
	}
	txn.Commit()
	return nil
}

// ReportFreeResource implements spec.md §4.4 report_free_resource:
// nodes periodically push their free {cores, mem_mbs}, EWMA-smoothed
// against the node's prior reading (ewmaWeight); the controller answers
// with a full snapshot of every node's latest smoothed report, which
// the caller's resource.Reporter keeps as its GlobalView.
func (s *Service) ReportFreeResource(req wire.ReportFreeResourceRequest) (wire.ReportFreeResourceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	raw, err := txn.First("nodes", "id", string(req.IP))
	if err != nil || raw == nil {
		txn.Abort()
		return wire.ReportFreeResourceResponse{}, fmt.Errorf("controller: unknown node %s", req.IP)
	}
	row := *raw.(*nodeRow)
	if !row.Reported {
		row.Cores = req.Resource.Cores
		row.MemMBs = req.Resource.MemMBs
		row.Reported = true
	} else {
		row.Cores = ewmaWeight*req.Resource.Cores + (1-ewmaWeight)*row.Cores
		row.MemMBs = uint64(ewmaWeight*float64(req.Resource.MemMBs) + (1-ewmaWeight)*float64(row.MemMBs))
	}
	if err := txn.Insert("nodes", &row); err != nil {
		txn.Abort()
		return wire.ReportFreeResourceResponse{}, fmt.Errorf("controller: update resource: %w", err)
	}
	txn.Commit()

	readTxn := s.db.Txn(false)
	it, err := readTxn.Get("nodes", "lpid", uint64(req.LPID))
	if err != nil {
		return wire.ReportFreeResourceResponse{}, fmt.Errorf("controller: scan nodes: %w", err)
	}
	var resp wire.ReportFreeResourceResponse
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*nodeRow)
		resp.Nodes = append(resp.Nodes, wire.NodeResource{
			IP:       wire.NodeIP(r.IP),
			Resource: wire.Resource{Cores: r.Cores, MemMBs: r.MemMBs},
		})
	}
	return resp, nil
}

// DestroyLP implements spec.md §4.4 destroy_lp: marks the LP so no
// further register_node/allocate_proclet succeeds, waits until every
// node registered under it has released its acquire lock, tells each
// of them to shut down (wire.KindShutdown), then drops its node rows
// and reclaims the lpid. Proclets themselves are expected to have
// already been torn down by the requester before calling this.
func (s *Service) DestroyLP(ctx context.Context, req wire.DestroyLPRequest) error {
	s.mu.Lock()
	lp, ok := s.lps[req.LPID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("controller: unknown lpid %d", req.LPID)
	}
	lp.destroying = true
	s.mu.Unlock()

	if err := s.waitForRelease(ctx, req.LPID); err != nil {
		return fmt.Errorf("controller: destroy_lp wait for node release: %w", err)
	}

	var shutdownErr error
	if s.shutdown != nil {
		for _, ip := range s.lpNodes(req.LPID) {
			if err := s.shutdown(ctx, ip, req.LPID); err != nil {
				shutdownErr = multierror.Append(shutdownErr, fmt.Errorf("shut down %s: %w", ip, err))
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	if _, err := txn.DeleteAll("nodes", "lpid", uint64(req.LPID)); err != nil {
		txn.Abort()
		return fmt.Errorf("controller: delete nodes: %w", err)
	}
	txn.Commit()

	delete(s.lps, req.LPID)
	s.log.Info("lp destroyed", "lpid", req.LPID, "requester", req.RequesterIP)
	return shutdownErr
}

// waitForRelease polls until no node under lpid is still acquired,
// releasing s.mu between checks so AcquireNode/ReleaseNode (which also
// take s.mu) can keep making progress while destroy_lp waits.
func (s *Service) waitForRelease(ctx context.Context, lpid wire.LPID) error {
	if !s.anyAcquired(lpid) {
		return nil
	}
	ticker := time.NewTicker(releasePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.anyAcquired(lpid) {
				return nil
			}
		}
	}
}

func (s *Service) anyAcquired(lpid wire.LPID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	it, err := txn.Get("nodes", "lpid", uint64(lpid))
	if err != nil {
		return false
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*nodeRow).Acquired {
			return true
		}
	}
	return false
}

// lpNodes snapshots the IPs currently registered under lpid.
func (s *Service) lpNodes(lpid wire.LPID) []wire.NodeIP {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(false)
	it, err := txn.Get("nodes", "lpid", uint64(lpid))
	if err != nil {
		return nil
	}
	var nodes []wire.NodeIP
	for raw := it.Next(); raw != nil; raw = it.Next() {
		nodes = append(nodes, wire.NodeIP(raw.(*nodeRow).IP))
	}
	return nodes
}
