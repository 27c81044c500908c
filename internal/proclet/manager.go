package proclet

import (
	"sync"

	"github.com/nu-lp/corelp/internal/wire"
)

// Manager tracks the set of proclets currently (or about to be) present
// on this node and drives their status transitions (spec.md §4.2, C4).
// The global registry is a simple mutex-guarded list with a counter,
// exactly as spec.md describes; per-proclet spinlocks guard individual
// transitions so the registry lock is never held across one.
type Manager struct {
	Status *StatusTable

	mu    sync.Mutex
	byID  map[wire.ProcletID]*Proclet
	count int
}

func NewManager(status *StatusTable) *Manager {
	return &Manager{Status: status, byID: make(map[wire.ProcletID]*Proclet)}
}

// Setup transitions an already-built Proclet's status to
// Present (local create) or leaves it at Populating when from_migration
// is true, mirroring original_source/inc/nu/proclet_mgr.hpp::setup's
// from_migration parameter.
func (m *Manager) Setup(p *Proclet, fromMigration bool) {
	p.Spin().Lock()
	defer p.Spin().Unlock()
	if fromMigration {
		m.Status.Transition(p.ID, Absent, Populating)
	} else {
		m.Status.Transition(p.ID, Absent, Present)
	}
}

// Insert adds p to the local present-proclet registry (spec.md §4.2
// ProcletManager.insert). Called once a proclet has reached Present,
// either via local creation or migration-in finalization.
func (m *Manager) Insert(p *Proclet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[p.ID]; !exists {
		m.count++
	}
	m.byID[p.ID] = p
}

// Cleanup removes p from the local registry without touching its
// status; callers invoke it while the proclet is Cleaning (after a
// migration) or Destructing. forMigration does not change what it does.
func (m *Manager) Cleanup(p *Proclet, forMigration bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[p.ID]; exists {
		delete(m.byID, p.ID)
		m.count--
	}
}

// removeFor is the shared test-and-set helper behind
// RemoveForMigration/RemoveForDestruction (spec.md §4.2
// "remove_for_* is a test-and-set from Present to the new status").
func (m *Manager) removeFor(id wire.ProcletID, newStatus Status) bool {
	p, ok := m.Get(id)
	if !ok {
		return false
	}
	p.Spin().Lock()
	defer p.Spin().Unlock()
	return m.Status.Transition(id, Present, newStatus)
}

// RemoveForMigration attempts Present -> Migrating. False means the
// proclet was not Present at the moment of the attempt (it may have
// just been destructed, or a concurrent migration already claimed it);
// the migrator drops such an id from the batch manifest (spec.md §4.3
// step 4a).
func (m *Manager) RemoveForMigration(id wire.ProcletID) bool {
	return m.removeFor(id, Migrating)
}

// RemoveForDestruction attempts Present -> Destructing, used when
// RefCnt reaches zero (spec.md §3 invariant 3).
func (m *Manager) RemoveForDestruction(id wire.ProcletID) bool {
	return m.removeFor(id, Destructing)
}

// Get returns the local Proclet record for id, if this node currently
// tracks one (present, populating, migrating, cleaning, or
// destructing).
func (m *Manager) Get(id wire.ProcletID) (*Proclet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	return p, ok
}

// AllProclets returns every locally tracked proclet (spec.md §4.2
// ProcletManager.all_proclets), used by the pressure handler to build
// its utility-sorted candidate sets.
func (m *Manager) AllProclets() []*Proclet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Proclet, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// GetInfo runs fn against header only while its status is Present,
// matching spec.md's get_info(header, fn) -> Option<R> contract: the
// call and the status check happen under the same spinlock so fn never
// observes a proclet mid-transition.
func GetInfo[R any](m *Manager, id wire.ProcletID, fn func(*Proclet) R) (R, bool) {
	var zero R
	p, ok := m.Get(id)
	if !ok {
		return zero, false
	}
	p.Spin().Lock()
	defer p.Spin().Unlock()
	if m.Status.Get(id) != Present {
		return zero, false
	}
	return fn(p), true
}
