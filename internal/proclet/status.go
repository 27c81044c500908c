// Package proclet implements the proclet manager (spec.md §4.2, C4):
// the per-node registry of proclet state, the status state machine, and
// the primitives (RCU lock, blocked-syncer registry, CPU load estimator)
// a proclet carries for its own lifetime.
package proclet

import "fmt"

// Status is one of the proclet lifecycle states of spec.md §4.2. It is
// stored as one atomic int32 per proclet in a process-wide StatusTable so
// it is addressable on every node regardless of residence (spec.md §3
// invariant 1, Design Notes "Global status byte array").
type Status int32

const (
	Absent Status = iota
	Populating
	Depopulating
	Cleaning
	Migrating
	Present
	Destructing
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Populating:
		return "Populating"
	case Depopulating:
		return "Depopulating"
	case Cleaning:
		return "Cleaning"
	case Migrating:
		return "Migrating"
	case Present:
		return "Present"
	case Destructing:
		return "Destructing"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// validTransitions encodes the state machine diagram of spec.md §4.2.
// A transition not listed here is a protocol violation (wire.ErrFatal).
var validTransitions = map[Status][]Status{
	Absent:       {Populating, Present},
	Populating:   {Present, Depopulating},
	Present:      {Migrating, Destructing},
	// Migrating normally only advances to Cleaning once the destination
	// has taken ownership; the back edge to Present exists for
	// destination denial/rollback (spec.md §4.3 "destination
	// denial/rollback"), when the source keeps serving the proclet.
	Migrating:    {Cleaning, Present},
	Cleaning:     {Absent},
	Destructing:  {Absent},
	Depopulating: {Absent},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// step in the proclet status state machine.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
