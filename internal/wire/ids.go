// Package wire defines the types that cross the network: proclet and LP
// identifiers, RPC kind discriminators, request/response payloads and the
// framing codec used by internal/rpcfabric and internal/migrate.
package wire

import "fmt"

// LPID identifies a logical process. 0 means "allocate one".
type LPID uint16

// ProcletID is the base address of a proclet's heap segment. Per the
// address plan (internal/addrplan) this value always falls inside the
// proclet-heap region; it is never dereferenced directly in this package,
// only validated and compared. See addrplan.Plan.ContainsProcletID.
type ProcletID uint64

func (id ProcletID) String() string {
	return fmt.Sprintf("proclet:%#x", uint64(id))
}

// NodeIP identifies a server process. The controller never resolves DNS;
// callers pass the dialable host:port string the RPC fabric listens on.
type NodeIP string

// MethodID identifies a method within a proclet's registered type. The
// core does not interpret method bodies; it only routes (ProcletID,
// MethodID, args) tuples.
type MethodID uint32
