package migrate

import (
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/nu-lp/corelp/internal/wire"
)

// Blacklist is the set of nodes a migrator has given up on as migration
// destinations, populated when a node denies an entire batch (spec.md
// §4.3 "destination denial/rollback"); a failed dial or handshake does
// not add a node. internal/pressure checks the destination the
// controller returns against it and releases a blacklisted one, so an
// overloaded node isn't retried every pressure tick.
type Blacklist struct {
	mu   sync.Mutex
	deny *set.Set[wire.NodeIP]
}

func NewBlacklist() *Blacklist {
	return &Blacklist{deny: set.New[wire.NodeIP](0)}
}

func (b *Blacklist) Add(ip wire.NodeIP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deny.Insert(ip)
}

func (b *Blacklist) Remove(ip wire.NodeIP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deny.Remove(ip)
}

func (b *Blacklist) Contains(ip wire.NodeIP) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deny.Contains(ip)
}

// Snapshot returns every currently blacklisted node, for a caller that
// wants to exclude them all from a single placement decision.
func (b *Blacklist) Snapshot() []wire.NodeIP {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deny.Slice()
}

// Reset clears the blacklist, e.g. when a periodic pressure sweep wants
// to give previously-denying nodes another chance.
func (b *Blacklist) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deny = set.New[wire.NodeIP](0)
}
