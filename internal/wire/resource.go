package wire

// Resource is a coarse free-capacity snapshot, reported by nodes and
// compared against migration-batch footprints by the controller's
// acquire_migration_dest two-pass search (spec.md §4.4).
type Resource struct {
	Cores  float64
	MemMBs uint64
}

// GreaterOrEqual reports whether r has at least as much of both
// dimensions as need.
func (r Resource) GreaterOrEqual(need Resource) bool {
	return r.Cores >= need.Cores && r.MemMBs >= need.MemMBs
}

// Sub returns r - other, clamped at zero in both dimensions.
func (r Resource) Sub(other Resource) Resource {
	out := Resource{Cores: r.Cores - other.Cores}
	if out.Cores < 0 {
		out.Cores = 0
	}
	if other.MemMBs >= r.MemMBs {
		out.MemMBs = 0
	} else {
		out.MemMBs = r.MemMBs - other.MemMBs
	}
	return out
}

// Add returns the element-wise sum of r and other.
func (r Resource) Add(other Resource) Resource {
	return Resource{Cores: r.Cores + other.Cores, MemMBs: r.MemMBs + other.MemMBs}
}
