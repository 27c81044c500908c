package controller

import "github.com/hashicorp/go-memdb"

// schema defines the two tables backed by go-memdb: a snapshot-readable
// mirror of node registrations and the proclet location directory
// (spec.md §3 "Location directory entry", §4.4). Every write to these
// tables happens inside Service.mu, matching spec.md §4.4 "All
// operations are serialized behind a single controller mutex"; memdb is
// used for its indexed, copy-on-write snapshots so readers (resolve,
// future watches) never block behind allocate/migrate paths instead of
// for any concurrency it would add on its own.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"nodes": {
				Name: "nodes",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "IP"},
					},
					"lpid": {
						Name:    "lpid",
						Indexer: &memdb.UintFieldIndex{Field: "LPID"},
					},
				},
			},
			"location": {
				Name: "location",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ProcletID"},
					},
				},
			},
		},
	}
}

// nodeRow is the memdb row shape for the "nodes" table.
type nodeRow struct {
	IP       string
	LPID     uint64
	Isolated bool
	Acquired bool
	Cores    float64
	MemMBs   uint64
	// Reported is false until the first report_free_resource for this
	// node lands, so that first report is taken as-is rather than EWMA
	// blended against the zero value Cores/MemMBs start at.
	Reported bool
}

// locationRow is the memdb row shape for the "location" table.
type locationRow struct {
	ProcletID uint64
	NodeIP    string
}
