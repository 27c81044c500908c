package wire

// MigrateBatchHeader is written once per migration batch on the
// dedicated migration connection's control stream (spec.md §4.3 step 2).
type MigrateBatchHeader struct {
	HasMemPressure bool
	Count          int
	Proclets       []ProcletManifest
}

// ProcletManifest describes one proclet in a migration batch before any
// bytes are transferred, letting the destination mmap/approve segments
// up front (spec.md §4.3 step 2-3).
type ProcletManifest struct {
	ProcletID ProcletID
	Capacity  uint64
	Size      uint64
}

// CopyProclet describes one chunk of a proclet's heap (spec.md §4.3 step
// 4d). internal/migrate does not use it: it sends each proclet's whole
// payload as one OpCopyProclet body on that proclet's own yamux stream.
type CopyProclet struct {
	ProcletID  ProcletID
	ChunkIndex int
	ChunkCount int
	Offset     uint64
	Data       []byte
}

// SkipProclet names a proclet whose remove_for_migration test-and-set
// failed. internal/migrate does not send it: such a proclet is left out
// of the batch manifest instead.
type SkipProclet struct {
	ProcletID ProcletID
}

// BlockedMutex describes one mutex with a non-empty waiter queue,
// transferred so the destination can re-link waiters (spec.md §4.3
// step 4e).
type BlockedMutex struct {
	Addr    uint64
	Waiters []ThreadSnapshot
}

// BlockedCondVar mirrors BlockedMutex for condition variables.
type BlockedCondVar struct {
	Addr    uint64
	Waiters []ThreadSnapshot
}

// TimerEntry is one scheduled timer, carried with its logical deadline
// so the destination can re-arm it against its own physical clock
// (spec.md §4.7).
type TimerEntry struct {
	LogicalDeadlineNanos int64
	Thread               ThreadSnapshot
}

// ThreadSnapshot is the "continuation object" from the Design Notes: the
// scheduler-visible state of one proclet thread, captured in place of a
// literal stack-switching trampoline. NuState holds the msgpack encoding
// of a proclet.Waiter continuation; StackBytes mirrors the source
// protocol's {nu-state, stack bytes} pair even though this
// implementation resumes a waiter by re-invoking its registered method
// rather than from a raw stack copy.
type ThreadSnapshot struct {
	NuState           []byte
	StackBytes        []byte
	PendingReturnValue []byte
}

// LogicalClockState is the per-proclet clock transferred as part of a
// migration batch (spec.md §4.7).
type LogicalClockState struct {
	OffsetNanos int64
	Timers      []TimerEntry
}

// ProcletTransferState bundles everything moved for one proclet beyond
// raw heap bytes: blocked syncers, the logical clock, and ready threads
// (spec.md §4.3 step 4e).
type ProcletTransferState struct {
	ProcletID      ProcletID
	Mutexes        []BlockedMutex
	CondVars       []BlockedCondVar
	Clock          LogicalClockState
	ReadyThreads   []ThreadSnapshot
}
