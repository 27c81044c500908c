package migrate

import "github.com/nu-lp/corelp/internal/wire"

// batchAck is the control stream's reply to a MigrateBatchHeader: which
// manifest entries, if any, the destination refuses under its own
// pressure (spec.md §4.3 step 3). Not part of package wire because it
// never needs to be understood by anything but this protocol's two
// ends; wire.Marshal/Unmarshal work on any struct, not only ones
// declared in that package.
type batchAck struct {
	Denied []wire.ProcletID
}

// procletPayload is what crosses one proclet's dedicated transfer
// stream: the application-level heap bytes produced by
// internal/proclet.Proclet.Snapshot, plus the rest of
// wire.ProcletTransferState (spec.md §4.3 step 4d-4e).
type procletPayload struct {
	Manifest wire.ProcletManifest
	Heap     []byte
	State    wire.ProcletTransferState
}

// streamAck is the per-proclet transfer stream's reply, confirming the
// destination finished restoring the proclet before the source commits
// to the move.
type streamAck struct {
	OK  bool
	Err string
}
