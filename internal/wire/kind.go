package wire

// Kind is the 1-byte discriminator that prefixes every RPC fabric frame
// (spec.md §6). The server listener switches on Kind before deserializing
// the rest of the frame, so unknown kinds can be rejected without
// touching the codec.
type Kind uint8

const (
	_ Kind = iota

	// Controller ops (internal/controller, internal/ctrlclient).
	KindRegisterNode
	KindAllocateProclet
	KindDestroyProclet
	KindResolveProclet
	KindAcquireMigrationDest
	KindAcquireNode
	KindReleaseNode
	KindUpdateLocation
	KindReportFreeResource
	KindDestroyLP

	// Migration-related ops. KindForward travels over the RPC fabric
	// (internal/invoke); the dedicated migration connection frames its
	// own MigrationOp codes instead of these Kinds.
	KindReserveConns
	KindForward
	KindMigrateThreadAndRetVal

	// Proclet-server ops (internal/invoke).
	KindProcletCall
	KindGCStack
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindRegisterNode:
		return "RegisterNode"
	case KindAllocateProclet:
		return "AllocateProclet"
	case KindDestroyProclet:
		return "DestroyProclet"
	case KindResolveProclet:
		return "ResolveProclet"
	case KindAcquireMigrationDest:
		return "AcquireMigrationDest"
	case KindAcquireNode:
		return "AcquireNode"
	case KindReleaseNode:
		return "ReleaseNode"
	case KindUpdateLocation:
		return "UpdateLocation"
	case KindReportFreeResource:
		return "ReportFreeResource"
	case KindDestroyLP:
		return "DestroyLP"
	case KindReserveConns:
		return "ReserveConns"
	case KindForward:
		return "Forward"
	case KindMigrateThreadAndRetVal:
		return "MigrateThreadAndRetVal"
	case KindProcletCall:
		return "ProcletCall"
	case KindGCStack:
		return "GCStack"
	case KindShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// MigrationOp is the second, independent opcode space used on the
// migration sub-protocol's dedicated connection (spec.md §6).
type MigrationOp uint8

const (
	_ MigrationOp = iota
	OpCopyProclet
	OpSkipProclet
	OpMigrateBatchHeader
	OpEnablePoll
	OpDisablePoll
	OpRegisterCallback
	OpDeregisterCallback
	// OpBatchAck and OpStreamAck are internal/migrate's replies on,
	// respectively, the control stream (which manifest entries a
	// destination denies, spec.md §4.3 step 3) and a per-proclet
	// transfer stream (confirming the restore finished before the
	// source finalizes the move).
	OpBatchAck
	OpStreamAck
)

func (op MigrationOp) String() string {
	switch op {
	case OpCopyProclet:
		return "CopyProclet"
	case OpSkipProclet:
		return "SkipProclet"
	case OpMigrateBatchHeader:
		return "Migrate"
	case OpEnablePoll:
		return "EnablePoll"
	case OpDisablePoll:
		return "DisablePoll"
	case OpRegisterCallback:
		return "RegisterCallback"
	case OpDeregisterCallback:
		return "DeregisterCallback"
	case OpBatchAck:
		return "BatchAck"
	case OpStreamAck:
		return "StreamAck"
	default:
		return "Unknown"
	}
}
