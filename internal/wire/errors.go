package wire

import "errors"

// ErrCode is the one-byte error code appended to a proclet-call reply
// when the call did not produce an application result. Values mirror
// spec.md §6: WrongClient = -2, Timeout = -1, Ok = 0.
type ErrCode int8

const (
	ErrCodeParked      ErrCode = -3
	ErrCodeWrongClient ErrCode = -2
	ErrCodeTimeout      ErrCode = -1
	ErrCodeOK           ErrCode = 0
)

var (
	// ErrWrongClient means the callee's location cache was stale: the
	// node addressed does not currently have the proclet Present. The
	// server-side method never ran. Callers must invalidate their cache
	// entry and re-resolve through the controller before retrying.
	ErrWrongClient = errors.New("wire: wrong client, proclet not present on this node")

	// ErrTimeout is a heuristic network-level failure; callers retry.
	ErrTimeout = errors.New("wire: rpc timeout")

	// ErrSkipProclet is a migration-scope marker, not a failure: the
	// source decided not to move this proclet in the current batch.
	ErrSkipProclet = errors.New("wire: proclet skipped for this migration batch")

	// ErrDestinationDenied means the destination aborted the remainder
	// of an in-progress migration batch under its own new pressure.
	ErrDestinationDenied = errors.New("wire: destination denied remaining batch")

	// ErrParked means the invoked method blocked on a mutex or condvar
	// instead of returning: it registered a continuation with
	// internal/proclet's BlockedSyncerRegistry and the real reply will
	// arrive later via a ForwardReplyRequest (spec.md §4.3 "in-flight
	// call forwarding"), not in this RPC's response.
	ErrParked = errors.New("wire: call parked awaiting a blocked-thread wakeup")

	// ErrFatal signals a protocol violation (image-hash mismatch,
	// impossible state transition). The caller LP must not continue.
	ErrFatal = errors.New("wire: fatal protocol violation")
)

// CodeToErr converts a wire error code read off an RPC reply into a Go
// error, or nil for Ok.
func CodeToErr(c ErrCode) error {
	switch c {
	case ErrCodeOK:
		return nil
	case ErrCodeWrongClient:
		return ErrWrongClient
	case ErrCodeTimeout:
		return ErrTimeout
	case ErrCodeParked:
		return ErrParked
	default:
		return ErrFatal
	}
}

// ErrToCode is the inverse of CodeToErr, used by servers building a reply.
func ErrToCode(err error) ErrCode {
	switch {
	case err == nil:
		return ErrCodeOK
	case errors.Is(err, ErrWrongClient):
		return ErrCodeWrongClient
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrParked):
		return ErrCodeParked
	default:
		return ErrCodeWrongClient // conservative: force a re-resolve rather than wedge the caller
	}
}
