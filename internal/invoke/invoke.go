// Package invoke is the proclet-server invocation engine (spec.md C8):
// Call() gives a caller migration-transparent RPC semantics — it
// resolves a proclet id to its current node, executes locally when
// that happens to be this node, and otherwise calls out over the RPC
// fabric, retrying through the controller when the location cache was
// stale (spec.md §4.3).
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

// maxForwardHops bounds the Case-A relay in handleProcletCall (a
// request that arrives for a proclet which has already left this node)
// so a pathological location-directory race can't loop forever.
const maxForwardHops = 8

// Engine ties a node's proclet.Manager to the RPC fabric and the
// controller client, implementing spec.md C8.
type Engine struct {
	log  hclog.Logger
	self wire.NodeIP
	lpid wire.LPID

	manager *proclet.Manager
	ctrl    *ctrlclient.Client
	rpc     *rpcfabric.Client

	nextCallID atomic.Uint64
	pendingMu  sync.Mutex
	pending    map[uint64]chan wire.ProcletCallResponse

	// ShutdownFunc is called when this node receives wire.KindShutdown
	// from the controller (spec.md §4.4 destroy_lp's peer-shutdown
	// fanout). The handler itself cannot terminate the process — its
	// reply still has to flush over this same RPC connection — so the
	// binary wires this to its own shutdown (e.g. a context cancel),
	// mirroring proclet.Proclet.TimerFireFunc.
	ShutdownFunc func(lpid wire.LPID)
}

func New(log hclog.Logger, self wire.NodeIP, lpid wire.LPID, manager *proclet.Manager, ctrl *ctrlclient.Client, rpc *rpcfabric.Client) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		log:     log,
		self:    self,
		lpid:    lpid,
		manager: manager,
		ctrl:    ctrl,
		rpc:     rpc,
		pending: make(map[uint64]chan wire.ProcletCallResponse),
	}
}

// RegisterHandlers binds this engine's server side to rt: incoming
// proclet calls (wire.KindProcletCall) and forwarded replies for calls
// this engine parked earlier (wire.KindForward).
func (e *Engine) RegisterHandlers(rt *rpcfabric.Router) {
	rt.Register(wire.KindProcletCall, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ProcletCallRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		resp, err := e.handleProcletCall(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})

	rt.Register(wire.KindForward, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ForwardReplyRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		e.deliverForward(req)
		return nil, nil
	})

	rt.Register(wire.KindShutdown, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ShutdownRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		if e.ShutdownFunc != nil {
			go e.ShutdownFunc(req.LPID)
		}
		return nil, nil
	})
}

// Call invokes method on proclet id with the given pre-serialized
// arguments (internal/xfer has already decided move-vs-copy and
// internal/wire has marshaled them) and returns the pre-serialized
// result.
func (e *Engine) Call(ctx context.Context, id wire.ProcletID, method wire.MethodID, args []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		callID := e.nextCallID.Add(1)
		ch := make(chan wire.ProcletCallResponse, 1)
		e.pendingMu.Lock()
		e.pending[callID] = ch
		e.pendingMu.Unlock()
		caller := proclet.PendingCall{CallerIP: e.self, CallerCallID: callID}

		var resp wire.ProcletCallResponse
		var callErr error

		if local, ok := e.manager.Get(id); ok && e.manager.Status.Get(id) == proclet.Present {
			local.RCU.ReadLock()
			result, err := local.Invoke(method, args, caller)
			local.RCU.ReadUnlock()
			switch {
			case err == nil:
				resp = wire.ProcletCallResponse{Code: wire.ErrCodeOK, Result: result}
			case errors.Is(err, wire.ErrParked):
				resp = wire.ProcletCallResponse{Code: wire.ErrCodeParked}
			default:
				e.dropPending(callID)
				return nil, err
			}
		} else {
			node, rerr := e.ctrl.ResolveProclet(ctx, e.lpid, id, attempt > 0)
			if rerr != nil {
				e.dropPending(callID)
				return nil, fmt.Errorf("invoke: resolve proclet %s: %w", id, rerr)
			}
			if node == "" {
				e.dropPending(callID)
				return nil, fmt.Errorf("invoke: proclet %s has no known location", id)
			}

			req := wire.ProcletCallRequest{
				ProcletID:    id,
				MethodID:     method,
				Args:         args,
				CallerIP:     e.self,
				CallerCallID: callID,
			}
			callErr = e.rpc.Call(ctx, node, wire.KindProcletCall, req, &resp)
			if callErr != nil {
				e.dropPending(callID)
				return nil, callErr
			}
		}

		var err error
		if resp.Code == wire.ErrCodeParked {
			resp, err = e.awaitForward(ctx, callID, ch)
			if err != nil {
				return nil, err
			}
		} else {
			e.dropPending(callID)
		}

		if resp.Code == wire.ErrCodeWrongClient {
			e.ctrl.InvalidateLocation(id)
			continue
		}
		if err := wire.CodeToErr(resp.Code); err != nil {
			return nil, err
		}
		return resp.Result, nil
	}
}

func (e *Engine) awaitForward(ctx context.Context, callID uint64, ch chan wire.ProcletCallResponse) (wire.ProcletCallResponse, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		e.dropPending(callID)
		return wire.ProcletCallResponse{}, ctx.Err()
	}
}

func (e *Engine) dropPending(callID uint64) {
	e.pendingMu.Lock()
	delete(e.pending, callID)
	e.pendingMu.Unlock()
}

// deliverForward hands a forwarded reply to whichever local Call() is
// waiting on it, if any (a forward can race a caller timing out and
// already having dropped its pending entry, in which case it is simply
// dropped here).
func (e *Engine) deliverForward(req wire.ForwardReplyRequest) {
	e.pendingMu.Lock()
	ch, ok := e.pending[req.CallerCallID]
	if ok {
		delete(e.pending, req.CallerCallID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.log.Debug("invoke: forwarded reply for unknown or expired call", "call_id", req.CallerCallID)
		return
	}
	ch <- req.Reply
}

// ForwardReply is called by internal/migrate after a resumed
// continuation finishes on a node that is not pending.CallerIP, to
// deliver the final result back to the original caller (spec.md §4.3).
func (e *Engine) ForwardReply(ctx context.Context, pending proclet.PendingCall, reply wire.ProcletCallResponse) error {
	if pending.CallerIP == e.self {
		e.deliverForward(wire.ForwardReplyRequest{CallerCallID: pending.CallerCallID, Reply: reply})
		return nil
	}
	return e.rpc.Call(ctx, pending.CallerIP, wire.KindForward, wire.ForwardReplyRequest{
		CallerCallID: pending.CallerCallID,
		Reply:        reply,
	}, nil)
}

// handleProcletCall is the server side of wire.KindProcletCall.
func (e *Engine) handleProcletCall(ctx context.Context, req wire.ProcletCallRequest) (wire.ProcletCallResponse, error) {
	p, ok := e.manager.Get(req.ProcletID)
	if !ok || e.manager.Status.Get(req.ProcletID) != proclet.Present {
		return e.relay(ctx, req)
	}

	p.RCU.ReadLock()
	result, err := p.Invoke(req.MethodID, req.Args, proclet.PendingCall{CallerIP: req.CallerIP, CallerCallID: req.CallerCallID})
	p.RCU.ReadUnlock()

	switch {
	case err == nil:
		return wire.ProcletCallResponse{Code: wire.ErrCodeOK, Result: result}, nil
	case errors.Is(err, wire.ErrParked):
		// The method itself already registered a continuation in
		// p.Syncers keyed by this same CallerIP/CallerCallID; the
		// reply travels later via ForwardReply.
		return wire.ProcletCallResponse{Code: wire.ErrCodeParked}, nil
	default:
		return wire.ProcletCallResponse{Code: wire.ErrToCode(err)}, nil
	}
}

// relay forwards req to the proclet's current location when this node
// no longer has it (spec.md §4.3 "in-flight RPC forwarding" for a call
// that arrives just as the proclet moves away): nothing has executed
// here yet, so it is always safe to resend verbatim.
func (e *Engine) relay(ctx context.Context, req wire.ProcletCallRequest) (wire.ProcletCallResponse, error) {
	if req.Hops >= maxForwardHops {
		return wire.ProcletCallResponse{Code: wire.ErrCodeWrongClient}, nil
	}
	node, err := e.ctrl.ResolveProclet(ctx, e.lpid, req.ProcletID, true)
	if err != nil || node == "" || node == e.self {
		return wire.ProcletCallResponse{Code: wire.ErrCodeWrongClient}, nil
	}
	req.Hops++

	rpcCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		rpcCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	var resp wire.ProcletCallResponse
	if err := e.rpc.Call(rpcCtx, node, wire.KindProcletCall, req, &resp); err != nil {
		return wire.ProcletCallResponse{Code: wire.ErrCodeWrongClient}, nil
	}
	return resp, nil
}
