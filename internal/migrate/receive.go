package migrate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"

	"github.com/nu-lp/corelp/internal/clock"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/wire"
)

// Serve accepts incoming migration connections on ln until ctx is
// cancelled or the listener itself fails. Each connection runs one
// batch to completion concurrently with any others.
func (m *Migrator) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("migrate: accept: %w", err)
			}
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.handleIncoming(ctx, conn); err != nil {
				m.log.Warn("migrate: incoming batch failed", "error", err)
			}
		}()
	}
}

// handleIncoming runs the destination side of one migration batch
// (spec.md §4.3 steps 2-5): read the manifest, decide admission, then
// receive each accepted proclet's transfer stream in parallel.
func (m *Migrator) handleIncoming(ctx context.Context, conn net.Conn) error {
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("migrate: yamux handshake: %w", err)
	}
	defer session.Close()

	ctrlStream, err := session.AcceptStream()
	if err != nil {
		return fmt.Errorf("migrate: accept control stream: %w", err)
	}
	defer ctrlStream.Close()

	br := bufio.NewReader(ctrlStream)
	op, err := wire.ReadMigrationOp(br)
	if err != nil {
		return fmt.Errorf("migrate: read batch header op: %w", err)
	}
	if op != wire.OpMigrateBatchHeader {
		return fmt.Errorf("migrate: expected MigrateBatchHeader, got %s", op)
	}
	var header wire.MigrateBatchHeader
	if err := wire.ReadBody(br, &header); err != nil {
		return fmt.Errorf("migrate: decode batch header: %w", err)
	}

	var denied []wire.ProcletID
	if m.deny != nil {
		denied = m.deny(header)
	}
	deniedSet := make(map[wire.ProcletID]bool, len(denied))
	for _, id := range denied {
		deniedSet[id] = true
	}

	bw := bufio.NewWriter(ctrlStream)
	if err := wire.WriteMigrationOp(bw, wire.OpBatchAck, batchAck{Denied: denied}); err != nil {
		return fmt.Errorf("migrate: write batch ack: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("migrate: flush batch ack: %w", err)
	}

	accepted := header.Count - len(deniedSet)
	if accepted <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStreams)
	var mergeMu sync.Mutex
	var merged error
	for i := 0; i < accepted; i++ {
		stream, err := session.AcceptStream()
		if err != nil {
			return fmt.Errorf("migrate: accept transfer stream %d/%d: %w", i+1, accepted, err)
		}
		g.Go(func() error {
			defer stream.Close()
			if err := m.receiveOne(gctx, stream); err != nil {
				mergeMu.Lock()
				merged = multierror.Append(merged, err)
				mergeMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merged
}

// receiveOne restores one proclet from its transfer stream (spec.md
// §4.3 step 5: "restores the heap, mutexes and their waiters, and the
// logical clock, then marks the proclet Present").
func (m *Migrator) receiveOne(ctx context.Context, stream net.Conn) error {
	br := bufio.NewReader(stream)
	op, err := wire.ReadMigrationOp(br)
	if err != nil {
		return fmt.Errorf("migrate: read transfer op: %w", err)
	}
	if op != wire.OpCopyProclet {
		return fmt.Errorf("migrate: unexpected transfer op %s", op)
	}
	var payload procletPayload
	if err := wire.ReadBody(br, &payload); err != nil {
		_ = writeStreamAck(stream, false, err.Error())
		return fmt.Errorf("migrate: decode transfer payload: %w", err)
	}

	p := proclet.New(payload.Manifest.ProcletID, payload.Manifest.Capacity, true, 1)
	m.manager.Setup(p, true) // Absent -> Populating
	p.Restore(payload.Heap)
	p.Syncers.Restore(payload.State.Mutexes, payload.State.CondVars)
	restoreClock(p.Clock, payload.State.Clock, p.FireTimer)

	if !m.manager.Status.Transition(p.ID, proclet.Populating, proclet.Present) {
		_ = writeStreamAck(stream, false, "populating -> present transition rejected")
		return fmt.Errorf("migrate: proclet %s failed to reach Present after restore", p.ID)
	}
	m.manager.Insert(p)
	m.ctrl.UpdateLocationCache(p.ID, m.self)

	m.resumeReadyThreads(ctx, p, payload.State.ReadyThreads)

	return writeStreamAck(stream, true, "")
}

// resumeContinuation mirrors the shape internal/proclet's waiterToSnapshot
// encodes into a wire.ThreadSnapshot's NuState: the msgpack codec matches
// fields by name, so this distinct type (migrate has no access to
// proclet's unexported Waiter) decodes the same bytes correctly.
type resumeContinuation struct {
	ResumeMethodID wire.MethodID
	ResumeArgs     []byte
	Pending        proclet.PendingCall
}

// resumeReadyThreads re-invokes any continuation that was ready to run
// (not blocked on a mutex/condvar) at the moment migration captured it,
// forwarding its result back to the original caller. This
// implementation's migrations always pass through an RCU writer-sync
// first, so in practice ReadyThreads is always empty — the path exists
// for wire-format fidelity and for a future producer of genuinely ready
// continuations.
func (m *Migrator) resumeReadyThreads(ctx context.Context, p *proclet.Proclet, threads []wire.ThreadSnapshot) {
	for _, t := range threads {
		var cont resumeContinuation
		if err := wire.Unmarshal(t.NuState, &cont); err != nil {
			m.log.Warn("migrate: failed to decode resumed continuation", "proclet", p.ID, "error", err)
			continue
		}
		result, err := p.Invoke(cont.ResumeMethodID, cont.ResumeArgs, cont.Pending)
		if err != nil && errors.Is(err, wire.ErrParked) {
			continue // re-parked on the new node; its own continuation forwards later
		}
		reply := wire.ProcletCallResponse{Code: wire.ErrToCode(err), Result: result}
		if err := m.engine.ForwardReply(ctx, cont.Pending, reply); err != nil {
			m.log.Warn("migrate: failed to forward resumed call result", "proclet", p.ID, "error", err)
		}
	}
}

// restoreClock is the inverse of clockState: see its doc comment for
// why logicalNow rides in OffsetNanos.
func restoreClock(c *clock.Clock, state wire.LogicalClockState, onFire func(time.Time)) {
	logicalNow := time.Unix(0, state.OffsetNanos)
	deadlines := make([]time.Time, len(state.Timers))
	for i, t := range state.Timers {
		deadlines[i] = time.Unix(0, t.LogicalDeadlineNanos)
	}
	c.Resume(logicalNow, deadlines, onFire)
}

func writeStreamAck(w io.Writer, ok bool, errMsg string) error {
	bw := bufio.NewWriter(w)
	if err := wire.WriteMigrationOp(bw, wire.OpStreamAck, streamAck{OK: ok, Err: errMsg}); err != nil {
		return err
	}
	return bw.Flush()
}
