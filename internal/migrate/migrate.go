// Package migrate implements the proclet migration protocol of spec.md
// §4.3: a pressure-driven relocation of one or more proclets from a
// source node to a destination node over a dedicated yamux-multiplexed
// connection (one control stream plus one parallel transfer stream per
// proclet), carrying the proclet's application-level heap payload,
// blocked mutexes/condvars, and its logical clock.
//
// internal/pressure decides *when* and *which* proclets to move;
// Migrator only knows how to move the ones it is handed.
package migrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/invoke"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/wire"
)

// maxParallelStreams bounds how many proclets of one batch transfer
// concurrently, mirroring the credit bound rpcfabric applies to the
// ordinary call fabric (spec.md §6).
const maxParallelStreams = 8

// chunkBytes is the write granularity the rate limiter throttles at, so
// a configured bandwidth cap is honored mid-transfer instead of only
// between whole-proclet writes.
const chunkBytes = 64 << 10

// DenyFunc lets a destination refuse all or part of an incoming batch
// under its own pressure (spec.md §4.3 step 3 "the destination may
// refuse"). It returns the subset of the manifest to deny; nil or empty
// accepts the whole batch.
type DenyFunc func(header wire.MigrateBatchHeader) []wire.ProcletID

// Migrator drives both the sending and receiving side of the migration
// protocol for one node.
type Migrator struct {
	log  hclog.Logger
	self wire.NodeIP
	lpid wire.LPID

	manager *proclet.Manager
	ctrl    *ctrlclient.Client
	engine  *invoke.Engine

	Blacklist *Blacklist

	dial    func(ctx context.Context, peer wire.NodeIP) (net.Conn, error)
	limiter *rate.Limiter
	deny    DenyFunc

	wg sync.WaitGroup
}

// New creates a Migrator. dial opens a raw connection to a peer's
// migration listener (distinct from the rpcfabric request/reply pool:
// migration gets its own dedicated connection per spec.md §4.3 "a
// dedicated connection for the migration"). bytesPerSec <= 0 means
// unthrottled.
func New(log hclog.Logger, self wire.NodeIP, lpid wire.LPID, manager *proclet.Manager, ctrl *ctrlclient.Client, engine *invoke.Engine, dial func(context.Context, wire.NodeIP) (net.Conn, error), bytesPerSec rate.Limit) *Migrator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	limit := rate.Inf
	if bytesPerSec > 0 {
		limit = bytesPerSec
	}
	return &Migrator{
		log:       log,
		self:      self,
		lpid:      lpid,
		manager:   manager,
		ctrl:      ctrl,
		engine:    engine,
		Blacklist: NewBlacklist(),
		dial:      dial,
		limiter:   rate.NewLimiter(limit, chunkBytes),
	}
}

// SetDenyFunc installs the destination-side admission policy. Without
// one, this node accepts every incoming batch in full.
func (m *Migrator) SetDenyFunc(fn DenyFunc) { m.deny = fn }

// SendBatch moves ids from this node to dest (spec.md §4.3 steps 1-5).
// Proclets the source can no longer claim (already migrating, just
// destructed) are silently skipped rather than failing the whole batch;
// a per-proclet transfer failure is aggregated into the returned error
// but does not stop its siblings from completing.
func (m *Migrator) SendBatch(ctx context.Context, dest wire.NodeIP, hasMemPressure bool, ids []wire.ProcletID) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := m.dial(ctx, dest)
	if err != nil {
		return fmt.Errorf("migrate: dial %s: %w", dest, err)
	}
	session, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return fmt.Errorf("migrate: yamux handshake with %s: %w", dest, err)
	}
	defer session.Close()

	ctrlStream, err := session.Open()
	if err != nil {
		return fmt.Errorf("migrate: open control stream to %s: %w", dest, err)
	}
	defer ctrlStream.Close()

	// spec.md §4.3 step 1: a test-and-set from Present to Migrating per
	// proclet. A failed test-and-set (concurrent destruction, a second
	// migrator already claiming it) just drops that id from the batch.
	claimed := make(map[wire.ProcletID]*proclet.Proclet, len(ids))
	manifest := make([]wire.ProcletManifest, 0, len(ids))
	for _, id := range ids {
		p, ok := m.manager.Get(id)
		if !ok || !m.manager.RemoveForMigration(id) {
			continue
		}
		claimed[id] = p
		manifest = append(manifest, wire.ProcletManifest{ProcletID: id, Capacity: p.Capacity, Size: p.HeapSize()})
	}
	if len(claimed) == 0 {
		return nil
	}

	header := wire.MigrateBatchHeader{HasMemPressure: hasMemPressure, Count: len(manifest), Proclets: manifest}
	bw := bufio.NewWriter(ctrlStream)
	if err := wire.WriteMigrationOp(bw, wire.OpMigrateBatchHeader, header); err != nil {
		m.rollback(claimed, nil)
		return fmt.Errorf("migrate: send batch header to %s: %w", dest, err)
	}
	if err := bw.Flush(); err != nil {
		m.rollback(claimed, nil)
		return fmt.Errorf("migrate: flush batch header to %s: %w", dest, err)
	}

	br := bufio.NewReader(ctrlStream)
	op, err := wire.ReadMigrationOp(br)
	if err != nil || op != wire.OpBatchAck {
		m.rollback(claimed, nil)
		return fmt.Errorf("migrate: read batch ack from %s: %w", dest, err)
	}
	var ack batchAck
	if err := wire.ReadBody(br, &ack); err != nil {
		m.rollback(claimed, nil)
		return fmt.Errorf("migrate: decode batch ack from %s: %w", dest, err)
	}

	denied := make(map[wire.ProcletID]bool, len(ack.Denied))
	for _, id := range ack.Denied {
		denied[id] = true
	}
	if len(denied) >= len(claimed) {
		m.Blacklist.Add(dest)
		m.rollback(claimed, nil)
		return wire.ErrDestinationDenied
	}
	m.rollback(claimed, denied)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStreams)
	var mergeMu sync.Mutex
	var merged error
	for id, p := range claimed {
		if denied[id] {
			continue
		}
		g.Go(func() error {
			if err := m.sendOne(gctx, session, p); err != nil {
				mergeMu.Lock()
				merged = multierror.Append(merged, fmt.Errorf("proclet %s: %w", id, err))
				mergeMu.Unlock()
				m.manager.Status.Transition(id, proclet.Migrating, proclet.Present)
				return nil // a sibling's failure should not cancel this batch
			}
			m.finalizeSent(ctx, p, dest)
			return nil
		})
	}
	_ = g.Wait()
	return merged
}

// rollback reverts every claimed id present in denied (or all of
// them, when denied is nil) back to Present, for ids this source will
// keep serving after all (spec.md §4.3 "destination denial/rollback").
func (m *Migrator) rollback(claimed map[wire.ProcletID]*proclet.Proclet, denied map[wire.ProcletID]bool) {
	for id := range claimed {
		if denied != nil && !denied[id] {
			continue // accepted; sendOne/finalizeSent will carry it the rest of the way
		}
		m.manager.Status.Transition(id, proclet.Migrating, proclet.Present)
	}
}

// sendOne transfers one proclet's state over its own dedicated stream.
func (m *Migrator) sendOne(ctx context.Context, session *yamux.Session, p *proclet.Proclet) error {
	stream, err := session.Open()
	if err != nil {
		return fmt.Errorf("open transfer stream: %w", err)
	}
	defer stream.Close()

	// spec.md §4.3 step 4b: the writer side of the RCU quiesces every
	// in-flight method call so Snapshot sees a consistent heap and the
	// blocked-syncer/clock state stop changing mid-copy.
	p.RCU.WriterSync()
	heap := p.Snapshot()
	mutexes, condvars := p.Syncers.Snapshot()
	logicalNow, deadlines := p.Clock.Freeze()
	p.RCU.EndWriterSync()

	payload := procletPayload{
		Manifest: wire.ProcletManifest{ProcletID: p.ID, Capacity: p.Capacity, Size: p.HeapSize()},
		Heap:     heap,
		State: wire.ProcletTransferState{
			ProcletID: p.ID,
			Mutexes:   mutexes,
			CondVars:  condvars,
			Clock:     clockState(logicalNow, deadlines),
		},
	}
	if err := writeRateLimited(ctx, stream, m.limiter, payload); err != nil {
		return err
	}

	br := bufio.NewReader(stream)
	op, err := wire.ReadMigrationOp(br)
	if err != nil {
		return fmt.Errorf("read transfer ack op: %w", err)
	}
	if op != wire.OpStreamAck {
		return fmt.Errorf("unexpected transfer ack op %s", op)
	}
	var ack streamAck
	if err := wire.ReadBody(br, &ack); err != nil {
		return fmt.Errorf("decode transfer ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("destination rejected transfer: %s", ack.Err)
	}
	return nil
}

// finalizeSent commits a successfully transferred proclet to its new
// home (spec.md §4.3 step 5 tail): Migrating -> Cleaning -> Absent
// locally, the controller's location directory updated, and the local
// registry entry dropped.
func (m *Migrator) finalizeSent(ctx context.Context, p *proclet.Proclet, dest wire.NodeIP) {
	m.manager.Status.Transition(p.ID, proclet.Migrating, proclet.Cleaning)
	m.manager.Cleanup(p, true)
	m.manager.Status.Transition(p.ID, proclet.Cleaning, proclet.Absent)

	if err := m.ctrl.UpdateLocation(ctx, wire.UpdateLocationRequest{LPID: m.lpid, ProcletID: p.ID, NodeIP: dest}); err != nil {
		m.log.Warn("migrate: failed to update controller location after send", "proclet", p.ID, "dest", dest, "error", err)
	}
}

// clockState packages a frozen clock into its wire form. The wire
// LogicalClockState has no dedicated "logical now" field distinct from
// OffsetNanos, so this implementation carries logicalNow itself there
// (unix nanoseconds) and reconstructs deadlines the same way on the
// receiving side (see restoreClock in receive.go).
func clockState(logicalNow time.Time, deadlines []time.Time) wire.LogicalClockState {
	timers := make([]wire.TimerEntry, len(deadlines))
	for i, d := range deadlines {
		timers[i] = wire.TimerEntry{LogicalDeadlineNanos: d.UnixNano()}
	}
	return wire.LogicalClockState{OffsetNanos: logicalNow.UnixNano(), Timers: timers}
}

// writeRateLimited frames body the same way wire.WriteMigrationOp does
// (an OpCopyProclet byte followed by the msgpack body) but writes the
// body in chunkBytes-sized slices, waiting on the limiter between each,
// so a configured migration bandwidth cap actually throttles mid-proclet
// instead of only between whole payloads.
func writeRateLimited(ctx context.Context, w io.Writer, lim *rate.Limiter, body interface{}) error {
	data, err := wire.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal transfer payload: %w", err)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write([]byte{byte(wire.OpCopyProclet)}); err != nil {
		return fmt.Errorf("write transfer op: %w", err)
	}
	for off := 0; off < len(data); off += chunkBytes {
		end := off + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		if err := lim.WaitN(ctx, end-off); err != nil {
			return fmt.Errorf("migration rate limit: %w", err)
		}
		if _, err := bw.Write(data[off:end]); err != nil {
			return fmt.Errorf("write transfer chunk: %w", err)
		}
	}
	return bw.Flush()
}

// Close waits for every in-flight incoming batch handler to finish.
func (m *Migrator) Close() { m.wg.Wait() }
