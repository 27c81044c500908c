package rpcfabric

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pooledConn is one persistent connection to a peer, reused across
// calls rather than dialed fresh each time.
type pooledConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// peerPool holds the connections open to a single peer node, bounded
// to `credits` concurrently checked-out connections (spec.md C5's
// credit bound). A checkout blocks until either an idle connection is
// returned or a credit frees up to dial a new one.
type peerPool struct {
	dial    func(ctx context.Context) (net.Conn, error)
	sem     *semaphore.Weighted
	credits int64

	mu   sync.Mutex
	idle []*pooledConn
}

func newPeerPool(credits int, dial func(ctx context.Context) (net.Conn, error)) *peerPool {
	if credits <= 0 {
		credits = 1
	}
	return &peerPool{
		dial:    dial,
		sem:     semaphore.NewWeighted(int64(credits)),
		credits: int64(credits),
	}
}

func (p *peerPool) get(ctx context.Context) (*pooledConn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("rpcfabric: acquire connection credit: %w", err)
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &pooledConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

// put returns pc to the idle set if healthy, otherwise closes it. The
// credit is always released so a future get can dial a replacement.
func (p *peerPool) put(pc *pooledConn, healthy bool) {
	defer p.sem.Release(1)
	if !healthy {
		pc.conn.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

func (p *peerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.idle {
		pc.conn.Close()
	}
	p.idle = nil
}
