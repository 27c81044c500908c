package rpcfabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nu-lp/corelp/internal/wire"
)

// DefaultCredits is the number of connections the Client keeps open to
// any one peer before further calls queue for a free one.
const DefaultCredits = 8

// Client issues RPC-fabric calls to peer nodes, one connection pool
// per peer (spec.md §6). Peers are addressed by wire.NodeIP; Client
// resolves that to a dial address via the addr func passed to New.
type Client struct {
	credits int
	addr    func(wire.NodeIP) string
	dialer  net.Dialer

	mu    sync.Mutex
	pools map[wire.NodeIP]*peerPool
}

// NewClient creates a Client. addr maps a logical NodeIP to a
// "host:port" dial target (on a real deployment these coincide; tests
// can map to loopback ports).
func NewClient(credits int, addr func(wire.NodeIP) string) *Client {
	if credits <= 0 {
		credits = DefaultCredits
	}
	return &Client{
		credits: credits,
		addr:    addr,
		pools:   make(map[wire.NodeIP]*peerPool),
	}
}

func (c *Client) poolFor(peer wire.NodeIP) *peerPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[peer]; ok {
		return p
	}
	p := newPeerPool(c.credits, func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", c.addr(peer))
	})
	c.pools[peer] = p
	return p
}

// Call sends req to peer under kind and decodes the reply into resp.
// resp may be nil when the op has no response body (e.g. KindShutdown).
func (c *Client) Call(ctx context.Context, peer wire.NodeIP, kind wire.Kind, req interface{}, resp interface{}) error {
	pool := c.poolFor(peer)
	pc, err := pool.get(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetDeadline(deadline)
	} else {
		_ = pc.conn.SetDeadline(time.Time{})
	}

	healthy := true
	defer func() { pool.put(pc, healthy) }()

	if err := wire.WriteFrame(pc.w, kind, req); err != nil {
		healthy = false
		return err
	}
	if err := pc.w.Flush(); err != nil {
		healthy = false
		return err
	}

	gotKind, err := wire.ReadKind(pc.r)
	if err != nil {
		healthy = false
		return fmt.Errorf("rpcfabric: read reply kind from %s: %w", peer, err)
	}
	if gotKind != kind {
		healthy = false
		return fmt.Errorf("rpcfabric: reply kind mismatch from %s: want %s got %s", peer, kind, gotKind)
	}

	var env envelope
	if err := wire.ReadBody(pc.r, &env); err != nil {
		healthy = false
		return fmt.Errorf("rpcfabric: read reply body from %s: %w", peer, err)
	}
	if env.Err != "" {
		return errors.New(env.Err)
	}
	if resp == nil || len(env.Body) == 0 {
		return nil
	}
	return wire.Unmarshal(env.Body, resp)
}

// Close releases every pooled connection this client holds open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.closeAll()
	}
}
