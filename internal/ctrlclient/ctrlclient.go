// Package ctrlclient is a node's RPC stub for internal/controller,
// fronted by a bounded LRU cache of the proclet location directory so
// the hot invocation path (internal/invoke) does not round-trip to the
// controller for every call (spec.md §4.3 "a node-local cache of the
// location directory, invalidated on a stale hit").
package ctrlclient

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

const defaultLocationCacheSize = 1 << 16

// Client talks to the controller over the RPC fabric. controllerIP is
// fixed for the process's lifetime (spec.md §6 "{controller_ip, lpid,
// isolated?} triple at start").
type Client struct {
	rpc          *rpcfabric.Client
	controllerIP wire.NodeIP
	locations    *lru.Cache[wire.ProcletID, wire.NodeIP]
}

func New(rpc *rpcfabric.Client, controllerIP wire.NodeIP) (*Client, error) {
	cache, err := lru.New[wire.ProcletID, wire.NodeIP](defaultLocationCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc, controllerIP: controllerIP, locations: cache}, nil
}

func (c *Client) RegisterNode(ctx context.Context, req wire.RegisterNodeRequest) (wire.RegisterNodeResponse, error) {
	var resp wire.RegisterNodeResponse
	err := c.rpc.Call(ctx, c.controllerIP, wire.KindRegisterNode, req, &resp)
	return resp, err
}

func (c *Client) AllocateProclet(ctx context.Context, req wire.AllocateProcletRequest) (wire.AllocateProcletResponse, error) {
	var resp wire.AllocateProcletResponse
	err := c.rpc.Call(ctx, c.controllerIP, wire.KindAllocateProclet, req, &resp)
	if err == nil && resp.OK {
		c.locations.Add(resp.ProcletID, resp.NodeIP)
	}
	return resp, err
}

func (c *Client) DestroyProclet(ctx context.Context, req wire.DestroyProcletRequest) error {
	c.locations.Remove(req.ProcletID)
	return c.rpc.Call(ctx, c.controllerIP, wire.KindDestroyProclet, req, nil)
}

// ResolveProclet checks the local cache before going over RPC; a miss
// or a cached entry the caller already knows is stale (it just got
// ErrWrongClient from it) always goes to the controller.
func (c *Client) ResolveProclet(ctx context.Context, lpid wire.LPID, id wire.ProcletID, skipCache bool) (wire.NodeIP, error) {
	if !skipCache {
		if ip, ok := c.locations.Get(id); ok {
			return ip, nil
		}
	}
	var resp wire.ResolveProcletResponse
	if err := c.rpc.Call(ctx, c.controllerIP, wire.KindResolveProclet, wire.ResolveProcletRequest{LPID: lpid, ProcletID: id}, &resp); err != nil {
		return "", err
	}
	if resp.NodeIP != "" {
		c.locations.Add(id, resp.NodeIP)
	}
	return resp.NodeIP, nil
}

// InvalidateLocation drops a cached location, used after a
// wire.ErrWrongClient response tells the caller its cached node is
// stale (spec.md §4.3).
func (c *Client) InvalidateLocation(id wire.ProcletID) {
	c.locations.Remove(id)
}

// UpdateLocationCache lets internal/migrate push a fresh location
// straight into the cache after completing a migration, without
// waiting for the next resolve_proclet miss.
func (c *Client) UpdateLocationCache(id wire.ProcletID, ip wire.NodeIP) {
	c.locations.Add(id, ip)
}

func (c *Client) UpdateLocation(ctx context.Context, req wire.UpdateLocationRequest) error {
	if err := c.rpc.Call(ctx, c.controllerIP, wire.KindUpdateLocation, req, nil); err != nil {
		return err
	}
	c.locations.Add(req.ProcletID, req.NodeIP)
	return nil
}

func (c *Client) AcquireMigrationDest(ctx context.Context, req wire.AcquireMigrationDestRequest) (wire.AcquireMigrationDestResponse, error) {
	var resp wire.AcquireMigrationDestResponse
	err := c.rpc.Call(ctx, c.controllerIP, wire.KindAcquireMigrationDest, req, &resp)
	return resp, err
}

func (c *Client) AcquireNode(ctx context.Context, req wire.AcquireNodeRequest) (wire.AcquireNodeResponse, error) {
	var resp wire.AcquireNodeResponse
	err := c.rpc.Call(ctx, c.controllerIP, wire.KindAcquireNode, req, &resp)
	return resp, err
}

func (c *Client) ReleaseNode(ctx context.Context, req wire.ReleaseNodeRequest) error {
	return c.rpc.Call(ctx, c.controllerIP, wire.KindReleaseNode, req, nil)
}

func (c *Client) ReportFreeResource(ctx context.Context, req wire.ReportFreeResourceRequest) (wire.ReportFreeResourceResponse, error) {
	var resp wire.ReportFreeResourceResponse
	err := c.rpc.Call(ctx, c.controllerIP, wire.KindReportFreeResource, req, &resp)
	return resp, err
}

func (c *Client) DestroyLP(ctx context.Context, req wire.DestroyLPRequest) error {
	return c.rpc.Call(ctx, c.controllerIP, wire.KindDestroyLP, req, nil)
}
