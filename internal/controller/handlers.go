package controller

import (
	"context"
	"io"

	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

// RegisterHandlers binds every controller op to rt under its spec.md
// §6 Kind, so a node's ctrlclient can reach this Service purely over
// the RPC fabric.
func (s *Service) RegisterHandlers(rt *rpcfabric.Router) {
	rt.Register(wire.KindRegisterNode, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.RegisterNodeRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.RegisterNode(req)
	})

	rt.Register(wire.KindAllocateProclet, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.AllocateProcletRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.AllocateProclet(req)
	})

	rt.Register(wire.KindDestroyProclet, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.DestroyProcletRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return nil, s.DestroyProclet(req)
	})

	rt.Register(wire.KindResolveProclet, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ResolveProcletRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.ResolveProclet(req), nil
	})

	rt.Register(wire.KindAcquireMigrationDest, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.AcquireMigrationDestRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.AcquireMigrationDest(req)
	})

	rt.Register(wire.KindAcquireNode, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.AcquireNodeRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.AcquireNode(req)
	})

	rt.Register(wire.KindReleaseNode, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ReleaseNodeRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return nil, s.ReleaseNode(req)
	})

	rt.Register(wire.KindUpdateLocation, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.UpdateLocationRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return nil, s.UpdateLocation(req)
	})

	rt.Register(wire.KindReportFreeResource, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.ReportFreeResourceRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return s.ReportFreeResource(req)
	})

	rt.Register(wire.KindDestroyLP, func(ctx context.Context, r io.Reader) (interface{}, error) {
		var req wire.DestroyLPRequest
		if err := wire.ReadBody(r, &req); err != nil {
			return nil, err
		}
		return nil, s.DestroyLP(ctx, req)
	})
}
