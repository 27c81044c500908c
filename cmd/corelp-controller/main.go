// Command corelp-controller runs the singleton controller service
// (spec.md C6): LP registration, proclet-id allocation, the location
// directory and migration-destination selection for one logical
// process deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/nu-lp/corelp/internal/addrplan"
	"github.com/nu-lp/corelp/internal/controller"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

// config is the controller binary's flag-populated configuration
// (SPEC_FULL.md §2 ambient stack: "a plain Config struct per binary,
// populated from flags via the standard flag package").
type config struct {
	bindAddr string
	logLevel string

	minProcletHeap   uint64
	maxProcletHeap   uint64
	procletHeapSpan  uint64
	stackSize        uint64
	maxStacksPerNode int
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("corelp-controller", flag.ContinueOnError)
	cfg := config{}
	fs.StringVar(&cfg.bindAddr, "bind", "0.0.0.0:7900", "address the controller RPC listener binds to")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.Uint64Var(&cfg.minProcletHeap, "min-proclet-heap", 1<<16, "smallest proclet heap segment size, bytes")
	fs.Uint64Var(&cfg.maxProcletHeap, "max-proclet-heap", 1<<26, "largest proclet heap segment size, bytes")
	fs.Uint64Var(&cfg.procletHeapSpan, "proclet-heap-span", 1<<40, "total virtual-address span reserved for the proclet-heap region")
	fs.Uint64Var(&cfg.stackSize, "stack-size", 1<<21, "fixed proclet thread stack size, bytes")
	fs.IntVar(&cfg.maxStacksPerNode, "max-stacks-per-node", 1<<14, "stacks reserved per node's stack cluster")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "corelp-controller",
		Level: hclog.LevelFromString(cfg.logLevel),
	})

	if err := run(cfg, log); err != nil {
		log.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, log hclog.Logger) error {
	plan, err := addrplan.NewPlan(cfg.minProcletHeap, cfg.maxProcletHeap, cfg.procletHeapSpan, cfg.stackSize, cfg.maxStacksPerNode)
	if err != nil {
		return fmt.Errorf("build address plan: %w", err)
	}

	svc, err := controller.New(log.Named("service"), plan)
	if err != nil {
		return fmt.Errorf("create controller service: %w", err)
	}

	// destroy_lp's peer-shutdown fanout (spec.md §4.4) dials each node
	// directly; wire.NodeIP is already the dialable host:port string.
	nodeRPC := rpcfabric.NewClient(rpcfabric.DefaultCredits, func(ip wire.NodeIP) string { return string(ip) })
	svc.SetShutdownFunc(func(ctx context.Context, ip wire.NodeIP, lpid wire.LPID) error {
		return nodeRPC.Call(ctx, ip, wire.KindShutdown, wire.ShutdownRequest{LPID: lpid}, nil)
	})

	rt := rpcfabric.NewRouter(log.Named("router"))
	svc.RegisterHandlers(rt)

	ln, err := net.Listen("tcp", cfg.bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.bindAddr, err)
	}
	srv := rpcfabric.NewServer(log.Named("rpc"), ln, rt)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("controller listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		_ = srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
