// Command corelp-node runs one LP server: the proclet manager, the
// invocation engine, the migrator, and the two periodic tasks that
// watch this node's own pressure and report its free resource to the
// controller (spec.md C4, C8, C9, C10, C11).
package main

import (
	"context"
	"crypto/md5"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/nu-lp/corelp/internal/ctrlclient"
	"github.com/nu-lp/corelp/internal/invoke"
	"github.com/nu-lp/corelp/internal/migrate"
	"github.com/nu-lp/corelp/internal/pressure"
	"github.com/nu-lp/corelp/internal/proclet"
	"github.com/nu-lp/corelp/internal/resource"
	"github.com/nu-lp/corelp/internal/rpcfabric"
	"github.com/nu-lp/corelp/internal/wire"
)

// config is the node binary's {controller_ip, lpid, isolated?} triple
// of spec.md §6, plus the ambient bind/logging flags SPEC_FULL.md §2
// adds.
type config struct {
	controllerAddr string
	bindAddr       string
	migrateAddr    string
	lpid           uint
	isolated       bool
	imageVersion   string
	logLevel       string
	migrateRateBPS int64
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("corelp-node", flag.ContinueOnError)
	cfg := config{}
	fs.StringVar(&cfg.controllerAddr, "controller", "", "controller RPC address (required)")
	fs.StringVar(&cfg.bindAddr, "bind", "0.0.0.0:7901", "address this node's RPC listener binds to")
	fs.StringVar(&cfg.migrateAddr, "migrate-bind", "", "address this node's migration listener binds to (default: rpc port + 1)")
	fs.UintVar(&cfg.lpid, "lpid", 0, "logical process id to join (0 = create a new one)")
	fs.BoolVar(&cfg.isolated, "isolated", false, "exclude this node from migration placement and round-robin")
	fs.StringVar(&cfg.imageVersion, "image-version", "dev", "build identifier hashed into the register_node image-hash check")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.Int64Var(&cfg.migrateRateBPS, "migrate-rate-bytes-per-sec", 0, "optional migration bandwidth cap, 0 = unthrottled (spec.md §4.3 benchmarking knob)")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.controllerAddr == "" {
		return config{}, fmt.Errorf("-controller is required")
	}
	if cfg.migrateAddr == "" {
		addr, err := deriveMigrateAddr(cfg.bindAddr)
		if err != nil {
			return config{}, fmt.Errorf("derive -migrate-bind from -bind: %w", err)
		}
		cfg.migrateAddr = addr
	}
	return cfg, nil
}

// deriveMigrateAddr picks the migration listener's default port as the
// RPC port + 1, so a single-binary deployment needs only one address
// flag in the common case; an operator running several nodes per host
// passes -migrate-bind explicitly.
func deriveMigrateAddr(bindAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("non-numeric port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "corelp-node",
		Level: hclog.LevelFromString(cfg.logLevel),
	})

	if err := run(cfg, log); err != nil {
		log.Error("node exited with error", "error", err)
		os.Exit(1)
	}
}

func imageHash(version string) [16]byte {
	return md5.Sum([]byte(version))
}

func run(cfg config, log hclog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.bindAddr, err)
	}
	self := wire.NodeIP(ln.Addr().String())

	migLn, err := net.Listen("tcp", cfg.migrateAddr)
	if err != nil {
		return fmt.Errorf("listen on migration addr %s: %w", cfg.migrateAddr, err)
	}

	// Every peer, including the controller, is addressed by its
	// dialable host:port string directly (internal/wire.NodeIP's
	// contract); a real deployment needs no separate name resolution
	// step.
	ctrlRPC := rpcfabric.NewClient(rpcfabric.DefaultCredits, func(wire.NodeIP) string { return cfg.controllerAddr })
	ctrl, err := ctrlclient.New(ctrlRPC, wire.NodeIP(cfg.controllerAddr))
	if err != nil {
		return fmt.Errorf("create controller client: %w", err)
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	regResp, err := ctrl.RegisterNode(regCtx, wire.RegisterNodeRequest{
		IP:        self,
		LPID:      wire.LPID(cfg.lpid),
		ImageHash: imageHash(cfg.imageVersion),
		Isolated:  cfg.isolated,
	})
	regCancel()
	if err != nil {
		return fmt.Errorf("register_node: %w", err)
	}
	if !regResp.OK {
		return fmt.Errorf("register_node refused")
	}
	lpid := regResp.LPID
	log.Info("registered with controller", "lpid", lpid, "self", self, "stack_cluster_base", regResp.StackClusterBase)

	manager := proclet.NewManager(proclet.NewStatusTable())

	// A node also needs to resolve its peers' rpc and migration
	// addresses. Peer rpc addresses are NodeIP verbatim; peer migration
	// addresses are always derived as rpc-port+1, the same convention
	// this node's own -migrate-bind default follows; a peer whose
	// -migrate-bind uses another port is not reached by this derivation.
	peerRPCAddr := func(ip wire.NodeIP) string { return string(ip) }
	peerMigrateAddr := func(ip wire.NodeIP) (string, error) { return deriveMigrateAddr(string(ip)) }

	peerRPC := rpcfabric.NewClient(rpcfabric.DefaultCredits, peerRPCAddr)
	engine := invoke.New(log.Named("invoke"), self, lpid, manager, ctrl, peerRPC)
	engine.ShutdownFunc = func(shutdownLPID wire.LPID) {
		log.Info("received shutdown from controller", "lpid", shutdownLPID)
		cancel()
	}

	rt := rpcfabric.NewRouter(log.Named("router"))
	engine.RegisterHandlers(rt)
	rpcSrv := rpcfabric.NewServer(log.Named("rpc"), ln, rt)

	dial := func(dialCtx context.Context, peer wire.NodeIP) (net.Conn, error) {
		addr, err := peerMigrateAddr(peer)
		if err != nil {
			return nil, fmt.Errorf("derive migration address for %s: %w", peer, err)
		}
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", addr)
	}
	migrator := migrate.New(log.Named("migrate"), self, lpid, manager, ctrl, engine, dial, rate.Limit(cfg.migrateRateBPS))

	pressureHandler := pressure.New(log.Named("pressure"), self, lpid, manager, ctrl, migrator, pressure.Config{})
	resourceReporter := resource.New(log.Named("resource"), self, lpid, ctrl, 0)

	errCh := make(chan error, 4)
	go func() { errCh <- rpcSrv.Serve(ctx) }()
	go func() { errCh <- migrator.Serve(ctx, migLn) }()
	go func() { errCh <- pressureHandler.Run(ctx) }()
	go func() { errCh <- resourceReporter.Run(ctx) }()

	log.Info("node serving", "rpc_addr", ln.Addr().String(), "migrate_addr", migLn.Addr().String())

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		_ = rpcSrv.Close()
		migrator.Close()
		pressureHandler.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
