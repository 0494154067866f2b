// Command veilclient runs the session core as a standalone daemon:
// it loads configuration, starts the dialer cache and session
// supervisor, and serves the control API over a UNIX socket until it
// receives a termination signal.
//
// Grounded on the teacher's krd/main.go: SetupLogging before anything
// else, a recover-and-log-panic top-level defer, goroutines per served
// listener, a "launched" banner log line, and signal.Notify on
// SIGINT/SIGTERM/SIGHUP/SIGQUIT for shutdown.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"

	"github.com/veilmesh/veilclient/control"
	"github.com/veilmesh/veilclient/dialer"
	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/internal/config"
	"github.com/veilmesh/veilclient/internal/routeledger"
	"github.com/veilmesh/veilclient/internal/stats"
	"github.com/veilmesh/veilclient/internal/vlog"
	"github.com/veilmesh/veilclient/session"
	"github.com/veilmesh/veilclient/transport"
)

var log = vlog.New("main")

func main() {
	configPath := flag.String("config", "", "path to veilclient's TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	vlog.Setup(logging.INFO, cfg.LogSyslog)

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("run time panic: %v", x)
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	route, err := staticRouteSource(cfg)
	if err != nil {
		log.Fatalf("building route source: %v", err)
	}

	dialerCache := dialer.NewCache(route, cfg.RefreshInterval)
	queue := dispatch.New()
	ledger := routeledger.New()
	sink := stats.NewRegistry()

	sup := session.NewSupervisor(session.Config{
		WorkerCount:     cfg.WorkerCount,
		DialAuthTimeout: cfg.DialAuthTimeout,
		PingInterval:    cfg.PingInterval,
		PingTimeout:     cfg.PingTimeout,
		RetryDelay:      cfg.RetryDelay,
	}, dialerCache, queue, ledger, nil, sink)

	// The connection frontend (frontend.Frontend) is built and driven by
	// whatever owns the public entrypoint in this deployment — a tun
	// device or userspace socks server, both out of scope here (spec
	// §1) — wired against this same queue, dialerCache-backed
	// supervisor, and sink.

	controlListener, err := control.Listen(cfg.ControlSocket)
	if err != nil {
		log.Fatalf("listening on control socket %s: %v", cfg.ControlSocket, err)
	}
	defer controlListener.Close()

	controlServer := control.New(sup.State(), sink, queue)
	go func() {
		if err := controlServer.Serve(controlListener); err != nil {
			log.Errorf("control server returned: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	log.Notice("veilclient launched and listening on UNIX socket")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-stopSignal
	log.Noticef("stopping with signal %v", sig)
	cancel()
}

// staticRouteSource builds the minimal dialer.RouteSource the route-
// discovery subsystem would otherwise supply (spec §1: route discovery
// is an external, interfaces-only collaborator). It always dials the
// single exit named in cfg.StaticExit.
func staticRouteSource(cfg config.Config) (dialer.RouteSource, error) {
	if cfg.StaticExit == nil {
		return nil, fmt.Errorf("no static_exit configured and no route-discovery subsystem is wired in")
	}
	exit := *cfg.StaticExit

	pubKey, err := hex.DecodeString(exit.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding static_exit.public_key_hex: %w", err)
	}

	var sharedSecret []byte
	if exit.SharedSecretHex != "" {
		sharedSecret, err = hex.DecodeString(exit.SharedSecretHex)
		if err != nil {
			return nil, fmt.Errorf("decoding static_exit.shared_secret_hex: %w", err)
		}
	}

	return dialer.RouteSourceFunc(func(ctx context.Context) (dialer.DialerSnapshot, error) {
		dialFn := func(ctx context.Context) (transport.Pipe, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, "tcp", exit.Address)
			if err != nil {
				return nil, err
			}
			return transport.NewRawPipe(conn, exit.Protocol, sharedSecret), nil
		}
		return dialer.NewDialerSnapshot(pubKey, exit.Identity, exit.Protocol, dialFn), nil
	}), nil
}
