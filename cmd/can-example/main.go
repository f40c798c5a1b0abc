package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/hub"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
	"github.com/kstaniek/go-can-example/internal/receiver"
	"github.com/kstaniek/go-can-example/internal/session"
	"github.com/kstaniek/go-can-example/internal/tap"
	"github.com/kstaniek/go-can-example/internal/transport"
)

const injectQueueSize = 256

func main() {
	cfg, err := parseConfig(os.Args[1:], osLookup, os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}
	if cfg.showVersion {
		fmt.Printf("can-example %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err := run(cfg); err != nil {
		logging.L().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel() // runs before wg.Wait
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := newBackend(cfg)
	if err != nil {
		return err
	}
	newSession := func() *session.Session { return session.Open(be.dialer, session.WithLogger(l)) }
	con := &console{
		ctx:        ctx,
		newSession: newSession,
		sess:       newSession(),
		list:       be.list,
		rxTimeout:  cfg.rxTimeout,
		logger:     l,
		out:        os.Stdout,
	}
	defer con.shutdown()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && con.current().State() == session.Bound })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	if cfg.tapListen != "" {
		h, stopTap, err := startTap(ctx, cfg, con.send, &wg)
		if err != nil {
			return err
		}
		defer stopTap()
		con.taps = append(con.taps, h)
	}

	if cfg.iface != "" {
		con.exec("bind " + cfg.iface)
	}
	con.printf("type help for commands")
	if err := con.run(os.Stdin); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	l.Info("shutdown")
	return nil
}

// startTap serves the Cannelloni tap. Received frames reach it through the
// returned hub (a receiver sink); injected frames are queued into send.
func startTap(ctx context.Context, cfg *appConfig, send func(can.Frame) error, wg *sync.WaitGroup) (*hub.Hub, func(), error) {
	l := logging.L()
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy, _ = hub.ParsePolicy(cfg.hubPolicy)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)

	tx := transport.NewAsyncTx(ctx, injectQueueSize, send, transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrInject)
			l.Debug("tap_inject_send_failed", "id", fr.ID.String(), "error", err)
		},
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrInjectOver)
			return tap.ErrOverflow
		},
	})
	srv := tap.New(h, tx.SendFrame,
		tap.WithListenAddr(cfg.tapListen),
		tap.WithMaxClients(cfg.tapMaxClients),
		tap.WithHandshakeTimeout(cfg.tapHandshakeTO),
		tap.WithLogger(l),
	)
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr <- srv.Serve(ctx)
	}()
	select {
	case <-srv.Ready():
	case err := <-serveErr:
		tx.Close()
		return nil, nil, err
	}

	stopMDNS := func() {}
	if cfg.mdnsEnable {
		if port, err := portOf(srv.Addr()); err != nil {
			l.Warn("mdns_port_unknown", "addr", srv.Addr(), "error", err)
		} else if stop, err := startMDNS(ctx, cfg, port); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			stopMDNS = stop
			l.Info("mdns_started", "service", mdnsServiceType, "port", port)
		}
	}

	return h, func() {
		stopMDNS()
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer sdCancel()
		if err := srv.Shutdown(sdCtx); err != nil {
			l.Warn("tap_shutdown", "error", err)
		}
		tx.Close()
	}, nil
}

var _ receiver.Sink = (*hub.Hub)(nil)
