package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-example/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, s metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"binds", s.Binds,
		"tx", s.Tx,
		"rx", s.Rx,
		"rx_timeouts", s.RxTimeouts,
		"rx_loops", s.RxLoops,
		"tap_rx", s.TapRx,
		"tap_tx", s.TapTx,
		"tap_clients", s.HubClients,
		"hub_drops", s.HubDrops,
		"malformed", s.Malformed,
		"errors", s.Errors,
	)
}
