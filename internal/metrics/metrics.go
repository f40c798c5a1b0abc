package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SessionBinds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_session_binds_total",
		Help: "Total successful session binds to a CAN interface.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written by the session.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received by the session.",
	})
	RxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_timeouts_total",
		Help: "Receive polls that ended without a frame.",
	})
	RxLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_loops_running",
		Help: "Receive loops currently running.",
	})
	TapRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_rx_frames_total",
		Help: "Total CAN frames injected by tap clients.",
	})
	TapTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_frames_total",
		Help: "Total CAN frames mirrored to tap clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total tap connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected tap clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad length, checksum, extended id on a standard-only link).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBind       = "bind"
	ErrClose      = "close"
	ErrConfig     = "config"
	ErrSend       = "send"
	ErrReceive    = "receive"
	ErrTapRead    = "tap_read"
	ErrTapWrite   = "tap_write"
	ErrHandshake  = "handshake"
	ErrInject     = "inject"
	ErrInjectOver = "inject_overflow"
	ErrSerialRead = "serial_read"
)

// StartHTTP serves /metrics and /ready on addr in a background goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging without scraping.
var (
	localBinds      atomic.Uint64
	localTx         atomic.Uint64
	localRx         atomic.Uint64
	localTimeouts   atomic.Uint64
	localLoops      atomic.Int64
	localTapRx      atomic.Uint64
	localTapTx      atomic.Uint64
	localHubDrop    atomic.Uint64
	localHubKick    atomic.Uint64
	localHubReject  atomic.Uint64
	localHubClients atomic.Uint64
	localErrors     atomic.Uint64
	localMalformed  atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Binds      uint64
	Tx         uint64
	Rx         uint64
	RxTimeouts uint64
	RxLoops    int64
	TapRx      uint64
	TapTx      uint64
	HubDrops   uint64
	HubKicks   uint64
	HubRejects uint64
	HubClients uint64
	Errors     uint64 // sum across error labels
	Malformed  uint64
}

func Snap() Snapshot {
	return Snapshot{
		Binds:      localBinds.Load(),
		Tx:         localTx.Load(),
		Rx:         localRx.Load(),
		RxTimeouts: localTimeouts.Load(),
		RxLoops:    localLoops.Load(),
		TapRx:      localTapRx.Load(),
		TapTx:      localTapTx.Load(),
		HubDrops:   localHubDrop.Load(),
		HubKicks:   localHubKick.Load(),
		HubRejects: localHubReject.Load(),
		HubClients: localHubClients.Load(),
		Errors:     localErrors.Load(),
		Malformed:  localMalformed.Load(),
	}
}

func IncBind() { SessionBinds.Inc(); localBinds.Add(1) }
func IncTx()   { TxFrames.Inc(); localTx.Add(1) }
func IncRx()   { RxFrames.Inc(); localRx.Add(1) }

// IncRxTimeout counts an idle receive poll.
func IncRxTimeout() { RxTimeouts.Inc(); localTimeouts.Add(1) }

// LoopStarted / LoopStopped track running receive loops.
func LoopStarted() { RxLoops.Inc(); localLoops.Add(1) }
func LoopStopped() { RxLoops.Dec(); localLoops.Add(-1) }

func IncTapRx() { TapRxFrames.Inc(); localTapRx.Add(1) }

func AddTapTx(n int) {
	TapTxFrames.Add(float64(n))
	localTapTx.Add(uint64(n))
}

func IncHubDrop()   { HubDroppedFrames.Inc(); localHubDrop.Add(1) }
func IncHubKick()   { HubKickedClients.Inc(); localHubKick.Add(1) }
func IncHubReject() { HubRejectedClients.Inc(); localHubReject.Add(1) }

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() { MalformedFrames.Inc(); localMalformed.Add(1) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrBind, ErrClose, ErrConfig, ErrSend, ErrReceive,
		ErrTapRead, ErrTapWrite, ErrHandshake, ErrInject, ErrInjectOver, ErrSerialRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function; ready when none is set.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
