// Copyright 2025 Certen Protocol
//
// Metrics - Prometheus registration for the observability points named
// by the engine's components: poll counters, reorg counters, window state
// gauges, TCS histograms.
//
// One registry per process; components receive it at construction.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/stablecoin-risk-engine/pkg/event"
)

// Config configures the /metrics HTTP endpoint.
type Config struct {
	Enabled bool
	Addr    string
	Path    string
}

// DefaultConfig returns the stock metrics endpoint settings.
func DefaultConfig() Config {
	return Config{Enabled: true, Addr: "0.0.0.0:9090", Path: "/metrics"}
}

// Registry wraps the collectors this module registers against a
// dedicated prometheus.Registry (never the global default, so tests
// and multiple Registry instances in one process don't collide).
type Registry struct {
	reg *prometheus.Registry

	pollsTotal        *prometheus.CounterVec
	reorgsTotal       *prometheus.CounterVec
	windowStateGauge  *prometheus.GaugeVec
	windowAgeGauge    *prometheus.GaugeVec
	snapshotsTotal    *prometheus.CounterVec
	tcsHistogram      *prometheus.HistogramVec
	circuitStateGauge *prometheus.GaugeVec
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		pollsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "risk_engine_block_monitor_polls_total",
			Help: "Total block monitor poll cycles, by chain.",
		}, []string{"chain"}),
		reorgsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "risk_engine_reorgs_detected_total",
			Help: "Total chain reorgs detected, by chain.",
		}, []string{"chain"}),
		windowStateGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_engine_window_state",
			Help: "Current lifecycle state of a window (0=OPEN, 1=PROVISIONAL, 2=FINAL), by window_id.",
		}, []string{"window_id"}),
		windowAgeGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_engine_window_age_seconds",
			Help: "Seconds since a PROVISIONAL window's end, surfacing chain-stall stuck windows.",
		}, []string{"window_id"}),
		snapshotsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "risk_engine_snapshots_emitted_total",
			Help: "Total AggregatedRiskSnapshots emitted, by coin.",
		}, []string{"coin"}),
		tcsHistogram: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_engine_tcs",
			Help:    "Distribution of emitted Temporal Confidence Scores, by coin.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}, []string{"coin"}),
		circuitStateGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_engine_source_circuit_state",
			Help: "Current circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN), by source.",
		}, []string{"source"}),
	}
	return r
}

func windowStateValue(state event.WindowState) float64 {
	switch state {
	case event.WindowOpen:
		return 0
	case event.WindowProvisional:
		return 1
	case event.WindowFinal:
		return 2
	default:
		return -1
	}
}

// ObserveWindowState implements window.Metrics.
func (r *Registry) ObserveWindowState(windowID string, state event.WindowState) {
	r.windowStateGauge.WithLabelValues(windowID).Set(windowStateValue(state))
}

// ObserveWindowAge implements window.Metrics (seconds since the
// window's end).
func (r *Registry) ObserveWindowAge(windowID string, age time.Duration) {
	r.windowAgeGauge.WithLabelValues(windowID).Set(age.Seconds())
}

// ObserveSnapshotEmitted implements window.Metrics.
func (r *Registry) ObserveSnapshotEmitted(coin string) {
	r.snapshotsTotal.WithLabelValues(coin).Inc()
}

// ObserveTCS records a computed TCS value against its coin's histogram.
func (r *Registry) ObserveTCS(coin string, tcs float64) {
	r.tcsHistogram.WithLabelValues(coin).Observe(tcs)
}

// IncPoll increments the block monitor poll counter for chain.
func (r *Registry) IncPoll(chain string) {
	r.pollsTotal.WithLabelValues(chain).Inc()
}

// IncReorg increments the reorg counter for chain.
func (r *Registry) IncReorg(chain string) {
	r.reorgsTotal.WithLabelValues(chain).Inc()
}

// SetCircuitState records a source's current circuit breaker state.
func (r *Registry) SetCircuitState(source string, state int) {
	r.circuitStateGauge.WithLabelValues(source).Set(float64(state))
}

// Handler returns the HTTP handler to mount at Config.Path.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing the registry at cfg.Path,
// returning immediately; the caller owns shutdown via the returned
// *http.Server.
func Serve(cfg Config, r *Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, r.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
