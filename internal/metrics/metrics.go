// Package metrics exposes the engine's Prometheus metrics and the small
// read-only HTTP surface serving them.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the metrics listener.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, ListenAddr: ":9090"}
}

// Registry holds every engine metric on its own Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	Decisions         *prometheus.CounterVec
	BreakerTrips      *prometheus.CounterVec
	IntegrityEvents   prometheus.Counter
	TickDuration      prometheus.Histogram
	TicksSkipped      prometheus.Counter
	CompositeScore    prometheus.Gauge
	MarginUtilization prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantguard_decisions_total",
		Help: "Signal pipeline outcomes by decision and reason code",
	}, []string{"outcome", "reason"})

	r.BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantguard_breaker_trips_total",
		Help: "Circuit breaker trips by condition",
	}, []string{"condition"})

	r.IntegrityEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantguard_integrity_events_total",
		Help: "Fatal integrity events (missing protective orders, hash mismatches)",
	})

	r.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantguard_tick_duration_seconds",
		Help:    "Duration of each evaluation tick",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	r.TicksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantguard_ticks_skipped_total",
		Help: "Ticks skipped because candle data was stale",
	})

	r.CompositeScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantguard_composite_score",
		Help: "Most recent composite signal score",
	})

	r.MarginUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantguard_margin_utilization_pct",
		Help: "Margin utilization of the open position, percent",
	})

	r.registry.MustRegister(
		r.Decisions, r.BreakerTrips, r.IntegrityEvents,
		r.TickDuration, r.TicksSkipped, r.CompositeScore, r.MarginUtilization,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// NewServer builds the read-only HTTP server with /metrics and /health.
func NewServer(cfg Config, reg *Registry) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
