package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for rackcycle runs. All Record
// methods are safe on a disabled (nil-instrument) instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runActive   prometheus.Gauge
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Phase metrics
	phaseDuration *prometheus.HistogramVec

	// Target metrics
	targetsTotal *prometheus.CounterVec

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	// Await metrics
	pollsTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_active",
				Help:      "Whether a run is currently executing",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by plan and outcome",
			},
			[]string{"plan", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of complete runs in seconds",
				Buckets:   buckets,
			},
			[]string{"plan", "outcome"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "operation"},
		),

		targetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targets_total",
				Help:      "Total number of target results by outcome",
			},
			[]string{"outcome"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of strategy attempts by phase, adapter kind, and outcome",
			},
			[]string{"phase", "kind", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of strategy attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),

		pollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of convergence poll probes",
			},
		),
	}

	registry.MustRegister(
		m.runActive,
		m.runsTotal,
		m.runDuration,
		m.phaseDuration,
		m.targetsTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.pollsTotal,
	)

	return m, nil
}

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if m.runActive == nil {
		return
	}
	m.runActive.Set(1)
}

// RecordRunCompleted records a finished run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(plan, outcome string, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(plan, outcome).Inc()
	m.runDuration.WithLabelValues(plan, outcome).Observe(duration.Seconds())
	m.runActive.Set(0)
}

// RecordPhase records the duration of one executed phase.
func (m *Metrics) RecordPhase(phase, operation string, duration time.Duration) {
	if m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, operation).Observe(duration.Seconds())
}

// RecordTarget records one per-target result outcome.
func (m *Metrics) RecordTarget(outcome string) {
	if m.targetsTotal == nil {
		return
	}
	m.targetsTotal.WithLabelValues(outcome).Inc()
}

// RecordAttempt records one strategy attempt.
func (m *Metrics) RecordAttempt(phase, kind, operation, outcome string, duration time.Duration) {
	if m.attemptsTotal == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(phase, kind, outcome).Inc()
	m.attemptDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordPolls counts completed convergence probes.
func (m *Metrics) RecordPolls(count int) {
	if m.pollsTotal == nil || count <= 0 {
		return
	}
	m.pollsTotal.Add(float64(count))
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer starts an HTTP server exposing the metrics endpoint. It
// is a no-op when metrics are disabled or no listen address is set.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return nil
}
