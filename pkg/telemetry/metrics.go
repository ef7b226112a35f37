package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for modeld. A Metrics created from a
// disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	transitions  *prometheus.CounterVec
	casConflicts prometheus.Counter

	// Job metrics
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queuedJobs  prometheus.Gauge

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_transitions_total",
				Help:      "Total number of applied model state transitions",
			},
			[]string{"from", "to", "event"},
		),
		casConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Total number of lost compare-and-swap updates",
			},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of finished jobs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		queuedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_jobs",
				Help:      "Current number of jobs waiting for a worker",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.casConflicts,
		m.jobs,
		m.jobDuration,
		m.queuedJobs,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// RecordTransition counts an applied transition.
func (m *Metrics) RecordTransition(from, to, event string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, event).Inc()
}

// RecordCASConflict counts a lost compare-and-swap.
func (m *Metrics) RecordCASConflict() {
	if m.casConflicts == nil {
		return
	}
	m.casConflicts.Inc()
}

// ModelCounter returns the number of live models per state.
type ModelCounter func(ctx context.Context) (map[string]int, error)

// RegisterModelCounter exposes a models{state} gauge computed by count on
// every scrape.
func (m *Metrics) RegisterModelCounter(count ModelCounter, logger zerolog.Logger) error {
	if m.registry == nil {
		return nil
	}
	return m.registry.Register(&modelStateCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(m.config.Namespace, "", "models"),
			"Current number of models by state",
			[]string{"state"}, nil,
		),
		count:  count,
		logger: logger,
	})
}

type modelStateCollector struct {
	desc   *prometheus.Desc
	count  ModelCounter
	logger zerolog.Logger
}

func (c *modelStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *modelStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to count models by state")
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}

// RecordJob records a finished job. It satisfies executor.MetricsRecorder.
func (m *Metrics) RecordJob(kind, outcome string, duration time.Duration) {
	if m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueuedJobs sets the current number of queued jobs.
func (m *Metrics) SetQueuedJobs(n int) {
	if m.queuedJobs == nil {
		return
	}
	m.queuedJobs.Set(float64(n))
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves metrics on the configured address in the
// background. Stop it with Shutdown.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", m.config.Path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server if it is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
