package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Run metrics
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	IoCsTotal        *prometheus.CounterVec
	DrainSeconds     prometheus.Histogram
	LureErrors       prometheus.Counter
	RunsActive       prometheus.Gauge

	// Broker metrics
	PublishTotal     *prometheus.CounterVec
	MessagesConsumed *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the health endpoint
type Snapshot struct {
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	ActiveRuns    int64
	IoCs          int64
}

// NewMetrics registers metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers metrics with reg, so tests and embedders can use
// their own registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		// Run metrics
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_runs_total",
				Help: "Total number of finished analysis runs",
			},
			[]string{"outcome"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_run_duration_seconds",
				Help:    "Analysis run duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_state_transitions_total",
				Help: "Total number of orchestrator state transitions",
			},
			[]string{"state"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_stage_duration_seconds",
				Help:    "Time spent in each orchestrator stage",
				Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage", "status"},
		),
		IoCsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_iocs_total",
				Help: "Total number of IoCs captured",
			},
			[]string{"kind"},
		),
		DrainSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_drain_seconds",
				Help:    "Computed drain window in seconds",
				Buckets: []float64{.5, 1, 2, 5, 11, 30},
			},
		),
		LureErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_lure_errors_total",
				Help: "Total number of element interactions that failed",
			},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_runs_active",
				Help: "Number of runs in progress",
			},
		),

		// Broker metrics
		PublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_publish_total",
				Help: "Total number of published records",
			},
			[]string{"record", "status"},
		),
		MessagesConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_messages_consumed_total",
				Help: "Total number of analysis requests received",
			},
			[]string{"status"},
		),

		// System metrics
		Uptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
	return m
}

// Run keeps the uptime gauge current until stop is closed.
func (m *Metrics) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-stop:
			return
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RunStarted marks a run as in progress.
func (m *Metrics) RunStarted() {
	m.RunsActive.Inc()
	m.mu.Lock()
	m.snapshot.RunsStarted++
	m.snapshot.ActiveRuns++
	m.mu.Unlock()
}

// RunFinished records a run's outcome ("success" or "failure").
func (m *Metrics) RunFinished(outcome string, duration time.Duration) {
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.ActiveRuns--
	if outcome == "success" {
		m.snapshot.RunsSucceeded++
	} else {
		m.snapshot.RunsFailed++
	}
	m.mu.Unlock()
}

// RecordTransition counts entry into a state.
func (m *Metrics) RecordTransition(state string) {
	m.StateTransitions.WithLabelValues(state).Inc()
}

// RecordIoC counts one captured IoC.
func (m *Metrics) RecordIoC(kind string) {
	m.IoCsTotal.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.IoCs++
	m.mu.Unlock()
}

// RecordDrain observes a computed drain window.
func (m *Metrics) RecordDrain(d time.Duration) {
	m.DrainSeconds.Observe(d.Seconds())
}

// AddLureErrors counts failed element interactions.
func (m *Metrics) AddLureErrors(n int) {
	if n > 0 {
		m.LureErrors.Add(float64(n))
	}
}

// RecordPublish counts a publish attempt.
func (m *Metrics) RecordPublish(record, status string) {
	m.PublishTotal.WithLabelValues(record, status).Inc()
}

// RecordMessage counts a consumed analysis request.
func (m *Metrics) RecordMessage(status string) {
	m.MessagesConsumed.WithLabelValues(status).Inc()
}

// Snapshot returns current values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
