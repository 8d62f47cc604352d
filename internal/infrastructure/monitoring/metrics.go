package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tracing service.
type Metrics struct {
	// Connection metrics
	ProducersConnected prometheus.Gauge
	ConsumersConnected prometheus.Gauge
	DataSources        prometheus.Gauge

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsFreed   prometheus.Counter

	// Buffer metrics
	BuffersAllocated   prometheus.Gauge
	ChunksCopied       prometheus.Counter
	ChunkBytesCopied   prometheus.Counter
	TornChunksSkipped  prometheus.Counter
	StaleChunksDropped prometheus.Counter
	PagesWritten       prometheus.Counter
	ReadBytes          prometheus.Histogram

	// HTTP metrics (admin API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry, so independent
// service instances (and tests) never collide on collector registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		ProducersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_producers_connected",
			Help: "Number of currently connected producers",
		}),
		ConsumersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_consumers_connected",
			Help: "Number of currently connected consumers",
		}),
		DataSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_data_sources_registered",
			Help: "Number of registered data sources across all producers",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_sessions_active",
			Help: "Number of live tracing sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_sessions_started_total",
			Help: "Total tracing sessions started",
		}),
		SessionsFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_sessions_freed_total",
			Help: "Total tracing sessions freed",
		}),

		BuffersAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_buffers_allocated",
			Help: "Number of central trace buffers currently allocated",
		}),
		ChunksCopied: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_chunks_copied_total",
			Help: "Chunks copied from shared memory into central buffers",
		}),
		ChunkBytesCopied: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_chunk_bytes_copied_total",
			Help: "Payload bytes copied from shared memory into central buffers",
		}),
		TornChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_torn_chunks_skipped_total",
			Help: "Chunks observed still being written during a scan and deferred",
		}),
		StaleChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_stale_chunks_dropped_total",
			Help: "Complete chunks dropped because their target buffer was already freed",
		}),
		PagesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracehub_buffer_pages_written_total",
			Help: "Pages written into central trace buffers, including overwrites",
		}),
		ReadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracehub_read_bytes",
			Help:    "Bytes delivered per ReadBuffers call",
			Buckets: []float64{1024, 16384, 262144, 1048576, 16777216, 268435456},
		}),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_http_requests_total",
				Help: "Total admin API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracehub_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracehub_uptime_seconds",
			Help: "Service uptime in seconds",
		}),
	}

	return m
}

// Registry returns the registry backing this collector, for the /metrics
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordHTTPRequest records one admin API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
