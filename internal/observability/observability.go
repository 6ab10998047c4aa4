// Package observability provides structured logging and Prometheus
// metrics for DiamondWire.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Level is debug/info/warn/error,
// format is json or console. The logger is passed explicitly into every
// component; there is no package-level global.
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	switch format {
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json", "":
		cfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return cfg.Build()
}

// Metrics holds the Prometheus instruments for ingestion and
// correlation.
type Metrics struct {
	registry *prometheus.Registry

	RecordsNormalized *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	EventsWritten     *prometheus.CounterVec
	ChunksFailed      *prometheus.CounterVec

	CorrelationRequests *prometheus.CounterVec
	CorrelationDuration prometheus.Histogram
}

// NewMetrics registers the instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RecordsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diamondwire_records_normalized_total",
			Help: "Feed records surviving normalization, by source.",
		}, []string{"source"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diamondwire_records_skipped_total",
			Help: "Feed records dropped for unsupported type or missing value, by source.",
		}, []string{"source"}),
		EventsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diamondwire_events_written_total",
			Help: "Attribution events committed to the knowledge base, by source.",
		}, []string{"source"}),
		ChunksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diamondwire_chunks_failed_total",
			Help: "Rolled-back batch writer chunks, by source.",
		}, []string{"source"}),
		CorrelationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "diamondwire_correlation_requests_total",
			Help: "Correlation queries answered, by verdict.",
		}, []string{"verdict"}),
		CorrelationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "diamondwire_correlation_duration_seconds",
			Help:    "Correlation query latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
