package recordmapper

import (
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the record mapper. A nil *Metrics
// records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
	triples  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reloads  *prometheus.CounterVec
	halted   prometheus.Gauge
}

// newMetrics creates and registers the record mapper metrics.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semrml_record_mapper_messages_total",
				Help: "Total input messages handled, by source and status",
			},
			[]string{"source", "status"},
		),
		triples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semrml_record_mapper_triples_total",
				Help: "Total RDF triples produced, by source",
			},
			[]string{"source"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semrml_record_mapper_map_duration_seconds",
				Help:    "Time spent mapping one input message",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"kind"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semrml_record_mapper_reloads_total",
				Help: "Mapping reloads, by status",
			},
			[]string{"status"},
		),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semrml_record_mapper_halted_triples_maps",
			Help: "Triples maps halted after a function resolution failure",
		}),
	}

	for _, err := range []error{
		registry.RegisterCounterVec("record_mapper", "messages_total", m.messages),
		registry.RegisterCounterVec("record_mapper", "triples_total", m.triples),
		registry.RegisterHistogramVec("record_mapper", "map_duration_seconds", m.duration),
		registry.RegisterCounterVec("record_mapper", "reloads_total", m.reloads),
		registry.RegisterGauge("record_mapper", "halted_triples_maps", m.halted),
	} {
		if err != nil {
			logger.Warn("Failed to register record-mapper metric", "error", err)
		}
	}

	return m
}

func (m *Metrics) observe(kind, source, status string, triples int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(source, status).Inc()
	if triples > 0 {
		m.triples.WithLabelValues(source).Add(float64(triples))
	}
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) reload(status string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(status).Inc()
}

func (m *Metrics) setHalted(n int) {
	if m == nil {
		return
	}
	m.halted.Set(float64(n))
}
