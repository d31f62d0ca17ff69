package streamjoin

import (
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/metric"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/semrml/join"
)

// Metrics holds Prometheus metrics for the stream join. A nil *Metrics
// records nothing.
type Metrics struct {
	records   *prometheus.CounterVec
	pairs     prometheus.Counter
	watermark prometheus.Gauge
}

// newMetrics creates and registers the stream join metrics.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semrml_stream_join_records_total",
				Help: "Records received, by side and outcome (submitted, unkeyed, wrong_source)",
			},
			[]string{"side", "status"},
		),
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semrml_stream_join_pairs_total",
			Help: "Joined pairs emitted",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semrml_stream_join_watermark_seconds",
			Help: "Current watermark as Unix time",
		}),
	}

	for _, err := range []error{
		registry.RegisterCounterVec("stream_join", "records_total", m.records),
		registry.RegisterCounter("stream_join", "pairs_total", m.pairs),
		registry.RegisterGauge("stream_join", "watermark_seconds", m.watermark),
	} {
		if err != nil {
			logger.Warn("Failed to register stream-join metric", "error", err)
		}
	}
	return m
}

func (m *Metrics) record(side join.Side, status string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(side.String(), status).Inc()
}

func (m *Metrics) emitted() {
	if m == nil {
		return
	}
	m.pairs.Inc()
}

func (m *Metrics) setWatermark(t time.Time) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(t.UnixMilli()) / 1000)
}
