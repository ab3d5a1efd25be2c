package extensions

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reflowlabs/reflow"
)

// Metrics counts operations and observes their latency per kind and
// outcome.
type Metrics struct {
	reflow.BaseExtension
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates a metrics extension registered against the given
// registerer; pass prometheus.DefaultRegisterer for the process default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BaseExtension: reflow.NewBaseExtension("metrics"),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflow",
			Name:      "operations_total",
			Help:      "Operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reflow",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.operations, m.duration)
	return m
}

func (m *Metrics) Wrap(ctx context.Context, next func() (any, error), op *reflow.Operation) (any, error) {
	start := time.Now()
	result, err := next()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(string(op.Kind), outcome).Inc()
	m.duration.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())
	return result, err
}
