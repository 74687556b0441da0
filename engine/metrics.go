package engine

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the execution engine. All metrics use
// the consolebox_ namespace.
type Metrics struct {
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ClassificationsTotal *prometheus.CounterVec
	LeasedSlots          prometheus.Gauge
	AuditDroppedTotal    prometheus.Counter
}

// NewMetrics creates and registers engine metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consolebox",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total calls by operation and terminal status.",
		}, []string{"operation", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consolebox",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Duration of admitted executions in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"operation"}),

		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consolebox",
			Subsystem: "safety",
			Name:      "classifications_total",
			Help:      "Total classifications by decision.",
		}, []string{"safe", "read_only"}),

		LeasedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "consolebox",
			Subsystem: "pool",
			Name:      "leased_slots",
			Help:      "Number of currently leased execution slots.",
		}),

		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consolebox",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Total audit entries dropped.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ClassificationsTotal,
		m.LeasedSlots,
		m.AuditDroppedTotal,
	)

	return m
}

func (m *Metrics) classified(safe, readOnly bool) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(strconv.FormatBool(safe), strconv.FormatBool(readOnly)).Inc()
}

func (m *Metrics) finished(operation, status string, elapsed time.Duration, executed bool) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(operation, status).Inc()
	if executed {
		m.ExecutionDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

// ObserveLeases is a pool observer updating the leased slots gauge.
func (m *Metrics) ObserveLeases(leased int) {
	if m == nil {
		return
	}
	m.LeasedSlots.Set(float64(leased))
}

// AuditDropped is an audit drop observer.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}
