package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Record kinds counted by Metrics.AddRecords.
const (
	RecordsRead      = "read"
	RecordsEmitted   = "emitted"
	RecordsDuplicate = "duplicate"
)

// MetricsRecorder observes the outcome of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	AddRecords(kind string, n int)
	AddCandidates(n int)
}

var _ MetricsRecorder = (*Metrics)(nil)

// Metrics keeps donorbase counters in a private prometheus registry so that a
// short lived CLI run can dump them to a node-exporter textfile.
type Metrics struct {
	registry   *prometheus.Registry
	durations  *prometheus.HistogramVec
	records    *prometheus.CounterVec
	candidates prometheus.Counter
}

// NewMetrics registers the donorbase collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "donorbase",
			Name:      "operation_duration_seconds",
			Help:      "Duration of donorbase operations by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "donorbase",
			Name:      "records_total",
			Help:      "Records processed by the merge engine by kind.",
		}, []string{"kind"}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "donorbase",
			Name:      "candidates_total",
			Help:      "Donor candidates returned by compatibility searches.",
		}),
	}
	m.registry.MustRegister(m.durations, m.records, m.candidates)
	return m
}

// Observe implements MetricsRecorder.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// AddRecords increments the record counter for kind.
func (m *Metrics) AddRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	m.records.WithLabelValues(kind).Add(float64(n))
}

// AddCandidates increments the candidate counter.
func (m *Metrics) AddCandidates(n int) {
	if n <= 0 {
		return
	}
	m.candidates.Add(float64(n))
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// WriteTextfile writes the current metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
