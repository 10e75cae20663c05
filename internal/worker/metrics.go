package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "himawari"
	metricsSubsystem = "worker"
)

// Metrics are the pool's Prometheus collectors.
type Metrics struct {
	processingDuration *prometheus.HistogramVec
	tasksProcessed     *prometheus.CounterVec
	queueSize          prometheus.Gauge
	busySlots          prometheus.Gauge
}

// NewMetrics creates the pool collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "task_processing_duration_seconds",
				Help:      "Duration of composite processing in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"composite", "status"},
		),
		tasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_processed_total",
				Help:      "Total number of processing attempts by outcome",
			},
			[]string{"composite", "status"},
		),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_queue_size",
			Help:      "Current number of pending tasks in the local queue",
		}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "busy_slots",
			Help:      "Number of slots currently processing a task",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.processingDuration,
			m.tasksProcessed,
			m.queueSize,
			m.busySlots,
		)
	}

	return m
}

func (m *Metrics) observe(composite, status string, took time.Duration) {
	m.processingDuration.WithLabelValues(composite, status).Observe(took.Seconds())
	m.tasksProcessed.WithLabelValues(composite, status).Inc()
}
