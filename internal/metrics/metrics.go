package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adminops"

var (
	once sync.Once

	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the queue by type and priority.",
		},
		[]string{"type", "priority"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Task executions by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	taskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Tasks rescheduled after a transient failure.",
		},
		[]string{"type"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler execution time by task type.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks currently held by the queue by status.",
		},
		[]string{"status"},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently executing a task.",
		},
	)

	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency by system.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"system"},
	)

	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed health probes by system.",
		},
		[]string{"system"},
	)

	systemHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_healthy",
			Help:      "1 when the system is healthy, 0 when unhealthy, -1 when unknown.",
		},
		[]string{"system"},
	)

	systemErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_error_rate",
			Help:      "Share of failing probes in the sliding window.",
		},
		[]string{"system"},
	)

	healthAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_alerts_total",
			Help:      "Alerts raised on entry into the unhealthy state.",
		},
		[]string{"system"},
	)

	syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Finished sync operations by type and status.",
		},
		[]string{"sync_type", "status"},
	)

	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Records handled by sync operations by action.",
		},
		[]string{"action"},
	)

	syncConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Records changed on both sides of a sync pair.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			tasksEnqueued,
			tasksProcessed,
			taskRetries,
			taskDuration,
			queueDepth,
			workersBusy,
			probeDuration,
			probeFailures,
			systemHealthy,
			systemErrorRate,
			healthAlerts,
			syncOperations,
			syncRecords,
			syncConflicts,
		)
	})
}

func IncEnqueued(taskType, priority string) {
	tasksEnqueued.WithLabelValues(taskType, priority).Inc()
}

// ObserveTask records one finished execution of a handler.
func ObserveTask(taskType, outcome string, d time.Duration) {
	tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func IncRetry(taskType string) {
	taskRetries.WithLabelValues(taskType).Inc()
}

// SetQueueDepth publishes per-status counts, resetting statuses that are absent.
func SetQueueDepth(byStatus map[string]int) {
	queueDepth.Reset()
	for status, n := range byStatus {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func WorkerBusy() { workersBusy.Inc() }
func WorkerIdle() { workersBusy.Dec() }

func ObserveProbe(system string, d time.Duration, ok bool) {
	probeDuration.WithLabelValues(system).Observe(d.Seconds())
	if !ok {
		probeFailures.WithLabelValues(system).Inc()
	}
}

// SetSystemHealth maps a health state string onto the system_healthy gauge.
func SetSystemHealth(system, state string, errorRate float64) {
	v := -1.0
	switch state {
	case "healthy":
		v = 1
	case "unhealthy":
		v = 0
	}
	systemHealthy.WithLabelValues(system).Set(v)
	systemErrorRate.WithLabelValues(system).Set(errorRate)
}

func IncAlert(system string) {
	healthAlerts.WithLabelValues(system).Inc()
}

// ObserveSync records a finished sync operation and its per-record counts.
func ObserveSync(syncType, status string, applied, failed, skipped, conflicts int) {
	syncOperations.WithLabelValues(syncType, status).Inc()
	syncRecords.WithLabelValues("applied").Add(float64(applied))
	syncRecords.WithLabelValues("failed").Add(float64(failed))
	syncRecords.WithLabelValues("skipped").Add(float64(skipped))
	syncConflicts.Add(float64(conflicts))
}
