package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Handle metrics
	HandleAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_handle_acquisitions_total",
			Help: "Total number of handle acquisitions by mode and outcome (taken/queued)",
		},
		[]string{"mode", "outcome"},
	)

	HandleWaiterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fluxrt_handle_waiter_queue_depth",
			Help: "Current number of requesters waiting on a handle",
		},
		[]string{"handle"},
	)

	HandleBusyCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxrt_handle_busy_total",
			Help: "Sum of busy_count across all registered handles",
		},
	)

	// Arbiter metrics
	ArbiterContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_arbiter_contention_total",
			Help: "Total number of arbiter submit attempts that failed to acquire all handles and queued the job",
		},
		[]string{"arbiter"},
	)

	ArbiterAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxrt_arbiter_acquire_duration_seconds",
			Help:    "Time spent holding the arbiter lock per acquisition attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker pool metrics
	WorkerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fluxrt_worker_queue_depth",
			Help: "Current number of tasks queued on a worker",
		},
		[]string{"worker", "arch"},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker by architecture",
		},
		[]string{"arch"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_tasks_completed_total",
			Help: "Total number of tasks completed by architecture and outcome",
		},
		[]string{"arch", "outcome"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxrt_task_execution_duration_seconds",
			Help:    "Task kernel execution duration in seconds by architecture",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"arch"},
	)

	// Admission metrics
	AdmissionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxrt_admission_latency_seconds",
			Help:    "Time taken to admit a task (compute buffers, acquire, dispatch)",
			Buckets: prometheus.DefBuckets,
		},
	)

	AdmissionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_admissions_failed_total",
			Help: "Total number of tasks rejected at admission by error kind",
		},
		[]string{"kind"},
	)

	// Distributed transport metrics
	TransferSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_transfers_sent_total",
			Help: "Total number of data transfers sent by peer",
		},
		[]string{"peer"},
	)

	TransferReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_transfers_received_total",
			Help: "Total number of data transfers received by peer",
		},
		[]string{"peer"},
	)

	TransferCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxrt_transfer_cache_hits_total",
			Help: "Total number of transfers suppressed by the per-peer cache",
		},
		[]string{"peer"},
	)
)

func init() {
	prometheus.MustRegister(HandleAcquisitionsTotal)
	prometheus.MustRegister(HandleWaiterQueueDepth)
	prometheus.MustRegister(HandleBusyCount)
	prometheus.MustRegister(ArbiterContentionTotal)
	prometheus.MustRegister(ArbiterAcquireDuration)
	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(AdmissionLatency)
	prometheus.MustRegister(AdmissionsFailedTotal)
	prometheus.MustRegister(TransferSentTotal)
	prometheus.MustRegister(TransferReceivedTotal)
	prometheus.MustRegister(TransferCacheHitsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
