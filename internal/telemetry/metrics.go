package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_tasks_enqueued_total", Help: "Tasks admitted to the queue"}, []string{"type", "priority"})
	AdmissionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_tasks_admission_failures_total", Help: "Submissions rejected because the task store was unavailable"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TasksCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_tasks_completed_total", Help: "Tasks recorded as completed"}, []string{"type"})
	TasksFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_tasks_failed_total", Help: "Tasks recorded as failed"}, []string{"type"})
	HandlerDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "analysis_handler_duration_seconds", Help: "Handler wall time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"type"})
	LoopErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_worker_loop_errors_total", Help: "Worker iterations that hit a store error or an escaped fault"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Pending tasks across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_tasks_inflight", Help: "Tasks currently being handled"})
	WorkerHalted      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_worker_halted", Help: "1 when the worker stopped after repeated failures"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			AdmissionFailures,
			RateLimitRejects,
			TasksCompleted,
			TasksFailed,
			HandlerDuration,
			LoopErrors,
			QueueDepthGauge,
			InFlightGauge,
			WorkerHalted,
		)
	})
	return promhttp.Handler()
}
