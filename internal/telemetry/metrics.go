package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_submitted_total", Help: "Jobs accepted by the submission API"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_succeeded_total", Help: "Jobs that completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_failed_total", Help: "Jobs that ended in tool-reported failure"})
	JobsTimedOut     = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_timed_out_total", Help: "Jobs killed at the execution deadline or by the stuck-job sweep"})
	JobsPurged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_purged_total", Help: "Jobs whose artifacts were reclaimed"})
	LaunchRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_launch_retries_total", Help: "Infrastructure-fault retries scheduled"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "hmmjobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hmmjobs_queue_depth", Help: "Ready queue depth"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hmmjobs_running", Help: "Jobs currently executing in the worker pool"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			JobsTimedOut,
			JobsPurged,
			LaunchRetries,
			RateLimitRejects,
			QueueDepthGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
