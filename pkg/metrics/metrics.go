package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersByState tracks live worker goroutines by their lifecycle
	// state (spec §3).
	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmeventd_workers_total",
			Help: "Number of device workers by state",
		},
		[]string{"state"},
	)

	PluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmeventd_plugins_loaded",
			Help: "Number of distinct plugins currently loaded",
		},
	)

	PluginRefCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmeventd_plugin_refcount",
			Help: "Reference count per loaded plugin",
		},
		[]string{"plugin"},
	)

	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmeventd_dispatch_requests_total",
			Help: "Total number of requests handled by command and status",
		},
		[]string{"command", "status"},
	)

	DispatchRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmeventd_dispatch_request_duration_seconds",
			Help:    "Dispatcher request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmeventd_scheduler_tick_duration_seconds",
			Help:    "Time taken to process one timeout scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmeventd_scheduler_ticks_skipped_total",
			Help: "Total number of timeout ticks skipped because the worker was processing or in grace",
		},
	)

	ReaperPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmeventd_reaper_pass_duration_seconds",
			Help:    "Time taken for one reaper pass over the unused table",
			Buckets: prometheus.DefBuckets,
		},
	)

	GraceReusesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmeventd_grace_reuses_total",
			Help: "Total number of registrations that reused a grace-period worker",
		},
	)

	FreshRegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmeventd_fresh_registrations_total",
			Help: "Total number of registrations that created a new worker",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersByState,
		PluginsLoaded,
		PluginRefCount,
		DispatchRequestsTotal,
		DispatchRequestDuration,
		SchedulerTickDuration,
		SchedulerTicksSkipped,
		ReaperPassDuration,
		GraceReusesTotal,
		FreshRegistrationsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
