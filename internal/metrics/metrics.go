// Package metrics holds the Prometheus collectors the rest of the control
// plane reaches into directly, plus the Handler mounted on the Query
// Surface router at /metrics. This is a raw operational surface, separate
// from the dashboard's own real-time channel: nothing here is pushed over
// the WebSocket, and nothing on the WebSocket is duplicated here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulerOverflow counts every job dropped because the regular work
	// queue was full.
	SchedulerOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_scheduler_overflow_total",
		Help: "Liveness checks dropped because the scheduler's work queue was full.",
	})

	// SchedulerOverflowRepeat counts the subset of overflows that were the
	// second (or later) consecutive overflow for the same agent.
	SchedulerOverflowRepeat = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_scheduler_overflow_repeat_total",
		Help: "Scheduler overflows that were the second or later consecutive miss for the same agent.",
	})

	// SchedulerQueueDepth samples the regular work queue's current length.
	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_scheduler_queue_depth",
		Help: "Current number of pending jobs in the scheduler's regular work queue.",
	})

	// SchedulerRosterSize samples the number of agents currently under
	// rotation.
	SchedulerRosterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_scheduler_roster_size",
		Help: "Number of agents currently under liveness rotation.",
	})

	// ReportsBySeverity samples open missing-report counts, partitioned by
	// severity.
	ReportsBySeverity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controlplane_reports_open",
		Help: "Open missing-report incidents, by severity.",
	}, []string{"severity"})

	// ReportsUnacknowledged samples the count of open reports no operator
	// has acknowledged yet.
	ReportsUnacknowledged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_reports_unacknowledged",
		Help: "Open missing-report incidents that have not been acknowledged.",
	})

	// ChainGatewayRetries counts every retry attempt the Chain Gateway made
	// (one per backoff wait, so a call retried twice counts twice),
	// regardless of whether the retry eventually succeeded.
	ChainGatewayRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_chain_gateway_retries_total",
		Help: "RPC calls the Chain Gateway retried after a transient failure.",
	})
)

func init() {
	prometheus.MustRegister(
		SchedulerOverflow,
		SchedulerOverflowRepeat,
		SchedulerQueueDepth,
		SchedulerRosterSize,
		ReportsBySeverity,
		ReportsUnacknowledged,
		ChainGatewayRetries,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
