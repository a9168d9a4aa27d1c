package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the server node. Exposed through the control
// endpoint's /metrics route.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synclog_connections_total",
		Help: "Total number of client connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synclog_connections_active",
		Help: "Current number of open client connections",
	})

	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synclog_auth_failures_total",
		Help: "Total number of failed authentication attempts",
	})

	zombieEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synclog_zombie_evictions_total",
		Help: "Total number of connections evicted by a newer connection with the same node ID",
	})

	actionsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synclog_actions_added_total",
		Help: "Total number of actions inserted into the log",
	})

	actionsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "synclog_actions_processed_total",
		Help: "Total number of actions reaching a terminal outcome, by result",
	}, []string{"result"})

	actionsUndone = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "synclog_actions_undone_total",
		Help: "Total number of logux/undo entries emitted, by reason",
	}, []string{"reason"})

	processLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "synclog_process_latency_seconds",
		Help:    "Latency from action add to terminal outcome",
		Buckets: prometheus.DefBuckets,
	})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synclog_subscriptions_active",
		Help: "Current number of (channel, subscriber) pairs",
	})

	fanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synclog_fanout_deliveries_total",
		Help: "Total number of actions delivered to peers by fan-out",
	})

	processingInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synclog_processing_inflight",
		Help: "Number of process callbacks currently running",
	})

	cpuPercentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synclog_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	memoryBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synclog_memory_bytes",
		Help: "Process resident memory in bytes",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		authFailures,
		zombieEvictions,
		actionsAdded,
		actionsProcessed,
		actionsUndone,
		processLatency,
		subscriptionsActive,
		fanoutDeliveries,
		processingInflight,
		cpuPercentGauge,
		memoryBytesGauge,
	)
}
