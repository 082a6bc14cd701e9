// Package metrics provides Prometheus metrics for conductor.
// Counters, gauges and histograms for the task lifecycle, the worker pool,
// receipts, jobs and the peer transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated tracks tasks created by application.
var TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_created_total",
	Help:      "Total tasks created.",
}, []string{"application"})

// TasksAssigned tracks assignments by delegation strategy.
var TasksAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_assigned_total",
	Help:      "Total task assignments sent to workers.",
}, []string{"strategy"})

// TasksCompleted tracks completed tasks by application.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"application"})

// TasksRejected tracks rejections by reason ("worker", "disconnect").
var TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_rejected_total",
	Help:      "Total task rejections.",
}, []string{"reason"})

// TasksTimedOut tracks tasks whose time limit elapsed.
var TasksTimedOut = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_timed_out_total",
	Help:      "Total task timeouts.",
})

// TasksPending tracks tasks waiting for a worker.
var TasksPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_pending",
	Help:      "Number of tasks waiting for assignment.",
})

// TasksLive tracks tasks held by the workflow engine.
var TasksLive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_live",
	Help:      "Number of live (not archived) tasks.",
})

// TaskDuration tracks time from task creation to completion.
var TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Time from task creation to completion.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
})

// ─── Workers ────────────────────────────────────────────────────────────────

// WorkersConnected tracks connected worker peers.
var WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "workers_connected",
	Help:      "Number of connected workers.",
})

// WorkersIdle tracks workers in the idle queue.
var WorkersIdle = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "workers_idle",
	Help:      "Number of idle workers.",
})

// ─── Receipts ───────────────────────────────────────────────────────────────

// ReceiptsIssued tracks signed receipts.
var ReceiptsIssued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "receipts_issued_total",
	Help:      "Total receipts issued.",
})

// ReceiptsFailed tracks receipt build or store failures.
var ReceiptsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "receipts_failed_total",
	Help:      "Total receipt failures.",
})

// ─── Jobs ───────────────────────────────────────────────────────────────────

// JobsStarted tracks submitted jobs.
var JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "jobs_started_total",
	Help:      "Total jobs started.",
})

// JobsCompleted tracks jobs whose last step finished.
var JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "jobs_completed_total",
	Help:      "Total jobs completed.",
})

// JobsActive tracks jobs in flight.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "jobs_active",
	Help:      "Number of active jobs.",
})

// ─── Transport & Store ──────────────────────────────────────────────────────

// TransportSendFailures tracks network actions that could not be delivered.
var TransportSendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "transport_send_failures_total",
	Help:      "Network actions that failed to deliver.",
}, []string{"kind"})

// TransportMessages tracks inbound frames by type.
var TransportMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "transport_messages_total",
	Help:      "Inbound transport frames.",
}, []string{"type"})

// StoreErrors tracks failed store writes by operation.
var StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "store_errors_total",
	Help:      "Failed durable store operations.",
}, []string{"op"})

// HealthStatus tracks health check status (1=healthy, 0.5=degraded, 0=unhealthy).
var HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_status",
	Help:      "Health check status: 1=healthy, 0.5=degraded, 0=unhealthy.",
}, []string{"check"})
