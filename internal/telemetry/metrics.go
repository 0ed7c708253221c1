package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// CommandsRoutedTotal counts commands routed by the handler router (C5),
// labeled by message type and outcome (routed/no_handler).
var CommandsRoutedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "router",
		Name:      "commands_routed_total",
		Help:      "Total number of commands routed, by message type and outcome.",
	},
	[]string{"message_type", "outcome"},
)

// QueriesRoutedTotal counts queries routed by the handler router (C5).
var QueriesRoutedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "router",
		Name:      "queries_routed_total",
		Help:      "Total number of queries routed, by message type and outcome.",
	},
	[]string{"message_type", "outcome"},
)

// EventsDiscoveredTotal counts event handler discovery broadcasts (C5).
var EventsDiscoveredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "router",
		Name:      "events_discovered_total",
		Help:      "Total number of event discovery calls, by event type.",
	},
	[]string{"event_type"},
)

// SequenceConflictsTotal counts optimistic concurrency conflicts surfaced
// by the event store (C2/C6), labeled by aggregate type.
var SequenceConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "eventstore",
		Name:      "sequence_conflicts_total",
		Help:      "Total number of sequence conflicts, by aggregate type.",
	},
	[]string{"aggregate_type"},
)

// EventsAppendedTotal counts successful event appends (C2), labeled by
// aggregate type and event type.
var EventsAppendedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "eventstore",
		Name:      "events_appended_total",
		Help:      "Total number of events appended, by aggregate type and event type.",
	},
	[]string{"aggregate_type", "event_type"},
)

// SnapshotsCreatedTotal counts snapshot creations (C3/C6), labeled by
// aggregate type.
var SnapshotsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Total number of snapshots created, by aggregate type.",
	},
	[]string{"aggregate_type"},
)

// LockRetriesTotal counts optimistic lock retries (C4), labeled by outcome
// (succeeded/exhausted).
var LockRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "lockmgr",
		Name:      "retries_total",
		Help:      "Total number of optimistic lock retries, by outcome.",
	},
	[]string{"outcome"},
)

// LockWaitDuration measures time spent waiting to acquire an aggregate
// lock (C4).
var LockWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "lockmgr",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting to acquire an aggregate lock.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"mode"},
)

// HeartbeatsReceivedTotal counts health heartbeats ingested by the
// streaming health service (C7).
var HeartbeatsReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "heartbeats_received_total",
		Help:      "Total number of heartbeats received, by status.",
	},
	[]string{"status"},
)

// HealthSubscribersGauge tracks the number of active health stream
// subscribers (C7).
var HealthSubscribersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "subscribers",
		Help:      "Current number of active health stream subscribers.",
	},
)

// HealthBroadcastDroppedTotal counts broadcasts dropped because a
// subscriber's mailbox was full (C7).
var HealthBroadcastDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "broadcast_dropped_total",
		Help:      "Total number of health broadcasts dropped due to a full subscriber mailbox.",
	},
)

// CleanupSweepsTotal counts cleanup scheduler sweeps (C8), labeled by
// sweep kind (expired_instances/routing_reconcile).
var CleanupSweepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "cleanup",
		Name:      "sweeps_total",
		Help:      "Total number of cleanup sweeps run, by kind.",
	},
	[]string{"kind"},
)

// InstancesRemovedTotal counts instances removed by a cleanup sweep (C8).
var InstancesRemovedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "cleanup",
		Name:      "instances_removed_total",
		Help:      "Total number of stale instances removed by the cleanup scheduler.",
	},
)

// All returns every control-plane-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CommandsRoutedTotal,
		QueriesRoutedTotal,
		EventsDiscoveredTotal,
		SequenceConflictsTotal,
		EventsAppendedTotal,
		SnapshotsCreatedTotal,
		LockRetriesTotal,
		LockWaitDuration,
		HeartbeatsReceivedTotal,
		HealthSubscribersGauge,
		HealthBroadcastDroppedTotal,
		CleanupSweepsTotal,
		InstancesRemovedTotal,
	}
}

// NewMetricsRegistry builds a Prometheus registry carrying the standard Go
// and process collectors plus the given component-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
