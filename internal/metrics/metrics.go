package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "forge"
)

// Metrics holds all Prometheus metrics for the fleet manager
type Metrics struct {
	// Fleet allocation metrics
	FleetRequests        *prometheus.CounterVec
	FleetRequestDuration *prometheus.HistogramVec
	InstancesCreated     *prometheus.CounterVec
	FailoverEvents       prometheus.Counter
	RetryableFailures    prometheus.Counter
	FatalFailures        prometheus.Counter

	// Inventory metrics
	InventoryOperations *prometheus.CounterVec
	RunnersListed       prometheus.Gauge

	// Reaper metrics
	ReaperRuns        *prometheus.CounterVec
	OrphansFlagged    prometheus.Counter
	RunnersTerminated prometheus.Counter

	// API metrics
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec

	// System metrics
	BuildInfo      *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		FleetRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fleet_requests_total",
				Help:      "Total number of fleet allocation attempts",
			},
			[]string{"tier", "status"},
		),
		FleetRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fleet_request_duration_seconds",
				Help:      "Duration of fleet allocation attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		InstancesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_created_total",
				Help:      "Total number of instances created",
			},
			[]string{"tier"},
		),
		FailoverEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_events_total",
				Help:      "Total number of spot to on-demand failovers",
			},
		),
		RetryableFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retryable_failures_total",
				Help:      "Total number of allocations surfaced as retryable",
			},
		),
		FatalFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fatal_failures_total",
				Help:      "Total number of allocations surfaced as fatal",
			},
		),

		InventoryOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_operations_total",
				Help:      "Total number of inventory operations",
			},
			[]string{"operation", "status"},
		),
		RunnersListed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners_listed",
				Help:      "Number of runners returned by the most recent list",
			},
		),

		ReaperRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_runs_total",
				Help:      "Total number of reaper passes",
			},
			[]string{"status"},
		),
		OrphansFlagged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_flagged_total",
				Help:      "Total number of runners flagged as orphans",
			},
		),
		RunnersTerminated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runners_terminated_total",
				Help:      "Total number of runners terminated by the reaper",
			},
		),

		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"endpoint", "method"},
		),
		APIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Information about the fleet manager build",
			},
			[]string{"version", "region", "environment"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}

	return m
}
