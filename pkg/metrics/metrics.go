package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_agents_total",
			Help: "Registered agents by state",
		},
		[]string{"state"},
	)

	AgentErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_agent_errors_total",
			Help: "Exceptions raised by agent cycles",
		},
		[]string{"agent"},
	)

	AgentCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_agent_cycle_duration_seconds",
			Help:    "Agent run_cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	AgentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_agent_up",
			Help: "Whether the agent heartbeat is current (1 = alive)",
		},
		[]string{"agent"},
	)

	// Supervisor metrics
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_agent_restarts_total",
			Help: "Supervisor-initiated agent restarts",
		},
		[]string{"agent"},
	)

	QuarantinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_agent_quarantines_total",
			Help: "Agents swapped to a stub after repeated errors",
		},
	)

	RegressionPausesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_regression_pauses_total",
			Help: "Regression guard pause events",
		},
	)

	// Bus metrics
	BusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_bus_publish_total",
			Help: "Envelopes published by topic",
		},
		[]string{"topic"},
	)

	BusBrokerDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_bus_broker_dropped_total",
			Help: "Envelopes dropped from the broker forward queue on overflow",
		},
	)

	BusHandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_bus_handler_failures_total",
			Help: "Subscriber handler failures by topic",
		},
		[]string{"topic"},
	)

	// Ledger metrics
	LedgerAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_ledger_appends_total",
			Help: "Records appended to the audit ledger",
		},
	)

	LedgerDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_ledger_dropped_total",
			Help: "Best-effort records dropped at the ledger high-water mark",
		},
	)

	// Patch admission metrics
	PatchesAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_patches_admitted_total",
			Help: "Patches admitted by the self-improvement pipeline",
		},
	)

	PatchesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_patches_rejected_total",
			Help: "Patches rejected by admission stage",
		},
		[]string{"stage"},
	)
)

func init() {
	// Register all metrics with Prometheus
	prometheus.MustRegister(
		AgentsTotal,
		AgentErrorsTotal,
		AgentCycleDuration,
		AgentUp,
		RestartsTotal,
		QuarantinesTotal,
		RegressionPausesTotal,
		BusPublishTotal,
		BusBrokerDropped,
		BusHandlerFailures,
		LedgerAppendsTotal,
		LedgerDroppedTotal,
		PatchesAdmitted,
		PatchesRejected,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
