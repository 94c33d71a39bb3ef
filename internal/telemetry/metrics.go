package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var SealState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vaultkernel",
		Subsystem: "seal",
		Name:      "state",
		Help:      "Current seal state: 0=uninitialized, 1=sealed, 2=unsealed.",
	},
)

var AuditAppendsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Total number of audit log append attempts by outcome.",
	},
	[]string{"outcome"},
)

var AuditAppendDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "vaultkernel",
		Subsystem: "audit",
		Name:      "append_duration_seconds",
		Help:      "Audit log append latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
)

var SecretOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "secrets",
		Name:      "operations_total",
		Help:      "Total number of secret store operations by kind and result.",
	},
	[]string{"operation", "result"},
)

var PolicyDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total number of access decisions by allow/deny outcome.",
	},
	[]string{"allowed"},
)

var LeasesActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "vaultkernel",
		Subsystem: "leases",
		Name:      "active",
		Help:      "Number of active leases by engine type.",
	},
	[]string{"engine_type"},
)

var LeaseRevokeAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "leases",
		Name:      "revoke_attempts_total",
		Help:      "Total number of lease revoke attempts by outcome.",
	},
	[]string{"outcome"},
)

var LeasesOrphanedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "leases",
		Name:      "orphaned_total",
		Help:      "Total number of leases that exhausted revoke retries and were marked orphaned.",
	},
)

var RotationDispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultkernel",
		Subsystem: "rotation",
		Name:      "dispatch_total",
		Help:      "Total number of rotation schedule dispatches by outcome.",
	},
	[]string{"rotation_type", "outcome"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors and every vaultkernel-specific collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// All returns every vaultkernel-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SealState,
		AuditAppendsTotal,
		AuditAppendDuration,
		SecretOperationsTotal,
		PolicyDecisionsTotal,
		LeasesActive,
		LeaseRevokeAttemptsTotal,
		LeasesOrphanedTotal,
		RotationDispatchTotal,
	}
}
