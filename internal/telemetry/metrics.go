package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records request latency by method/route/status,
// consumed by internal/httpserver's Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// DeploymentsTotal counts deploy/scale/rollback runs by kind and outcome.
var DeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "deploy",
		Name:      "runs_total",
		Help:      "Total number of deploy/scale/rollback runs by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// DeploymentStepDuration tracks wall-clock time of each orchestrator step.
var DeploymentStepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "deploy",
		Name:      "step_duration_seconds",
		Help:      "Duration of each deploy orchestration step.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	},
	[]string{"step"},
)

// NodeAgentCallsTotal counts node-agent RPCs by operation and outcome.
var NodeAgentCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "nodeagent",
		Name:      "calls_total",
		Help:      "Total node-agent RPCs by operation and outcome.",
	},
	[]string{"op", "outcome"},
)

// ContainersRestartedTotal counts auto-heal restarts issued by the health
// monitor.
var ContainersRestartedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "containers_restarted_total",
		Help:      "Total number of containers restarted by the health monitor.",
	},
)

// NodesRebootedTotal counts auto-heal reboots issued by the health monitor.
var NodesRebootedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "nodes_rebooted_total",
		Help:      "Total number of nodes rebooted by the health monitor.",
	},
)

// ProblematicTargetsTotal counts targets flagged problematic (quarantined)
// after exhausting their auto-heal budget.
var ProblematicTargetsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "health",
		Name:      "problematic_total",
		Help:      "Total number of nodes/containers flagged problematic.",
	},
	[]string{"kind"},
)

// All returns every control-plane metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		DeploymentsTotal,
		DeploymentStepDuration,
		NodeAgentCallsTotal,
		ContainersRestartedTotal,
		NodesRebootedTotal,
		ProblematicTargetsTotal,
	}
}
