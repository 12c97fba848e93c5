package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress metrics
	TokensAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshflow_tokens_admitted_total",
			Help: "Total number of tokens admitted through the ingress port",
		},
	)

	TokensDiverted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_tokens_diverted_total",
			Help: "Total number of tokens diverted to capture by fault kind",
		},
		[]string{"reason"},
	)

	TokensParked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshflow_tokens_parked",
			Help: "Tokens waiting for their rule base version to activate",
		},
	)

	// Scheduler metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshflow_queue_depth",
			Help: "Tokens currently queued for dispatch across all version bands",
		},
	)

	QueueShed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshflow_queue_shed_total",
			Help: "Tokens refused because the queue was at its high watermark",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshflow_dispatch_latency_seconds",
			Help:    "Time from admission to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transition metrics
	Firings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_transition_firings_total",
			Help: "Transition firings by type",
		},
		[]string{"type"},
	)

	ForksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshflow_forks_total",
			Help: "Fork fan-outs performed",
		},
	)

	JoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_joins_total",
			Help: "Join records resolved by final status",
		},
		[]string{"status"},
	)

	// Worker metrics
	ServiceInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_service_invocations_total",
			Help: "Service invocations by outcome",
		},
		[]string{"outcome"},
	)

	ServiceRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshflow_service_retries_total",
			Help: "Transient service failures retried",
		},
	)

	ServiceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshflow_service_latency_seconds",
			Help:    "Service invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rule base metrics
	RuleBasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshflow_rule_bases_active",
			Help: "Rule base versions currently active on this node",
		},
	)

	RuleFragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_rule_fragments_total",
			Help: "Rule fragments received by staging result",
		},
		[]string{"result"},
	)

	GuardEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshflow_guard_evaluations_total",
			Help: "Guard evaluations by outcome",
		},
		[]string{"outcome"},
	)

	// Capture metrics
	CaptureDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshflow_capture_dropped_total",
			Help: "Journal records dropped because the capture buffer was full",
		},
	)

	// NodeInfo is a constant info-style gauge labeling the host this node
	// runs on, in the manner of go_build_info.
	NodeInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshflow_node_info",
			Help: "Host the node runs on; the value is always 1",
		},
		[]string{"hostname", "os", "arch", "go_version", "container"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TokensAdmitted)
	prometheus.MustRegister(TokensDiverted)
	prometheus.MustRegister(TokensParked)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueShed)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(Firings)
	prometheus.MustRegister(ForksTotal)
	prometheus.MustRegister(JoinsTotal)
	prometheus.MustRegister(ServiceInvocations)
	prometheus.MustRegister(ServiceRetries)
	prometheus.MustRegister(ServiceLatency)
	prometheus.MustRegister(RuleBasesActive)
	prometheus.MustRegister(RuleFragments)
	prometheus.MustRegister(GuardEvaluations)
	prometheus.MustRegister(CaptureDropped)
	prometheus.MustRegister(NodeInfo)

	host := System()
	container := host.ContainerRuntime
	if container == "" {
		container = "none"
	}
	NodeInfo.WithLabelValues(host.Hostname, host.OS, host.Arch, host.GoVersion, container).Set(1)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
