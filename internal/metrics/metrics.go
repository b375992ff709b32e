package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide counters for packet, scoring, flow-store, subscriber and
// shutdown drops and for parse, inference and flow-store errors; the API
// server exports them on /metrics. Alert-log, notification and response
// failures are logged only.
var (
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_packets_dropped_total",
		Help: "Packets dropped because the downstream channel was full.",
	})
	PacketParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_packet_parse_errors_total",
		Help: "Malformed or unsupported frames dropped at parse time.",
	})
	FlowsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_flows_evicted_total",
		Help: "Flows removed from the flow table.",
	}, []string{"reason"})
	ScoringEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_scoring_events_total",
		Help: "Flow snapshots submitted for scoring.",
	})
	ScoringDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_scoring_dropped_total",
		Help: "Flow snapshots dropped because the inference queue was full.",
	})
	InferenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_inference_errors_total",
		Help: "Scoring calls that failed or timed out and yielded a synthetic benign prediction.",
	})
	Suppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentry_suppressed_total",
		Help: "Predictions suppressed by the filter cascade, by reason.",
	}, []string{"reason"})
	AlertsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_alerts_emitted_total",
		Help: "Alerts that passed every active cascade layer.",
	})
	FlowStoreDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_flowstore_dropped_total",
		Help: "Flow records dropped because the store queue was full or in bypass mode.",
	})
	FlowStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_flowstore_errors_total",
		Help: "Flow store write failures.",
	})
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_subscriber_drops_total",
		Help: "Alerts dropped from a slow subscriber's buffer.",
	})
	ShutdownDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentry_shutdown_dropped_total",
		Help: "In-flight work dropped at the shutdown deadline.",
	})
)
