// Package obsmetrics exposes the Prometheus observables named by the
// operating contract for the outbox submitter and projector workers:
// lazily constructed, process-global singletons registered once per
// process and shared by every caller.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SubmitterMetrics bundles the submitter worker's observables.
type SubmitterMetrics struct {
	CommandsProcessed *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	ProcessingLatency *prometheus.HistogramVec
	WorkerStatus      prometheus.Gauge
}

// ProjectorMetrics bundles the projector worker's observables.
type ProjectorMetrics struct {
	EventsProcessed  *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	LastProcessedBlock prometheus.Gauge
	ReconnectCount   prometheus.Counter
}

// GatewayMetrics bundles per-identity gateway client observables.
type GatewayMetrics struct {
	BreakerState    *prometheus.GaugeVec
	SubmitLatency   *prometheus.HistogramVec
	SubmitOutcomes  *prometheus.CounterVec
}

var (
	submitterOnce sync.Once
	submitterReg  *SubmitterMetrics

	projectorOnce sync.Once
	projectorReg  *ProjectorMetrics

	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics
)

// Submitter returns the lazily-initialised submitter worker metrics registry.
func Submitter() *SubmitterMetrics {
	submitterOnce.Do(func() {
		submitterReg = &SubmitterMetrics{
			CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "outbox",
				Name:      "commands_processed_total",
				Help:      "Total outbox commands processed, segmented by terminal status.",
			}, []string{"status"}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "outbox",
				Name:      "queue_depth",
				Help:      "Number of outbox rows currently in PENDING status.",
			}),
			ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "outbox",
				Name:      "processing_duration_seconds",
				Help:      "Latency distribution of submitting one outbox command end to end.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"command_type"}),
			WorkerStatus: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "outbox",
				Name:      "worker_status",
				Help:      "1 if the submitter worker is actively polling, 0 if paused or shutting down.",
			}),
		}
		prometheus.MustRegister(
			submitterReg.CommandsProcessed,
			submitterReg.QueueDepth,
			submitterReg.ProcessingLatency,
			submitterReg.WorkerStatus,
		)
	})
	return submitterReg
}

// Projector returns the lazily-initialised projector worker metrics registry.
func Projector() *ProjectorMetrics {
	projectorOnce.Do(func() {
		projectorReg = &ProjectorMetrics{
			EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "projector",
				Name:      "events_processed_total",
				Help:      "Total ledger events applied to the read model, segmented by event name.",
			}, []string{"event_name"}),
			EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "projector",
				Name:      "events_rejected_total",
				Help:      "Total events rejected by schema validation or per-event handler error.",
			}, []string{"reason"}),
			LastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "projector",
				Name:      "last_processed_block",
				Help:      "Highest ledger block number whose events have been fully projected.",
			}),
			ReconnectCount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "projector",
				Name:      "stream_reconnects_total",
				Help:      "Total times the event stream has been re-established after a transport loss.",
			}),
		}
		prometheus.MustRegister(
			projectorReg.EventsProcessed,
			projectorReg.EventsRejected,
			projectorReg.LastProcessedBlock,
			projectorReg.ReconnectCount,
		)
	})
	return projectorReg
}

// Gateway returns the lazily-initialised gateway client metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gatewayclient",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per identity: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
			}, []string{"identity"}),
			SubmitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gatewayclient",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution of Submit RPCs, segmented by identity.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"identity"}),
			SubmitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gatewayclient",
				Name:      "submit_outcomes_total",
				Help:      "Total Submit RPC outcomes, segmented by identity and outcome.",
			}, []string{"identity", "outcome"}),
		}
		prometheus.MustRegister(
			gatewayReg.BreakerState,
			gatewayReg.SubmitLatency,
			gatewayReg.SubmitOutcomes,
		)
	})
	return gatewayReg
}

// BreakerStateValue maps a breaker state name to the gauge value BreakerState
// expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
