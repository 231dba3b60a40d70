// ABOUTME: Prometheus instruments for the gateway supervisor, RPC multiplexer and event fan-out
// ABOUTME: Registered on the default registry at init and served by the control API

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "rpc_calls_total",
			Help:      "Total RPC calls by method and outcome kind",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "rpc_duration_seconds",
			Help:      "Round-trip time of RPC calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "pending_calls",
			Help:      "RPC calls awaiting a response",
		},
	)

	gatewayStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "gateway_status",
			Help:      "Current gateway status (1 for the active status)",
		},
		[]string{"status"},
	)

	gatewayRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "gateway_restarts_total",
			Help:      "Total gateway restarts",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Events dispatched to observers by kind",
		},
		[]string{"kind"},
	)

	observerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coven",
			Subsystem: "bridge",
			Name:      "observer_failures_total",
			Help:      "Observer callbacks that returned an error or panicked",
		},
	)
)

func init() {
	prometheus.MustRegister(rpcCallsTotal, rpcDuration, pendingCalls, gatewayStatus,
		gatewayRestarts, eventsTotal, observerFailures)
	setStatusGauge(StatusStopped)
}

func setStatusGauge(s Status) {
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		gatewayStatus.WithLabelValues(string(st)).Set(v)
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
