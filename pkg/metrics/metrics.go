// Package metrics exposes the engine/overseer/slave subsystem's
// Prometheus gauges and counters, instrumented directly at the call
// sites that mutate state rather than by polling a central manager —
// there is no single manager object in this core, only per-target
// engines, so each package updates its own metrics as state changes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SlavesTotal counts slaves per target and lifecycle state.
	SlavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_slaves_total",
			Help: "Number of slaves by target and state",
		},
		[]string{"target", "state"},
	)

	// SchedulersActive counts schedulers currently active per overseer
	// thread.
	SchedulersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_schedulers_active",
			Help: "Number of active schedulers by thread id and kind",
		},
		[]string{"thread_id", "kind"},
	)

	// SessionsActive counts in-flight sessions per target.
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_sessions_active",
			Help: "Number of in-flight sessions by target",
		},
		[]string{"target"},
	)

	// FetchesTotal counts plugin fetch invocations, labeled by outcome.
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_fetches_total",
			Help: "Total plugin fetch invocations by outcome",
		},
		[]string{"outcome"},
	)

	// PublishesTotal counts outbound event bus publications.
	PublishesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_publishes_total",
			Help: "Total events published to the outbound bus",
		},
	)

	// SuicidesTotal counts overseer self-terminations, labeled by
	// reason (idle or failure).
	SuicidesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_suicides_total",
			Help: "Total overseer self-terminations by reason",
		},
		[]string{"reason"},
	)

	// PersistWritesTotal counts storage writes for persisted records,
	// labeled by whether the key already existed.
	PersistWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_persist_writes_total",
			Help: "Total persisted-record storage writes by outcome",
		},
		[]string{"outcome"},
	)

	// TransportOverloadedTotal counts sends rejected because the
	// transport's high-water mark was hit.
	TransportOverloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_transport_overloaded_total",
			Help: "Total sends rejected due to transport backpressure",
		},
	)

	// PushLatency measures how long engine.Push takes to obtain a slave
	// and send the invoke frame; it does not wait for the first chunk.
	PushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_push_latency_seconds",
			Help:    "Latency from push to the invoke frame being sent",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		SlavesTotal,
		SchedulersActive,
		SessionsActive,
		FetchesTotal,
		PublishesTotal,
		SuicidesTotal,
		PersistWritesTotal,
		TransportOverloadedTotal,
		PushLatency,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
