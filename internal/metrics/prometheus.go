// Package metrics exposes cache manager observability data to Prometheus:
// cache-tier operation counters, backplane batch gauges, and
// connection-supervisor retry/circuit state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus wraps the cache manager's Prometheus collectors.
type Prometheus struct {
	registry *prometheus.Registry

	tierCalls *prometheus.CounterVec
	tierItems *prometheus.GaugeVec

	backplaneOutboundSize *prometheus.GaugeVec
	backplaneSkippedTotal *prometheus.CounterVec
	backplaneFlushTotal   *prometheus.CounterVec

	connectionRetriesTotal *prometheus.CounterVec
	connectionCircuitState *prometheus.GaugeVec
	connectionCircuitTrips *prometheus.CounterVec
}

var prom *Prometheus

// Init initializes the Prometheus metrics subsystem under namespace.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &Prometheus{
		registry: registry,

		tierCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tier_calls_total",
				Help:      "Total cache tier operations by tier name, operation, and outcome.",
			},
			[]string{"tier", "op", "outcome"},
		),

		tierItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tier_items",
				Help:      "Current item count held by a tier.",
			},
			[]string{"tier"},
		),

		backplaneOutboundSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backplane_outbound_size",
				Help:      "Pending deduplicated messages awaiting the next backplane flush.",
			},
			[]string{"manager"},
		),

		backplaneSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backplane_skipped_total",
				Help:      "Dropped-or-collapsed outbound backplane messages.",
			},
			[]string{"manager"},
		),

		backplaneFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backplane_flush_total",
				Help:      "Backplane flush attempts by outcome.",
			},
			[]string{"manager", "outcome"},
		),

		connectionRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_retries_total",
				Help:      "Broker operation retry attempts by connection and outcome.",
			},
			[]string{"connection", "outcome"},
		),

		connectionCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_circuit_state",
				Help:      "Current circuit breaker state per connection (0=closed, 1=open, 2=half_open).",
			},
			[]string{"connection"},
		),

		connectionCircuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_circuit_trips_total",
				Help:      "Circuit breaker state transitions per connection.",
			},
			[]string{"connection", "to_state"},
		),
	}

	registry.MustRegister(
		pm.tierCalls,
		pm.tierItems,
		pm.backplaneOutboundSize,
		pm.backplaneSkippedTotal,
		pm.backplaneFlushTotal,
		pm.connectionRetriesTotal,
		pm.connectionCircuitState,
		pm.connectionCircuitTrips,
	)

	prom = pm
}

// RecordTierCall records one tier operation outcome.
func RecordTierCall(tier, op, outcome string) {
	if prom == nil {
		return
	}
	prom.tierCalls.WithLabelValues(tier, op, outcome).Inc()
}

// SetTierItems sets the current item count gauge for a tier.
func SetTierItems(tier string, count int64) {
	if prom == nil {
		return
	}
	prom.tierItems.WithLabelValues(tier).Set(float64(count))
}

// SetBackplaneOutboundSize sets the pending-message gauge for a manager.
func SetBackplaneOutboundSize(manager string, size int) {
	if prom == nil {
		return
	}
	prom.backplaneOutboundSize.WithLabelValues(manager).Set(float64(size))
}

// RecordBackplaneSkipped increments the dropped-or-collapsed message counter.
func RecordBackplaneSkipped(manager string, n int64) {
	if prom == nil || n <= 0 {
		return
	}
	prom.backplaneSkippedTotal.WithLabelValues(manager).Add(float64(n))
}

// RecordBackplaneFlush records one flush attempt outcome ("success" or "failure").
func RecordBackplaneFlush(manager, outcome string) {
	if prom == nil {
		return
	}
	prom.backplaneFlushTotal.WithLabelValues(manager, outcome).Inc()
}

// RecordConnectionRetry records one retry attempt outcome for a connection.
func RecordConnectionRetry(connection, outcome string) {
	if prom == nil {
		return
	}
	prom.connectionRetriesTotal.WithLabelValues(connection, outcome).Inc()
}

// SetConnectionCircuitState sets the circuit breaker state gauge for a connection.
func SetConnectionCircuitState(connection string, state int) {
	if prom == nil {
		return
	}
	prom.connectionCircuitState.WithLabelValues(connection).Set(float64(state))
}

// RecordConnectionCircuitTrip records a circuit breaker state transition.
func RecordConnectionCircuitTrip(connection, toState string) {
	if prom == nil {
		return
	}
	prom.connectionCircuitTrips.WithLabelValues(connection, toState).Inc()
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if prom == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(prom.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry, for custom collectors.
func Registry() *prometheus.Registry {
	if prom == nil {
		return nil
	}
	return prom.registry
}
