// Package metrics exposes Prometheus instrumentation for the backend:
// transfer counts, exceptions, reconnects, and the live monitored-item
// count, so an operator can watch a single OPC UA client's health.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics of the backend. There is one
// Registry per process, shared by every Backend in it.
type Registry struct {
	readsTotal           prometheus.Counter
	writesTotal          prometheus.Counter
	readErrorsTotal      prometheus.Counter
	writeErrorsTotal     prometheus.Counter
	notWritableTotal     prometheus.Counter
	subscriptionFailures prometheus.Counter
	reconnectsTotal      prometheus.Counter
	readDuration         prometheus.Histogram
	writeDuration        prometheus.Histogram
	activeMonitoredItems prometheus.Gauge
	connectionState      prometheus.Gauge
}

var (
	sharedOnce sync.Once
	shared     *Registry
)

// NewRegistry returns the process-wide Registry, constructing it and
// registering its metrics against the default Prometheus registry
// (promauto) on the first call, matching the teacher's ingestion-service
// metrics package. Later calls return the same Registry, since promauto
// panics when a metric name is registered twice.
func NewRegistry() *Registry {
	sharedOnce.Do(func() { shared = newRegistry() })
	return shared
}

func newRegistry() *Registry {
	return &Registry{
		readsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_reads_total",
			Help: "Total number of register read operations completed",
		}),
		writesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_writes_total",
			Help: "Total number of register write operations completed",
		}),
		readErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_read_errors_total",
			Help: "Total number of register read operations that failed",
		}),
		writeErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_write_errors_total",
			Help: "Total number of register write operations that failed",
		}),
		notWritableTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_not_writable_total",
			Help: "Total number of writes rejected as not-writable by the server",
		}),
		subscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_subscription_failures_total",
			Help: "Total number of subscription creation or monitored-item failures",
		}),
		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_backend_reconnects_total",
			Help: "Total number of successful reconnect attempts",
		}),
		readDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_backend_read_duration_seconds",
			Help:    "Duration of register read operations, including waits for subscription notifications",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		writeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_backend_write_duration_seconds",
			Help:    "Duration of register write transfers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		activeMonitoredItems: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_backend_active_monitored_items",
			Help: "Current number of active server-side monitored items",
		}),
		connectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_backend_connection_state",
			Help: "1 if the channel and session are both established, else 0",
		}),
	}
}

// IncReads increments the completed-reads counter.
func (r *Registry) IncReads() { r.readsTotal.Inc() }

// IncWrites increments the completed-writes counter.
func (r *Registry) IncWrites() { r.writesTotal.Inc() }

// IncReadErrors increments the failed-reads counter.
func (r *Registry) IncReadErrors() { r.readErrorsTotal.Inc() }

// IncWriteErrors increments the failed-writes counter.
func (r *Registry) IncWriteErrors() { r.writeErrorsTotal.Inc() }

// IncNotWritable increments the not-writable-rejection counter.
func (r *Registry) IncNotWritable() { r.notWritableTotal.Inc() }

// IncSubscriptionFailures increments the subscription-failure counter.
func (r *Registry) IncSubscriptionFailures() { r.subscriptionFailures.Inc() }

// IncReconnects increments the successful-reconnect counter.
func (r *Registry) IncReconnects() { r.reconnectsTotal.Inc() }

// ObserveReadDuration records a read's wall-clock duration, whether the
// read was a synchronous transfer or a wait for a subscription notification.
func (r *Registry) ObserveReadDuration(seconds float64) { r.readDuration.Observe(seconds) }

// ObserveWriteDuration records a write's wall-clock duration.
func (r *Registry) ObserveWriteDuration(seconds float64) { r.writeDuration.Observe(seconds) }

// SetActiveMonitoredItems reports the current live monitored-item count.
func (r *Registry) SetActiveMonitoredItems(n int) { r.activeMonitoredItems.Set(float64(n)) }

// SetConnected reports the channel/session state as a 0/1 gauge.
func (r *Registry) SetConnected(connected bool) {
	if connected {
		r.connectionState.Set(1)
		return
	}
	r.connectionState.Set(0)
}
