// Package metrics holds the engine's Prometheus instrumentation: operation
// counters per model/op, publication counters per channel kind and gauges for
// live subscriptions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crudcast_operations_total",
		Help: "CRUD operations by model, operation and outcome.",
	}, []string{"model", "op", "outcome"})

	publications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crudcast_publications_total",
		Help: "Channel publications by channel kind.",
	}, []string{"kind"})

	cacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crudcast_cache_events_total",
		Help: "Resource cache lifecycle events.",
	}, []string{"event"})

	resourceSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crudcast_resource_subscriptions",
		Help: "Live engine-side resource channel subscriptions.",
	})

	connectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crudcast_connected_sockets",
		Help: "Sockets currently attached to the crud procedure.",
	})
)

// IncOp counts one operation outcome.
func IncOp(model, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ops.WithLabelValues(model, op, outcome).Inc()
}

// Publication channel kinds.
const (
	KindResource = "resource"
	KindField    = "field"
	KindView     = "view"
)

// IncPublication counts one outbound publication.
func IncPublication(kind string) { publications.WithLabelValues(kind).Inc() }

// IncCacheEvent counts one cache lifecycle event.
func IncCacheEvent(event string) { cacheEvents.WithLabelValues(event).Inc() }

// ResourceSubInc tracks an engine-side resource channel subscribe.
func ResourceSubInc() { resourceSubscriptions.Inc() }

// ResourceSubDec tracks an engine-side resource channel unsubscribe.
func ResourceSubDec() { resourceSubscriptions.Dec() }

// SocketInc tracks a socket attach.
func SocketInc() { connectedSockets.Inc() }

// SocketDec tracks a socket detach.
func SocketDec() { connectedSockets.Dec() }
