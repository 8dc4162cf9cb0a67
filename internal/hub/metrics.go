// internal/hub/metrics.go
package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the hub's Prometheus collectors.
type Metrics struct {
	connections prometheus.Gauge
	broadcasts  prometheus.Counter
	deliveries  prometheus.Counter
	drops       prometheus.Counter
	evictions   prometheus.Counter
	rateLimited prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fanout",
			Name:      "connections_active",
			Help:      "Number of registered connections.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "broadcasts_total",
			Help:      "Broadcast passes performed.",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "deliveries_total",
			Help:      "Payloads placed on outbound queues.",
		}),
		drops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "drops_total",
			Help:      "Payloads dropped for a recipient.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "evictions_total",
			Help:      "Connections force-closed because their queue overflowed.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      "rate_limited_total",
			Help:      "Inbound messages discarded by the per-connection rate limit.",
		}),
	}
}
