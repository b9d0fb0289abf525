package chord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	successorChanges prometheus.Counter
	fingersKnown     prometheus.Gauge
	lookupHops       prometheus.Histogram
	joined           prometheus.Gauge
}

// newMetrics creates the ring collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		successorChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_ring_successor_changes_total",
			Help: "Number of times the ring successor pointer changed.",
		}),
		fingersKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridreduce_ring_fingers_known",
			Help: "Number of non-null finger table entries.",
		}),
		lookupHops: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridreduce_ring_lookup_hops",
			Help:    "Relay hops taken by finger refresh lookups.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		joined: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridreduce_ring_joined",
			Help: "1 once the node has joined the ring.",
		}),
	}
}
