package distgc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles  *prometheus.CounterVec
	updates prometheus.Counter
	phase   prometheus.Gauge
	freed   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridreduce_gc_cycles_total",
			Help: "Distributed collection cycles by result.",
		}, []string{"result"}),
		updates: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_gc_updates_total",
			Help: "Update messages applied to the termination counter.",
		}),
		phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridreduce_gc_phase",
			Help: "Current coordinator phase (0 idle, 1 pausing, 2 starting, 3 marking, 4 sweeping).",
		}),
		freed: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_gc_cells_freed_total",
			Help: "Cells freed by completed cycles, summed over tasks.",
		}),
	}
}
