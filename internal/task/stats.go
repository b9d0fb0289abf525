package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Stats is a snapshot of the counters of one task.
type Stats struct {
	Messages uint64 `json:"messages"`
	Steps    uint64 `json:"steps"`
	Fetches  uint64 `json:"fetches"`
	Cycles   uint64 `json:"cycles"`
	Freed    uint64 `json:"freed"`
}

type stats struct {
	messages atomic.Uint64
	steps    atomic.Uint64
	fetches  atomic.Uint64
	cycles   atomic.Uint64
	freed    atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Messages: s.messages.Load(),
		Steps:    s.steps.Load(),
		Fetches:  s.fetches.Load(),
		Cycles:   s.cycles.Load(),
		Freed:    s.freed.Load(),
	}
}

// Metrics are the collectors shared by the tasks of one process. A nil
// *Metrics records nothing.
type Metrics struct {
	steps   prometheus.Counter
	fetches prometheus.Counter
	sweeps  prometheus.Counter
	freed   prometheus.Counter
}

// NewMetrics creates the task collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		steps: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_task_steps_total",
			Help: "Frame steps run by tasks.",
		}),
		fetches: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_task_fetches_total",
			Help: "Remote objects requested by tasks.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_task_sweeps_total",
			Help: "Distributed collection sweeps run by tasks.",
		}),
		freed: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_task_cells_freed_total",
			Help: "Heap cells freed by distributed collections.",
		}),
	}
}

func (m *Metrics) step() {
	if m != nil {
		m.steps.Inc()
	}
}

func (m *Metrics) fetch() {
	if m != nil {
		m.fetches.Inc()
	}
}

func (m *Metrics) swept(freed int) {
	if m != nil {
		m.sweeps.Inc()
		m.freed.Add(float64(freed))
	}
}
