package distgc

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Counter tracks outstanding mark work per task. Each task starts at one
// for its own root marking; the cycle has terminated when every count is
// zero.
type Counter struct {
	counts  []int64
	nonzero int
}

// NewCounter returns a counter for n tasks with every count at one.
func NewCounter(n int) *Counter {
	counts := make([]int64, n)
	for i := range counts {
		counts[i] = 1
	}
	return &Counter{counts: counts, nonzero: n}
}

// Apply adds delta to the counts. If any count would become negative the
// counter is left unchanged and an error is returned.
func (c *Counter) Apply(delta []int64) error {
	if len(delta) != len(c.counts) {
		return fmt.Errorf("update has %d counts, group has %d tasks", len(delta), len(c.counts))
	}
	for i, d := range delta {
		if c.counts[i]+d < 0 {
			return fmt.Errorf("count of task %d would drop to %d", i, c.counts[i]+d)
		}
	}
	for i, d := range delta {
		before := c.counts[i]
		c.counts[i] += d
		switch {
		case before == 0 && c.counts[i] != 0:
			c.nonzero++
		case before != 0 && c.counts[i] == 0:
			c.nonzero--
		}
	}
	return nil
}

// Done reports whether every count is zero.
func (c *Counter) Done() bool { return c.nonzero == 0 }

// Counts returns a copy of the current counts.
func (c *Counter) Counts() []int64 { return slices.Clone(c.counts) }
