package task

import "go.uber.org/atomic"

// gate is a single-fire latch released by StartTask.
type gate struct {
	ch    chan struct{}
	fired *atomic.Bool
}

func newGate() *gate {
	return &gate{ch: make(chan struct{}), fired: atomic.NewBool(false)}
}

// Open releases the gate. Only the first call succeeds.
func (g *gate) Open() error {
	if !g.fired.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	close(g.ch)
	return nil
}

func (g *gate) Opened() bool { return g.fired.Load() }

func (g *gate) Wait() <-chan struct{} { return g.ch }
