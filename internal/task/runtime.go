package task

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/heap"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// Runtime is what a program sees of its task. It must only be used from
// program and frame code, which runs on the task loop.
type Runtime struct {
	t *Task
}

// TID returns the index of the task in its group.
func (rt *Runtime) TID() int { return rt.t.cfg.TID }

// GroupSize returns the number of tasks in the group.
func (rt *Runtime) GroupSize() int { return rt.t.cfg.GroupSize }

func (rt *Runtime) Logger() *zap.Logger { return rt.t.logger }

// Alloc creates a cell on the task heap.
func (rt *Runtime) Alloc(value string, refs ...*heap.Cell) *heap.Cell {
	return rt.t.heap.Alloc(value, refs...)
}

// NewFrame creates a frame that does not run until it is sparked.
func (rt *Runtime) NewFrame(name string, step Step, locals ...*heap.Cell) *Frame {
	return rt.t.sched.create(name, step, locals)
}

// Spark offers a new frame for execution.
func (rt *Runtime) Spark(f *Frame) bool {
	return rt.t.sched.spark(f)
}

// Spawn creates a frame and sparks it.
func (rt *Runtime) Spawn(name string, step Step, locals ...*heap.Cell) *Frame {
	f := rt.NewFrame(name, step, locals...)
	rt.Spark(f)
	return f
}

// Slot returns the reference held in the named root slot.
func (rt *Runtime) Slot(name string) (*heap.Cell, bool) {
	c, ok := rt.t.slots[name]
	return c, ok
}

// SetSlot stores c in the named root slot and wakes frames waiting on it.
func (rt *Runtime) SetSlot(name string, c *heap.Cell) {
	rt.t.setSlot(name, c)
}

// DropSlot clears the named root slot.
func (rt *Runtime) DropSlot(name string) {
	delete(rt.t.slots, name)
}

// Share sends a reference to c to group member tid, which stores it in
// the named slot.
func (rt *Runtime) Share(tid int, name string, c *heap.Cell) error {
	t := rt.t
	if tid == t.cfg.TID {
		t.setSlot(name, c)
		return nil
	}
	to, err := t.peer(tid)
	if err != nil {
		return err
	}
	addr, err := t.heap.Export(c)
	if err != nil {
		return err
	}
	t.heap.Directory().MarkSent(tid, addr)
	if err := t.ep.Send(to, protocol.TagShareRef, protocol.ShareRef{Name: name, Addr: addr}); err != nil {
		return fmt.Errorf("sharing %s with %d: %w", addr, tid, err)
	}
	return nil
}

// Print sends a line of output to the group's output endpoint.
func (rt *Runtime) Print(format string, args ...any) {
	t := rt.t
	if t.cfg.Output.IsZero() {
		return
	}
	t.send(t.cfg.Output, protocol.TagOutput, protocol.Output{TID: t.cfg.TID, Text: fmt.Sprintf(format, args...)})
}

// Collect runs a local collection. It does nothing while a distributed
// collection is in progress.
func (rt *Runtime) Collect() heap.SweepResult {
	t := rt.t
	if t.heap.InCycle() {
		return heap.SweepResult{}
	}
	res := t.heap.CollectLocal(t.roots()...)
	t.stats.freed.Add(uint64(res.Freed))
	return res
}
