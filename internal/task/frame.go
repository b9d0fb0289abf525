package task

import (
	"github.com/dreamware/gridreduce/internal/heap"
)

// FrameState is the scheduling state of a frame
type FrameState int

const (
	// FrameNew frames exist but have not been offered for execution
	FrameNew FrameState = iota
	// FrameSparked frames are waiting to be picked up
	FrameSparked
	// FrameRunning frames are runnable
	FrameRunning
	// FrameBlocked frames wait for a remote value or a slot
	FrameBlocked
	// FrameDone frames have finished
	FrameDone
)

func (s FrameState) String() string {
	switch s {
	case FrameNew:
		return "new"
	case FrameSparked:
		return "sparked"
	case FrameRunning:
		return "running"
	case FrameBlocked:
		return "blocked"
	case FrameDone:
		return "done"
	}
	return "unknown"
}

// Step runs one slice of a frame and says what the frame does next.
type Step func(rt *Runtime, f *Frame) Result

type resultKind int

const (
	resultYield resultKind = iota
	resultDone
	resultAwaitCell
	resultAwaitSlot
)

// Result is returned by a Step.
type Result struct {
	kind resultKind
	cell *heap.Cell
	slot string
}

// Yield keeps the frame runnable.
func Yield() Result { return Result{kind: resultYield} }

// Done finishes the frame.
func Done() Result { return Result{kind: resultDone} }

// Await blocks the frame until the proxy c has been fetched. It does not
// block if c is already local.
func Await(c *heap.Cell) Result { return Result{kind: resultAwaitCell, cell: c} }

// AwaitSlot blocks the frame until the named slot holds a reference.
func AwaitSlot(name string) Result { return Result{kind: resultAwaitSlot, slot: name} }

// Frame is a unit of work. Locals are GC roots while the frame is sparked,
// running or blocked.
type Frame struct {
	ID     int
	Name   string
	Locals []*heap.Cell

	state   FrameState
	step    Step
	waitOn  *heap.Cell
	waitFor string
}

// State returns the scheduling state of f.
func (f *Frame) State() FrameState { return f.state }

// scheduler tracks frames by state.
type scheduler struct {
	nextID   int
	frames   map[int]*Frame
	sparked  []*Frame
	runnable []*Frame
	blocked  map[int]*Frame
}

func newScheduler() *scheduler {
	return &scheduler{
		frames:  make(map[int]*Frame),
		blocked: make(map[int]*Frame),
	}
}

func (s *scheduler) create(name string, step Step, locals []*heap.Cell) *Frame {
	s.nextID++
	f := &Frame{ID: s.nextID, Name: name, Locals: locals, step: step, state: FrameNew}
	s.frames[f.ID] = f
	return f
}

// spark moves a New frame to Sparked.
func (s *scheduler) spark(f *Frame) bool {
	if f.state != FrameNew {
		return false
	}
	f.state = FrameSparked
	s.sparked = append(s.sparked, f)
	return true
}

// next returns the frame to run next: running frames first, then sparked
// ones, which become running.
func (s *scheduler) next() *Frame {
	if len(s.runnable) > 0 {
		f := s.runnable[0]
		s.runnable = s.runnable[1:]
		return f
	}
	if len(s.sparked) > 0 {
		f := s.sparked[0]
		s.sparked = s.sparked[1:]
		f.state = FrameRunning
		return f
	}
	return nil
}

func (s *scheduler) requeue(f *Frame) {
	f.state = FrameRunning
	s.runnable = append(s.runnable, f)
}

func (s *scheduler) block(f *Frame, on *heap.Cell, slot string) {
	f.state = FrameBlocked
	f.waitOn = on
	f.waitFor = slot
	s.blocked[f.ID] = f
}

// wake makes every frame blocked on match runnable again.
func (s *scheduler) wake(match func(*Frame) bool) int {
	n := 0
	for id, f := range s.blocked {
		if match(f) {
			delete(s.blocked, id)
			f.waitOn = nil
			f.waitFor = ""
			s.requeue(f)
			n++
		}
	}
	return n
}

func (s *scheduler) finish(f *Frame) {
	f.state = FrameDone
	delete(s.frames, f.ID)
}

// hasWork reports whether a frame can run now.
func (s *scheduler) hasWork() bool {
	return len(s.runnable) > 0 || len(s.sparked) > 0
}

// live reports whether any frame has not finished.
func (s *scheduler) live() bool {
	for _, f := range s.frames {
		if f.state != FrameNew {
			return true
		}
	}
	return false
}

// roots returns the locals of every sparked, running or blocked frame,
// including the cells blocked frames wait on.
func (s *scheduler) roots() []*heap.Cell {
	var out []*heap.Cell
	for _, f := range s.frames {
		switch f.state {
		case FrameSparked, FrameRunning, FrameBlocked:
			out = append(out, f.Locals...)
			if f.waitOn != nil {
				out = append(out, f.waitOn)
			}
		}
	}
	return out
}

// counts returns the number of frames per state.
func (s *scheduler) counts() map[FrameState]int {
	out := make(map[FrameState]int)
	for _, f := range s.frames {
		out[f.state]++
	}
	return out
}
