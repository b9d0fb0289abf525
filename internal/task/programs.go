package task

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/gridreduce/internal/heap"
)

// ErrUnknownProgram is returned for a program name with no registration.
var ErrUnknownProgram = errors.New("unknown program")

// Program is the code a task runs once it is started. Start runs on the
// task loop and typically spawns frames.
type Program interface {
	Start(rt *Runtime, args []string) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(rt *Runtime, args []string) error

func (f ProgramFunc) Start(rt *Runtime, args []string) error { return f(rt, args) }

// Registry maps program names to programs.
type Registry map[string]Program

// Lookup returns the program registered as name.
func (r Registry) Lookup(name string) (Program, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
	}
	return p, nil
}

// DefaultRegistry returns the built-in programs:
//
//	idle           finishes at once
//	ring [n]       passes a list of n cells to the next task and walks the
//	               list received from the previous one
//	garbage [n]    allocates n rounds of unreachable cells
//	hold           keeps a frame waiting until the task is killed
func DefaultRegistry() Registry {
	return Registry{
		"idle":    ProgramFunc(func(*Runtime, []string) error { return nil }),
		"hold":    ProgramFunc(holdProgram),
		"ring":    ProgramFunc(ringProgram),
		"garbage": ProgramFunc(garbageProgram),
	}
}

func intArg(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("argument %d: want a non-negative integer, got %q", i, args[i])
	}
	return n, nil
}

// PrevSlot is the slot the ring program receives its neighbour's list in.
const PrevSlot = "prev"

func ringProgram(rt *Runtime, args []string) error {
	n, err := intArg(args, 0, 4)
	if err != nil {
		return err
	}
	var head *heap.Cell
	for i := n - 1; i >= 0; i-- {
		value := fmt.Sprintf("t%d.%d", rt.TID(), i)
		if head == nil {
			head = rt.Alloc(value)
		} else {
			head = rt.Alloc(value, head)
		}
	}
	if head == nil {
		head = rt.Alloc(fmt.Sprintf("t%d.empty", rt.TID()))
	}
	next := (rt.TID() + 1) % rt.GroupSize()
	if err := rt.Share(next, PrevSlot, head); err != nil {
		return err
	}
	rt.Spawn("walk", walkStep, nil)
	return nil
}

// walkStep follows the list in PrevSlot one cell per step, fetching remote
// cells as it goes. Locals[0] is the cursor.
func walkStep(rt *Runtime, f *Frame) Result {
	if f.Locals[0] == nil {
		c, ok := rt.Slot(PrevSlot)
		if !ok {
			return AwaitSlot(PrevSlot)
		}
		f.Locals[0] = c
	}
	cur := f.Locals[0]
	if cur.IsProxy() && cur.Target() == nil {
		return Await(cur)
	}
	data := cur.Resolved()
	rt.Print("%s", data.Value())
	refs := data.Refs()
	if len(refs) == 0 {
		rt.DropSlot(PrevSlot)
		f.Locals[0] = nil
		return Done()
	}
	f.Locals[0] = refs[0]
	return Yield()
}

// HoldSlot is never filled; the hold program's frame waits on it.
const HoldSlot = "hold"

func holdProgram(rt *Runtime, _ []string) error {
	rt.Spawn("hold", func(*Runtime, *Frame) Result {
		return AwaitSlot(HoldSlot)
	})
	return nil
}

func garbageProgram(rt *Runtime, args []string) error {
	rounds, err := intArg(args, 0, 8)
	if err != nil {
		return err
	}
	left := rounds
	rt.Spawn("garbage", func(rt *Runtime, f *Frame) Result {
		if left == 0 {
			return Done()
		}
		left--
		var prev *heap.Cell
		for i := 0; i < 16; i++ {
			if prev == nil {
				prev = rt.Alloc("garbage")
			} else {
				prev = rt.Alloc("garbage", prev)
			}
		}
		return Yield()
	})
	return nil
}
