package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/gridreduce/internal/directory"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/heap"
	"github.com/dreamware/gridreduce/internal/protocol"
)

const waitFor = 2 * time.Second

// group is a task group on an in-process network. The ctl endpoint plays
// launcher, output collector and GC coordinator.
type group struct {
	t       *testing.T
	nw      *endpoint.Network
	ctl     *endpoint.Endpoint
	tasks   []*Task
	pending []endpoint.Message
}

func newGroup(t *testing.T, size int, program string, args []string, programs Registry) *group {
	logger := zaptest.NewLogger(t)
	nw := endpoint.NewNetwork(logger)
	ctl, err := nw.NewNode("ctl:7000").AddEndpoint("ctl")
	require.NoError(t, err)

	g := &group{t: t, nw: nw, ctl: ctl}
	for i := 0; i < size; i++ {
		tk, err := New(nw.NewNode(fmt.Sprintf("n%d:7000", i)), Config{
			GroupID:   "g1",
			TID:       i,
			GroupSize: size,
			Program:   program,
			Args:      args,
			Output:    ctl.ID(),
			Programs:  programs,
			Logger:    logger,
		})
		require.NoError(t, err)
		g.tasks = append(g.tasks, tk)
	}
	t.Cleanup(func() {
		nw.Close()
		for _, tk := range g.tasks {
			select {
			case <-tk.Done():
			case <-time.After(waitFor):
				t.Errorf("task %d did not stop", tk.TID())
			}
		}
	})
	return g
}

func (g *group) idmap() []endpoint.ID {
	ids := make([]endpoint.ID, len(g.tasks))
	for i, tk := range g.tasks {
		ids[i] = tk.ID()
	}
	return ids
}

// next returns the next message with the given tag. Other messages are
// kept for later calls.
func (g *group) next(tag endpoint.Tag) endpoint.Message {
	g.t.Helper()
	for i, msg := range g.pending {
		if msg.Tag == tag {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return msg
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		msg, err := g.ctl.Receive(ctx, -1)
		require.NoError(g.t, err, "waiting for %s", tag)
		if msg.Tag == tag {
			return msg
		}
		g.pending = append(g.pending, msg)
	}
}

// recv returns the oldest kept message or the next one to arrive.
func (g *group) recv(ctx context.Context) (endpoint.Message, error) {
	if len(g.pending) > 0 {
		msg := g.pending[0]
		g.pending = g.pending[1:]
		return msg, nil
	}
	return g.ctl.Receive(ctx, -1)
}

func (g *group) initAll() {
	g.t.Helper()
	for _, tk := range g.tasks {
		require.NoError(g.t, g.ctl.Send(tk.ID(), protocol.TagInitTask, protocol.InitTask{LocalID: tk.ID().Local, IDMap: g.idmap()}))
		resp, err := protocol.Payload[protocol.InitTaskResponse](g.next(protocol.TagInitTaskResponse))
		require.NoError(g.t, err)
		require.Empty(g.t, resp.Error)
	}
}

func (g *group) startAll() {
	g.t.Helper()
	for _, tk := range g.tasks {
		require.NoError(g.t, g.ctl.Send(tk.ID(), protocol.TagStartTask, protocol.StartTask{LocalID: tk.ID().Local}))
		resp, err := protocol.Payload[protocol.StartTaskResponse](g.next(protocol.TagStartTaskResponse))
		require.NoError(g.t, err)
		require.Empty(g.t, resp.Error)
	}
}

// waitDone collects one TaskDone per task and the output printed before.
func (g *group) waitDone() map[int][]string {
	g.t.Helper()
	out := make(map[int][]string)
	done := 0
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for done < len(g.tasks) {
		msg, err := g.recv(ctx)
		require.NoError(g.t, err)
		switch msg.Tag {
		case protocol.TagOutput:
			line, err := protocol.Payload[protocol.Output](msg)
			require.NoError(g.t, err)
			out[line.TID] = append(out[line.TID], line.Text)
		case protocol.TagTaskDone:
			d, err := protocol.Payload[protocol.TaskDone](msg)
			require.NoError(g.t, err)
			require.Empty(g.t, d.Error, "task %d", d.TID)
			done++
		}
	}
	return out
}

func (g *group) inspect(i int, fn func(h *heap.Heap)) {
	g.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(g.t, g.tasks[i].Inspect(ctx, fn))
}

func (g *group) settleAcks() {
	g.t.Helper()
	require.Eventually(g.t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		for _, tk := range g.tasks {
			pending := 0
			if err := tk.Inspect(ctx, func(h *heap.Heap) { pending = len(h.Directory().InFlight()) }); err != nil || pending > 0 {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

// collect drives one distributed cycle from the ctl endpoint and returns
// the sweep acknowledgements by task.
func (g *group) collect(iteration int) map[int]protocol.SweepAck {
	g.t.Helper()
	for _, tk := range g.tasks {
		require.NoError(g.t, g.ctl.Send(tk.ID(), protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: iteration}))
	}
	for range g.tasks {
		ack, err := protocol.Payload[protocol.StartDistGCAck](g.next(protocol.TagStartDistGCAck))
		require.NoError(g.t, err)
		require.Equal(g.t, iteration, ack.Iteration)
	}
	counts := make([]int64, len(g.tasks))
	for i, tk := range g.tasks {
		counts[i] = 1
		require.NoError(g.t, g.ctl.Send(tk.ID(), protocol.TagMarkRoots, protocol.MarkRoots{Iteration: iteration}))
	}
	for !allZero(counts) {
		up, err := protocol.Payload[protocol.Update](g.next(protocol.TagUpdate))
		require.NoError(g.t, err)
		for i, d := range up.Counts {
			counts[i] += d
			require.GreaterOrEqual(g.t, counts[i], int64(0))
		}
	}
	for _, tk := range g.tasks {
		require.NoError(g.t, g.ctl.Send(tk.ID(), protocol.TagSweep, protocol.Sweep{Iteration: iteration}))
	}
	acks := make(map[int]protocol.SweepAck)
	for range g.tasks {
		msg := g.next(protocol.TagSweepAck)
		ack, err := protocol.Payload[protocol.SweepAck](msg)
		require.NoError(g.t, err)
		acks[slicesIndex(g.idmap(), msg.From)] = ack
	}
	return acks
}

func allZero(counts []int64) bool {
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

func slicesIndex(ids []endpoint.ID, id endpoint.ID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{TID: 0, GroupSize: 1}.Validate())
	assert.Error(t, Config{TID: 0, GroupSize: 0}.Validate())
	assert.Error(t, Config{TID: 2, GroupSize: 2}.Validate())
	assert.Error(t, Config{TID: -1, GroupSize: 2}.Validate())
}

func TestNewRejectsUnknownProgram(t *testing.T) {
	nw := endpoint.NewNetwork(zaptest.NewLogger(t))
	defer nw.Close()
	_, err := New(nw.NewNode("n0:7000"), Config{GroupSize: 1, Program: "nope"})
	assert.ErrorIs(t, err, ErrUnknownProgram)
}

func TestLifecycleGate(t *testing.T) {
	g := newGroup(t, 1, "idle", nil, nil)
	tk := g.tasks[0]
	assert.Equal(t, StateCreated, tk.State())

	start := func() string {
		require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagStartTask, protocol.StartTask{LocalID: tk.ID().Local}))
		resp, err := protocol.Payload[protocol.StartTaskResponse](g.next(protocol.TagStartTaskResponse))
		require.NoError(t, err)
		return resp.Error
	}
	initTask := func() string {
		require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagInitTask, protocol.InitTask{IDMap: g.idmap()}))
		resp, err := protocol.Payload[protocol.InitTaskResponse](g.next(protocol.TagInitTaskResponse))
		require.NoError(t, err)
		assert.Equal(t, tk.ID().Local, resp.LocalID)
		return resp.Error
	}

	assert.Equal(t, ErrNotInitialized.Error(), start())
	assert.Empty(t, initTask())
	assert.Equal(t, StateInitialized, tk.State())
	assert.Equal(t, ErrAlreadyInitialized.Error(), initTask())

	select {
	case <-tk.Started():
		t.Fatal("gate opened before StartTask")
	default:
	}
	assert.Empty(t, start())
	<-tk.Started()
	assert.Equal(t, ErrAlreadyStarted.Error(), start())

	g.waitDone()
	require.Eventually(t, func() bool { return tk.State() == StateFinished }, waitFor, time.Millisecond)
}

func TestInitRejectsBadIDMap(t *testing.T) {
	g := newGroup(t, 2, "idle", nil, nil)
	cases := map[string][]endpoint.ID{
		"short":   {g.tasks[0].ID()},
		"swapped": {g.tasks[1].ID(), g.tasks[0].ID()},
	}
	for name, idmap := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, g.ctl.Send(g.tasks[0].ID(), protocol.TagInitTask, protocol.InitTask{IDMap: idmap}))
			resp, err := protocol.Payload[protocol.InitTaskResponse](g.next(protocol.TagInitTaskResponse))
			require.NoError(t, err)
			assert.Contains(t, resp.Error, ErrBadIDMap.Error())
		})
	}
	assert.Equal(t, StateCreated, g.tasks[0].State())
}

func TestReplyToIsHonoured(t *testing.T) {
	g := newGroup(t, 1, "idle", nil, nil)
	other, err := g.nw.NewNode("other:7000").AddEndpoint("other")
	require.NoError(t, err)

	require.NoError(t, g.ctl.Send(g.tasks[0].ID(), protocol.TagInitTask, protocol.InitTask{IDMap: g.idmap(), ReplyTo: other.ID()}))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := other.Receive(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagInitTaskResponse, msg.Tag)
}

func TestRingProgram(t *testing.T) {
	g := newGroup(t, 3, "ring", []string{"3"}, nil)
	g.initAll()
	g.startAll()
	out := g.waitDone()

	want := map[int][]string{
		0: {"t2.0", "t2.1", "t2.2"},
		1: {"t0.0", "t0.1", "t0.2"},
		2: {"t1.0", "t1.1", "t1.2"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	for _, tk := range g.tasks {
		assert.Equal(t, uint64(3), tk.Stats().Fetches)
	}
}

func TestRingProgramAlone(t *testing.T) {
	g := newGroup(t, 1, "ring", []string{"2"}, nil)
	g.initAll()
	g.startAll()
	out := g.waitDone()
	assert.Equal(t, []string{"t0.0", "t0.1"}, out[0])
	assert.Zero(t, g.tasks[0].Stats().Fetches)
}

func TestHoldProgramRunsUntilKilled(t *testing.T) {
	g := newGroup(t, 1, "hold", nil, DefaultRegistry())
	g.initAll()
	g.startAll()

	tk := g.tasks[0]
	assert.Never(t, func() bool { return tk.State() != StateRunning }, 100*time.Millisecond, 10*time.Millisecond)
	tk.Kill()
	select {
	case <-tk.Done():
	case <-time.After(waitFor):
		t.Fatal("hold task did not stop")
	}
	assert.Equal(t, StateStopped, tk.State())
}

func TestCollectionFreesDroppedLists(t *testing.T) {
	g := newGroup(t, 2, "ring", []string{"3"}, nil)
	g.initAll()
	g.startAll()
	g.waitDone()
	g.settleAcks()

	acks := g.collect(1)
	for i := range g.tasks {
		// Own list, proxies of the neighbour's list and their copies.
		assert.Equal(t, 9, acks[i].Freed, "task %d", i)
		assert.Zero(t, acks[i].Remaining, "task %d", i)
		g.inspect(i, func(h *heap.Heap) {
			assert.Zero(t, h.Directory().Len())
			assert.False(t, h.InCycle())
		})
		assert.Equal(t, uint64(1), g.tasks[i].Stats().Cycles)
	}
}

// holdRegistry has task 0 share a list with task 1, which fetches only the
// head and keeps it in a slot.
func holdRegistry() Registry {
	return Registry{"hold": ProgramFunc(func(rt *Runtime, _ []string) error {
		if rt.TID() == 0 {
			a2 := rt.Alloc("a2")
			a1 := rt.Alloc("a1", a2)
			a0 := rt.Alloc("a0", a1)
			rt.Alloc("g")
			return rt.Share(1, "held", a0)
		}
		rt.Spawn("hold", func(rt *Runtime, f *Frame) Result {
			c, ok := rt.Slot("held")
			if !ok {
				return AwaitSlot("held")
			}
			if c.Target() == nil {
				return Await(c)
			}
			return Done()
		})
		return nil
	})}
}

func TestCollectionKeepsRemotelyReachable(t *testing.T) {
	g := newGroup(t, 2, "hold", nil, holdRegistry())
	g.initAll()
	g.startAll()
	g.waitDone()
	g.settleAcks()

	acks := g.collect(1)
	// g was never shared. a0 stays because task 1's proxy still stands for
	// it, a1 and a2 through task 1's proxy of a1.
	assert.Equal(t, protocol.SweepAck{Iteration: 1, Freed: 1, Remaining: 3}, acks[0])
	assert.Equal(t, protocol.SweepAck{Iteration: 1, Freed: 0, Remaining: 3}, acks[1])

	var values []string
	g.inspect(0, func(h *heap.Heap) {
		a1, ok := h.Directory().Lookup(directory.GAddr{PID: 0, LocalID: 2})
		require.True(t, ok)
		for c := a1; c != nil; {
			values = append(values, c.Value())
			if refs := c.Refs(); len(refs) > 0 {
				c = refs[0]
			} else {
				c = nil
			}
		}
	})
	assert.Equal(t, []string{"a1", "a2"}, values)

	// A second cycle keeps the same set.
	acks = g.collect(2)
	assert.Zero(t, acks[0].Freed)
	assert.Zero(t, acks[1].Freed)
}

// reshareRegistry has task 0 share a list with task 1. Task 1 fetches the
// head and, once a collection has run, passes its proxy on to task 2,
// which fetches it from task 0.
func reshareRegistry() Registry {
	return Registry{"reshare": ProgramFunc(func(rt *Runtime, _ []string) error {
		switch rt.TID() {
		case 0:
			return rt.Share(1, "held", rt.Alloc("a0", rt.Alloc("a1")))
		case 1:
			rt.Spawn("pass", func(rt *Runtime, f *Frame) Result {
				c, ok := rt.Slot("held")
				if !ok {
					return AwaitSlot("held")
				}
				if c.Target() == nil {
					return Await(c)
				}
				if rt.t.Stats().Cycles == 0 {
					return Yield()
				}
				if err := rt.Share(2, "held", c); err != nil {
					rt.Print("share: %v", err)
				}
				return Done()
			})
		default:
			rt.Spawn("read", func(rt *Runtime, f *Frame) Result {
				c, ok := rt.Slot("held")
				if !ok {
					return AwaitSlot("held")
				}
				if c.Target() == nil {
					return Await(c)
				}
				rt.Print("%s", c.Resolved().Value())
				return Done()
			})
		}
		return nil
	})}
}

func TestFetchedReferenceSurvivesCollection(t *testing.T) {
	g := newGroup(t, 3, "reshare", nil, reshareRegistry())
	g.initAll()
	g.startAll()

	// Proxy of a0, its copy and the proxy of a1.
	require.Eventually(t, func() bool {
		cells := 0
		g.inspect(1, func(h *heap.Heap) { cells = h.Stats().Cells })
		return cells == 3
	}, waitFor, 5*time.Millisecond)
	g.settleAcks()

	acks := g.collect(1)
	assert.Zero(t, acks[0].Freed, "a0 is still referenced by task 1")

	out := g.waitDone()
	assert.Equal(t, map[int][]string{2: {"a0"}}, out)
}

func TestMarkEntryForUnknownAddress(t *testing.T) {
	g := newGroup(t, 1, "idle", nil, nil)
	g.initAll()
	tk := g.tasks[0]

	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: 4}))
	g.next(protocol.TagStartDistGCAck)
	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagMarkEntry, protocol.MarkEntry{
		Iteration: 4,
		Addrs:     []directory.GAddr{{PID: 0, LocalID: 99}},
	}))
	failed, err := protocol.Payload[protocol.GCFailed](g.next(protocol.TagGCFailed))
	require.NoError(t, err)
	assert.Equal(t, 4, failed.Iteration)
	assert.Contains(t, failed.Reason, directory.ErrUnknownAddress.Error())
}

func TestCycleIterations(t *testing.T) {
	g := newGroup(t, 1, "idle", nil, nil)
	g.initAll()
	tk := g.tasks[0]
	send := func(tag endpoint.Tag, payload any) {
		require.NoError(t, g.ctl.Send(tk.ID(), tag, payload))
	}

	send(protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: 2})
	g.next(protocol.TagStartDistGCAck)

	// A message for a later cycle is a violation.
	send(protocol.TagMarkRoots, protocol.MarkRoots{Iteration: 3})
	failed, err := protocol.Payload[protocol.GCFailed](g.next(protocol.TagGCFailed))
	require.NoError(t, err)
	assert.Equal(t, 3, failed.Iteration)

	// A stale one is dropped; the next reply is for the current cycle.
	send(protocol.TagMarkRoots, protocol.MarkRoots{Iteration: 1})
	send(protocol.TagMarkRoots, protocol.MarkRoots{Iteration: 2})
	up, err := protocol.Payload[protocol.Update](g.next(protocol.TagUpdate))
	require.NoError(t, err)
	assert.Equal(t, protocol.Update{Iteration: 2, Counts: []int64{-1}}, up)

	// Restarting the running cycle is refused, a newer one replaces it.
	send(protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: 2})
	g.next(protocol.TagGCFailed)
	send(protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: 5})
	ack, err := protocol.Payload[protocol.StartDistGCAck](g.next(protocol.TagStartDistGCAck))
	require.NoError(t, err)
	assert.Equal(t, 5, ack.Iteration)
}

func TestCellsCreatedDuringCycleSurvive(t *testing.T) {
	g := newGroup(t, 1, "idle", nil, nil)
	g.initAll()
	g.inspect(0, func(h *heap.Heap) { h.Alloc("before") })

	tk := g.tasks[0]
	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: g.ctl.ID(), Iteration: 1}))
	g.next(protocol.TagStartDistGCAck)
	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagMarkRoots, protocol.MarkRoots{Iteration: 1}))
	g.next(protocol.TagUpdate)
	g.inspect(0, func(h *heap.Heap) { h.Alloc("during") })
	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagSweep, protocol.Sweep{Iteration: 1}))
	ack, err := protocol.Payload[protocol.SweepAck](g.next(protocol.TagSweepAck))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Freed)
	assert.Equal(t, 1, ack.Remaining)
}

func TestPauseStopsFrames(t *testing.T) {
	g := newGroup(t, 1, "garbage", []string{"1000000"}, nil)
	g.initAll()
	tk := g.tasks[0]

	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagPause, protocol.Pause{}))
	g.startAll()
	g.next(protocol.TagPauseAck)
	before := tk.Stats().Steps
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, tk.Stats().Steps)

	require.NoError(t, g.ctl.Send(tk.ID(), protocol.TagResume, protocol.Resume{}))
	require.Eventually(t, func() bool { return tk.Stats().Steps > before }, waitFor, time.Millisecond)
}

func TestPeerExitStopsTask(t *testing.T) {
	g := newGroup(t, 2, "idle", nil, nil)
	g.initAll()

	g.tasks[1].Kill()
	select {
	case <-g.tasks[0].Done():
	case <-time.After(waitFor):
		t.Fatal("task 0 did not stop")
	}
	assert.ErrorIs(t, g.tasks[0].Err(), ErrPeerLost)
	assert.NoError(t, g.tasks[1].Err())
	assert.Equal(t, StateStopped, g.tasks[0].State())
}

func TestFetchFromOutsideGroup(t *testing.T) {
	g := newGroup(t, 2, "idle", nil, nil)
	g.initAll()

	spy, err := g.nw.NewNode("spy:7000").AddEndpoint("spy")
	require.NoError(t, err)
	require.NoError(t, spy.Send(g.tasks[0].ID(), protocol.TagFetch, protocol.Fetch{Addr: directory.GAddr{PID: 0, LocalID: 7}}))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := spy.Receive(ctx, -1)
	require.NoError(t, err)
	resp, err := protocol.Payload[protocol.Respond](msg)
	require.NoError(t, err)
	assert.Equal(t, "fetch from outside the group", resp.Error)
}
