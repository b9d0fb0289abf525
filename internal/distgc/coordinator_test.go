package distgc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/heap"
	"github.com/dreamware/gridreduce/internal/protocol"
	"github.com/dreamware/gridreduce/internal/task"
)

const waitFor = 2 * time.Second

// fakeTask answers the coordinator the way an idle task with no remote
// references would. Entries in override replace the default reply.
type fakeTask struct {
	ep       *endpoint.Endpoint
	idx, n   int
	got      chan endpoint.Tag
	override map[endpoint.Tag]func(f *fakeTask, msg endpoint.Message)
}

func (f *fakeTask) run() {
	for msg := range f.ep.Inbox() {
		select {
		case f.got <- msg.Tag:
		default:
		}
		if fn, ok := f.override[msg.Tag]; ok {
			fn(f, msg)
			continue
		}
		switch msg.Tag {
		case protocol.TagPause:
			req, _ := protocol.Payload[protocol.Pause](msg)
			_ = f.ep.Send(msg.From, protocol.TagPauseAck, protocol.PauseAck{Iteration: req.Iteration})
		case protocol.TagStartDistGC:
			req, _ := protocol.Payload[protocol.StartDistGC](msg)
			_ = f.ep.Send(req.Coordinator, protocol.TagStartDistGCAck, protocol.StartDistGCAck{Iteration: req.Iteration})
		case protocol.TagMarkRoots:
			req, _ := protocol.Payload[protocol.MarkRoots](msg)
			counts := make([]int64, f.n)
			counts[f.idx] = -1
			_ = f.ep.Send(msg.From, protocol.TagUpdate, protocol.Update{Iteration: req.Iteration, Counts: counts})
		case protocol.TagSweep:
			req, _ := protocol.Payload[protocol.Sweep](msg)
			_ = f.ep.Send(msg.From, protocol.TagSweepAck, protocol.SweepAck{Iteration: req.Iteration, Freed: 1})
		}
	}
}

// mute drops a message without answering.
func mute(*fakeTask, endpoint.Message) {}

type fixture struct {
	t        *testing.T
	nw       *endpoint.Network
	host     *endpoint.Node
	listener *endpoint.Endpoint
	fakes    []*fakeTask
	coord    *Coordinator
}

func newFixture(t *testing.T, n int, cfg Config, overrides map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message)) *fixture {
	logger := zaptest.NewLogger(t)
	nw := endpoint.NewNetwork(logger)
	host := nw.NewNode("coord:7000")
	listener, err := host.AddEndpoint("listener")
	require.NoError(t, err)

	f := &fixture{t: t, nw: nw, host: host, listener: listener}
	ids := make([]endpoint.ID, n)
	for i := 0; i < n; i++ {
		ep, err := nw.NewNode(fmt.Sprintf("n%d:7000", i)).AddEndpoint("task")
		require.NoError(t, err)
		fake := &fakeTask{ep: ep, idx: i, n: n, got: make(chan endpoint.Tag, 64), override: overrides[i]}
		go fake.run()
		f.fakes = append(f.fakes, fake)
		ids[i] = ep.ID()
	}

	cfg.Listener = listener.ID()
	f.coord, err = Start(host, ids, Options{Config: cfg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		nw.Close()
		<-f.coord.Done()
	})
	return f
}

func (f *fixture) cycleDone() protocol.GCCycleDone {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := f.listener.Receive(ctx, -1)
	require.NoError(f.t, err)
	require.Equal(f.t, protocol.TagGCCycleDone, msg.Tag)
	done, err := protocol.Payload[protocol.GCCycleDone](msg)
	require.NoError(f.t, err)
	return done
}

func (f *fixture) stopped() error {
	f.t.Helper()
	select {
	case <-f.coord.Done():
		return f.coord.Err()
	case <-time.After(waitFor):
		f.t.Fatal("coordinator did not stop")
		return nil
	}
}

// awaitTag waits until fake i has received tag.
func awaitTag(t *testing.T, fake *fakeTask, tag endpoint.Tag) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got := <-fake.got:
			if got == tag {
				return
			}
		case <-deadline:
			t.Fatalf("task %d never received %s", fake.idx, tag)
		}
	}
}

func drain(fake *fakeTask) []endpoint.Tag {
	var tags []endpoint.Tag
	for {
		select {
		case tag := <-fake.got:
			tags = append(tags, tag)
		default:
			return tags
		}
	}
}

func noIdle() Config {
	cfg := DefaultConfig()
	cfg.IdleDelay = 0
	return cfg
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{IdleDelay: -1}.Validate())
	assert.Error(t, Config{CycleTimeout: -1}.Validate())
}

func TestStartNeedsTasks(t *testing.T) {
	nw := endpoint.NewNetwork(zaptest.NewLogger(t))
	defer nw.Close()
	_, err := Start(nw.NewNode("c:1"), nil, Options{Config: noIdle()})
	assert.Error(t, err)
}

func TestCycle(t *testing.T) {
	f := newFixture(t, 3, noIdle(), nil)
	require.NoError(t, f.coord.Trigger())

	done := f.cycleDone()
	assert.Equal(t, protocol.GCCycleDone{Iteration: 1, Freed: 3}, done)
	assert.Equal(t, int64(1), f.coord.Completed())
	for _, fake := range f.fakes {
		assert.Equal(t, []endpoint.Tag{protocol.TagStartDistGC, protocol.TagMarkRoots, protocol.TagSweep}, drain(fake))
	}

	require.NoError(t, f.coord.Trigger())
	assert.Equal(t, 2, f.cycleDone().Iteration)
}

func TestQuiescentCycle(t *testing.T) {
	cfg := noIdle()
	cfg.Quiescent = true
	f := newFixture(t, 2, cfg, nil)
	require.NoError(t, f.coord.Trigger())
	assert.Empty(t, f.cycleDone().Error)

	for _, fake := range f.fakes {
		awaitTag(t, fake, protocol.TagResume)
	}
}

func TestQuiescentSequence(t *testing.T) {
	cfg := noIdle()
	cfg.Quiescent = true
	f := newFixture(t, 1, cfg, nil)
	require.NoError(t, f.coord.Trigger())
	f.cycleDone()
	awaitTag(t, f.fakes[0], protocol.TagPause)
	awaitTag(t, f.fakes[0], protocol.TagStartDistGC)
	awaitTag(t, f.fakes[0], protocol.TagMarkRoots)
	awaitTag(t, f.fakes[0], protocol.TagSweep)
	awaitTag(t, f.fakes[0], protocol.TagResume)
}

func TestNegativeCountIsProtocolError(t *testing.T) {
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		0: {protocol.TagMarkRoots: func(f *fakeTask, msg endpoint.Message) {
			req, _ := protocol.Payload[protocol.MarkRoots](msg)
			_ = f.ep.Send(msg.From, protocol.TagUpdate, protocol.Update{Iteration: req.Iteration, Counts: []int64{-2, 0}})
		}},
	}
	f := newFixture(t, 2, noIdle(), overrides)
	require.NoError(t, f.coord.Trigger())

	assert.NotEmpty(t, f.cycleDone().Error)
	err := f.stopped()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Run)
	assert.Equal(t, PhaseMarking, perr.Phase)
}

func TestTaskFailureIsProtocolError(t *testing.T) {
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		1: {protocol.TagMarkRoots: func(f *fakeTask, msg endpoint.Message) {
			req, _ := protocol.Payload[protocol.MarkRoots](msg)
			_ = f.ep.Send(msg.From, protocol.TagGCFailed, protocol.GCFailed{Iteration: req.Iteration, Reason: "unknown global address: 3@1"})
		}},
	}
	f := newFixture(t, 2, noIdle(), overrides)
	require.NoError(t, f.coord.Trigger())

	var perr *ProtocolError
	require.ErrorAs(t, f.stopped(), &perr)
	assert.Contains(t, perr.Reason, "unknown global address")
}

func TestUpdateForOtherCycleIsProtocolError(t *testing.T) {
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		0: {protocol.TagMarkRoots: func(f *fakeTask, msg endpoint.Message) {
			_ = f.ep.Send(msg.From, protocol.TagUpdate, protocol.Update{Iteration: 7, Counts: []int64{-1}})
		}},
	}
	f := newFixture(t, 1, noIdle(), overrides)
	require.NoError(t, f.coord.Trigger())

	var perr *ProtocolError
	require.ErrorAs(t, f.stopped(), &perr)
	assert.Contains(t, perr.Reason, "cycle 7")
}

func TestDuplicateAckIsProtocolError(t *testing.T) {
	twice := func(tag endpoint.Tag, reply func(msg endpoint.Message) any) func(*fakeTask, endpoint.Message) {
		return func(f *fakeTask, msg endpoint.Message) {
			_ = f.ep.Send(msg.From, tag, reply(msg))
			_ = f.ep.Send(msg.From, tag, reply(msg))
		}
	}
	tests := []struct {
		name      string
		quiescent bool
		phase     Phase
		overrides map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message)
	}{
		{
			name:      "pause",
			quiescent: true,
			phase:     PhasePausing,
			overrides: map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
				0: {protocol.TagPause: twice(protocol.TagPauseAck, func(msg endpoint.Message) any {
					req, _ := protocol.Payload[protocol.Pause](msg)
					return protocol.PauseAck{Iteration: req.Iteration}
				})},
				1: {protocol.TagPause: mute},
			},
		},
		{
			name:  "start",
			phase: PhaseStarting,
			overrides: map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
				0: {protocol.TagStartDistGC: twice(protocol.TagStartDistGCAck, func(msg endpoint.Message) any {
					req, _ := protocol.Payload[protocol.StartDistGC](msg)
					return protocol.StartDistGCAck{Iteration: req.Iteration}
				})},
				1: {protocol.TagStartDistGC: mute},
			},
		},
		{
			name:  "sweep",
			phase: PhaseSweeping,
			overrides: map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
				0: {protocol.TagSweep: twice(protocol.TagSweepAck, func(msg endpoint.Message) any {
					req, _ := protocol.Payload[protocol.Sweep](msg)
					return protocol.SweepAck{Iteration: req.Iteration, Freed: 1}
				})},
				1: {protocol.TagSweep: mute},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := noIdle()
			cfg.Quiescent = tt.quiescent
			f := newFixture(t, 2, cfg, tt.overrides)
			require.NoError(t, f.coord.Trigger())

			done := f.cycleDone()
			assert.Equal(t, 1, done.Iteration)
			assert.Contains(t, done.Error, "duplicate")
			var perr *ProtocolError
			require.ErrorAs(t, f.stopped(), &perr)
			assert.Equal(t, tt.phase, perr.Phase)
			assert.Zero(t, f.coord.Completed())
		})
	}
}

func TestAckFromOutsideGroupIsProtocolError(t *testing.T) {
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		1: {protocol.TagStartDistGC: mute},
	}
	f := newFixture(t, 2, noIdle(), overrides)
	outsider, err := f.nw.NewNode("outsider:7000").AddEndpoint("task")
	require.NoError(t, err)

	require.NoError(t, f.coord.Trigger())
	awaitTag(t, f.fakes[1], protocol.TagStartDistGC)
	require.NoError(t, outsider.Send(f.coord.ID(), protocol.TagStartDistGCAck, protocol.StartDistGCAck{Iteration: 1}))

	done := f.cycleDone()
	assert.Contains(t, done.Error, "untracked")
	var perr *ProtocolError
	require.ErrorAs(t, f.stopped(), &perr)
	assert.Equal(t, PhaseStarting, perr.Phase)
	assert.Zero(t, f.coord.Completed())
}

func TestTaskExitAbortsCycle(t *testing.T) {
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		1: {protocol.TagMarkRoots: mute},
	}
	f := newFixture(t, 2, noIdle(), overrides)
	require.NoError(t, f.coord.Trigger())
	awaitTag(t, f.fakes[1], protocol.TagMarkRoots)

	f.fakes[1].ep.Close()
	done := f.cycleDone()
	assert.Contains(t, done.Error, ErrCycleAborted.Error())
	assert.ErrorIs(t, f.stopped(), ErrCycleAborted)
}

func TestTaskExitWhileIdle(t *testing.T) {
	f := newFixture(t, 2, noIdle(), nil)
	f.fakes[0].ep.Close()
	assert.NoError(t, f.stopped())
}

func TestStop(t *testing.T) {
	f := newFixture(t, 1, noIdle(), nil)
	f.coord.Stop()
	assert.NoError(t, f.coord.Err())
}

func TestIdleTrigger(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Clock = clock
	f := newFixture(t, 2, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(4 * time.Second)
	select {
	case tag := <-f.fakes[0].got:
		t.Fatalf("cycle started early: %s", tag)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	assert.Equal(t, 1, f.cycleDone().Iteration)

	// The trigger rearms once the coordinator is idle again.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.cycleDone().Iteration)
}

func TestCycleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := noIdle()
	cfg.Clock = clock
	cfg.CycleTimeout = 10 * time.Second
	overrides := map[int]map[endpoint.Tag]func(*fakeTask, endpoint.Message){
		1: {protocol.TagStartDistGC: mute},
	}
	f := newFixture(t, 2, cfg, overrides)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, f.coord.Trigger())
	awaitTag(t, f.fakes[1], protocol.TagStartDistGC)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	done := f.cycleDone()
	assert.Equal(t, 1, done.Iteration)
	assert.Contains(t, done.Error, ErrCycleTimeout.Error())

	// The coordinator is idle again and runs the next cycle.
	drain(f.fakes[0])
	require.NoError(t, f.coord.Trigger())
	awaitTag(t, f.fakes[0], protocol.TagStartDistGC)
	select {
	case <-f.coord.Done():
		t.Fatal("coordinator stopped after a timeout")
	default:
	}
}

// TestCycleOverTasks runs a full cycle over real tasks that have passed
// lists to each other and dropped them.
func TestCycleOverTasks(t *testing.T) {
	logger := zaptest.NewLogger(t)
	nw := endpoint.NewNetwork(logger)
	ctlNode := nw.NewNode("ctl:7000")
	ctl, err := ctlNode.AddEndpoint("ctl")
	require.NoError(t, err)
	listener, err := ctlNode.AddEndpoint("listener")
	require.NoError(t, err)

	const n = 3
	tasks := make([]*task.Task, n)
	ids := make([]endpoint.ID, n)
	for i := range tasks {
		tasks[i], err = task.New(nw.NewNode(fmt.Sprintf("n%d:7000", i)), task.Config{
			GroupID: "g", TID: i, GroupSize: n, Program: "ring", Args: []string{"2"},
			Output: ctl.ID(), Logger: logger,
		})
		require.NoError(t, err)
		ids[i] = tasks[i].ID()
	}
	var coord *Coordinator
	t.Cleanup(func() {
		nw.Close()
		if coord != nil {
			<-coord.Done()
		}
		for _, tk := range tasks {
			<-tk.Done()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	expect := func(tag endpoint.Tag) {
		for {
			msg, err := ctl.Receive(ctx, -1)
			require.NoError(t, err)
			if msg.Tag == tag {
				return
			}
		}
	}
	for _, tk := range tasks {
		require.NoError(t, ctl.Send(tk.ID(), protocol.TagInitTask, protocol.InitTask{IDMap: ids}))
		expect(protocol.TagInitTaskResponse)
	}
	for _, tk := range tasks {
		require.NoError(t, ctl.Send(tk.ID(), protocol.TagStartTask, protocol.StartTask{}))
	}
	require.Eventually(t, func() bool {
		for _, tk := range tasks {
			if tk.State() != task.StateFinished {
				return false
			}
		}
		return true
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, tk := range tasks {
			inflight := 0
			if err := tk.Inspect(ctx, func(h *heap.Heap) { inflight = len(h.Directory().InFlight()) }); err != nil || inflight > 0 {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)

	cfg := noIdle()
	cfg.Listener = listener.ID()
	coord, err = Start(ctlNode, ids, Options{Config: cfg, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, coord.Trigger())

	msg, err := listener.Receive(ctx, -1)
	require.NoError(t, err)
	done, err := protocol.Payload[protocol.GCCycleDone](msg)
	require.NoError(t, err)
	// Each task frees its own list and the copy of its neighbour's.
	assert.Equal(t, protocol.GCCycleDone{Iteration: 1, Freed: n * 6}, done)
	for _, tk := range tasks {
		assert.Equal(t, uint64(1), tk.Stats().Cycles)
	}
}
