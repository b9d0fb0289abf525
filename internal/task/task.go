package task

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/directory"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/heap"
	"github.com/dreamware/gridreduce/internal/protocol"
)

var (
	// ErrAlreadyInitialized is returned for a second InitTask.
	ErrAlreadyInitialized = errors.New("task already initialized")
	// ErrAlreadyStarted is returned for a second StartTask.
	ErrAlreadyStarted = errors.New("task already started")
	// ErrNotInitialized is returned for a StartTask before InitTask.
	ErrNotInitialized = errors.New("task not initialized")
	// ErrBadIDMap is returned when an id map does not fit the group.
	ErrBadIDMap = errors.New("invalid id map")
	// ErrPeerLost ends a task when another member of its group exits.
	ErrPeerLost = errors.New("group member exited")
)

// tagInspect runs a function on the task loop. It is only meaningful
// within one process.
const tagInspect endpoint.Tag = 1000

// State is the lifecycle state of a task.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateFinished    State = "finished"
	StateStopped     State = "stopped"
)

// Config describes one task of a group.
type Config struct {
	GroupID   string
	TID       int
	GroupSize int
	Program   string
	Args      []string
	// Output receives Output and TaskDone messages. May be zero.
	Output   endpoint.ID
	Programs Registry
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Validate checks the group coordinates of the task.
func (c Config) Validate() error {
	if c.GroupSize < 1 {
		return fmt.Errorf("group size must be at least 1, got %d", c.GroupSize)
	}
	if c.TID < 0 || c.TID >= c.GroupSize {
		return fmt.Errorf("tid %d out of range for group of %d", c.TID, c.GroupSize)
	}
	return nil
}

// gcState is the task side of a distributed collection.
type gcState struct {
	active      bool
	iteration   int
	coordinator endpoint.ID
	paused      bool
}

// Task is one process of a task group. Its heap, frames and directory are
// owned by the loop goroutine.
type Task struct {
	cfg     Config
	ep      *endpoint.Endpoint
	logger  *zap.Logger
	program Program
	metrics *Metrics

	// Loop state.
	heap     *heap.Heap
	sched    *scheduler
	rt       *Runtime
	idmap    []endpoint.ID
	slots    map[string]*heap.Cell
	fetches  map[directory.GAddr]*heap.Cell
	gc       gcState
	reported bool

	state   *atomic.String
	started *gate
	stats   stats
	done    chan struct{}
	err     error
}

// New creates the task endpoint on host and starts its loop. The task waits
// for InitTask and StartTask before it runs its program.
func New(host *endpoint.Node, cfg Config) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	programs := cfg.Programs
	if programs == nil {
		programs = DefaultRegistry()
	}
	program, err := programs.Lookup(cfg.Program)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ep, err := host.AddEndpoint("task")
	if err != nil {
		return nil, fmt.Errorf("creating task endpoint: %w", err)
	}
	logger = logger.Named("task").With(
		zap.Stringer("endpoint", ep.ID()),
		zap.String("group", cfg.GroupID),
		zap.Int("tid", cfg.TID))

	t := &Task{
		cfg:     cfg,
		ep:      ep,
		logger:  logger,
		program: program,
		metrics: cfg.Metrics,
		heap:    heap.New(cfg.TID, logger),
		sched:   newScheduler(),
		slots:   make(map[string]*heap.Cell),
		fetches: make(map[directory.GAddr]*heap.Cell),
		state:   atomic.NewString(string(StateCreated)),
		started: newGate(),
		done:    make(chan struct{}),
	}
	t.rt = &Runtime{t: t}
	go t.run()
	return t, nil
}

// ID returns the endpoint of the task.
func (t *Task) ID() endpoint.ID { return t.ep.ID() }

// GroupID returns the id of the task's group.
func (t *Task) GroupID() string { return t.cfg.GroupID }

// TID returns the index of the task in its group.
func (t *Task) TID() int { return t.cfg.TID }

// Program returns the name of the task's program.
func (t *Task) Program() string { return t.cfg.Program }

// State returns the lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Started is closed once StartTask has been accepted.
func (t *Task) Started() <-chan struct{} { return t.started.Wait() }

// Done is closed when the task loop has ended.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns why the task stopped. It is only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Stats returns a snapshot of the task counters.
func (t *Task) Stats() Stats { return t.stats.snapshot() }

// Kill asks the task to stop.
func (t *Task) Kill() {
	_ = t.ep.Send(t.ep.ID(), endpoint.TagKill, nil)
}

// Inspect runs fn on the task loop with the task heap and waits for it.
func (t *Task) Inspect(ctx context.Context, fn func(h *heap.Heap)) error {
	ran := make(chan struct{})
	wrapped := func(h *heap.Heap) {
		fn(h)
		close(ran)
	}
	if err := t.ep.Send(t.ep.ID(), tagInspect, wrapped); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-t.done:
		return endpoint.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) setState(s State) {
	t.state.Store(string(s))
}

func (t *Task) runnable() bool {
	return t.started.Opened() && !t.gc.paused && t.sched.hasWork()
}

func (t *Task) run() {
	defer close(t.done)
	defer t.setState(StateStopped)
	defer t.ep.Close()

	inbox := t.ep.Inbox()
	for {
		var (
			msg endpoint.Message
			ok  bool
		)
		if t.runnable() {
			select {
			case msg, ok = <-inbox:
			default:
				t.step()
				continue
			}
		} else {
			msg, ok = <-inbox
		}
		if !ok {
			return
		}
		stop, err := t.handle(msg)
		if err != nil {
			t.err = err
			return
		}
		if stop {
			return
		}
	}
}

func (t *Task) handle(msg endpoint.Message) (bool, error) {
	t.stats.messages.Inc()
	if target, ok := endpoint.ExitOf(msg); ok {
		if slices.Contains(t.idmap, target) {
			return true, fmt.Errorf("%w: %s", ErrPeerLost, target)
		}
		return false, nil
	}

	switch msg.Tag {
	case endpoint.TagKill:
		return true, nil
	case tagInspect:
		if fn, ok := msg.Payload.(func(*heap.Heap)); ok {
			fn(t.heap)
		}
	case protocol.TagInitTask:
		t.handleInit(msg)
	case protocol.TagStartTask:
		t.handleStart(msg)
	case protocol.TagShareRef:
		t.handleShareRef(msg)
	case protocol.TagAddrAck:
		t.handleAddrAck(msg)
	case protocol.TagFetch:
		t.handleFetch(msg)
	case protocol.TagRespond:
		t.handleRespond(msg)
	case protocol.TagStartDistGC:
		t.handleStartDistGC(msg)
	case protocol.TagMarkRoots:
		t.handleMarkRoots(msg)
	case protocol.TagMarkEntry:
		t.handleMarkEntry(msg)
	case protocol.TagSweep:
		t.handleSweep(msg)
	case protocol.TagPause:
		req, err := protocol.Payload[protocol.Pause](msg)
		if err != nil {
			t.logger.Warn("bad Pause", zap.Error(err))
			break
		}
		t.gc.paused = true
		t.send(msg.From, protocol.TagPauseAck, protocol.PauseAck{Iteration: req.Iteration})
	case protocol.TagResume:
		t.gc.paused = false
	default:
		t.logger.Warn("unexpected message", zap.Stringer("tag", msg.Tag), zap.Stringer("from", msg.From))
	}
	return false, nil
}

func (t *Task) send(to endpoint.ID, tag endpoint.Tag, payload any) {
	if err := t.ep.Send(to, tag, payload); err != nil {
		t.logger.Debug("send failed", zap.Stringer("tag", tag), zap.Stringer("to", to), zap.Error(err))
	}
}

// peer returns the endpoint of group member pid.
func (t *Task) peer(pid int) (endpoint.ID, error) {
	if pid < 0 || pid >= len(t.idmap) {
		return endpoint.ID{}, fmt.Errorf("no group member %d", pid)
	}
	return t.idmap[pid], nil
}

// pidOf returns the group index of the endpoint id.
func (t *Task) pidOf(id endpoint.ID) (int, bool) {
	i := slices.Index(t.idmap, id)
	return i, i >= 0
}

func replyTarget(replyTo endpoint.ID, msg endpoint.Message) endpoint.ID {
	if replyTo.IsZero() {
		return msg.From
	}
	return replyTo
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (t *Task) handleInit(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.InitTask](msg)
	if err != nil {
		t.logger.Warn("bad InitTask", zap.Error(err))
		return
	}
	err = t.init(req.IDMap)
	if err != nil {
		t.logger.Warn("InitTask rejected", zap.Error(err))
	}
	t.send(replyTarget(req.ReplyTo, msg), protocol.TagInitTaskResponse, protocol.InitTaskResponse{
		LocalID: t.ep.ID().Local,
		Error:   errString(err),
	})
}

func (t *Task) init(idmap []endpoint.ID) error {
	if t.State() != StateCreated {
		return ErrAlreadyInitialized
	}
	if len(idmap) != t.cfg.GroupSize {
		return fmt.Errorf("%w: %d entries for a group of %d", ErrBadIDMap, len(idmap), t.cfg.GroupSize)
	}
	if idmap[t.cfg.TID] != t.ep.ID() {
		return fmt.Errorf("%w: entry %d is %s, not this task", ErrBadIDMap, t.cfg.TID, idmap[t.cfg.TID])
	}
	t.idmap = slices.Clone(idmap)
	for i, id := range t.idmap {
		if i == t.cfg.TID {
			continue
		}
		if err := t.ep.Link(id); err != nil {
			return fmt.Errorf("linking to group member %d: %w", i, err)
		}
	}
	t.setState(StateInitialized)
	t.logger.Debug("task initialized", zap.Int("group_size", len(idmap)))
	return nil
}

func (t *Task) handleStart(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.StartTask](msg)
	if err != nil {
		t.logger.Warn("bad StartTask", zap.Error(err))
		return
	}
	switch t.State() {
	case StateCreated:
		err = ErrNotInitialized
	default:
		err = t.started.Open()
	}
	t.send(replyTarget(req.ReplyTo, msg), protocol.TagStartTaskResponse, protocol.StartTaskResponse{
		LocalID: t.ep.ID().Local,
		Error:   errString(err),
	})
	if err != nil {
		t.logger.Warn("StartTask rejected", zap.Error(err))
		return
	}

	t.setState(StateRunning)
	t.logger.Debug("task started", zap.String("program", t.cfg.Program))
	if err := t.program.Start(t.rt, t.cfg.Args); err != nil {
		t.report(fmt.Errorf("starting %s: %w", t.cfg.Program, err))
		return
	}
	t.checkFinished()
}

// step runs one slice of the next runnable frame.
func (t *Task) step() {
	f := t.sched.next()
	if f == nil {
		return
	}
	t.stats.steps.Inc()
	t.metrics.step()

	res := f.step(t.rt, f)
	switch res.kind {
	case resultDone:
		t.sched.finish(f)
	case resultYield:
		t.sched.requeue(f)
	case resultAwaitCell:
		c := res.cell
		if c == nil || !c.IsProxy() || c.Target() != nil {
			t.sched.requeue(f)
			break
		}
		if err := t.fetch(c); err != nil {
			t.sched.finish(f)
			t.report(fmt.Errorf("frame %s: %w", f.Name, err))
			return
		}
		t.sched.block(f, c, "")
	case resultAwaitSlot:
		if _, ok := t.slots[res.slot]; ok {
			t.sched.requeue(f)
			break
		}
		t.sched.block(f, nil, res.slot)
	}
	t.checkFinished()
}

// checkFinished reports completion once every frame has finished. The task
// keeps serving fetches and collections afterwards.
func (t *Task) checkFinished() {
	if t.reported || t.State() != StateRunning || t.sched.live() {
		return
	}
	t.report(nil)
}

func (t *Task) report(err error) {
	if t.reported {
		return
	}
	t.reported = true
	t.setState(StateFinished)
	if err != nil {
		t.logger.Error("task failed", zap.Error(err))
	} else {
		t.logger.Debug("task finished")
	}
	if !t.cfg.Output.IsZero() {
		t.send(t.cfg.Output, protocol.TagTaskDone, protocol.TaskDone{TID: t.cfg.TID, Error: errString(err)})
	}
}

// roots returns every cell the task itself holds: frame locals, named
// slots and proxies with a fetch outstanding.
func (t *Task) roots() []*heap.Cell {
	roots := t.sched.roots()
	for _, c := range t.slots {
		roots = append(roots, c)
	}
	for _, c := range t.fetches {
		roots = append(roots, c)
	}
	return roots
}

func (t *Task) setSlot(name string, c *heap.Cell) {
	t.slots[name] = c
	t.sched.wake(func(f *Frame) bool { return f.waitFor == name })
}

func (t *Task) handleShareRef(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.ShareRef](msg)
	if err != nil {
		t.logger.Warn("bad ShareRef", zap.Error(err))
		return
	}
	t.send(msg.From, protocol.TagAddrAck, protocol.AddrAck{Count: 1})

	c, err := t.heap.Import(req.Addr)
	if err != nil {
		t.logger.Warn("cannot import shared reference", zap.String("slot", req.Name), zap.Error(err))
		return
	}
	t.setSlot(req.Name, c)
}

func (t *Task) handleAddrAck(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.AddrAck](msg)
	if err != nil {
		t.logger.Warn("bad AddrAck", zap.Error(err))
		return
	}
	pid, ok := t.pidOf(msg.From)
	if !ok {
		t.logger.Warn("ack from outside the group", zap.Stringer("from", msg.From))
		return
	}
	if err := t.heap.Directory().Ack(pid, req.Count); err != nil {
		t.logger.Warn("bad ack", zap.Error(err))
	}
}

// fetch asks the owner of proxy c for its contents.
func (t *Task) fetch(c *heap.Cell) error {
	addr, _ := c.Remote()
	if _, pending := t.fetches[addr]; pending {
		return nil
	}
	owner, err := t.peer(addr.PID)
	if err != nil {
		return err
	}
	t.fetches[addr] = c
	t.stats.fetches.Inc()
	t.metrics.fetch()
	return t.ep.Send(owner, protocol.TagFetch, protocol.Fetch{Addr: addr})
}

func (t *Task) handleFetch(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.Fetch](msg)
	if err != nil {
		t.logger.Warn("bad Fetch", zap.Error(err))
		return
	}
	resp := protocol.Respond{Addr: req.Addr}
	pid, member := t.pidOf(msg.From)
	c, found := t.heap.Directory().Lookup(req.Addr)
	switch {
	case !member:
		resp.Error = "fetch from outside the group"
	case req.Addr.PID != t.cfg.TID || !found:
		resp.Error = fmt.Sprintf("%s: %s", directory.ErrUnknownAddress, req.Addr)
	default:
		obj, err := t.encode(c.Resolved())
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Object = obj
		t.heap.Directory().MarkSent(pid, obj.Refs...)
	}
	t.send(msg.From, protocol.TagRespond, resp)
}

// encode converts a cell to its transferable form, exporting its refs.
func (t *Task) encode(c *heap.Cell) (protocol.Object, error) {
	obj := protocol.Object{Value: c.Value()}
	for _, ref := range c.Refs() {
		addr, err := t.heap.Export(ref)
		if err != nil {
			return protocol.Object{}, err
		}
		obj.Refs = append(obj.Refs, addr)
	}
	return obj, nil
}

func (t *Task) handleRespond(msg endpoint.Message) {
	resp, err := protocol.Payload[protocol.Respond](msg)
	if err != nil {
		t.logger.Warn("bad Respond", zap.Error(err))
		return
	}
	if n := len(resp.Object.Refs); n > 0 {
		t.send(msg.From, protocol.TagAddrAck, protocol.AddrAck{Count: n})
	}

	proxy, ok := t.fetches[resp.Addr]
	if !ok {
		t.logger.Warn("unexpected Respond", zap.Stringer("addr", resp.Addr))
		return
	}
	delete(t.fetches, resp.Addr)
	waiting := func(f *Frame) bool { return f.waitOn == proxy }

	if resp.Error != "" {
		t.failFrames(waiting, fmt.Errorf("fetching %s: %s", resp.Addr, resp.Error))
		return
	}
	refs := make([]*heap.Cell, 0, len(resp.Object.Refs))
	for _, addr := range resp.Object.Refs {
		ref, err := t.heap.Import(addr)
		if err != nil {
			t.failFrames(waiting, fmt.Errorf("importing %s: %w", addr, err))
			return
		}
		refs = append(refs, ref)
	}
	if _, err := t.heap.Fill(proxy, resp.Object.Value, refs); err != nil {
		t.failFrames(waiting, err)
		return
	}
	t.sched.wake(waiting)
}

func (t *Task) failFrames(match func(*Frame) bool, err error) {
	for id, f := range t.sched.blocked {
		if match(f) {
			delete(t.sched.blocked, id)
			t.sched.finish(f)
		}
	}
	t.report(err)
}
