package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/gridreduce/internal/distgc"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// ErrGroupAborted is returned by Launch when the barrier could not complete.
// No task of an aborted group is ever started by the launcher; every task
// that was created is killed.
var ErrGroupAborted = errors.New("task group aborted")

// Options configures a launcher.
type Options struct {
	Config     Config
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Groups receives the records of launched groups. A new registry is
	// created when nil.
	Groups *GroupRegistry
	// OnOutput is called from the launcher loop for every line of program
	// output addressed to the launcher.
	OnOutput func(group string, out protocol.Output)
}

// GroupRequest describes a group to launch.
type GroupRequest struct {
	Program string
	Args    []string
	// Managers holds one manager endpoint per task: task tid is created on
	// Managers[tid]. Use Place to spread a group over fewer managers.
	Managers []endpoint.ID
	// Output receives InitTask, program output and TaskDone. It defaults to
	// the launcher, which records completion in the registry.
	Output endpoint.ID
}

func (r GroupRequest) validate() error {
	if r.Program == "" {
		return errors.New("no program")
	}
	if len(r.Managers) == 0 {
		return errors.New("no managers")
	}
	for tid, m := range r.Managers {
		if m.IsZero() {
			return fmt.Errorf("no manager for task %d", tid)
		}
	}
	return nil
}

// Group is a launched task group.
type Group struct {
	ID    string
	Tasks []endpoint.ID
	// GC is the group's collector, nil for single-task groups or when
	// collection is disabled.
	GC *distgc.Coordinator
}

// Launcher creates task groups through the three-phase barrier and keeps
// track of them.
//
// The launcher endpoint has the well-known launcher id. It is the default
// output endpoint of its groups, the listener of their GC coordinators and
// is linked to every task it starts.
type Launcher struct {
	host     *endpoint.Node
	ep       *endpoint.Endpoint
	cfg      Config
	logger   *zap.Logger
	reg      prometheus.Registerer
	groups   *GroupRegistry
	onOutput func(string, protocol.Output)

	launched *prometheus.CounterVec
	phases   *prometheus.HistogramVec

	mu      sync.Mutex
	gcs     map[string]*distgc.Coordinator
	waiters map[string]chan struct{}

	done chan struct{}
}

// Start creates the launcher endpoint on host and runs its loop.
func Start(host *endpoint.Node, opts Options) (*Launcher, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := opts.Groups
	if groups == nil {
		groups = NewGroupRegistry()
	}
	ep, err := host.AddEndpointWithID(endpoint.LauncherID, "launcher")
	if err != nil {
		return nil, fmt.Errorf("creating launcher endpoint: %w", err)
	}
	f := promauto.With(opts.Registerer)
	l := &Launcher{
		host:     host,
		ep:       ep,
		cfg:      cfg,
		logger:   logger.Named("launcher").With(zap.Stringer("endpoint", ep.ID())),
		reg:      opts.Registerer,
		groups:   groups,
		onOutput: opts.OnOutput,
		launched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridreduce_launcher_groups_total",
			Help: "Task groups launched, by result.",
		}, []string{"result"}),
		phases: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridreduce_launcher_phase_seconds",
			Help:    "Duration of the barrier phases.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		gcs:     make(map[string]*distgc.Coordinator),
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// ID returns the launcher endpoint.
func (l *Launcher) ID() endpoint.ID { return l.ep.ID() }

// Groups returns the registry of launched groups.
func (l *Launcher) Groups() *GroupRegistry { return l.groups }

// Done is closed when the launcher loop has stopped.
func (l *Launcher) Done() <-chan struct{} { return l.done }

// Stop ends the launcher loop and every GC coordinator it started. Tasks
// keep running.
func (l *Launcher) Stop() {
	_ = l.ep.Send(l.ep.ID(), endpoint.TagKill, nil)
	<-l.done
	l.mu.Lock()
	gcs := make([]*distgc.Coordinator, 0, len(l.gcs))
	for _, gc := range l.gcs {
		gcs = append(gcs, gc)
	}
	l.mu.Unlock()
	for _, gc := range gcs {
		gc.Stop()
	}
}

// Coordinator returns the GC coordinator of a group.
func (l *Launcher) Coordinator(group string) (*distgc.Coordinator, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gc, ok := l.gcs[group]
	return gc, ok
}

// Launch creates, initialises and starts a task group.
//
// The phases run in order and each one waits for every task:
//
//  1. NewTask to every manager. If any fails the group is aborted before
//     any task has seen its id map.
//  2. InitTask with the full id map to every task, and to the output
//     endpoint.
//  3. StartTask to every task.
//
// Only after the last StartTask response is a GC coordinator started, and
// only for groups of more than one task. A failure in any phase kills
// every task created so far and returns an error wrapping ErrGroupAborted.
func (l *Launcher) Launch(ctx context.Context, req GroupRequest) (*Group, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid group request: %w", err)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating group id: %w", err)
	}
	id := uid.String()
	output := req.Output
	if output.IsZero() {
		output = l.ep.ID()
	}
	if err := l.groups.Add(id, req.Program, req.Args); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.waiters[id] = make(chan struct{})
	l.mu.Unlock()

	n := len(req.Managers)
	logger := l.logger.With(zap.String("group", id), zap.String("program", req.Program), zap.Int("size", n))
	logger.Info("launching group")

	locals := make([]uint32, n)
	created := make([]bool, n)
	replies, err := l.fanOut(ctx, "new", req.Managers, protocol.TagNewTask, func(tid int, replyTo endpoint.ID) any {
		return protocol.NewTask{
			GroupID:   id,
			TID:       tid,
			GroupSize: n,
			Program:   req.Program,
			Args:      req.Args,
			Output:    output,
		}
	})
	for tid, msg := range replies {
		if msg.Tag == 0 {
			continue
		}
		resp, perr := replyOf[protocol.NewTaskResponse](msg, protocol.TagNewTaskResponse)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("task %d: %w", tid, perr))
			continue
		}
		if resp.Error != "" {
			err = multierr.Append(err, fmt.Errorf("task %d on %s: %s", tid, req.Managers[tid], resp.Error))
			continue
		}
		locals[tid] = resp.LocalID
		created[tid] = true
	}
	if err != nil {
		return nil, l.abort(id, req.Managers, locals, created, err, logger)
	}

	idmap := make([]endpoint.ID, n)
	for tid, m := range req.Managers {
		idmap[tid] = endpoint.ID{Addr: m.Addr, Local: locals[tid]}
	}
	if err := l.groups.SetTasks(id, idmap); err != nil {
		return nil, l.abort(id, req.Managers, locals, created, err, logger)
	}

	if err := l.ep.Send(output, protocol.TagInitTask, protocol.InitTask{IDMap: idmap}); err != nil {
		return nil, l.abort(id, req.Managers, locals, created, fmt.Errorf("output endpoint %s: %w", output, err), logger)
	}
	replies, err = l.fanOut(ctx, "init", req.Managers, protocol.TagInitTask, func(tid int, replyTo endpoint.ID) any {
		return protocol.InitTask{LocalID: locals[tid], IDMap: idmap, ReplyTo: replyTo}
	})
	err = multierr.Append(err, checkReplies[protocol.InitTaskResponse](replies, protocol.TagInitTaskResponse, func(r protocol.InitTaskResponse) string { return r.Error }))
	if err != nil {
		return nil, l.abort(id, req.Managers, locals, created, err, logger)
	}

	replies, err = l.fanOut(ctx, "start", req.Managers, protocol.TagStartTask, func(tid int, replyTo endpoint.ID) any {
		return protocol.StartTask{LocalID: locals[tid], ReplyTo: replyTo}
	})
	err = multierr.Append(err, checkReplies[protocol.StartTaskResponse](replies, protocol.TagStartTaskResponse, func(r protocol.StartTaskResponse) string { return r.Error }))
	if err != nil {
		return nil, l.abort(id, req.Managers, locals, created, err, logger)
	}
	_ = l.groups.SetState(id, GroupRunning, nil)

	group := &Group{ID: id, Tasks: idmap}
	if l.cfg.EnableGC && n > 1 {
		gc, err := l.startGC(id, idmap, logger)
		if err != nil {
			return nil, l.abort(id, req.Managers, locals, created, err, logger)
		}
		group.GC = gc
	}
	l.launched.WithLabelValues("started").Inc()
	logger.Info("group started", zap.Stringers("tasks", idmap))
	return group, nil
}

func (l *Launcher) startGC(id string, tasks []endpoint.ID, logger *zap.Logger) (*distgc.Coordinator, error) {
	cfg := l.cfg.GC
	cfg.Listener = l.ep.ID()
	gc, err := distgc.Start(l.host, tasks, distgc.Options{
		Config:     cfg,
		Logger:     logger,
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"group": id}, l.reg),
	})
	if err != nil {
		return nil, fmt.Errorf("starting gc coordinator: %w", err)
	}
	_ = l.groups.SetCoordinator(id, gc.ID())
	l.mu.Lock()
	l.gcs[id] = gc
	l.mu.Unlock()
	go func() {
		<-gc.Done()
		l.groups.CoordinatorStopped(gc.ID(), gc.Err())
		l.mu.Lock()
		delete(l.gcs, id)
		l.mu.Unlock()
	}()
	return gc, nil
}

// fanOut sends one request per task in parallel and returns the replies in
// tid order along with every failed request.
//
// The group is a plain errgroup.Group rather than errgroup.WithContext: a
// failed request must not cancel its siblings, because a NewTask that is
// cut short may still create its task and abort can only kill tasks whose
// reply arrived. Each goroutine therefore records its error by tid and
// returns nil.
func (l *Launcher) fanOut(ctx context.Context, phase string, managers []endpoint.ID, tag endpoint.Tag, build func(tid int, replyTo endpoint.ID) any) ([]endpoint.Message, error) {
	start := time.Now()
	defer func() { l.phases.WithLabelValues(phase).Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	replies := make([]endpoint.Message, len(managers))
	errs := make([]error, len(managers))
	var g errgroup.Group
	for tid, m := range managers {
		g.Go(func() error {
			msg, err := l.host.Call(ctx, m, tag, func(replyTo endpoint.ID) any { return build(tid, replyTo) })
			if err != nil {
				errs[tid] = fmt.Errorf("%s task %d on %s: %w", phase, tid, m, err)
				return nil
			}
			replies[tid] = msg
			return nil
		})
	}
	_ = g.Wait()
	return replies, multierr.Combine(errs...)
}

// replyOf decodes a barrier reply. A zero message means no reply arrived.
func replyOf[T any](msg endpoint.Message, want endpoint.Tag) (T, error) {
	var zero T
	if msg.Tag == 0 {
		return zero, errors.New("no reply")
	}
	if msg.Tag != want {
		return zero, fmt.Errorf("unexpected %s from %s", msg.Tag, msg.From)
	}
	return protocol.Payload[T](msg)
}

func checkReplies[T any](replies []endpoint.Message, want endpoint.Tag, errorOf func(T) string) error {
	var err error
	for tid, msg := range replies {
		if msg.Tag == 0 {
			continue
		}
		resp, perr := replyOf[T](msg, want)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("task %d: %w", tid, perr))
			continue
		}
		if e := errorOf(resp); e != "" {
			err = multierr.Append(err, fmt.Errorf("task %d: %s", tid, e))
		}
	}
	return err
}

// abort kills every task of a group that did not make it through the
// barrier. Managers that never answered NewTask are asked for their task
// list so that a task created after the deadline is killed too.
func (l *Launcher) abort(id string, managers []endpoint.ID, locals []uint32, created []bool, cause error, logger *zap.Logger) error {
	var cleanup error
	var unknown []endpoint.ID
	for tid, m := range managers {
		if !created[tid] {
			unknown = append(unknown, m)
			continue
		}
		cleanup = multierr.Append(cleanup, l.ep.Send(m, protocol.TagKillTask, protocol.KillTask{LocalID: locals[tid]}))
	}
	cleanup = multierr.Append(cleanup, l.killStragglers(id, unknown))

	err := fmt.Errorf("%w: %w", ErrGroupAborted, cause)
	_ = l.groups.SetState(id, GroupAborted, err)
	l.release(id)
	l.launched.WithLabelValues("aborted").Inc()
	logger.Error("group aborted", zap.Error(cause), zap.NamedError("cleanup", cleanup))
	return err
}

func (l *Launcher) killStragglers(id string, managers []endpoint.ID) error {
	if len(managers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer cancel()
	seen := make(map[endpoint.ID]bool)
	var errs error
	for _, m := range managers {
		if seen[m] {
			continue
		}
		seen[m] = true
		tasks, err := ListTasks(ctx, l.host, m)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, t := range tasks {
			if t.GroupID == id {
				errs = multierr.Append(errs, l.ep.Send(m, protocol.TagKillTask, protocol.KillTask{LocalID: t.Endpoint.Local}))
			}
		}
	}
	return errs
}

// Kill stops every task of a group and its GC coordinator.
func (l *Launcher) Kill(id string) error {
	rec, ok := l.groups.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	// Aborted before any kill goes out, so the exits that follow do not
	// turn the group failed.
	_ = l.groups.SetState(id, GroupAborted, errors.New("killed"))
	if gc, ok := l.Coordinator(id); ok {
		gc.Stop()
	}
	var err error
	for _, t := range rec.Tasks {
		err = multierr.Append(err, l.ep.Send(ManagerOf(t), protocol.TagKillTask, protocol.KillTask{LocalID: t.Local}))
	}
	l.release(id)
	return err
}

// Wait blocks until the group has finished, failed or been aborted and
// returns its final record.
func (l *Launcher) Wait(ctx context.Context, id string) (*GroupRecord, error) {
	l.mu.Lock()
	ch, ok := l.waiters[id]
	l.mu.Unlock()
	if !ok {
		if rec, found := l.groups.Get(id); found {
			return rec, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec, _ := l.groups.Get(id)
	return rec, nil
}

func (l *Launcher) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.waiters[id]; ok {
		close(ch)
		delete(l.waiters, id)
	}
}

// settle releases waiters of a group that has reached a terminal state.
func (l *Launcher) settle(id string) {
	if rec, ok := l.groups.Get(id); ok && rec.State.terminal() {
		l.release(id)
	}
}

func (l *Launcher) run() {
	defer close(l.done)
	defer l.ep.Close()

	for msg := range l.ep.Inbox() {
		if target, ok := endpoint.ExitOf(msg); ok {
			if id, known := l.groups.TaskExited(target); known {
				l.logger.Debug("task exited", zap.String("group", id), zap.Stringer("task", target))
				l.settle(id)
			}
			continue
		}
		switch msg.Tag {
		case endpoint.TagKill:
			return
		case protocol.TagInitTask:
			l.handleInitTask(msg)
		case protocol.TagOutput:
			l.handleOutput(msg)
		case protocol.TagTaskDone:
			l.handleTaskDone(msg)
		case protocol.TagGCCycleDone:
			l.handleCycleDone(msg)
		default:
			l.logger.Warn("unexpected message", zap.Stringer("tag", msg.Tag), zap.Stringer("from", msg.From))
		}
	}
}

// handleInitTask links the launcher to every task of a group it is the
// output endpoint of.
func (l *Launcher) handleInitTask(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.InitTask](msg)
	if err != nil {
		l.logger.Warn("bad InitTask", zap.Error(err))
		return
	}
	for _, t := range req.IDMap {
		if err := l.ep.Link(t); err != nil {
			l.logger.Warn("cannot link to task", zap.Stringer("task", t), zap.Error(err))
		}
	}
}

func (l *Launcher) handleOutput(msg endpoint.Message) {
	out, err := protocol.Payload[protocol.Output](msg)
	if err != nil {
		l.logger.Warn("bad Output", zap.Error(err))
		return
	}
	id, _ := l.groups.GroupOfTask(msg.From)
	if l.onOutput != nil {
		l.onOutput(id, out)
		return
	}
	l.logger.Info("output", zap.String("group", id), zap.Int("tid", out.TID), zap.String("text", out.Text))
}

func (l *Launcher) handleTaskDone(msg endpoint.Message) {
	done, err := protocol.Payload[protocol.TaskDone](msg)
	if err != nil {
		l.logger.Warn("bad TaskDone", zap.Error(err))
		return
	}
	id, ok := l.groups.GroupOfTask(msg.From)
	if !ok {
		l.logger.Debug("TaskDone from unknown task", zap.Stringer("from", msg.From))
		return
	}
	_ = l.groups.TaskDone(id, done.TID, done.Error)
	l.settle(id)
}

func (l *Launcher) handleCycleDone(msg endpoint.Message) {
	done, err := protocol.Payload[protocol.GCCycleDone](msg)
	if err != nil {
		l.logger.Warn("bad GCCycleDone", zap.Error(err))
		return
	}
	if id, ok := l.groups.RecordCycle(msg.From, done); ok {
		l.logger.Debug("gc cycle reported", zap.String("group", id), zap.Int("iteration", done.Iteration), zap.Int("freed", done.Freed))
	}
}
