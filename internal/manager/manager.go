// Package manager runs the per-node manager endpoint. The manager creates
// task processes on request, forwards the lifecycle messages addressed to
// them and lists what it hosts.
package manager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
	"github.com/dreamware/gridreduce/internal/task"
)

// ErrUnknownTask is returned for a request naming a task this manager does
// not host.
var ErrUnknownTask = errors.New("unknown task")

// Options configures a manager.
type Options struct {
	// Programs are the programs tasks may run. Defaults to the built-in set.
	Programs   task.Registry
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Manager is the manager actor of one node.
type Manager struct {
	host        *endpoint.Node
	ep          *endpoint.Endpoint
	logger      *zap.Logger
	programs    task.Registry
	taskMetrics *task.Metrics
	created     prometheus.Counter
	live        prometheus.Gauge

	mu    sync.Mutex
	tasks map[uint32]*task.Task

	done chan struct{}
}

// Start creates the manager endpoint, with the well-known manager id, on
// host.
func Start(host *endpoint.Node, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	programs := opts.Programs
	if programs == nil {
		programs = task.DefaultRegistry()
	}
	ep, err := host.AddEndpointWithID(endpoint.ManagerID, "manager")
	if err != nil {
		return nil, fmt.Errorf("creating manager endpoint: %w", err)
	}
	f := promauto.With(opts.Registerer)
	m := &Manager{
		host:        host,
		ep:          ep,
		logger:      logger.Named("manager").With(zap.Stringer("endpoint", ep.ID())),
		programs:    programs,
		taskMetrics: task.NewMetrics(opts.Registerer),
		created: f.NewCounter(prometheus.CounterOpts{
			Name: "gridreduce_manager_tasks_created_total",
			Help: "Tasks created by the manager.",
		}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridreduce_manager_tasks_live",
			Help: "Tasks currently hosted by the manager.",
		}),
		tasks: make(map[uint32]*task.Task),
		done:  make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// ID returns the manager endpoint.
func (m *Manager) ID() endpoint.ID { return m.ep.ID() }

// Done is closed when the manager has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Stop kills the manager and every task it hosts.
func (m *Manager) Stop() {
	_ = m.ep.Send(m.ep.ID(), endpoint.TagKill, nil)
	<-m.done
}

// Task returns the hosted task with the given local id.
func (m *Manager) Task(local uint32) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[local]
	return t, ok
}

// Tasks describes the hosted tasks, ordered by endpoint.
func (m *Manager) Tasks() []protocol.TaskInfo {
	m.mu.Lock()
	tasks := maps.Values(m.tasks)
	m.mu.Unlock()

	infos := make([]protocol.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, protocol.TaskInfo{
			Endpoint: t.ID(),
			GroupID:  t.GroupID(),
			TID:      t.TID(),
			Program:  t.Program(),
			State:    string(t.State()),
		})
	}
	slices.SortFunc(infos, func(a, b protocol.TaskInfo) int {
		return int(a.Endpoint.Local) - int(b.Endpoint.Local)
	})
	return infos
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.ep.Close()

	for msg := range m.ep.Inbox() {
		if target, ok := endpoint.ExitOf(msg); ok {
			m.forget(target)
			continue
		}
		switch msg.Tag {
		case endpoint.TagKill:
			m.killAll()
			return
		case protocol.TagNewTask:
			m.handleNewTask(msg)
		case protocol.TagInitTask:
			m.handleInitTask(msg)
		case protocol.TagStartTask:
			m.handleStartTask(msg)
		case protocol.TagGetTasks:
			m.handleGetTasks(msg)
		case protocol.TagKillTask:
			m.handleKillTask(msg)
		default:
			m.logger.Warn("unexpected message", zap.Stringer("tag", msg.Tag), zap.Stringer("from", msg.From))
		}
	}
}

func (m *Manager) send(to endpoint.ID, tag endpoint.Tag, payload any) {
	if err := m.ep.Send(to, tag, payload); err != nil {
		m.logger.Debug("send failed", zap.Stringer("tag", tag), zap.Stringer("to", to), zap.Error(err))
	}
}

func (m *Manager) handleNewTask(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.NewTask](msg)
	if err != nil {
		m.logger.Warn("bad NewTask", zap.Error(err))
		return
	}
	t, err := task.New(m.host, task.Config{
		GroupID:   req.GroupID,
		TID:       req.TID,
		GroupSize: req.GroupSize,
		Program:   req.Program,
		Args:      req.Args,
		Output:    req.Output,
		Programs:  m.programs,
		Logger:    m.logger,
		Metrics:   m.taskMetrics,
	})
	if err != nil {
		m.logger.Warn("cannot create task", zap.String("group", req.GroupID), zap.Int("tid", req.TID), zap.Error(err))
		m.send(msg.From, protocol.TagNewTaskResponse, protocol.NewTaskResponse{Error: err.Error()})
		return
	}
	if err := m.ep.Link(t.ID()); err != nil {
		m.logger.Warn("cannot link to task", zap.Error(err))
	}

	m.mu.Lock()
	m.tasks[t.ID().Local] = t
	m.mu.Unlock()
	m.created.Inc()
	m.live.Inc()

	m.logger.Debug("task created",
		zap.Stringer("task", t.ID()),
		zap.String("group", req.GroupID),
		zap.Int("tid", req.TID),
		zap.String("program", req.Program))
	m.send(msg.From, protocol.TagNewTaskResponse, protocol.NewTaskResponse{LocalID: t.ID().Local})
}

// handleInitTask forwards InitTask to the task, which replies to the
// original sender.
func (m *Manager) handleInitTask(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.InitTask](msg)
	if err != nil {
		m.logger.Warn("bad InitTask", zap.Error(err))
		return
	}
	if req.ReplyTo.IsZero() {
		req.ReplyTo = msg.From
	}
	t, ok := m.Task(req.LocalID)
	if !ok {
		m.send(req.ReplyTo, protocol.TagInitTaskResponse, protocol.InitTaskResponse{
			LocalID: req.LocalID,
			Error:   fmt.Sprintf("%s: %d", ErrUnknownTask, req.LocalID),
		})
		return
	}
	m.send(t.ID(), protocol.TagInitTask, req)
}

func (m *Manager) handleStartTask(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.StartTask](msg)
	if err != nil {
		m.logger.Warn("bad StartTask", zap.Error(err))
		return
	}
	if req.ReplyTo.IsZero() {
		req.ReplyTo = msg.From
	}
	t, ok := m.Task(req.LocalID)
	if !ok {
		m.send(req.ReplyTo, protocol.TagStartTaskResponse, protocol.StartTaskResponse{
			LocalID: req.LocalID,
			Error:   fmt.Sprintf("%s: %d", ErrUnknownTask, req.LocalID),
		})
		return
	}
	m.send(t.ID(), protocol.TagStartTask, req)
}

func (m *Manager) handleGetTasks(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.GetTasks](msg)
	if err != nil {
		m.logger.Warn("bad GetTasks", zap.Error(err))
		return
	}
	to := req.Sender
	if to.IsZero() {
		to = msg.From
	}
	m.send(to, protocol.TagGetTasksResponse, protocol.GetTasksResponse{Tasks: m.Tasks()})
}

func (m *Manager) handleKillTask(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.KillTask](msg)
	if err != nil {
		m.logger.Warn("bad KillTask", zap.Error(err))
		return
	}
	if t, ok := m.Task(req.LocalID); ok {
		t.Kill()
	}
}

// forget drops a task that has exited.
func (m *Manager) forget(id endpoint.ID) {
	m.mu.Lock()
	t, ok := m.tasks[id.Local]
	ok = ok && t.ID() == id
	if ok {
		delete(m.tasks, id.Local)
	}
	m.mu.Unlock()
	if ok {
		m.live.Dec()
	}
}

func (m *Manager) killAll() {
	m.mu.Lock()
	tasks := maps.Values(m.tasks)
	m.mu.Unlock()
	for _, t := range tasks {
		t.Kill()
	}
}
