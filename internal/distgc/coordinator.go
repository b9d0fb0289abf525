package distgc

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

var (
	// ErrCycleAborted is returned when a task exits during a cycle.
	ErrCycleAborted = errors.New("collection cycle aborted")
	// ErrCycleTimeout is reported when a cycle exceeds the cycle timeout.
	ErrCycleTimeout = errors.New("collection cycle timed out")
)

// Phase is the coordinator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePausing
	PhaseStarting
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePausing:
		return "pausing"
	case PhaseStarting:
		return "starting"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ProtocolError reports a message the coordinator cannot accept in its
// current state. It ends the coordinator.
type ProtocolError struct {
	Run    int
	Phase  Phase
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gc protocol error in cycle %d (%s): %s", e.Run, e.Phase, e.Reason)
}

// Options configures a coordinator.
type Options struct {
	Config     Config
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Coordinator drives distributed collection cycles over one task group.
type Coordinator struct {
	cfg     Config
	ep      *endpoint.Endpoint
	tasks   []endpoint.ID
	logger  *zap.Logger
	metrics *metrics
	clock   clockwork.Clock

	// Loop state.
	phase     Phase
	iteration int
	pending   int
	acked     []bool
	counter   *Counter
	freed     int
	idle      clockwork.Timer
	deadline  clockwork.Timer

	completed *atomic.Int64
	done      chan struct{}
	err       error
}

// Start creates the coordinator endpoint on host and links it to every
// task of the group.
func Start(host *endpoint.Node, tasks []endpoint.ID, opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("no tasks to collect")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ep, err := host.AddEndpoint("distgc")
	if err != nil {
		return nil, fmt.Errorf("creating gc coordinator endpoint: %w", err)
	}
	c := &Coordinator{
		cfg:       cfg,
		ep:        ep,
		tasks:     slices.Clone(tasks),
		logger:    logger.Named("distgc").With(zap.Stringer("endpoint", ep.ID())),
		metrics:   newMetrics(opts.Registerer),
		clock:     cfg.Clock,
		completed: atomic.NewInt64(0),
		done:      make(chan struct{}),
	}
	for _, t := range c.tasks {
		if err := ep.Link(t); err != nil {
			ep.Close()
			return nil, fmt.Errorf("linking to task %s: %w", t, err)
		}
	}
	c.resetIdle()
	go c.run()
	return c, nil
}

// ID returns the coordinator endpoint.
func (c *Coordinator) ID() endpoint.ID { return c.ep.ID() }

// Done is closed when the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns why the coordinator stopped. Only valid after Done.
func (c *Coordinator) Err() error { return c.err }

// Completed returns the number of cycles that ran to the end.
func (c *Coordinator) Completed() int64 { return c.completed.Load() }

// Trigger asks for a cycle to start now. It is ignored while one runs.
func (c *Coordinator) Trigger() error {
	return c.ep.Send(c.ep.ID(), protocol.TagStartGC, protocol.StartGC{})
}

// Stop ends the coordinator and waits for it.
func (c *Coordinator) Stop() {
	_ = c.ep.Send(c.ep.ID(), endpoint.TagKill, nil)
	<-c.done
}

var errStop = errors.New("stop")

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.ep.Close()
	defer c.stopTimers()

	for {
		select {
		case msg, ok := <-c.ep.Inbox():
			if !ok {
				return
			}
			if err := c.handle(msg); err != nil {
				if !errors.Is(err, errStop) {
					c.err = err
				}
				return
			}
			if c.phase == PhaseIdle {
				c.resetIdle()
			}
		case <-timerChan(c.idle):
			c.idle = nil
			if c.phase == PhaseIdle {
				c.begin()
			}
		case <-timerChan(c.deadline):
			c.deadline = nil
			if c.phase != PhaseIdle {
				c.finish(fmt.Errorf("%w: cycle %d stuck in %s", ErrCycleTimeout, c.iteration, c.phase), "timeout")
			}
		}
	}
}

func (c *Coordinator) stopTimers() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
}

// resetIdle restarts the idle trigger.
func (c *Coordinator) resetIdle() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.cfg.IdleDelay > 0 {
		c.idle = c.clock.NewTimer(c.cfg.IdleDelay)
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase = p
	c.metrics.phase.Set(float64(p))
}

func (c *Coordinator) handle(msg endpoint.Message) error {
	if target, ok := endpoint.ExitOf(msg); ok {
		if !slices.Contains(c.tasks, target) {
			return nil
		}
		if c.phase == PhaseIdle {
			return errStop
		}
		err := fmt.Errorf("%w: task %s exited during %s", ErrCycleAborted, target, c.phase)
		c.finish(err, "aborted")
		return err
	}

	switch msg.Tag {
	case endpoint.TagKill:
		return errStop
	case protocol.TagStartGC:
		if c.phase == PhaseIdle {
			c.begin()
		}
		return nil
	case protocol.TagPauseAck:
		return c.handlePauseAck(msg)
	case protocol.TagStartDistGCAck:
		return c.handleStartAck(msg)
	case protocol.TagUpdate:
		return c.handleUpdate(msg)
	case protocol.TagSweepAck:
		return c.handleSweepAck(msg)
	case protocol.TagGCFailed:
		return c.handleFailed(msg)
	default:
		c.logger.Warn("unexpected message", zap.Stringer("tag", msg.Tag), zap.Stringer("from", msg.From))
		return nil
	}
}

func (c *Coordinator) violation(reason string) error {
	err := &ProtocolError{Run: c.iteration, Phase: c.phase, Reason: reason}
	c.finish(err, "error")
	return err
}

// current reports whether a message for iteration belongs to the running
// cycle in phase want. Leftovers of finished or abandoned cycles are
// dropped; anything else is a protocol violation.
func (c *Coordinator) current(iteration int, want Phase, what string) (bool, error) {
	if iteration < c.iteration || (iteration == c.iteration && c.phase == PhaseIdle) {
		c.logger.Debug("dropping stale message", zap.String("message", what), zap.Int("iteration", iteration))
		return false, nil
	}
	if iteration != c.iteration || c.phase != want {
		return false, c.violation(fmt.Sprintf("%s for cycle %d", what, iteration))
	}
	return true, nil
}

// expectAcks arms the barrier of a phase: one ack from every task.
func (c *Coordinator) expectAcks() {
	c.pending = len(c.tasks)
	c.acked = make([]bool, len(c.tasks))
}

// ack records the ack of the sender of msg and reports whether the phase
// barrier is complete. An ack from outside the group or a second ack from
// the same task is a protocol violation.
func (c *Coordinator) ack(msg endpoint.Message, what string) (bool, error) {
	i := slices.Index(c.tasks, msg.From)
	if i < 0 {
		return false, c.violation(fmt.Sprintf("%s from untracked endpoint %s", what, msg.From))
	}
	if c.acked[i] {
		return false, c.violation(fmt.Sprintf("duplicate %s from task %d", what, i))
	}
	c.acked[i] = true
	c.pending--
	return c.pending == 0, nil
}

func (c *Coordinator) broadcast(tag endpoint.Tag, payload any) {
	var err error
	for _, t := range c.tasks {
		err = multierr.Append(err, c.ep.Send(t, tag, payload))
	}
	if err != nil {
		c.logger.Warn("broadcast incomplete", zap.Stringer("tag", tag), zap.Error(err))
	}
}

// begin starts a new cycle.
func (c *Coordinator) begin() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.iteration++
	c.freed = 0
	if c.cfg.CycleTimeout > 0 {
		c.deadline = c.clock.NewTimer(c.cfg.CycleTimeout)
	}
	c.logger.Debug("cycle starting", zap.Int("iteration", c.iteration), zap.Bool("quiescent", c.cfg.Quiescent))
	if c.cfg.Quiescent {
		c.setPhase(PhasePausing)
		c.expectAcks()
		c.broadcast(protocol.TagPause, protocol.Pause{Iteration: c.iteration})
		return
	}
	c.startCycle()
}

func (c *Coordinator) startCycle() {
	c.setPhase(PhaseStarting)
	c.expectAcks()
	c.broadcast(protocol.TagStartDistGC, protocol.StartDistGC{Coordinator: c.ep.ID(), Iteration: c.iteration})
}

func (c *Coordinator) handlePauseAck(msg endpoint.Message) error {
	ack, err := protocol.Payload[protocol.PauseAck](msg)
	if err != nil {
		return c.violation(err.Error())
	}
	if ok, err := c.current(ack.Iteration, PhasePausing, "PauseAck"); !ok {
		return err
	}
	if complete, err := c.ack(msg, "PauseAck"); !complete {
		return err
	}
	c.startCycle()
	return nil
}

func (c *Coordinator) handleStartAck(msg endpoint.Message) error {
	ack, err := protocol.Payload[protocol.StartDistGCAck](msg)
	if err != nil {
		return c.violation(err.Error())
	}
	if ok, err := c.current(ack.Iteration, PhaseStarting, "StartDistGCAck"); !ok {
		return err
	}
	if complete, err := c.ack(msg, "StartDistGCAck"); !complete {
		return err
	}
	c.counter = NewCounter(len(c.tasks))
	c.setPhase(PhaseMarking)
	c.broadcast(protocol.TagMarkRoots, protocol.MarkRoots{Iteration: c.iteration})
	return nil
}

func (c *Coordinator) handleUpdate(msg endpoint.Message) error {
	up, err := protocol.Payload[protocol.Update](msg)
	if err != nil {
		return c.violation(err.Error())
	}
	if ok, err := c.current(up.Iteration, PhaseMarking, "Update"); !ok {
		return err
	}
	c.metrics.updates.Inc()
	if err := c.counter.Apply(up.Counts); err != nil {
		return c.violation(fmt.Sprintf("update from %s: %s", msg.From, err))
	}
	if !c.counter.Done() {
		return nil
	}
	c.logger.Debug("marking terminated", zap.Int("iteration", c.iteration))
	c.setPhase(PhaseSweeping)
	c.expectAcks()
	c.broadcast(protocol.TagSweep, protocol.Sweep{Iteration: c.iteration})
	return nil
}

func (c *Coordinator) handleSweepAck(msg endpoint.Message) error {
	ack, err := protocol.Payload[protocol.SweepAck](msg)
	if err != nil {
		return c.violation(err.Error())
	}
	if ok, err := c.current(ack.Iteration, PhaseSweeping, "SweepAck"); !ok {
		return err
	}
	complete, err := c.ack(msg, "SweepAck")
	if err != nil {
		return err
	}
	c.freed += ack.Freed
	if complete {
		c.completed.Inc()
		c.metrics.freed.Add(float64(c.freed))
		c.finish(nil, "ok")
	}
	return nil
}

func (c *Coordinator) handleFailed(msg endpoint.Message) error {
	failed, err := protocol.Payload[protocol.GCFailed](msg)
	if err != nil {
		return c.violation(err.Error())
	}
	if failed.Iteration < c.iteration || (failed.Iteration == c.iteration && c.phase == PhaseIdle) {
		c.logger.Debug("dropping stale failure", zap.Int("iteration", failed.Iteration), zap.String("reason", failed.Reason))
		return nil
	}
	return c.violation(fmt.Sprintf("task %s: %s", msg.From, failed.Reason))
}

// finish ends the running cycle and reports it to the listener.
func (c *Coordinator) finish(err error, result string) {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	if c.cfg.Quiescent && c.phase != PhaseIdle {
		c.broadcast(protocol.TagResume, protocol.Resume{})
	}
	c.metrics.cycles.WithLabelValues(result).Inc()
	if err != nil {
		c.logger.Error("cycle failed", zap.Int("iteration", c.iteration), zap.Error(err))
	} else {
		c.logger.Debug("cycle finished", zap.Int("iteration", c.iteration), zap.Int("freed", c.freed))
	}
	c.setPhase(PhaseIdle)
	c.counter = nil
	c.acked = nil
	if !c.cfg.Listener.IsZero() {
		done := protocol.GCCycleDone{Iteration: c.iteration, Freed: c.freed}
		if err != nil {
			done.Error = err.Error()
		}
		if sendErr := c.ep.Send(c.cfg.Listener, protocol.TagGCCycleDone, done); sendErr != nil {
			c.logger.Debug("listener unreachable", zap.Error(sendErr))
		}
	}
}
