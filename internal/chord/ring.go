package chord

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

var (
	// ErrOutOfRing is reported when the successor fails and the backup
	// successor list holds no live entry.
	ErrOutOfRing = errors.New("successor list exhausted, node dropped out of the ring")
	// ErrJoinFailed is reported when no join lookup was answered in time.
	ErrJoinFailed = errors.New("could not join the ring")
	// ErrStopped is returned by WaitJoined when the node stopped first.
	ErrStopped = errors.New("ring node stopped")
)

// Options configures a ring node.
type Options struct {
	Config Config
	// Caller receives ChordStarted, IDChanged, Joined and RingFailed events.
	Caller     endpoint.ID
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Ring is the ring actor of one process. All routing state is owned by its
// loop goroutine; other goroutines interact with it through messages.
type Ring struct {
	cfg     Config
	host    *endpoint.Node
	ep      *endpoint.Endpoint
	logger  *zap.Logger
	metrics *metrics
	clock   clockwork.Clock
	initial endpoint.ID
	caller  endpoint.ID

	// Loop state.
	self        protocol.RingNode
	table       *table
	joined      bool
	joinBackoff backoff.BackOff
	joinTimer   clockwork.Timer
	stabilizer  *stabilizer

	id         *atomic.Uint64
	joinedCh   chan struct{}
	joinedOnce sync.Once
	done       chan struct{}
	err        error
}

// Start creates the ring endpoint on host and begins joining the ring
// through initial. A zero initial starts a new ring of size one.
func Start(host *endpoint.Node, initial endpoint.ID, opts Options) (*Ring, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ep, err := host.AddEndpointWithID(endpoint.RingID, "ring")
	if err != nil {
		return nil, fmt.Errorf("creating ring endpoint: %w", err)
	}

	id := HashID(ep.ID().String(), cfg.Bits)
	if cfg.ID != nil {
		id = *cfg.ID
	}
	self := protocol.RingNode{ID: id, Endpoint: ep.ID()}
	r := &Ring{
		cfg:      cfg,
		host:     host,
		ep:       ep,
		logger:   logger.Named("chord").With(zap.Stringer("endpoint", ep.ID())),
		metrics:  newMetrics(opts.Registerer),
		clock:    cfg.Clock,
		initial:  initial,
		caller:   opts.Caller,
		self:     self,
		table:    newTable(self, cfg.Bits, cfg.SuccessorListLen),
		id:       atomic.NewUint64(id),
		joinedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Join starts a ring node and waits until it is part of the ring.
func Join(ctx context.Context, host *endpoint.Node, initial endpoint.ID, opts Options) (*Ring, error) {
	r, err := Start(host, initial, opts)
	if err != nil {
		return nil, err
	}
	if _, err := r.WaitJoined(ctx); err != nil {
		r.Stop()
		return nil, err
	}
	return r, nil
}

// Endpoint returns the ring endpoint.
func (r *Ring) Endpoint() endpoint.ID { return r.ep.ID() }

// Node returns the node's current ring position.
func (r *Ring) Node() protocol.RingNode {
	return protocol.RingNode{ID: r.id.Load(), Endpoint: r.ep.ID()}
}

// Joined is closed once the node has joined the ring.
func (r *Ring) Joined() <-chan struct{} { return r.joinedCh }

// Done is closed when the ring loop has exited.
func (r *Ring) Done() <-chan struct{} { return r.done }

// Err returns why the loop exited. It is nil after Stop.
func (r *Ring) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// WaitJoined blocks until the node has joined, the loop exits, or ctx ends.
func (r *Ring) WaitJoined(ctx context.Context) (protocol.RingNode, error) {
	select {
	case <-r.joinedCh:
		return r.Node(), nil
	case <-r.done:
		if r.err != nil {
			return protocol.RingNode{}, r.err
		}
		return protocol.RingNode{}, ErrStopped
	case <-ctx.Done():
		return protocol.RingNode{}, ctx.Err()
	}
}

// Stop kills the ring loop and waits for it to exit.
func (r *Ring) Stop() {
	_ = r.host.Deliver(endpoint.Message{From: r.ep.ID(), To: r.ep.ID(), Tag: endpoint.TagKill})
	<-r.done
}

func (r *Ring) run() {
	defer close(r.done)
	defer r.ep.Close()

	err := r.start()
	for err == nil {
		var retry <-chan time.Time
		if r.joinTimer != nil {
			retry = r.joinTimer.Chan()
		}
		select {
		case msg, ok := <-r.ep.Inbox():
			if !ok {
				r.finish(nil)
				return
			}
			var stop bool
			stop, err = r.handle(msg)
			if stop && err == nil {
				r.finish(nil)
				return
			}
		case <-retry:
			r.joinTimer = nil
			if !r.joined {
				r.logger.Debug("join lookup unanswered, retrying", zap.Stringer("initial", r.initial))
				r.table.reset(r.self)
				r.syncLinks()
				err = r.sendJoinLookup()
			}
		}
	}
	r.finish(err)
}

func (r *Ring) finish(err error) {
	if r.joinTimer != nil {
		r.joinTimer.Stop()
	}
	r.metrics.joined.Set(0)
	r.err = err
	if err != nil {
		r.logger.Error("ring node failed", zap.Error(err))
		r.send(r.caller, protocol.TagRingFailed, protocol.RingFailed{Node: r.self, Reason: err.Error()})
		return
	}
	r.logger.Info("ring node stopped")
}

func (r *Ring) start() error {
	r.logger.Info("ring node started", zap.Uint64("id", r.self.ID))
	r.send(r.caller, protocol.TagChordStarted, protocol.ChordStarted{Node: r.self})
	if r.initial.IsZero() || r.initial == r.ep.ID() {
		r.table.alone()
		r.markJoined(r.self)
		return nil
	}
	r.joinBackoff = r.newJoinBackoff()
	return r.sendJoinLookup()
}

func (r *Ring) newJoinBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.JoinTimeout
	b.MaxInterval = 8 * r.cfg.JoinTimeout
	b.MaxElapsedTime = r.cfg.MaxJoinTime
	b.Clock = r.clock
	b.Reset()
	return b
}

func (r *Ring) sendJoinLookup() error {
	err := r.ep.Send(r.initial, protocol.TagFindSuccessor, protocol.FindSuccessor{
		ID:      r.self.ID,
		Sender:  r.ep.ID(),
		Purpose: protocol.PurposeJoin,
	})
	if err != nil {
		r.logger.Warn("join lookup not delivered", zap.Stringer("initial", r.initial), zap.Error(err))
	}
	wait := r.joinBackoff.NextBackOff()
	if wait == backoff.Stop {
		return fmt.Errorf("%w: no answer from %s", ErrJoinFailed, r.initial)
	}
	r.joinTimer = r.clock.NewTimer(wait)
	return nil
}

func (r *Ring) markJoined(pred protocol.RingNode) {
	r.joined = true
	if r.joinTimer != nil {
		r.joinTimer.Stop()
		r.joinTimer = nil
	}
	r.joinedOnce.Do(func() { close(r.joinedCh) })
	r.metrics.joined.Set(1)
	r.metrics.fingersKnown.Set(float64(r.table.knownFingers()))
	succ := r.table.successor()
	r.logger.Info("joined ring",
		zap.Uint64("id", r.self.ID),
		zap.Stringer("predecessor", pred),
		zap.Stringer("successor", succ))
	r.send(r.caller, protocol.TagJoined, protocol.Joined{Node: r.self, Predecessor: pred, Successor: succ})

	if r.stabilizer == nil {
		s, err := startStabilizer(r.host, r.ep.ID(), r.cfg.StabilizeDelay, r.clock)
		if err != nil {
			r.logger.Error("stabilizer not started", zap.Error(err))
			return
		}
		r.stabilizer = s
	}
}

// handle processes one message. stop is true when the loop should exit.
func (r *Ring) handle(msg endpoint.Message) (stop bool, err error) {
	switch msg.Tag {
	case endpoint.TagKill:
		return true, nil
	case endpoint.TagEndpointExit:
		if id, ok := endpoint.ExitOf(msg); ok {
			return false, r.handleExit(id)
		}
	case protocol.TagFindSuccessor:
		if p, err := protocol.Payload[protocol.FindSuccessor](msg); err == nil {
			r.handleFindSuccessor(p)
		}
	case protocol.TagInsert:
		if p, err := protocol.Payload[protocol.Insert](msg); err == nil {
			return false, r.handleInsert(p)
		}
	case protocol.TagSetNext:
		if p, err := protocol.Payload[protocol.SetNext](msg); err == nil {
			r.handleSetNext(p)
		}
	case protocol.TagSetNextAck:
		if p, err := protocol.Payload[protocol.SetNextAck](msg); err == nil && !r.joined {
			r.markJoined(p.Predecessor)
		}
	case protocol.TagGetSuccessorList:
		if p, err := protocol.Payload[protocol.GetSuccessorList](msg); err == nil && r.joined {
			_, succs := r.table.snapshot()
			r.send(p.Sender, protocol.TagReplySuccessorList, protocol.ReplySuccessorList{Sender: r.self, List: succs})
		}
	case protocol.TagReplySuccessorList:
		if p, err := protocol.Payload[protocol.ReplySuccessorList](msg); err == nil {
			r.handleSuccessorList(p)
		}
	case protocol.TagGotSuccessor:
		if p, err := protocol.Payload[protocol.GotSuccessor](msg); err == nil {
			r.handleGotSuccessor(p)
		}
	case protocol.TagGetTable:
		if p, err := protocol.Payload[protocol.GetTable](msg); err == nil {
			r.send(p.Sender, protocol.TagReplyTable, r.replyTable())
		}
	case protocol.TagStabilize:
		r.stabilize()
	default:
		r.logger.Debug("unexpected message", zap.Stringer("tag", msg.Tag), zap.Stringer("from", msg.From))
	}
	return false, nil
}

// handleFindSuccessor answers a lookup if the key falls between this node
// and its successor, and otherwise relays it to the closest preceding
// finger.
func (r *Ring) handleFindSuccessor(p protocol.FindSuccessor) {
	if !r.joined {
		r.logger.Debug("dropping lookup before join", zap.Uint64("key", p.ID))
		return
	}
	succ := r.table.successor()
	if betweenRight(p.ID, r.self.ID, succ.ID) {
		if p.Purpose == protocol.PurposeJoin {
			r.send(p.Sender, protocol.TagInsert, protocol.Insert{Predecessor: r.self, Successor: succ})
			return
		}
		r.send(p.Sender, protocol.TagGotSuccessor, protocol.GotSuccessor{Successor: succ, Hops: p.Hops, Purpose: p.Purpose})
		return
	}

	next := r.table.closestPreceding(p.ID)
	if next.Endpoint == r.self.Endpoint {
		next = succ
	}
	p.Hops++
	if err := r.ep.Send(next.Endpoint, protocol.TagFindSuccessor, p); err != nil && next != succ {
		r.logger.Debug("relay failed, falling back to successor", zap.Stringer("via", next), zap.Error(err))
		_ = r.ep.Send(succ.Endpoint, protocol.TagFindSuccessor, p)
	}
}

func (r *Ring) handleInsert(p protocol.Insert) error {
	if r.joined || p.Successor.Endpoint == r.self.Endpoint {
		return nil
	}
	if (p.Successor.ID == r.self.ID && p.Successor.Endpoint != r.self.Endpoint) ||
		(p.Predecessor.ID == r.self.ID && p.Predecessor.Endpoint != r.self.Endpoint) {
		return r.changeID()
	}
	r.table.reset(r.self)
	r.table.insertSuccessor(p.Successor)
	r.syncLinks()
	r.send(p.Predecessor.Endpoint, protocol.TagSetNext, protocol.SetNext{New: r.self, Old: p.Successor})
	return nil
}

// changeID picks a fresh random id after a collision and restarts the join.
func (r *Ring) changeID() error {
	old := r.self.ID
	next := old
	for next == old {
		next = rand.Uint64() & mask(r.cfg.Bits)
	}
	r.self.ID = next
	r.id.Store(next)
	r.table.reset(r.self)
	r.syncLinks()
	r.logger.Info("ring id collision, picked a new id", zap.Uint64("old", old), zap.Uint64("new", next))
	r.send(r.caller, protocol.TagIDChanged, protocol.IDChanged{Old: old, New: next})

	if r.joinTimer != nil {
		r.joinTimer.Stop()
		r.joinTimer = nil
	}
	r.joinBackoff.Reset()
	return r.sendJoinLookup()
}

// handleSetNext retargets the successor to a joining node, provided the
// successor has not changed since the joiner's lookup.
func (r *Ring) handleSetNext(p protocol.SetNext) {
	if !r.joined {
		return
	}
	cur := r.table.successor()
	switch {
	case cur == p.New:
		r.send(p.New.Endpoint, protocol.TagSetNextAck, protocol.SetNextAck{Predecessor: r.self})
	case cur == p.Old:
		r.table.insertSuccessor(p.New)
		r.metrics.successorChanges.Inc()
		r.syncLinks()
		r.logger.Debug("accepted new successor", zap.Stringer("successor", p.New))
		r.send(p.New.Endpoint, protocol.TagSetNextAck, protocol.SetNextAck{Predecessor: r.self})
	case between(p.New.ID, r.self.ID, cur.ID):
		r.send(p.New.Endpoint, protocol.TagInsert, protocol.Insert{Predecessor: r.self, Successor: cur})
	default:
		r.handleFindSuccessor(protocol.FindSuccessor{ID: p.New.ID, Sender: p.New.Endpoint, Purpose: protocol.PurposeJoin})
	}
}

func (r *Ring) handleSuccessorList(p protocol.ReplySuccessorList) {
	if !r.joined {
		return
	}
	if p.Sender != r.table.successor() {
		r.logger.Debug("ignoring successor list from stale successor", zap.Stringer("sender", p.Sender))
		return
	}
	r.table.adoptSuccessorList(p.List)
	r.syncLinks()
}

func (r *Ring) handleGotSuccessor(p protocol.GotSuccessor) {
	if !r.joined || p.Purpose < 2 || p.Purpose > int(r.cfg.Bits) {
		return
	}
	r.metrics.lookupHops.Observe(float64(p.Hops))
	r.table.fingers[p.Purpose] = p.Successor
	r.syncLinks()
}

func (r *Ring) handleExit(id endpoint.ID) error {
	if !r.joined {
		r.table.reset(r.self)
		r.syncLinks()
		return nil
	}
	promoted, ok := r.table.dropEndpoint(id)
	if promoted {
		if !ok {
			return fmt.Errorf("%w: successor %s failed", ErrOutOfRing, id)
		}
		r.metrics.successorChanges.Inc()
		r.logger.Info("successor failed, promoted backup",
			zap.Stringer("failed", id),
			zap.Stringer("successor", r.table.successor()))
	}
	r.syncLinks()
	return nil
}

// stabilize refreshes the successor list and one random finger.
func (r *Ring) stabilize() {
	if !r.joined {
		return
	}
	succ := r.table.successor()
	if succ.Endpoint == r.self.Endpoint {
		r.table.successors = []protocol.RingNode{r.self}
	} else if err := r.ep.Send(succ.Endpoint, protocol.TagGetSuccessorList, protocol.GetSuccessorList{Sender: r.ep.ID()}); err != nil {
		r.logger.Debug("successor list request failed", zap.Stringer("successor", succ), zap.Error(err))
	}

	if r.cfg.Bits >= 2 {
		k := 2 + rand.IntN(int(r.cfg.Bits)-1)
		r.handleFindSuccessor(protocol.FindSuccessor{
			ID:      fingerStart(r.self.ID, k, r.cfg.Bits),
			Sender:  r.ep.ID(),
			Purpose: k,
		})
	}
}

// syncLinks links to every endpoint in the routing table and unlinks from
// every endpoint no longer in it.
func (r *Ring) syncLinks() {
	want := r.table.linkSet()
	for _, id := range r.ep.Links() {
		if _, ok := want[id]; !ok {
			_ = r.ep.Unlink(id)
		}
	}
	for id := range want {
		if !r.ep.HasLink(id) {
			if err := r.ep.Link(id); err != nil {
				r.logger.Debug("link failed", zap.Stringer("target", id), zap.Error(err))
			}
		}
	}
	r.metrics.fingersKnown.Set(float64(r.table.knownFingers()))
}

func (r *Ring) linksOK() bool {
	want := r.table.linkSet()
	have := r.ep.Links()
	if len(have) != len(want) {
		return false
	}
	for _, id := range have {
		if _, ok := want[id]; !ok {
			return false
		}
	}
	return true
}

func (r *Ring) replyTable() protocol.ReplyTable {
	fingers, succs := r.table.snapshot()
	return protocol.ReplyTable{
		Node:       r.self,
		Fingers:    fingers,
		Successors: succs,
		LinksOK:    r.linksOK(),
		Joined:     r.joined,
	}
}

func (r *Ring) send(to endpoint.ID, tag endpoint.Tag, payload any) {
	if to.IsZero() {
		return
	}
	if err := r.ep.Send(to, tag, payload); err != nil {
		r.logger.Debug("send failed", zap.Stringer("to", to), zap.Stringer("tag", tag), zap.Error(err))
	}
}
