package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownEndpoint is returned when a message targets an endpoint that
	// does not exist (or no longer exists) on its node.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnreachable is returned by routers when the destination process
	// cannot be reached.
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrEndpointExists is returned when a fixed local id is already taken.
	ErrEndpointExists = errors.New("endpoint already exists")
	// ErrNodeClosed is returned once the node has been shut down.
	ErrNodeClosed = errors.New("node closed")
)

// Router moves messages and link registrations between processes.
type Router interface {
	// Deliver enqueues msg at msg.To and returns once it is queued.
	Deliver(ctx context.Context, msg Message) error
	// Watch registers watcher for exit notifications of target.
	Watch(ctx context.Context, watcher, target ID) error
	// Unwatch removes a registration made by Watch.
	Unwatch(ctx context.Context, watcher, target ID) error
}

// Node hosts the endpoints of one process.
type Node struct {
	addr        string
	router      Router
	logger      *zap.Logger
	clock       clockwork.Clock
	sendTimeout time.Duration

	mu        sync.Mutex
	endpoints map[uint32]*Endpoint
	watchers  map[uint32]map[ID]struct{} // local target -> watchers
	nextLocal uint32
	closed    bool
}

// NewNode creates a node reachable at addr. router may be nil for a node
// that only talks to itself.
func NewNode(addr string, router Router, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		addr:        addr,
		router:      router,
		logger:      logger.Named("endpoint").With(zap.String("node", addr)),
		clock:       clockwork.NewRealClock(),
		sendTimeout: 10 * time.Second,
		endpoints:   make(map[uint32]*Endpoint),
		watchers:    make(map[uint32]map[ID]struct{}),
		nextLocal:   FirstDynamicID,
	}
}

// SetClock replaces the clock receive timeouts run on. It must be called
// before any endpoint receives.
func (n *Node) SetClock(clock clockwork.Clock) {
	n.clock = clock
}

// Addr returns the ip:port of the node.
func (n *Node) Addr() string {
	return n.addr
}

// AddEndpoint creates an endpoint with the next free dynamic local id.
func (n *Node) AddEndpoint(name string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	for {
		local := n.nextLocal
		n.nextLocal++
		if _, taken := n.endpoints[local]; !taken {
			return n.addLocked(local, name), nil
		}
	}
}

// AddEndpointWithID creates an endpoint with a well-known local id.
func (n *Node) AddEndpointWithID(local uint32, name string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	if _, taken := n.endpoints[local]; taken {
		return nil, fmt.Errorf("%w: %s:%d", ErrEndpointExists, n.addr, local)
	}
	return n.addLocked(local, name), nil
}

func (n *Node) addLocked(local uint32, name string) *Endpoint {
	ep := &Endpoint{
		id:    ID{Addr: n.addr, Local: local},
		name:  name,
		node:  n,
		box:   newMailbox(),
		links: make(map[ID]struct{}),
	}
	n.endpoints[local] = ep
	return ep
}

// Lookup returns the local endpoint with the given local id.
func (n *Node) Lookup(local uint32) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[local]
	return ep, ok
}

// Endpoints returns the ids of all live local endpoints.
func (n *Node) Endpoints() []ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ID, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		out = append(out, ep.id)
	}
	return out
}

// Deliver enqueues msg in the mailbox of a local endpoint. Routers call it
// for messages arriving from other processes.
func (n *Node) Deliver(msg Message) error {
	if msg.To.Addr != n.addr {
		return fmt.Errorf("%w: %s is not hosted on %s", ErrUnknownEndpoint, msg.To, n.addr)
	}
	n.mu.Lock()
	ep, ok := n.endpoints[msg.To.Local]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, msg.To)
	}

	if target, isExit := ExitOf(msg); isExit {
		// Exit notifications for links that were dropped meanwhile are stale.
		if !ep.dropLink(target) {
			return nil
		}
	}
	if !ep.box.put(msg) {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, msg.To)
	}
	return nil
}

// AddWatcher registers watcher for the exit of the local endpoint target.
// If target is already gone the watcher is notified right away.
func (n *Node) AddWatcher(target, watcher ID) error {
	n.mu.Lock()
	_, exists := n.endpoints[target.Local]
	if exists && !n.closed {
		set, ok := n.watchers[target.Local]
		if !ok {
			set = make(map[ID]struct{})
			n.watchers[target.Local] = set
		}
		set[watcher] = struct{}{}
	}
	n.mu.Unlock()

	if !exists {
		n.route(exitMessage(target, watcher))
	}
	return nil
}

// RemoveWatcher drops a registration made by AddWatcher.
func (n *Node) RemoveWatcher(target, watcher ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set, ok := n.watchers[target.Local]; ok {
		delete(set, watcher)
		if len(set) == 0 {
			delete(n.watchers, target.Local)
		}
	}
}

// NotifyExit tells every local endpoint linked to target that it has exited.
// Failure detectors call it when a remote endpoint becomes unreachable.
func (n *Node) NotifyExit(target ID) {
	for _, ep := range n.linkedTo(func(id ID) bool { return id == target }) {
		_ = n.Deliver(exitMessage(target, ep))
	}
}

// NotifyNodeDown tells every local endpoint linked to any endpoint of the
// process at addr that its target has exited.
func (n *Node) NotifyNodeDown(addr string) {
	n.mu.Lock()
	var pending []Message
	for _, ep := range n.endpoints {
		for _, target := range ep.Links() {
			if target.Addr == addr {
				pending = append(pending, exitMessage(target, ep.id))
			}
		}
	}
	n.mu.Unlock()
	for _, msg := range pending {
		_ = n.Deliver(msg)
	}
}

// RemoteAddrs returns the addresses of other processes that local endpoints
// are linked to, in sorted order. Failure detectors watch these.
func (n *Node) RemoteAddrs() []string {
	n.mu.Lock()
	eps := maps.Values(n.endpoints)
	n.mu.Unlock()
	set := make(map[string]struct{})
	for _, ep := range eps {
		for _, target := range ep.Links() {
			if target.Addr != n.addr {
				set[target.Addr] = struct{}{}
			}
		}
	}
	addrs := maps.Keys(set)
	slices.Sort(addrs)
	return addrs
}

func (n *Node) linkedTo(match func(ID) bool) []ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []ID
	for _, ep := range n.endpoints {
		for _, target := range ep.Links() {
			if match(target) {
				out = append(out, ep.id)
				break
			}
		}
	}
	return out
}

// Close removes every endpoint, notifying their watchers.
func (n *Node) Close() {
	n.mu.Lock()
	eps := maps.Values(n.endpoints)
	n.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

// abort drops every endpoint without notifying anyone, as a crashed process
// would.
func (n *Node) abort() {
	n.mu.Lock()
	eps := maps.Values(n.endpoints)
	n.endpoints = make(map[uint32]*Endpoint)
	n.watchers = make(map[uint32]map[ID]struct{})
	n.closed = true
	n.mu.Unlock()
	n.logger.Debug("node aborted", zap.Int("endpoints", len(eps)))
	for _, ep := range eps {
		ep.box.close()
	}
}

func (n *Node) remove(ep *Endpoint) {
	n.mu.Lock()
	if cur, ok := n.endpoints[ep.id.Local]; !ok || cur != ep {
		n.mu.Unlock()
		return
	}
	delete(n.endpoints, ep.id.Local)
	watchers := maps.Keys(n.watchers[ep.id.Local])
	delete(n.watchers, ep.id.Local)
	n.mu.Unlock()

	for _, w := range watchers {
		n.route(exitMessage(ep.id, w))
	}
}

// route delivers msg locally or through the router.
func (n *Node) route(msg Message) error {
	if msg.To.Addr == n.addr {
		return n.Deliver(msg)
	}
	if n.router == nil {
		return fmt.Errorf("%w: no router for %s", ErrUnreachable, msg.To)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	return n.router.Deliver(ctx, msg)
}

func (n *Node) watch(watcher, target ID) error {
	if target.Addr == n.addr {
		return n.AddWatcher(target, watcher)
	}
	if n.router == nil {
		return fmt.Errorf("%w: no router for %s", ErrUnreachable, target)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	return n.router.Watch(ctx, watcher, target)
}

func (n *Node) unwatch(watcher, target ID) {
	if target.Addr == n.addr {
		n.RemoveWatcher(target, watcher)
		return
	}
	if n.router == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	_ = n.router.Unwatch(ctx, watcher, target)
}

func exitMessage(target, watcher ID) Message {
	return Message{From: target, To: watcher, Tag: TagEndpointExit, Payload: Exit{Endpoint: target}}
}
