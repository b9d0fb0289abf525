package endpoint

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Network is an in-process Router connecting several nodes. It is used by
// tests and by single-binary demos. Crash simulates the loss of a process.
type Network struct {
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewNetwork creates an empty network.
func NewNetwork(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{logger: logger, nodes: make(map[string]*Node)}
}

// NewNode creates a node attached to the network. It panics if addr is
// already in use.
func (nw *Network) NewNode(addr string) *Node {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if _, ok := nw.nodes[addr]; ok {
		panic(fmt.Sprintf("endpoint: address %s already in use", addr))
	}
	n := NewNode(addr, nw, nw.logger)
	nw.nodes[addr] = n
	return n
}

func (nw *Network) node(addr string) (*Node, bool) {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	n, ok := nw.nodes[addr]
	return n, ok
}

// Deliver implements Router.
func (nw *Network) Deliver(_ context.Context, msg Message) error {
	n, ok := nw.node(msg.To.Addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, msg.To)
	}
	return n.Deliver(msg)
}

// Watch implements Router.
func (nw *Network) Watch(_ context.Context, watcher, target ID) error {
	n, ok := nw.node(target.Addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, target)
	}
	return n.AddWatcher(target, watcher)
}

// Unwatch implements Router.
func (nw *Network) Unwatch(_ context.Context, watcher, target ID) error {
	if n, ok := nw.node(target.Addr); ok {
		n.RemoveWatcher(target, watcher)
	}
	return nil
}

// Crash removes the node at addr without a clean shutdown. Every endpoint
// elsewhere that is linked into the crashed node receives an exit.
func (nw *Network) Crash(addr string) {
	nw.mu.Lock()
	n, ok := nw.nodes[addr]
	delete(nw.nodes, addr)
	others := make([]*Node, 0, len(nw.nodes))
	for _, other := range nw.nodes {
		others = append(others, other)
	}
	nw.mu.Unlock()
	if !ok {
		return
	}
	nw.logger.Info("node crashed", zap.String("addr", addr))
	n.abort()
	for _, other := range others {
		other.NotifyNodeDown(addr)
	}
}

// Close shuts every node down cleanly.
func (nw *Network) Close() {
	nw.mu.Lock()
	nodes := make([]*Node, 0, len(nw.nodes))
	for _, n := range nw.nodes {
		nodes = append(nodes, n)
	}
	nw.mu.Unlock()
	for _, n := range nodes {
		n.Close()
	}
}
