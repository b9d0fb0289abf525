package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Receive once the endpoint has been closed.
	ErrClosed = errors.New("endpoint closed")
	// ErrTimeout is returned by Receive when no message arrived in time.
	ErrTimeout = errors.New("receive timeout")
)

// Endpoint is an addressable mailbox owned by exactly one goroutine.
type Endpoint struct {
	id   ID
	name string
	node *Node
	box  *mailbox

	mu    sync.Mutex
	links map[ID]struct{}

	closeOnce sync.Once
}

func (e *Endpoint) ID() ID       { return e.id }
func (e *Endpoint) Name() string { return e.name }

// Inbox yields incoming messages. It is closed when the endpoint closes.
func (e *Endpoint) Inbox() <-chan Message {
	return e.box.out
}

// Done is closed when the endpoint closes.
func (e *Endpoint) Done() <-chan struct{} {
	return e.box.done
}

// Send delivers a message from e to the endpoint to.
func (e *Endpoint) Send(to ID, tag Tag, payload any) error {
	return e.node.route(Message{From: e.id, To: to, Tag: tag, Payload: payload})
}

// Receive waits for the next message. A negative timeout waits forever.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := e.node.clock.NewTimer(timeout)
		defer t.Stop()
		expired = t.Chan()
	}
	select {
	case msg, ok := <-e.box.out:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-expired:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Link subscribes e to the exit of target. Linking twice is a no-op.
// Linking to an unreachable or dead endpoint produces an immediate exit
// notification rather than an error.
func (e *Endpoint) Link(target ID) error {
	if target.IsZero() || target == e.id {
		return nil
	}
	e.mu.Lock()
	if _, ok := e.links[target]; ok {
		e.mu.Unlock()
		return nil
	}
	e.links[target] = struct{}{}
	e.mu.Unlock()

	if err := e.node.watch(e.id, target); err != nil {
		if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrUnknownEndpoint) {
			return e.node.Deliver(exitMessage(target, e.id))
		}
		e.mu.Lock()
		delete(e.links, target)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Unlink cancels a Link. Pending exit notifications for target are dropped.
func (e *Endpoint) Unlink(target ID) error {
	e.mu.Lock()
	_, ok := e.links[target]
	delete(e.links, target)
	e.mu.Unlock()
	if ok {
		e.node.unwatch(e.id, target)
	}
	return nil
}

// Links returns the endpoints e is currently linked to.
func (e *Endpoint) Links() []ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ID, 0, len(e.links))
	for id := range e.links {
		out = append(out, id)
	}
	return out
}

// HasLink reports whether e is linked to target.
func (e *Endpoint) HasLink(target ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.links[target]
	return ok
}

func (e *Endpoint) dropLink(target ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.links[target]; !ok {
		return false
	}
	delete(e.links, target)
	return true
}

// Close removes e from its node and notifies every endpoint linked to it.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.box.close()
		e.node.remove(e)
		for _, target := range e.Links() {
			_ = e.Unlink(target)
		}
	})
}
