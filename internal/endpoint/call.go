package endpoint

import (
	"context"
	"errors"
	"fmt"
)

// ErrPeerExited is returned by Call when the callee exits before replying.
var ErrPeerExited = errors.New("peer exited")

// Call sends a request from a temporary endpoint linked to to and waits for
// the first reply, which may come from any endpoint. build receives the id
// replies must be addressed to.
func (n *Node) Call(ctx context.Context, to ID, tag Tag, build func(replyTo ID) any) (Message, error) {
	ep, err := n.AddEndpoint("call")
	if err != nil {
		return Message{}, err
	}
	defer ep.Close()

	if err := ep.Link(to); err != nil {
		return Message{}, err
	}
	if err := ep.Send(to, tag, build(ep.ID())); err != nil {
		return Message{}, fmt.Errorf("sending %s to %s: %w", tag, to, err)
	}
	for {
		msg, err := ep.Receive(ctx, -1)
		if err != nil {
			return Message{}, err
		}
		if exited, ok := ExitOf(msg); ok {
			if exited == to {
				return Message{}, fmt.Errorf("%w: %s", ErrPeerExited, to)
			}
			continue
		}
		return msg, nil
	}
}
