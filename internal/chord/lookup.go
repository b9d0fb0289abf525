package chord

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// ErrBrokenRing is returned by Walk when the successor chain does not lead
// back to its start.
var ErrBrokenRing = errors.New("successor chain does not close")

// Lookup asks the ring node via for the successor of key.
func Lookup(ctx context.Context, host *endpoint.Node, via endpoint.ID, key uint64) (protocol.GotSuccessor, error) {
	msg, err := host.Call(ctx, via, protocol.TagFindSuccessor, func(replyTo endpoint.ID) any {
		return protocol.FindSuccessor{ID: key, Sender: replyTo, Purpose: protocol.PurposeLookup}
	})
	if err != nil {
		return protocol.GotSuccessor{}, fmt.Errorf("lookup of %d via %s: %w", key, via, err)
	}
	return protocol.Payload[protocol.GotSuccessor](msg)
}

// Table fetches the routing table of a ring node.
func Table(ctx context.Context, host *endpoint.Node, ring endpoint.ID) (protocol.ReplyTable, error) {
	msg, err := host.Call(ctx, ring, protocol.TagGetTable, func(replyTo endpoint.ID) any {
		return protocol.GetTable{Sender: replyTo}
	})
	if err != nil {
		return protocol.ReplyTable{}, fmt.Errorf("table of %s: %w", ring, err)
	}
	return protocol.Payload[protocol.ReplyTable](msg)
}

// Walk follows successor pointers from start until it returns to start and
// returns the nodes visited, start first. At most limit nodes are visited.
func Walk(ctx context.Context, host *endpoint.Node, start endpoint.ID, limit int) ([]protocol.RingNode, error) {
	var nodes []protocol.RingNode
	seen := make(map[endpoint.ID]bool)
	cur := start
	for {
		t, err := Table(ctx, host, cur)
		if err != nil {
			return nodes, err
		}
		if seen[cur] {
			return nodes, fmt.Errorf("%w: revisited %s", ErrBrokenRing, cur)
		}
		seen[cur] = true
		nodes = append(nodes, t.Node)
		if len(t.Fingers) == 0 || t.Fingers[0].IsZero() {
			return nodes, fmt.Errorf("%w: %s has no successor", ErrBrokenRing, cur)
		}
		next := t.Fingers[0].Endpoint
		if next == start {
			return nodes, nil
		}
		if len(nodes) >= limit {
			return nodes, fmt.Errorf("%w: more than %d nodes", ErrBrokenRing, limit)
		}
		cur = next
	}
}
