package coordinator

import (
	"context"
	"fmt"

	"github.com/dreamware/gridreduce/internal/chord"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// ManagerOf returns the manager endpoint of the process hosting id.
func ManagerOf(id endpoint.ID) endpoint.ID {
	return endpoint.ID{Addr: id.Addr, Local: endpoint.ManagerID}
}

// ManagersFromPeers returns the manager endpoints of the processes listening
// at the given addresses.
func ManagersFromPeers(addrs []string) []endpoint.ID {
	out := make([]endpoint.ID, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, endpoint.ID{Addr: a, Local: endpoint.ManagerID})
	}
	return out
}

// DiscoverManagers walks the ring from the ring endpoint entry and returns
// the manager of every member process, in ring order. At most limit ring
// nodes are visited.
func DiscoverManagers(ctx context.Context, host *endpoint.Node, entry endpoint.ID, limit int) ([]endpoint.ID, error) {
	nodes, err := chord.Walk(ctx, host, entry, limit)
	if err != nil {
		return nil, fmt.Errorf("discovering managers: %w", err)
	}
	out := make([]endpoint.ID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, ManagerOf(n.Endpoint))
	}
	return out, nil
}

// ListTasks asks a manager for the tasks it hosts.
func ListTasks(ctx context.Context, host *endpoint.Node, manager endpoint.ID) ([]protocol.TaskInfo, error) {
	msg, err := host.Call(ctx, manager, protocol.TagGetTasks, func(replyTo endpoint.ID) any {
		return protocol.GetTasks{Sender: replyTo}
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks of %s: %w", manager, err)
	}
	resp, err := protocol.Payload[protocol.GetTasksResponse](msg)
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}
