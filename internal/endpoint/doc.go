// Package endpoint is the message-passing substrate every other gridreduce
// component is built on.
//
// # Overview
//
// An endpoint is a named actor mailbox addressed as "ip:port:localid". The
// ip:port part names the process (a Node) that hosts the endpoint; localid
// names the endpoint inside that process. Endpoints exchange tagged messages
// whose payloads are plain Go values; only the logical content matters inside
// a process, and the cluster package encodes them when they cross one.
//
// # Links
//
// An endpoint may link to any other endpoint. When the target terminates, or
// its process becomes unreachable, the linking endpoint receives a synthetic
// message tagged TagEndpointExit carrying an Exit payload. Links are one-way:
// the target is not told about the watcher's death. Linking to an endpoint
// that no longer exists yields an immediate exit notification. Unlinking
// suppresses any exit notification that was still in flight.
//
// # Delivery
//
// Mailboxes are unbounded, so Send never blocks on a slow receiver. Send
// returns only after the message has been enqueued in the destination mailbox
// (or failed), which gives callers a causal hand-off: anything the sender
// does after Send returns happens after the message is queued.
//
// Messages between processes travel through a Router. The Network type in
// this package routes between Nodes living in one process and is what tests
// and single-binary deployments use; cluster.Router does the same over HTTP.
//
//	┌──────────── Node 10.0.0.1:7000 ───────────┐        ┌──── Node 10.0.0.2:7000 ────┐
//	│  :1 manager   :2 ring   :16 task ...       │ Router │  :1 manager  :2 ring  ...  │
//	│      │  mailbox (unbounded) + links        │◀──────▶│                            │
//	└────────────────────────────────────────────┘        └────────────────────────────┘
package endpoint
