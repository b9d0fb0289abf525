// Package cluster connects gridreduce processes: it carries endpoint
// messages and links between them over HTTP, detects peer processes that
// stop answering, and defines the registration types exchanged with the
// cluster coordinator.
//
// # Overview
//
// Every gridreduce process hosts one endpoint.Node. Endpoints on different
// processes talk through a Router, which posts message envelopes to the
// Handler of the destination process. Links across processes are
// registered on the process hosting the target, which sends the exit
// notification back through its own Router when the target closes.
//
// # Architecture
//
//	 process a (10.0.0.1:7000)                 process b (10.0.0.2:7000)
//	┌────────────────────────────┐            ┌────────────────────────────┐
//	│ endpoint.Node              │            │ endpoint.Node              │
//	│   task 16 ── Send ──┐      │            │      ┌──▶ task 17 mailbox  │
//	│                     ▼      │  POST      │      │                     │
//	│   Router ───────────────────/deliver───▶│ Handler                    │
//	│                            │            │                            │
//	│   task 16 ── Link ──▶ Router ─/link────▶│ Handler.AddWatcher         │
//	│                            │            │                            │
//	│   Handler ◀──/deliver (ENDPOINT_EXIT)───│ Router ◀── task 17 closes  │
//	│                            │            │                            │
//	│   HealthMonitor ──GET /health──────────▶│                            │
//	│     └─ peer down → Node.NotifyNodeDown  │                            │
//	└────────────────────────────┘            └────────────────────────────┘
//
// # Communication Protocol
//
// All traffic is HTTP/JSON:
//
// Message delivery (POST /deliver):
//   - Body is a protocol.Envelope
//   - 204 once the message is queued in the destination mailbox
//   - 404 if the destination endpoint does not exist, which the Router
//     maps to endpoint.ErrUnknownEndpoint
//   - Transport failures and 5xx map to endpoint.ErrUnreachable
//
// Link registration (POST /link, POST /unlink):
//   - Body is a LinkRequest
//   - Linking to an endpoint that is already gone answers with an
//     immediate exit notification
//
// Health checking (GET /health):
//   - Probed by every HealthMonitor that has links into the process
//   - MaxFailures consecutive failures declare the peer down; every local
//     endpoint linked into it then receives ENDPOINT_EXIT
//
// Registration (POST /register on the coordinator):
//   - Nodes announce their NodeInfo so the coordinator can place tasks
//     and monitor them
//
// # Failure Handling
//
// A message to a crashed process fails with endpoint.ErrUnreachable at the
// sender. Link holders learn about the crash from their HealthMonitor,
// which is the only source of exits for endpoints that vanish without
// closing. Exits for links dropped in the meantime are discarded by the
// receiving node.
//
// # See Also
//
//   - internal/endpoint: the in-process substrate the Router plugs into
//   - internal/protocol: message tags and the envelope codec
//   - internal/coordinator: the task group launcher
package cluster
