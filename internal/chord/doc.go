// Package chord implements ring membership for gridreduce nodes.
//
// Every node runs one ring actor on the well-known endpoint
// endpoint.RingID. Nodes are placed on a ring of 2^Bits keys; each keeps a
// finger table whose entry k points at the successor of id + 2^(k-1), and a
// backup list of the next K successors.
//
// # Join
//
// A node with no initial peer forms a ring of one. Otherwise:
//
//	joiner ── FindSuccessor(id, join) ──▶ initial ──▶ … ──▶ P
//	joiner ◀──────────── Insert{P, S} ───────────────────── P
//	joiner ── SetNext{joiner, S} ──▶ P
//	joiner ◀── SetNextAck ───────── P      (joiner is now in the ring)
//
// P accepts SetNext only while its successor is still S. If another node
// joined in between, P answers with a fresh Insert or forwards the lookup
// so that the joiner retries against the current ring. A joiner that finds
// its id already taken picks a random new id, reports IDChanged and starts
// over. Unanswered join lookups are retried with exponential backoff.
//
// # Stabilization
//
// A separate stabilizer actor wakes the ring node at random intervals. Each
// round the node fetches its successor's successor list (replies from a
// node that is no longer the successor are ignored) and refreshes one
// random finger through an ordinary lookup.
//
// # Failures
//
// The ring node links to every endpoint in its table. When the successor
// exits the next entry of the successor list takes its place; when the
// list is empty the node reports ErrOutOfRing and stops. Any other finger
// that exits is cleared and refilled by later stabilization rounds.
package chord
