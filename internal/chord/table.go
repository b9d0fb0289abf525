package chord

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// table is the routing state of one ring node: fingers[1..bits] with
// fingers[1] the successor, and the backup successor list whose first entry
// is the successor itself.
type table struct {
	bits       uint
	k          int
	self       protocol.RingNode
	fingers    []protocol.RingNode
	successors []protocol.RingNode
}

func newTable(self protocol.RingNode, bits uint, k int) *table {
	t := &table{bits: bits, k: k}
	t.reset(self)
	return t
}

// reset forgets all routing state.
func (t *table) reset(self protocol.RingNode) {
	t.self = self
	t.fingers = make([]protocol.RingNode, t.bits+1)
	t.successors = nil
}

// alone makes the node a ring of size one.
func (t *table) alone() {
	for i := 1; i <= int(t.bits); i++ {
		t.fingers[i] = t.self
	}
	t.successors = []protocol.RingNode{t.self}
}

func (t *table) successor() protocol.RingNode {
	return t.fingers[1]
}

// setSuccessor installs n as fingers[1] and reports whether it changed.
func (t *table) setSuccessor(n protocol.RingNode) bool {
	changed := t.fingers[1] != n
	t.fingers[1] = n
	return changed
}

// insertSuccessor puts a newly accepted successor in front of the list.
func (t *table) insertSuccessor(n protocol.RingNode) {
	t.setSuccessor(n)
	t.successors = t.truncate(append([]protocol.RingNode{n}, t.successors...))
}

// adoptSuccessorList replaces the list with [successor] + list.
func (t *table) adoptSuccessorList(list []protocol.RingNode) {
	out := make([]protocol.RingNode, 0, t.k)
	out = append(out, t.successor())
	for _, n := range list {
		if !n.IsZero() {
			out = append(out, n)
		}
	}
	t.successors = t.truncate(out)
}

func (t *table) truncate(list []protocol.RingNode) []protocol.RingNode {
	if len(list) > t.k {
		list = list[:t.k]
	}
	return list
}

// closestPreceding returns the farthest known finger strictly between self
// and id, or self if there is none.
func (t *table) closestPreceding(id uint64) protocol.RingNode {
	for i := int(t.bits); i >= 1; i-- {
		f := t.fingers[i]
		if !f.IsZero() && between(f.ID, t.self.ID, id) {
			return f
		}
	}
	return t.self
}

// dropEndpoint removes every reference to ep. If ep was the successor the
// next live entry of the successor list is promoted; promoted reports
// whether that happened and ok is false when nothing was left to promote.
func (t *table) dropEndpoint(ep endpoint.ID) (promoted, ok bool) {
	wasSuccessor := t.fingers[1].Endpoint == ep
	t.successors = slices.DeleteFunc(t.successors, func(n protocol.RingNode) bool {
		return n.Endpoint == ep
	})
	for i := 2; i <= int(t.bits); i++ {
		if t.fingers[i].Endpoint == ep {
			t.fingers[i] = protocol.RingNode{}
		}
	}
	if !wasSuccessor {
		return false, true
	}
	if len(t.successors) == 0 {
		t.fingers[1] = protocol.RingNode{}
		return true, false
	}
	t.fingers[1] = t.successors[0]
	return true, true
}

// linkSet returns the distinct endpoints the node must be linked to.
func (t *table) linkSet() map[endpoint.ID]struct{} {
	set := make(map[endpoint.ID]struct{})
	add := func(n protocol.RingNode) {
		if !n.IsZero() && n.Endpoint != t.self.Endpoint {
			set[n.Endpoint] = struct{}{}
		}
	}
	for _, f := range t.fingers[1:] {
		add(f)
	}
	for _, s := range t.successors {
		add(s)
	}
	return set
}

func (t *table) knownFingers() int {
	n := 0
	for _, f := range t.fingers[1:] {
		if !f.IsZero() {
			n++
		}
	}
	return n
}

func (t *table) snapshot() (fingers, successors []protocol.RingNode) {
	return slices.Clone(t.fingers[1:]), slices.Clone(t.successors)
}
