package task

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/directory"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/heap"
	"github.com/dreamware/gridreduce/internal/protocol"
)

func (t *Task) handleStartDistGC(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.StartDistGC](msg)
	if err != nil {
		t.logger.Warn("bad StartDistGC", zap.Error(err))
		return
	}
	coordinator := replyTarget(req.Coordinator, msg)
	if t.gc.active {
		if req.Iteration <= t.gc.iteration {
			t.gcFail(coordinator, req.Iteration, fmt.Sprintf("cycle %d already in progress", t.gc.iteration))
			return
		}
		// The coordinator gave up on the previous cycle.
		t.logger.Warn("abandoning unfinished cycle",
			zap.Int("iteration", t.gc.iteration),
			zap.Int("next", req.Iteration))
		t.heap.AbandonCycle()
	}
	t.gc.active = true
	t.gc.iteration = req.Iteration
	t.gc.coordinator = coordinator
	t.heap.BeginCycle()
	t.logger.Debug("distributed collection started", zap.Int("iteration", req.Iteration))
	t.send(coordinator, protocol.TagStartDistGCAck, protocol.StartDistGCAck{Iteration: req.Iteration})
}

// checkCycle reports whether a message for iteration belongs to the
// running cycle. Messages of earlier cycles are dropped; anything else is
// reported to the coordinator.
func (t *Task) checkCycle(from endpoint.ID, iteration int, phase string) bool {
	if t.gc.active && iteration == t.gc.iteration {
		return true
	}
	if iteration < t.gc.iteration || (iteration == t.gc.iteration && !t.gc.active) {
		t.logger.Debug("dropping stale gc message", zap.String("phase", phase), zap.Int("iteration", iteration))
		return false
	}
	to := t.gc.coordinator
	if to.IsZero() {
		to = from
	}
	t.gcFail(to, iteration, fmt.Sprintf("%s for unknown cycle %d", phase, iteration))
	return false
}

func (t *Task) gcFail(to endpoint.ID, iteration int, reason string) {
	t.logger.Error("distributed collection failed", zap.Int("iteration", iteration), zap.String("reason", reason))
	t.send(to, protocol.TagGCFailed, protocol.GCFailed{Iteration: iteration, Reason: reason})
}

func (t *Task) handleMarkRoots(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.MarkRoots](msg)
	if err != nil {
		t.logger.Warn("bad MarkRoots", zap.Error(err))
		return
	}
	if !t.checkCycle(msg.From, req.Iteration, "MarkRoots") {
		return
	}
	remote := t.heap.Mark(heap.DMB, t.roots()...)
	for _, addr := range t.heap.Directory().InFlight() {
		if addr.PID != t.cfg.TID {
			remote = append(remote, addr)
			continue
		}
		more, err := t.heap.MarkAddr(heap.DMB, addr)
		if err != nil {
			t.logger.Warn("in-flight address has no record", zap.Stringer("addr", addr))
			continue
		}
		remote = append(remote, more...)
	}
	t.propagate(-1, remote)
}

func (t *Task) handleMarkEntry(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.MarkEntry](msg)
	if err != nil {
		t.logger.Warn("bad MarkEntry", zap.Error(err))
		return
	}
	if !t.checkCycle(msg.From, req.Iteration, "MarkEntry") {
		return
	}
	var remote []directory.GAddr
	for _, addr := range req.Addrs {
		more, err := t.heap.MarkAddr(heap.DMB, addr)
		if err != nil {
			t.gcFail(t.gc.coordinator, req.Iteration, err.Error())
			return
		}
		remote = append(remote, more...)
	}
	t.propagate(-int64(len(req.Addrs)), remote)
}

// propagate reports the mark work this task finished and created, then
// hands the remote addresses to their owners. The Update goes out first so
// the coordinator sees every increment before the matching decrement.
func (t *Task) propagate(done int64, remote []directory.GAddr) {
	counts := make([]int64, t.cfg.GroupSize)
	counts[t.cfg.TID] = done

	byOwner := make(map[int][]directory.GAddr)
	seen := make(map[directory.GAddr]struct{}, len(remote))
	for _, addr := range remote {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if addr.PID < 0 || addr.PID >= t.cfg.GroupSize || addr.PID == t.cfg.TID {
			t.logger.Warn("cannot route mark", zap.Stringer("addr", addr))
			continue
		}
		byOwner[addr.PID] = append(byOwner[addr.PID], addr)
		counts[addr.PID]++
	}

	t.send(t.gc.coordinator, protocol.TagUpdate, protocol.Update{Iteration: t.gc.iteration, Counts: counts})

	owners := maps.Keys(byOwner)
	slices.Sort(owners)
	for _, owner := range owners {
		t.send(t.idmap[owner], protocol.TagMarkEntry, protocol.MarkEntry{
			Iteration: t.gc.iteration,
			Addrs:     byOwner[owner],
		})
	}
}

func (t *Task) handleSweep(msg endpoint.Message) {
	req, err := protocol.Payload[protocol.Sweep](msg)
	if err != nil {
		t.logger.Warn("bad Sweep", zap.Error(err))
		return
	}
	if !t.checkCycle(msg.From, req.Iteration, "Sweep") {
		return
	}
	res := t.heap.Sweep(t.roots()...)
	t.heap.EndCycle()
	t.gc.active = false

	t.stats.cycles.Inc()
	t.stats.freed.Add(uint64(res.Freed))
	t.metrics.swept(res.Freed)
	t.logger.Debug("distributed collection swept",
		zap.Int("iteration", req.Iteration),
		zap.Int("freed", res.Freed),
		zap.Int("remaining", res.Remaining))
	t.send(t.gc.coordinator, protocol.TagSweepAck, protocol.SweepAck{
		Iteration: req.Iteration,
		Freed:     res.Freed,
		Remaining: res.Remaining,
	})
}
