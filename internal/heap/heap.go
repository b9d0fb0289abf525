package heap

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/directory"
)

// ErrForeignCell is returned when a cell from another heap is used
var ErrForeignCell = errors.New("cell belongs to another heap")

// Flags are the per-cell mark bits
type Flags uint8

const (
	// Marked is set by local marking (sweep and local collection)
	Marked Flags = 1 << iota
	// DMB is the distributed mark bit, set during a distributed mark phase
	DMB
	// Fresh is set on cells allocated or exported during a distributed cycle
	Fresh
	// Pinned cells are never swept
	Pinned
)

// Cell is a heap object. A data cell holds a value and references to other
// cells. A proxy cell stands for an object owned by another task; once the
// object has been fetched the proxy forwards to a local copy.
type Cell struct {
	id     uint64           // Heap-unique identity
	value  string           // Payload of a data cell
	refs   []*Cell          // Outgoing references
	remote *directory.GAddr // Address of the remote object for proxies
	target *Cell            // Local copy of a fetched remote object
	flags  Flags            // Mark bits
	heap   *Heap            // Owning heap
}

func (c *Cell) ID() uint64    { return c.id }
func (c *Cell) Value() string { return c.value }

// Refs returns the cells c references.
func (c *Cell) Refs() []*Cell {
	return append([]*Cell(nil), c.refs...)
}

// Flags returns the mark bits of c.
func (c *Cell) Flags() Flags { return c.flags }

// IsProxy reports whether c stands for an object of another task.
func (c *Cell) IsProxy() bool { return c.remote != nil }

// Remote returns the address a proxy stands for.
func (c *Cell) Remote() (directory.GAddr, bool) {
	if c.remote == nil {
		return directory.GAddr{}, false
	}
	return *c.remote, true
}

// Target returns the local copy of a fetched proxy.
func (c *Cell) Target() *Cell { return c.target }

// Resolved follows a fetched proxy to its local copy.
func (c *Cell) Resolved() *Cell {
	for c.target != nil {
		c = c.target
	}
	return c
}

// SetRef replaces reference i of c.
func (c *Cell) SetRef(i int, ref *Cell) {
	c.refs[i] = ref
}

// AddRef appends a reference to c.
func (c *Cell) AddRef(ref *Cell) {
	c.refs = append(c.refs, ref)
}

// ClearRefs drops every reference of c.
func (c *Cell) ClearRefs() {
	c.refs = nil
}

func (c *Cell) String() string {
	if c.remote != nil {
		return fmt.Sprintf("proxy#%d(%s)", c.id, c.remote)
	}
	return fmt.Sprintf("cell#%d(%q)", c.id, c.value)
}

// Stats contains statistics about the heap
type Stats struct {
	Cells       int    // Live cells
	Proxies     int    // Live proxy cells
	Records     int    // Directory records
	TotalAllocs uint64 // Cells allocated since creation
	TotalFreed  uint64 // Cells freed since creation
}

// SweepResult reports what a sweep reclaimed
type SweepResult struct {
	Freed          int // Cells freed
	RecordsRemoved int // Directory records dropped
	Remaining      int // Cells left
}

// Heap is the object store of one task. It is owned by the task loop and is
// not safe for concurrent use.
type Heap struct {
	pid     int
	dir     *directory.Directory[*Cell, string]
	cells   map[uint64]*Cell
	nextID  uint64
	inCycle bool
	logger  *zap.Logger

	totalAllocs uint64
	totalFreed  uint64
}

// New creates the heap of task pid.
func New(pid int, logger *zap.Logger) *Heap {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Heap{
		pid:    pid,
		cells:  make(map[uint64]*Cell),
		nextID: 1,
		logger: logger.Named("heap"),
	}
	h.dir = directory.New[*Cell, string](pid, factory{h})
	return h
}

// factory lets the directory create cells in this heap.
type factory struct{ h *Heap }

func (f factory) Wrap(value string) *Cell { return f.h.Alloc(value) }

func (f factory) Remote(addr directory.GAddr) *Cell {
	c := f.h.newCell()
	c.remote = &addr
	return c
}

// PID returns the process id of the owning task.
func (h *Heap) PID() int { return h.pid }

// Directory returns the global object directory of the heap.
func (h *Heap) Directory() *directory.Directory[*Cell, string] { return h.dir }

// InCycle reports whether a distributed collection is in progress.
func (h *Heap) InCycle() bool { return h.inCycle }

func (h *Heap) newCell() *Cell {
	c := &Cell{id: h.nextID, heap: h}
	h.nextID++
	if h.inCycle {
		c.flags |= Fresh
	}
	h.cells[c.id] = c
	h.totalAllocs++
	return c
}

// Alloc creates a data cell.
func (h *Heap) Alloc(value string, refs ...*Cell) *Cell {
	c := h.newCell()
	c.value = value
	if len(refs) > 0 {
		c.refs = append([]*Cell(nil), refs...)
	}
	return c
}

// Pin protects c from being swept.
func (h *Heap) Pin(c *Cell) { c.flags |= Pinned }

// Unpin clears Pinned on c.
func (h *Heap) Unpin(c *Cell) { c.flags &^= Pinned }

// Contains reports whether c is a live cell of h.
func (h *Heap) Contains(c *Cell) bool {
	if c == nil || c.heap != h {
		return false
	}
	_, ok := h.cells[c.id]
	return ok
}

// Export returns the global address of c, creating a directory record if
// needed. Exporting a proxy returns the remote address it stands for.
// Records created during a distributed cycle are kept alive by its sweep.
func (h *Heap) Export(c *Cell) (directory.GAddr, error) {
	if c.heap != h {
		return directory.GAddr{}, ErrForeignCell
	}
	if addr, ok := h.dir.AddressFor(c); ok {
		return addr, nil
	}
	if c.remote != nil {
		return *c.remote, nil
	}
	if h.inCycle {
		c.flags |= Fresh
	}
	return h.dir.AddressOf(c), nil
}

// Import returns the cell for addr. Remote addresses yield a proxy.
func (h *Heap) Import(addr directory.GAddr) (*Cell, error) {
	return h.dir.Resolve(addr)
}

// Fill installs the fetched contents of a remote object behind proxy.
func (h *Heap) Fill(proxy *Cell, value string, refs []*Cell) (*Cell, error) {
	if proxy.heap != h {
		return nil, ErrForeignCell
	}
	if proxy.remote == nil {
		return nil, fmt.Errorf("%s is not a proxy", proxy)
	}
	if proxy.target != nil {
		return proxy.target, nil
	}
	proxy.target = h.Alloc(value, refs...)
	return proxy.target, nil
}

// Stats returns heap statistics.
func (h *Heap) Stats() Stats {
	proxies := 0
	for _, c := range h.cells {
		if c.remote != nil {
			proxies++
		}
	}
	return Stats{
		Cells:       len(h.cells),
		Proxies:     proxies,
		Records:     h.dir.Len(),
		TotalAllocs: h.totalAllocs,
		TotalFreed:  h.totalFreed,
	}
}

// ClearMarks clears bit on every cell.
func (h *Heap) ClearMarks(bit Flags) {
	for _, c := range h.cells {
		c.flags &^= bit
	}
}

// Mark sets bit on everything reachable from roots, following fetched
// proxies into their local copies. When bit is DMB every reached proxy,
// fetched or not, contributes its remote address to the returned list, once
// per cycle.
func (h *Heap) Mark(bit Flags, roots ...*Cell) []directory.GAddr {
	var remote []directory.GAddr
	stack := make([]*Cell, 0, len(roots))
	for _, r := range roots {
		if r != nil && r.heap == h {
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.flags&bit != 0 {
			continue
		}
		c.flags |= bit
		if c.remote != nil && bit == DMB {
			// The owner must keep the object even when a local copy exists,
			// since the proxy still exports the owner's address.
			remote = append(remote, *c.remote)
		}
		if c.target != nil {
			stack = append(stack, c.target)
		}
		for _, ref := range c.refs {
			if ref != nil {
				stack = append(stack, ref)
			}
		}
	}
	return remote
}

// MarkAddr marks the object this task exported at addr, as requested by
// another task.
func (h *Heap) MarkAddr(bit Flags, addr directory.GAddr) ([]directory.GAddr, error) {
	if addr.PID != h.pid {
		return nil, fmt.Errorf("%w: %s is owned by task %d", directory.ErrUnknownAddress, addr, addr.PID)
	}
	c, ok := h.dir.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnknownAddress, addr)
	}
	return h.Mark(bit, c), nil
}

// MarkRecords marks the cells of the given addresses that this heap knows,
// skipping the rest. Proxies reached this way are marked like any other
// cell.
func (h *Heap) MarkRecords(bit Flags, addrs []directory.GAddr) []directory.GAddr {
	var remote []directory.GAddr
	for _, addr := range addrs {
		if c, ok := h.dir.Lookup(addr); ok {
			remote = append(remote, h.Mark(bit, c)...)
		}
	}
	return remote
}

// BeginCycle starts a distributed collection: DMB bits from the previous
// cycle are cleared and new cells are tagged Fresh.
func (h *Heap) BeginCycle() {
	h.ClearMarks(DMB)
	h.inCycle = true
}

// Sweep frees every cell that is neither Marked, DMB nor Pinned, after
// marking roots with Marked. During a distributed cycle cells tagged Fresh are
// treated as additional roots. Directory records whose cell survives
// neither mark are dropped from both indexes.
func (h *Heap) Sweep(roots ...*Cell) SweepResult {
	h.ClearMarks(Marked)
	h.Mark(Marked, roots...)
	if h.inCycle {
		var fresh []*Cell
		for _, c := range h.cells {
			if c.flags&Fresh != 0 {
				fresh = append(fresh, c)
			}
		}
		h.Mark(Marked, fresh...)
	}

	var res SweepResult
	h.dir.Range(func(rec directory.Record[*Cell]) bool {
		if rec.Object.flags&(Marked|DMB) == 0 {
			h.dir.RemoveAddr(rec.Addr)
			res.RecordsRemoved++
		}
		return true
	})
	for id, c := range h.cells {
		if c.flags&(Marked|DMB|Pinned) != 0 {
			continue
		}
		delete(h.cells, id)
		c.refs = nil
		c.target = nil
		res.Freed++
	}
	h.totalFreed += uint64(res.Freed)
	res.Remaining = len(h.cells)
	h.logger.Debug("sweep finished",
		zap.Int("freed", res.Freed),
		zap.Int("records_removed", res.RecordsRemoved),
		zap.Int("remaining", res.Remaining))
	return res
}

// EndCycle finishes a distributed collection and clears the Fresh tags.
func (h *Heap) EndCycle() {
	h.ClearMarks(Fresh)
	h.inCycle = false
}

// AbandonCycle drops the state of an unfinished distributed collection
// without sweeping.
func (h *Heap) AbandonCycle() {
	h.ClearMarks(DMB)
	h.inCycle = false
}

// CollectLocal runs a local collection outside any distributed cycle.
// Objects this task exported are treated as roots since other tasks may
// still reference them.
func (h *Heap) CollectLocal(roots ...*Cell) SweepResult {
	var exported []*Cell
	h.dir.Range(func(rec directory.Record[*Cell]) bool {
		if rec.Addr.PID == h.pid {
			exported = append(exported, rec.Object)
		}
		return true
	})
	return h.Sweep(append(exported, roots...)...)
}
