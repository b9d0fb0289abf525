// Package heap implements the object store of a task process.
//
// A heap holds cells. Data cells carry a string value and references to
// other cells; proxy cells stand for objects owned by other tasks of the
// group and are created when a global address is imported. Each heap owns a
// directory.Directory that gives exported cells their global addresses.
//
// # Mark bits
//
//	Marked  local reachability, recomputed by every sweep
//	DMB     distributed mark bit, set while a group-wide mark phase runs
//	Fresh   allocated or exported after the current distributed cycle began
//	Pinned  never swept
//
// A distributed cycle looks like this from one heap:
//
//	BeginCycle            clear DMB, start tagging new cells
//	Mark(DMB, roots...)   returns addresses of proxies reached
//	MarkAddr(DMB, addr)   mark requests arriving from other tasks
//	Sweep(roots...)       keep Marked, DMB and Pinned cells
//	EndCycle              clear Fresh
//
// Marking a proxy with DMB reports its address once per cycle so the caller
// can forward the mark to the owning task. Sweep drops directory records
// whose cell is unmarked, which is how exported objects that no other task
// references any longer are released.
package heap
