// Package distgc coordinates distributed garbage collection over a task
// group.
//
// A cycle runs in phases:
//
//	idle -> [pausing] -> starting -> marking -> sweeping -> idle
//
// The coordinator broadcasts StartDistGC and waits for every task to
// acknowledge. It then broadcasts MarkRoots with every task's count set to
// one. Tasks answer with Update messages carrying signed per-task deltas:
// a task subtracts the mark requests it has served and adds one for each
// MarkEntry it is about to send to another task. Marking has terminated
// when every count is zero, and the coordinator broadcasts Sweep.
//
// A task sends its Update before the MarkEntry messages it accounts for,
// and Send returns only once a message is queued. Every increment therefore
// reaches the coordinator before the matching decrement, and a count that
// would drop below zero is a protocol error.
//
// Cycles start when Trigger is called or after IdleDelay without traffic.
// In quiescent mode tasks are paused for the duration of a cycle. A task
// exit during a cycle aborts it and stops the coordinator.
package distgc
