// Package task implements the task process, one member of a task group.
//
// A task is created by its node's manager in the created state. InitTask
// delivers the group's id map, which the task checks and links to; StartTask
// opens a single-fire gate after which the program runs. Programs do their
// work in frames, small resumable steps scheduled on the task loop between
// messages. The roots of the task heap are the locals of live frames, named
// slots filled by ShareRef, and proxies with a fetch outstanding.
//
// The task also takes part in distributed collection. It answers
// StartDistGC, marks its roots on MarkRoots, marks exported objects on
// MarkEntry and reports the work it created and finished in an Update
// before forwarding MarkEntry messages to the owners of remote addresses.
// Sweep frees everything neither locally reachable nor marked from a
// remote task.
//
//	created --InitTask--> initialized --StartTask--> running --frames done--> finished
//	                                                    \                        /
//	                                                     `--- Kill / peer exit -'--> stopped
package task
