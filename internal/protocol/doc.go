// Package protocol defines the logical messages exchanged by gridreduce
// endpoints.
//
// Every message is an endpoint.Message whose Tag selects one of the payload
// types declared here. Inside a process payloads travel as plain Go values.
// When a message crosses a process boundary the cluster package encodes it
// with Marshal, which wraps the JSON form of the payload in an Envelope
// carrying the tag so that Unmarshal can rebuild the concrete type.
//
// Messages fall into four groups:
//
//	ring       FindSuccessor, GotSuccessor, Insert, SetNext, SetNextAck,
//	           GetSuccessorList, ReplySuccessorList, GetTable, ReplyTable,
//	           Stabilize and the Started/IDChanged/Joined/RingFailed events
//	lifecycle  NewTask, InitTask, StartTask (and their responses), GetTasks,
//	           KillTask, Output, TaskDone
//	objects    ShareRef, AddrAck, Fetch, Respond
//	gc         StartDistGC, MarkRoots, MarkEntry, Update, Sweep, Pause,
//	           Resume (with acks), GCFailed, StartGC, GCCycleDone
package protocol
