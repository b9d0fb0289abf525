package protocol

import (
	"fmt"

	"github.com/dreamware/gridreduce/internal/directory"
	"github.com/dreamware/gridreduce/internal/endpoint"
)

// Ring tags.
const (
	TagFindSuccessor endpoint.Tag = iota + 10
	TagGotSuccessor
	TagInsert
	TagSetNext
	TagSetNextAck
	TagGetSuccessorList
	TagReplySuccessorList
	TagGetTable
	TagReplyTable
	TagStabilize
	TagChordStarted
	TagIDChanged
	TagJoined
	TagRingFailed
)

// Task lifecycle and discovery tags.
const (
	TagNewTask endpoint.Tag = iota + 30
	TagNewTaskResponse
	TagInitTask
	TagInitTaskResponse
	TagStartTask
	TagStartTaskResponse
	TagGetTasks
	TagGetTasksResponse
	TagKillTask
	TagOutput
	TagTaskDone
)

// Cross-task object tags.
const (
	TagShareRef endpoint.Tag = iota + 50
	TagAddrAck
	TagFetch
	TagRespond
)

// Distributed GC tags.
const (
	TagStartDistGC endpoint.Tag = iota + 60
	TagStartDistGCAck
	TagMarkRoots
	TagMarkEntry
	TagUpdate
	TagSweep
	TagSweepAck
	TagPause
	TagPauseAck
	TagResume
	TagGCFailed
	TagStartGC
	TagGCCycleDone
)

// Lookup purposes carried by FindSuccessor. Values >= 1 name the finger
// being refreshed.
const (
	PurposeLookup = 0
	PurposeJoin   = -1
)

// RingNode is a ring member: its position on the ring and the endpoint of
// its ring actor.
type RingNode struct {
	ID       uint64      `json:"id"`
	Endpoint endpoint.ID `json:"endpoint"`
}

// IsZero reports whether n is the null node.
func (n RingNode) IsZero() bool {
	return n.Endpoint.IsZero()
}

func (n RingNode) String() string {
	if n.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%d@%s", n.ID, n.Endpoint)
}

type FindSuccessor struct {
	ID      uint64      `json:"id"`
	Sender  endpoint.ID `json:"sender"`
	Hops    int         `json:"hops"`
	Purpose int         `json:"purpose"`
}

type GotSuccessor struct {
	Successor RingNode `json:"successor"`
	Hops      int      `json:"hops"`
	Purpose   int      `json:"purpose"`
}

// Insert tells a joining node where it belongs.
type Insert struct {
	Predecessor RingNode `json:"predecessor"`
	Successor   RingNode `json:"successor"`
}

// SetNext asks a predecessor to retarget its successor from Old to New.
type SetNext struct {
	New RingNode `json:"new"`
	Old RingNode `json:"old"`
}

// SetNextAck confirms a SetNext to the joining node.
type SetNextAck struct {
	Predecessor RingNode `json:"predecessor"`
}

type GetSuccessorList struct {
	Sender endpoint.ID `json:"sender"`
}

type ReplySuccessorList struct {
	Sender RingNode   `json:"sender"`
	List   []RingNode `json:"list"`
}

type GetTable struct {
	Sender endpoint.ID `json:"sender"`
}

type ReplyTable struct {
	Node       RingNode   `json:"node"`
	Fingers    []RingNode `json:"fingers"`
	Successors []RingNode `json:"successors"`
	LinksOK    bool       `json:"links_ok"`
	Joined     bool       `json:"joined"`
}

type Stabilize struct{}

// ChordStarted, IDChanged, Joined and RingFailed are events a ring node
// reports to the endpoint that started it.
type ChordStarted struct {
	Node RingNode `json:"node"`
}

type IDChanged struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

type Joined struct {
	Node        RingNode `json:"node"`
	Predecessor RingNode `json:"predecessor"`
	Successor   RingNode `json:"successor"`
}

type RingFailed struct {
	Node   RingNode `json:"node"`
	Reason string   `json:"reason"`
}

// NewTask asks a manager to create one task of a group.
type NewTask struct {
	GroupID   string      `json:"group_id"`
	TID       int         `json:"tid"`
	GroupSize int         `json:"group_size"`
	Program   string      `json:"program"`
	Args      []string    `json:"args,omitempty"`
	Output    endpoint.ID `json:"output"`
}

type NewTaskResponse struct {
	LocalID uint32 `json:"local_id"`
	Error   string `json:"error,omitempty"`
}

// InitTask delivers the group's id map. ReplyTo is filled in by a manager
// that forwards the request to the task.
type InitTask struct {
	LocalID uint32        `json:"local_id"`
	IDMap   []endpoint.ID `json:"idmap"`
	ReplyTo endpoint.ID   `json:"reply_to,omitempty"`
}

type InitTaskResponse struct {
	LocalID uint32 `json:"local_id"`
	Error   string `json:"error,omitempty"`
}

type StartTask struct {
	LocalID uint32      `json:"local_id"`
	ReplyTo endpoint.ID `json:"reply_to,omitempty"`
}

type StartTaskResponse struct {
	LocalID uint32 `json:"local_id"`
	Error   string `json:"error,omitempty"`
}

type GetTasks struct {
	Sender endpoint.ID `json:"sender"`
}

// TaskInfo describes a task hosted by a manager.
type TaskInfo struct {
	Endpoint endpoint.ID `json:"endpoint"`
	GroupID  string      `json:"group_id"`
	TID      int         `json:"tid"`
	Program  string      `json:"program"`
	State    string      `json:"state"`
}

type GetTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type KillTask struct {
	LocalID uint32 `json:"local_id"`
}

// Output is a line of program output sent to a group's output endpoint.
type Output struct {
	TID  int    `json:"tid"`
	Text string `json:"text"`
}

// TaskDone is sent to the output endpoint when a task has run all of its
// frames to completion.
type TaskDone struct {
	TID   int    `json:"tid"`
	Error string `json:"error,omitempty"`
}

// ShareRef hands a reference to the receiver, which stores it in the named
// slot of its root set.
type ShareRef struct {
	Name string          `json:"name"`
	Addr directory.GAddr `json:"addr"`
}

// AddrAck acknowledges Count addresses received from the addressee.
type AddrAck struct {
	Count int `json:"count"`
}

type Fetch struct {
	Addr directory.GAddr `json:"addr"`
}

// Object is the transferable form of a heap cell. References are carried as
// global addresses.
type Object struct {
	Value string            `json:"value"`
	Refs  []directory.GAddr `json:"refs,omitempty"`
}

type Respond struct {
	Addr   directory.GAddr `json:"addr"`
	Object Object          `json:"object"`
	Error  string          `json:"error,omitempty"`
}

type StartDistGC struct {
	Coordinator endpoint.ID `json:"coordinator"`
	Iteration   int         `json:"iteration"`
}

type StartDistGCAck struct {
	Iteration int `json:"iteration"`
}

type MarkRoots struct {
	Iteration int `json:"iteration"`
}

// MarkEntry asks the owner of Addrs to mark them.
type MarkEntry struct {
	Iteration int               `json:"iteration"`
	Addrs     []directory.GAddr `json:"addrs"`
}

// Update carries signed per-task deltas of outstanding mark work.
type Update struct {
	Iteration int     `json:"iteration"`
	Counts    []int64 `json:"counts"`
}

type Sweep struct {
	Iteration int `json:"iteration"`
}

type SweepAck struct {
	Iteration int `json:"iteration"`
	Freed     int `json:"freed"`
	Remaining int `json:"remaining"`
}

type Pause struct {
	Iteration int `json:"iteration"`
}

type PauseAck struct {
	Iteration int `json:"iteration"`
}

type Resume struct{}

// GCFailed reports a task-side protocol violation to the coordinator.
type GCFailed struct {
	Iteration int    `json:"iteration"`
	Reason    string `json:"reason"`
}

// StartGC asks a GC coordinator to begin a cycle now.
type StartGC struct{}

// GCCycleDone is reported to a GC coordinator's listener after each cycle.
type GCCycleDone struct {
	Iteration int    `json:"iteration"`
	Error     string `json:"error,omitempty"`
	Freed     int    `json:"freed"`
}
