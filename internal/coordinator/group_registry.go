package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// ErrUnknownGroup is returned for operations naming a group the registry
// does not hold.
var ErrUnknownGroup = errors.New("unknown task group")

// GroupState is the lifecycle state of a launched group as seen by the
// launcher.
type GroupState string

const (
	GroupLaunching GroupState = "launching"
	GroupRunning   GroupState = "running"
	GroupFinished  GroupState = "finished"
	GroupFailed    GroupState = "failed"
	GroupAborted   GroupState = "aborted"
)

// GCStatus summarises the distributed collector of a group.
type GCStatus struct {
	// Coordinator is the endpoint of the group's GC coordinator. It is zero
	// for groups that run without distributed collection.
	Coordinator endpoint.ID `json:"coordinator"`
	Cycles      int         `json:"cycles"`
	Freed       int         `json:"freed"`
	LastError   string      `json:"last_error,omitempty"`
}

// GroupRecord describes one task group known to the launcher.
//
// A record is created when the launcher begins the NewTask phase and is
// filled in as the barrier advances:
//   - Tasks is empty until every NewTask has succeeded
//   - State moves launching -> running -> finished|failed, or to aborted
//     when the barrier could not complete
//
// Thread Safety:
// Records returned by the registry are copies. Mutating them does not
// affect the registry.
//
// Example:
//
//	rec := GroupRecord{
//	    ID:      "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
//	    Program: "ring",
//	    State:   GroupLaunching,
//	}
type GroupRecord struct {
	// ID is the group id handed to every task in NewTask.
	ID string `json:"id"`

	// Program and Args are what every task of the group runs.
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`

	// Tasks is the group's id map: Tasks[tid] is the endpoint of task tid.
	Tasks []endpoint.ID `json:"tasks"`

	// Exited lists the tids whose endpoint has gone away.
	Exited []int `json:"exited,omitempty"`

	// Done lists the tids that reported TaskDone.
	Done []int `json:"done,omitempty"`

	State GroupState `json:"state"`
	Error string     `json:"error,omitempty"`
	GC    GCStatus   `json:"gc"`
}

func (r *GroupRecord) clone() *GroupRecord {
	c := *r
	c.Args = slices.Clone(r.Args)
	c.Tasks = slices.Clone(r.Tasks)
	c.Exited = slices.Clone(r.Exited)
	c.Done = slices.Clone(r.Done)
	return &c
}

// GroupRegistry keeps the launcher's view of every group it has created.
// It backs the coordinator's status output and lets the launcher map task
// exits and collector reports back to their group.
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│           GroupRegistry              │
//	├──────────────────────────────────────┤
//	│  groups: map[groupID] → record       │
//	│  byTask: map[task endpoint] → group  │
//	│  byGC:   map[gc endpoint]   → group  │
//	│  mu: RWMutex                         │
//	└──────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock
//   - Write operations use Lock
//   - All returned records are copies
//
// Performance Characteristics:
//   - Get, GroupOfTask, GroupOfCoordinator: O(1)
//   - All, GroupsOnNode: O(groups) plus sorting
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string]*GroupRecord
	byTask map[endpoint.ID]string
	byGC   map[endpoint.ID]string
}

// NewGroupRegistry creates an empty registry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		groups: make(map[string]*GroupRecord),
		byTask: make(map[endpoint.ID]string),
		byGC:   make(map[endpoint.ID]string),
	}
}

// Add registers a new group in the launching state.
//
// Parameters:
//   - id: group id, unique within the registry
//   - program, args: what the group runs
//
// Returns:
//   - nil on success
//   - an error if a group with the same id exists
//
// Thread Safety:
// This method is thread-safe.
func (r *GroupRegistry) Add(id, program string, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; ok {
		return fmt.Errorf("group %s already registered", id)
	}
	r.groups[id] = &GroupRecord{
		ID:      id,
		Program: program,
		Args:    slices.Clone(args),
		State:   GroupLaunching,
	}
	return nil
}

// SetTasks records the group's id map once every task exists.
func (r *GroupRegistry) SetTasks(id string, tasks []endpoint.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	for _, t := range rec.Tasks {
		delete(r.byTask, t)
	}
	rec.Tasks = slices.Clone(tasks)
	for _, t := range tasks {
		r.byTask[t] = id
	}
	return nil
}

// SetCoordinator records the endpoint of the group's GC coordinator.
func (r *GroupRegistry) SetCoordinator(id string, gc endpoint.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	delete(r.byGC, rec.GC.Coordinator)
	rec.GC.Coordinator = gc
	r.byGC[gc] = id
	return nil
}

// SetState moves a group to state. A non-nil err is recorded as the
// group's error.
//
// Terminal states (finished, failed, aborted) are sticky: once reached,
// later calls leave the state unchanged.
//
// Thread Safety:
// This method is thread-safe.
func (r *GroupRegistry) SetState(id string, state GroupState, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	if rec.State.terminal() {
		return nil
	}
	rec.State = state
	if err != nil {
		rec.Error = err.Error()
	}
	return nil
}

func (s GroupState) terminal() bool {
	return s == GroupFinished || s == GroupFailed || s == GroupAborted
}

// TaskDone records that task tid of group id has finished its program.
// The group becomes finished once every task has.
func (r *GroupRegistry) TaskDone(id string, tid int, taskErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	if slices.Contains(rec.Done, tid) {
		return nil
	}
	rec.Done = append(rec.Done, tid)
	slices.Sort(rec.Done)
	if taskErr != "" && rec.Error == "" {
		rec.Error = fmt.Sprintf("task %d: %s", tid, taskErr)
	}
	if !rec.State.terminal() && len(rec.Tasks) > 0 && len(rec.Done) == len(rec.Tasks) {
		if rec.Error != "" {
			rec.State = GroupFailed
		} else {
			rec.State = GroupFinished
		}
	}
	return nil
}

// TaskExited records the exit of a task endpoint and returns the id of
// its group. A running group that loses a task is marked failed.
//
// Returns:
//   - the group id and true if the endpoint belongs to a known group
//   - "" and false otherwise
func (r *GroupRegistry) TaskExited(task endpoint.ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTask[task]
	if !ok {
		return "", false
	}
	rec := r.groups[id]
	tid := slices.Index(rec.Tasks, task)
	if tid >= 0 && !slices.Contains(rec.Exited, tid) {
		rec.Exited = append(rec.Exited, tid)
		slices.Sort(rec.Exited)
	}
	if rec.State == GroupRunning && !slices.Contains(rec.Done, tid) {
		rec.State = GroupFailed
		if rec.Error == "" {
			rec.Error = fmt.Sprintf("task %d (%s) exited", tid, task)
		}
	}
	return id, true
}

// RecordCycle adds the outcome of a collection cycle reported by the GC
// coordinator gc.
func (r *GroupRegistry) RecordCycle(gc endpoint.ID, done protocol.GCCycleDone) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byGC[gc]
	if !ok {
		return "", false
	}
	rec := r.groups[id]
	if done.Error != "" {
		rec.GC.LastError = done.Error
		return id, true
	}
	rec.GC.Cycles++
	rec.GC.Freed += done.Freed
	rec.GC.LastError = ""
	return id, true
}

// CoordinatorStopped records that the GC coordinator of a group has ended.
// A non-nil err is kept as the group's last collector error.
func (r *GroupRegistry) CoordinatorStopped(gc endpoint.ID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byGC[gc]
	if !ok {
		return
	}
	if err != nil {
		r.groups[id].GC.LastError = err.Error()
	}
}

// Remove forgets a group and its task mappings.
func (r *GroupRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.groups[id]
	if !ok {
		return
	}
	for _, t := range rec.Tasks {
		delete(r.byTask, t)
	}
	delete(r.byGC, rec.GC.Coordinator)
	delete(r.groups, id)
}

// Get returns a copy of the record of group id.
//
// Returns:
//   - a copy of the record and true if the group exists
//   - nil and false otherwise
//
// Thread Safety:
// This method is thread-safe and allows concurrent reads.
func (r *GroupRegistry) Get(id string) (*GroupRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.groups[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// GroupOfTask returns the id of the group task belongs to.
func (r *GroupRegistry) GroupOfTask(task endpoint.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTask[task]
	return id, ok
}

// All returns copies of every record, ordered by group id.
func (r *GroupRegistry) All() []*GroupRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.groups)
	slices.Sort(ids)
	out := make([]*GroupRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.groups[id].clone())
	}
	return out
}

// GroupsOnNode returns the ids of groups with at least one task on the
// process at addr, ordered by id.
//
// Use cases:
//   - reporting which groups a lost node affects
//   - listing a node's workload on the status page
func (r *GroupRegistry) GroupsOnNode(addr string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for t, id := range r.byTask {
		if t.Addr == addr {
			set[id] = struct{}{}
		}
	}
	ids := maps.Keys(set)
	slices.Sort(ids)
	return ids
}

// Place spreads n tasks over managers round-robin: task i goes to
// managers[i % len(managers)].
//
// Parameters:
//   - n: group size (must be > 0)
//   - managers: manager endpoints to place on (must not be empty)
//
// Returns:
//   - the manager of each tid
//   - an error if either input is empty
//
// Example:
//
//	placement, _ := Place(4, []endpoint.ID{m1, m2})
//	// placement == [m1, m2, m1, m2]
func Place(n int, managers []endpoint.ID) ([]endpoint.ID, error) {
	if len(managers) == 0 {
		return nil, errors.New("cannot place tasks with no managers")
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid group size %d", n)
	}
	out := make([]endpoint.ID, n)
	for tid := range out {
		out[tid] = managers[tid%len(managers)]
	}
	return out, nil
}
