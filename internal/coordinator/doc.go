// Package coordinator creates task groups and keeps track of them.
//
// # Overview
//
// A task group is N cooperating task processes, one per tid, each hosted
// by the manager of some node. The Launcher brings a group to life through
// a three-phase barrier and, once every task has started, hands the group
// to a distributed GC coordinator. The launcher is not itself a task: it
// talks to managers and tasks only through messages.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               LAUNCHER                   │
//	├──────────────────────────────────────────┤
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │  Barrier                           │  │
//	│  │  - NewTask   → every manager       │  │
//	│  │  - InitTask  → every task + output │  │
//	│  │  - StartTask → every task          │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │  Launcher loop (well-known id 5)   │  │
//	│  │  - Output / TaskDone from tasks    │  │
//	│  │  - exits of linked tasks           │  │
//	│  │  - GCCycleDone from collectors     │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │  GroupRegistry                     │  │
//	│  │  - group → id map, state, gc stats │  │
//	│  │  - task endpoint → group           │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	└──────────────────────────────────────────┘
//
// # Barrier
//
// Each phase fans out one request per task in parallel and waits for every
// response before the next phase begins:
//
//	Launcher            Manager m[tid]              Task tid
//	   │── NewTask ──────────▶│                          │
//	   │◀── NewTaskResponse ──│ (creates task, local id) │
//	   │      ... all N ...                              │
//	   │── InitTask(idmap) ──▶│── InitTask ─────────────▶│ links to peers
//	   │◀──────────────────── InitTaskResponse ──────────│
//	   │      ... all N ...                              │
//	   │── StartTask ────────▶│── StartTask ────────────▶│ gate opens
//	   │◀──────────────────── StartTaskResponse ─────────│
//	   │      ... all N ...                              │
//	   │── distgc.Start (N > 1)
//
// If any request of any phase fails or times out, every task created so
// far is killed and Launch returns an error wrapping ErrGroupAborted. No
// StartTask is sent before every NewTask and InitTask has succeeded.
// Managers that did not answer NewTask are asked for their task list so
// that a late task of the aborted group is killed as well.
//
// # Discovery
//
// Managers live at a well-known local id on every node, so a node address
// is enough to reach one. DiscoverManagers walks the ring's successor
// pointers from any member; ManagersFromPeers builds the list from plain
// addresses. Place spreads a group over fewer managers than tasks.
//
// # Usage Example
//
//	l, err := coordinator.Start(node, coordinator.Options{
//	    Config: coordinator.DefaultConfig(),
//	    Logger: logger,
//	})
//	managers, err := coordinator.DiscoverManagers(ctx, node, ringEntry, 64)
//	placement, err := coordinator.Place(4, managers)
//	group, err := l.Launch(ctx, coordinator.GroupRequest{
//	    Program:  "ring",
//	    Managers: placement,
//	})
//	rec, err := l.Wait(ctx, group.ID)
//
// # Monitoring
//
//   - gridreduce_launcher_groups_total{result}: groups started or aborted
//   - gridreduce_launcher_phase_seconds{phase}: barrier phase durations
//   - gridreduce_gc_*{group}: per-group collector metrics
//
// # See Also
//
//   - internal/manager: the manager endpoint answering the barrier
//   - internal/task: the task process and its start gate
//   - internal/distgc: the collector started for each group
//   - cmd/coordinator: the launcher process
package coordinator
