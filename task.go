package hetero

import (
	"sync"
	"sync/atomic"

	"github.com/hetercomp/hetero/internal/driver"
)

// TaskState is the lifecycle state of a Task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskFailed
)

// GroupType controls how a TaskGroup's member tasks are bound to
// devices across repeated dispatches.
type GroupType int

const (
	// SameDevice assigns every task in the group to one device for the
	// group's lifetime, chosen on first dispatch.
	SameDevice GroupType = iota
	// RepeatSameDevice binds exactly like SameDevice: the device chosen
	// on first dispatch is kept, with no re-check before later ones.
	RepeatSameDevice
	// InOrder rebinds the group to whichever device dispatches its task,
	// on every dispatch; it fixes neither the device nor the order in
	// which the group's tasks run.
	InOrder
	// RepeatInOrder binds exactly like InOrder.
	RepeatInOrder
	// Complete groups drain before any other group from the same
	// TaskPool is served: once a consumer dispatches the group's first
	// task, every subsequent selection from that pool serves this group
	// exclusively until it has no pending tasks left.
	Complete
	// Async groups impose no ordering constraint between groups; tasks
	// are free to interleave with any other group's tasks from the
	// same pool.
	Async
)

// Task is one unit of work submitted to a TaskPool/DevicePool: a
// kernel name, its argument group, a work range, and elementsPerItem
// (the STRUCT element size in bytes, when Kind is Struct).
type Task struct {
	ID              uint64
	KernelName      string
	Args            ArgGroup
	Global          driver.Range
	Local           driver.Range
	Kind            ElementKind
	ElementsPerItem int // bytes per item; only meaningful for Struct kind
	Priority        int // higher runs first under the priority discipline

	group *TaskGroup

	mu    sync.Mutex
	state TaskState
	err   error
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the task's terminal error, if it failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setState(s TaskState, err error) {
	t.mu.Lock()
	t.state = s
	t.err = err
	t.mu.Unlock()
}

// TaskGroup binds a set of related tasks (e.g. the tiles of one
// N-body tick) to a consistent device assignment policy.
type TaskGroup struct {
	ID    uint64
	Type  GroupType
	Tasks []*Task

	mu       sync.Mutex
	assigned bool
	device   int // bound device index once assigned
}

// NewTaskGroup creates a group of the given type over tasks, stamping
// each task's group pointer for DevicePool bookkeeping.
func NewTaskGroup(id uint64, groupType GroupType, tasks ...*Task) *TaskGroup {
	g := &TaskGroup{ID: id, Type: groupType, Tasks: tasks, device: -1}
	for _, t := range tasks {
		t.group = g
	}
	return g
}

// assignDevice returns the effective device index for this dispatch:
// SameDevice, RepeatSameDevice and Complete bind to deviceIdx on the
// first call and keep it; InOrder and RepeatInOrder rebind to
// deviceIdx on every call; Async returns deviceIdx without binding.
func (g *TaskGroup) assignDevice(deviceIdx int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.Type {
	case SameDevice, Complete:
		if !g.assigned {
			g.device = deviceIdx
			g.assigned = true
		}
		return g.device
	case RepeatSameDevice:
		if !g.assigned {
			g.device = deviceIdx
			g.assigned = true
		}
		return g.device
	case InOrder, RepeatInOrder:
		g.device = deviceIdx
		g.assigned = true
		return g.device
	case Async:
		return deviceIdx
	default:
		return deviceIdx
	}
}

// TaskPoolType classifies a TaskPool for DevicePool.EnqueueTaskPool's
// round-robin-across-pools selection: PoolComplete pools latch a
// DevicePool onto them (once a consumer starts serving one, it
// continues feeding that pool exclusively until drained) before
// round-robin resumes across the rest; PoolAsync pools impose no
// ordering relative to other enqueued pools; PoolSync is the default
// round-robin membership. This is distinct from GroupType's Complete
// and Async, which apply within one pool rather than across pools.
type TaskPoolType int

const (
	PoolSync TaskPoolType = iota
	PoolComplete
	PoolAsync
)

// TaskPool holds a collection of tasks (grouped or standalone) awaiting
// dispatch by a DevicePool. Remaining() counts pending tasks: a task
// leaves the pending queue when a DevicePool takes it for dispatch,
// and only Submit adds tasks. Type
// controls this pool's priority when a DevicePool has more than one
// pool enqueued via EnqueueTaskPool; it defaults to PoolSync.
type TaskPool struct {
	Type TaskPoolType

	mu            sync.Mutex
	pending       []*Task
	total         int
	done          atomic.Uint64
	nextID        atomic.Uint64
	completeLatch int64 // group ID latched by a Complete group, -1 when none
}

// NewTaskPool creates an empty pool with capacity hint cap.
func NewTaskPool(capacityHint int) *TaskPool {
	if capacityHint <= 0 {
		capacityHint = DefaultTaskPoolCapacity
	}
	return &TaskPool{pending: make([]*Task, 0, capacityHint), completeLatch: -1}
}

// NextTaskID returns the next ID from this pool's own counter (1, 2,
// 3, ...); IDs are unique within the pool, not across pools.
func (p *TaskPool) NextTaskID() uint64 {
	return p.nextID.Add(1)
}

// Submit adds tasks to the pool.
func (p *TaskPool) Submit(tasks ...*Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, tasks...)
	p.total += len(tasks)
}

// Remaining reports the number of tasks still pending (submitted and
// not yet taken for dispatch).
func (p *TaskPool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Total reports the number of tasks ever submitted to this pool.
func (p *TaskPool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Completed reports the number of tasks that have finished (success
// or failure).
func (p *TaskPool) Completed() uint64 { return p.done.Load() }

// take removes and returns up to n pending tasks in FIFO order,
// selected by the DevicePool's scheduling discipline; the DevicePool
// itself decides which n to request and in what order to call take.
func (p *TaskPool) take(n int) []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.pending) {
		n = len(p.pending)
	}
	out := p.pending[:n]
	p.pending = p.pending[n:]
	return out
}

// takeAt removes and returns the pending task at index idx.
func (p *TaskPool) takeAt(idx int) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.pending) {
		return nil
	}
	t := p.pending[idx]
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	return t
}

// takeFromGroupLocked removes and returns the first pending task
// belonging to group gid, or nil if none remain. Caller holds p.mu.
func (p *TaskPool) takeFromGroupLocked(gid uint64) *Task {
	for i, t := range p.pending {
		if t.group != nil && t.group.ID == gid {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return t
		}
	}
	return nil
}

// takeFromGroup removes and returns the first pending task belonging
// to group gid, or nil if none remain.
func (p *TaskPool) takeFromGroup(gid uint64) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeFromGroupLocked(gid)
}

// nextRespectingCompleteGroups is the FCFS selection path's entry
// point: it honors a currently-latched Complete group exclusively
// until that group drains, then falls back to plain FCFS. Encountering
// a Complete group's task at the head of the queue (with no latch
// active) starts a new latch on that group.
func (p *TaskPool) nextRespectingCompleteGroups() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completeLatch != -1 {
		if t := p.takeFromGroupLocked(uint64(p.completeLatch)); t != nil {
			return t
		}
		p.completeLatch = -1
	}

	if len(p.pending) == 0 {
		return nil
	}

	head := p.pending[0]
	if head.group != nil && head.group.Type == Complete {
		p.completeLatch = int64(head.group.ID)
		return p.takeFromGroupLocked(head.group.ID)
	}

	t := p.pending[0]
	p.pending = p.pending[1:]
	return t
}

// peekAll returns a snapshot of currently pending tasks without
// removing them, for disciplines that need to scan before choosing.
func (p *TaskPool) peekAll() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Task, len(p.pending))
	copy(out, p.pending)
	return out
}

// markCompleted records a task's terminal state and increments the
// pool's completed counter. Called by the DevicePool after a
// dispatch, whether it succeeded or failed.
func (p *TaskPool) markCompleted(t *Task, err error) {
	if err != nil {
		t.setState(TaskFailed, err)
	} else {
		t.setState(TaskDone, nil)
	}
	p.done.Add(1)
}

// Drained reports whether every submitted task has been removed from
// the pending queue (not necessarily completed by a DevicePool yet).
func (p *TaskPool) Drained() bool {
	return p.Remaining() == 0
}
