package hetero

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hetercomp/hetero/internal/logging"
)

// WorkerDiscipline selects how a DevicePool's consumer goroutines pull
// work from the shared TaskPool relative to one another.
type WorkerDiscipline int

const (
	// WorkerRoundRobin: each consumer independently pulls its next task
	// as soon as it is free, with no cross-device synchronization; task
	// assignment to devices falls out naturally from whichever consumer
	// asks first.
	WorkerRoundRobin WorkerDiscipline = iota
	// WorkerPacket: consumers synchronize on a round barrier. Every
	// device dispatches one task (or sits out if the pool is
	// momentarily empty) before any device starts its next task,
	// keeping all devices working on the same "packet" of the
	// workload in lockstep.
	WorkerPacket
	// WorkerComputeAtWill: each device only pulls a new task when its
	// own outstanding queue depth drops below
	// DevicePoolConfig.ComputeAtWillWatermark, so faster devices
	// naturally absorb more of the pool.
	WorkerComputeAtWill
)

// SelectionDiscipline chooses which pending task a consumer receives
// next.
type SelectionDiscipline int

const (
	SelectFCFS SelectionDiscipline = iota
	SelectShortestJobFirst
	SelectQuantizedRoundRobin
	SelectPriority
)

// DevicePoolConfig configures a DevicePool's scheduling behavior.
type DevicePoolConfig struct {
	Worker    WorkerDiscipline
	Selection SelectionDiscipline

	// Quantum is the work-item threshold QuantizedRoundRobin applies to
	// the group whose turn it is: each selection takes one task, the
	// group's first with at most Quantum items, or else the group's
	// first pending task whatever its size.
	Quantum int

	// ComputeAtWillWatermark is the queue-depth threshold used by
	// WorkerComputeAtWill.
	ComputeAtWillWatermark int

	// CPUAffinity, when non-empty, pins CPU-kind consumer goroutines
	// round-robin across the listed OS CPU indices (spec §5's CPU
	// fission devices), mirroring the teacher's per-queue affinity
	// logic generalized from "one ublk hardware queue" to "one
	// CPU-fission device slice".
	CPUAffinity []int
	// IsCPUDevice marks which device indices should be pinned via
	// CPUAffinity; devices not marked are assumed GPU/accelerator-kind
	// and are not pinned (their consumer goroutine only issues
	// commands, it doesn't itself perform the compute).
	IsCPUDevice []bool
}

// DefaultDevicePoolConfig returns sensible defaults: round-robin
// workers selecting FCFS.
func DefaultDevicePoolConfig() DevicePoolConfig {
	return DevicePoolConfig{
		Worker:                 WorkerRoundRobin,
		Selection:              SelectFCFS,
		Quantum:                DefaultGroupQuantum,
		ComputeAtWillWatermark: DefaultComputeAtWillWatermark,
	}
}

// DevicePool dispatches one or more TaskPools' tasks across N Cruncher
// devices using a configurable producer/consumer discipline.
// EnqueueTaskPool registers additional pools beyond the one given to
// NewDevicePool; selectPool rotates across every enqueued, undrained
// pool, latching onto a PoolComplete pool exclusively until it drains.
type DevicePool struct {
	devices []*CruncherFacade
	cfg     DevicePoolConfig

	poolsMu     sync.Mutex
	pools       []*TaskPool
	poolLatch   int // index into pools latched by a PoolComplete pool, -1 when none
	poolCounter atomic.Uint64

	queueDepth []atomic.Int32
	log        *logging.Logger

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	barrier *roundBarrier

	rrCounter atomic.Uint64 // QuantizedRoundRobin's group rotation cursor
}

// NewDevicePool constructs a pool dispatching pool's tasks across
// devices according to cfg. Additional pools can be registered
// afterward via EnqueueTaskPool.
func NewDevicePool(devices []*CruncherFacade, pool *TaskPool, cfg DevicePoolConfig) *DevicePool {
	if cfg.ComputeAtWillWatermark <= 0 {
		cfg.ComputeAtWillWatermark = DefaultComputeAtWillWatermark
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultGroupQuantum
	}
	dp := &DevicePool{
		devices:    devices,
		cfg:        cfg,
		poolLatch:  -1,
		queueDepth: make([]atomic.Int32, len(devices)),
		log:        logging.Default(),
		stopCh:     make(chan struct{}),
	}
	if cfg.Worker == WorkerPacket {
		dp.barrier = newRoundBarrier(len(devices))
	}
	if pool != nil {
		dp.EnqueueTaskPool(pool, pool.Type)
	}
	return dp
}

// EnqueueTaskPool registers pool as an additional source of work for
// this DevicePool, classified as t for this pool's round-robin
// selection (t also overwrites pool.Type, since a pool's priority is a
// property of which DevicePool is serving it).
func (dp *DevicePool) EnqueueTaskPool(pool *TaskPool, t TaskPoolType) {
	pool.Type = t
	dp.poolsMu.Lock()
	dp.pools = append(dp.pools, pool)
	dp.poolsMu.Unlock()
}

// Start launches one consumer goroutine per device.
func (dp *DevicePool) Start() {
	for i := range dp.devices {
		dp.wg.Add(1)
		go dp.consume(i)
	}
}

// Finish signals every consumer to stop once every enqueued pool
// drains, then blocks until all consumer goroutines have exited.
// Postcondition: after Finish returns, every enqueued TaskPool's
// Remaining() == 0 and no consumer goroutine is still running.
func (dp *DevicePool) Finish() {
	for !dp.allPoolsDrained() {
		time.Sleep(time.Millisecond)
	}
	if dp.stopped.CompareAndSwap(false, true) {
		close(dp.stopCh)
	}
	dp.wg.Wait()
}

func (dp *DevicePool) allPoolsDrained() bool {
	dp.poolsMu.Lock()
	pools := append([]*TaskPool(nil), dp.pools...)
	dp.poolsMu.Unlock()
	for _, p := range pools {
		if !p.Drained() {
			return false
		}
	}
	return true
}

// selectPool rotates across every enqueued, undrained pool. A
// PoolComplete pool latches selection onto itself exclusively (every
// subsequent call returns it) until it drains, after which round-robin
// resumes over the rest.
func (dp *DevicePool) selectPool() *TaskPool {
	dp.poolsMu.Lock()
	pools := append([]*TaskPool(nil), dp.pools...)
	latch := dp.poolLatch
	dp.poolsMu.Unlock()

	if len(pools) == 0 {
		return nil
	}

	if latch >= 0 && latch < len(pools) {
		p := pools[latch]
		if !p.Drained() {
			return p
		}
		dp.poolsMu.Lock()
		if dp.poolLatch == latch {
			dp.poolLatch = -1
		}
		dp.poolsMu.Unlock()
	}

	cursor := dp.poolCounter.Add(1) - 1
	for i := 0; i < len(pools); i++ {
		idx := int((cursor + uint64(i)) % uint64(len(pools)))
		p := pools[idx]
		if p.Drained() {
			continue
		}
		if p.Type == PoolComplete {
			dp.poolsMu.Lock()
			dp.poolLatch = idx
			dp.poolsMu.Unlock()
		}
		return p
	}
	return nil
}

func (dp *DevicePool) consume(deviceIdx int) {
	defer dp.wg.Done()

	if deviceIdx < len(dp.cfg.IsCPUDevice) && dp.cfg.IsCPUDevice[deviceIdx] && len(dp.cfg.CPUAffinity) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		cpuIdx := dp.cfg.CPUAffinity[deviceIdx%len(dp.cfg.CPUAffinity)]
		var mask unix.CPUSet
		mask.Set(cpuIdx)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			dp.log.WithDevice(deviceIdx).Warnf("failed to set CPU affinity to %d: %v", cpuIdx, err)
		}
	}

	for {
		select {
		case <-dp.stopCh:
			return
		default:
		}

		if dp.cfg.Worker == WorkerComputeAtWill {
			for dp.queueDepth[deviceIdx].Load() >= int32(dp.cfg.ComputeAtWillWatermark) {
				select {
				case <-dp.stopCh:
					return
				case <-time.After(time.Millisecond):
				}
			}
		}

		if dp.cfg.Worker == WorkerPacket {
			dp.barrier.arrive()
		}

		task, pool := dp.selectNext()
		if task == nil {
			select {
			case <-dp.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if task.group != nil {
			deviceIdx = task.group.assignDevice(deviceIdx)
		}

		dp.dispatch(deviceIdx, task, pool)
	}
}

func (dp *DevicePool) dispatch(deviceIdx int, t *Task, pool *TaskPool) {
	dp.queueDepth[deviceIdx].Add(1)
	defer dp.queueDepth[deviceIdx].Add(-1)

	dev := dp.devices[deviceIdx]
	if dev.observer != nil {
		dev.observer.ObserveQueueDepth(uint32(dp.queueDepth[deviceIdx].Load()))
	}

	err := dev.Compute(t.KernelName, t.Args, t.Global, t.Local)
	pool.markCompleted(t, err)
	if err != nil {
		dp.log.WithDevice(deviceIdx).WithError(err).Warn("task dispatch failed", "kernel", t.KernelName)
	}
}

// selectNext picks a pool via selectPool, then pops its next task
// according to cfg.Selection, returning both so the caller can mark
// completion against the pool the task actually came from.
func (dp *DevicePool) selectNext() (*Task, *TaskPool) {
	pool := dp.selectPool()
	if pool == nil {
		return nil, nil
	}
	// Release a PoolComplete latch as soon as the task taken here drains
	// the latched pool, rather than on the next selectPool call.
	defer func() {
		if !pool.Drained() {
			return
		}
		dp.poolsMu.Lock()
		if dp.poolLatch >= 0 && dp.poolLatch < len(dp.pools) && dp.pools[dp.poolLatch] == pool {
			dp.poolLatch = -1
		}
		dp.poolsMu.Unlock()
	}()

	switch dp.cfg.Selection {
	case SelectFCFS:
		return pool.nextRespectingCompleteGroups(), pool

	case SelectShortestJobFirst:
		all := pool.peekAll()
		if len(all) == 0 {
			return nil, pool
		}
		best := 0
		for i, t := range all[1:] {
			if t.Global.Items() < all[best].Global.Items() {
				best = i + 1
			}
		}
		return pool.takeAt(indexOf(pool, all[best])), pool

	case SelectPriority:
		all := pool.peekAll()
		if len(all) == 0 {
			return nil, pool
		}
		best := 0
		for i, t := range all[1:] {
			if t.Priority > all[best].Priority {
				best = i + 1
			}
		}
		return pool.takeAt(indexOf(pool, all[best])), pool

	case SelectQuantizedRoundRobin:
		return dp.selectQuantizedRoundRobin(pool), pool

	default:
		return pool.nextRespectingCompleteGroups(), pool
	}
}

// selectQuantizedRoundRobin rotates across distinct group IDs (tasks
// with no group are treated as singleton groups keyed by task ID),
// taking one pending task from the group whose turn it is: the first
// with at most cfg.Quantum work-items, else the group's first task.
func (dp *DevicePool) selectQuantizedRoundRobin(pool *TaskPool) *Task {
	all := pool.peekAll()
	if len(all) == 0 {
		return nil
	}

	groupKey := func(t *Task) uint64 {
		if t.group != nil {
			return t.group.ID
		}
		return t.ID
	}

	keys := make([]uint64, 0, len(all))
	seen := map[uint64]bool{}
	for _, t := range all {
		k := groupKey(t)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	cursor := dp.rrCounter.Add(1) - 1
	chosenKey := keys[cursor%uint64(len(keys))]

	for _, t := range all {
		if groupKey(t) == chosenKey && t.Global.Items() <= dp.cfg.Quantum {
			return pool.takeAt(indexOf(pool, t))
		}
	}
	// Every task for this group exceeds the quantum; dispatch it anyway
	// rather than starve the group.
	for _, t := range all {
		if groupKey(t) == chosenKey {
			return pool.takeAt(indexOf(pool, t))
		}
	}
	return nil
}

// indexOf finds t's current position in the pool's pending slice by
// pointer identity, or -1 if t is no longer pending. Consumers call
// selectNext concurrently, so pending can change between peekAll and
// this call: a task taken by another consumer yields -1 (takeAt then
// returns nil), and an index can be stale by the time takeAt runs, in
// which case takeAt removes whichever task then sits at that index.
func indexOf(p *TaskPool, t *Task) int {
	all := p.peekAll()
	for i, x := range all {
		if x == t {
			return i
		}
	}
	return -1
}

// roundBarrier synchronizes WorkerPacket consumers so that all
// parties complete one "arrive" before any proceeds past it.
type roundBarrier struct {
	n     int
	mu    sync.Mutex
	cond  *sync.Cond
	count int
	gen   uint64
}

func newRoundBarrier(n int) *roundBarrier {
	b := &roundBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *roundBarrier) arrive() {
	if b.n <= 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
