package hetero

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/nulldriver"
)

func newCountingCruncher(t *testing.T, counter *atomic.Int64) *CruncherFacade {
	t.Helper()
	drv := nulldriver.WithKernels(1, map[string]nulldriver.KernelFunc{
		"noop": func(args []interface{}, _ driver.Range) { counter.Add(1) },
	})
	c, err := NewCruncherFacadeWithDriver(drv, "kernel void noop (global float* a, global float* b) {}", CruncherOptions{})
	require.NoError(t, err)
	return c
}

// TestDevicePoolFCFSLoadBalance is scenario 5: 100 equal-size tasks fed
// to 2 equally-fast devices under WorkerRoundRobin|SelectFCFS; each
// device completes roughly half.
func TestDevicePoolFCFSLoadBalance(t *testing.T) {
	var countA, countB atomic.Int64
	devA := newCountingCruncher(t, &countA)
	devB := newCountingCruncher(t, &countB)

	pool := NewTaskPool(128)
	for i := 0; i < 100; i++ {
		pool.Submit(&Task{ID: pool.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}

	cfg := DefaultDevicePoolConfig()
	dp := NewDevicePool([]*CruncherFacade{devA, devB}, pool, cfg)
	dp.Start()
	dp.Finish()

	total := countA.Load() + countB.Load()
	require.Equal(t, int64(100), total, "total dispatches")
	require.Zero(t, pool.Remaining(), "pool should be drained")
	diff := countA.Load() - countB.Load()
	require.InDeltaf(t, 0, diff, 5, "expected roughly even split, got A=%d B=%d", countA.Load(), countB.Load())
}

// TestDevicePoolFinishDrainPostcondition checks Σ remaining == 0 after
// Finish returns, regardless of discipline.
func TestDevicePoolFinishDrainPostcondition(t *testing.T) {
	var count atomic.Int64
	dev := newCountingCruncher(t, &count)

	pool := NewTaskPool(16)
	for i := 0; i < 20; i++ {
		pool.Submit(&Task{ID: pool.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}

	cfg := DefaultDevicePoolConfig()
	cfg.Selection = SelectPriority
	dp := NewDevicePool([]*CruncherFacade{dev}, pool, cfg)
	dp.Start()
	dp.Finish()

	require.Zero(t, pool.Remaining())
	require.EqualValues(t, 20, count.Load())
}

func TestDevicePoolComputeAtWillWatermark(t *testing.T) {
	var count atomic.Int64
	dev := newCountingCruncher(t, &count)

	pool := NewTaskPool(16)
	for i := 0; i < 10; i++ {
		pool.Submit(&Task{ID: pool.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}

	cfg := DefaultDevicePoolConfig()
	cfg.Worker = WorkerComputeAtWill
	cfg.ComputeAtWillWatermark = 1
	dp := NewDevicePool([]*CruncherFacade{dev}, pool, cfg)
	dp.Start()

	deadline := time.After(2 * time.Second)
	for pool.Remaining() > 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for compute-at-will pool to drain")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	dp.Finish()

	require.EqualValues(t, 10, count.Load())
}

// TestDevicePoolEnqueueTaskPoolDrainsBoth submits two pools to one
// DevicePool via EnqueueTaskPool and checks both fully drain.
func TestDevicePoolEnqueueTaskPoolDrainsBoth(t *testing.T) {
	var count atomic.Int64
	dev := newCountingCruncher(t, &count)

	poolA := NewTaskPool(16)
	poolB := NewTaskPool(16)
	for i := 0; i < 10; i++ {
		poolA.Submit(&Task{ID: poolA.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}
	for i := 0; i < 6; i++ {
		poolB.Submit(&Task{ID: poolB.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}

	cfg := DefaultDevicePoolConfig()
	dp := NewDevicePool([]*CruncherFacade{dev}, poolA, cfg)
	dp.EnqueueTaskPool(poolB, PoolSync)
	dp.Start()
	dp.Finish()

	require.Zero(t, poolA.Remaining())
	require.Zero(t, poolB.Remaining())
	require.EqualValues(t, 16, count.Load())
}

// TestDevicePoolCompletePoolLatches checks that a PoolComplete pool,
// once selected, is served exclusively until drained even though
// another pool has pending work the whole time.
func TestDevicePoolCompletePoolLatches(t *testing.T) {
	var count atomic.Int64
	dev := newCountingCruncher(t, &count)

	completePool := NewTaskPool(16)
	otherPool := NewTaskPool(16)
	for i := 0; i < 8; i++ {
		completePool.Submit(&Task{ID: completePool.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}
	for i := 0; i < 8; i++ {
		otherPool.Submit(&Task{ID: otherPool.NextTaskID(), KernelName: "noop", Global: driver.Range{1, 1, 1}})
	}

	cfg := DefaultDevicePoolConfig()
	dp := NewDevicePool([]*CruncherFacade{dev}, completePool, cfg)
	dp.EnqueueTaskPool(otherPool, PoolSync)
	completePool.Type = PoolComplete

	// Force selectPool's first rotation to land on completePool.
	p := dp.selectPool()
	require.Same(t, completePool, p)
	require.EqualValues(t, 0, dp.poolLatch)

	for !completePool.Drained() {
		task, pool := dp.selectNext()
		require.NotNil(t, task)
		require.Same(t, completePool, pool)
		require.NoError(t, dev.Compute(task.KernelName, task.Args, task.Global, task.Local))
		pool.markCompleted(task, nil)
	}
	require.Equal(t, -1, dp.poolLatch, "latch should release once completePool drains")
	require.False(t, otherPool.Drained(), "otherPool must not have been touched while latched")

	dp.Start()
	dp.Finish()
	require.Zero(t, otherPool.Remaining())
}
