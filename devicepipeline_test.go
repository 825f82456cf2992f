package hetero

import (
	"sync/atomic"
	"testing"

	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/nulldriver"
)

func TestDevicePipelineFeedSerial(t *testing.T) {
	var calls atomic.Int64
	drv := nulldriver.WithKernels(1, map[string]nulldriver.KernelFunc{
		"identity": func(args []interface{}, g driver.Range) {
			calls.Add(1)
			nulldriver.IdentityKernel(args, g)
		},
	})
	cruncher, err := NewCruncherFacadeWithDriver(drv, "kernel void identity (global float* a, global float* b) {}", CruncherOptions{})
	if err != nil {
		t.Fatalf("NewCruncherFacadeWithDriver: %v", err)
	}

	in, _ := NewStageBuffer(drv, F32, 4, 4, true)
	out, _ := NewStageBuffer(drv, F32, 4, 4, true)
	if err := in.Active().WriteHost(encodeF32(1, 2, 3, 4)); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}

	stage := NewDeviceStage("identity", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).
		BindInput(in).BindOutput(out)

	dp := NewDevicePipeline(cruncher, 4)
	dp.AddStage(stage)

	if err := dp.Feed(); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 kernel dispatch, got %d", calls.Load())
	}

	overlapped, available := dp.TimelineOverlap()
	if !available {
		t.Fatal("serial mode should always report availability")
	}
	if overlapped {
		t.Fatal("serial mode should never report overlap")
	}
}

func TestDevicePipelineFeedParallel(t *testing.T) {
	var calls atomic.Int64
	drv := nulldriver.WithKernels(2, map[string]nulldriver.KernelFunc{
		"identity": func(args []interface{}, g driver.Range) {
			calls.Add(1)
			nulldriver.IdentityKernel(args, g)
		},
	})
	cruncher, err := NewCruncherFacadeWithDriver(drv, "kernel void identity (global float* a, global float* b) {}", CruncherOptions{})
	if err != nil {
		t.Fatalf("NewCruncherFacadeWithDriver: %v", err)
	}

	inA, _ := NewStageBuffer(drv, F32, 4, 4, true)
	outA, _ := NewStageBuffer(drv, F32, 4, 4, true)
	inB, _ := NewStageBuffer(drv, F32, 4, 4, true)
	outB, _ := NewStageBuffer(drv, F32, 4, 4, true)

	dp := NewDevicePipeline(cruncher, 4)
	dp.EnableParallelMode()
	dp.AddStage(NewDeviceStage("identity", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).BindInput(inA).BindOutput(outA))
	dp.AddStage(NewDeviceStage("identity", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).BindInput(inB).BindOutput(outB))

	if err := dp.Feed(); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 kernel dispatches, got %d", calls.Load())
	}
}

// TestDeviceStageChainParallelMatchesSerial is scenario 4: a 3-stage
// N-body-style tick (forces from positions, velocity integrated from
// forces, positions integrated from velocity) chained through
// Transition and Internal buffers. Running several ticks in serial
// mode and in parallel mode must agree on the final positions
// and velocity, regardless of how host transfer overlapped compute.
func TestDeviceStageChainParallelMatchesSerial(t *testing.T) {
	const dt = float32(0.1)

	computeForces := func(args []interface{}, _ driver.Range) {
		positions, ok := args[0].([]float32)
		if !ok {
			return
		}
		forces, ok := args[1].([]float32)
		if !ok {
			return
		}
		for i := range positions {
			forces[i] = -positions[i]
		}
	}
	integrateVelocity := func(args []interface{}, _ driver.Range) {
		forces, ok := args[0].([]float32)
		if !ok {
			return
		}
		velocity, ok := args[1].([]float32)
		if !ok {
			return
		}
		for i := range forces {
			velocity[i] += forces[i] * dt
		}
	}
	integratePosition := func(args []interface{}, _ driver.Range) {
		positions, ok := args[0].([]float32)
		if !ok {
			return
		}
		velocity, ok := args[1].([]float32)
		if !ok {
			return
		}
		for i := range velocity {
			positions[i] += velocity[i] * dt
		}
	}

	run := func(parallel bool, ticks int) (posOut, velOut []float32) {
		drv := nulldriver.WithKernels(1, map[string]nulldriver.KernelFunc{
			"computeForces":     computeForces,
			"integrateVelocity": integrateVelocity,
			"integratePosition": integratePosition,
		})
		src := "kernel void computeForces (global float* a, global float* b) {}\n" +
			"kernel void integrateVelocity (global float* a, global float* b) {}\n" +
			"kernel void integratePosition (global float* a, global float* b) {}\n"
		cruncher, err := NewCruncherFacadeWithDriver(drv, src, CruncherOptions{})
		if err != nil {
			t.Fatalf("NewCruncherFacadeWithDriver: %v", err)
		}

		positions, _ := NewStageBuffer(drv, F32, 4, 4, false)
		forces, _ := NewStageBuffer(drv, F32, 4, 4, false)
		velocity, _ := NewStageBuffer(drv, F32, 4, 4, false)
		if err := positions.Active().WriteHost(encodeF32(1, 2, 3, 4)); err != nil {
			t.Fatalf("WriteHost: %v", err)
		}

		dp := NewDevicePipeline(cruncher, 4)
		if parallel {
			dp.EnableParallelMode()
		}
		dp.AddStage(NewDeviceStage("computeForces", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).
			BindTransition(positions, forces))
		dp.AddStage(NewDeviceStage("integrateVelocity", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).
			BindTransition(forces).BindInternal(velocity))
		dp.AddStage(NewDeviceStage("integratePosition", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).
			BindInternal(velocity).BindTransition(positions))

		for i := 0; i < ticks; i++ {
			if err := dp.Feed(); err != nil {
				t.Fatalf("Feed: %v", err)
			}
		}

		pos := make([]byte, 16)
		vel := make([]byte, 16)
		if err := positions.Active().ReadHost(pos); err != nil {
			t.Fatalf("ReadHost positions: %v", err)
		}
		if err := velocity.Active().ReadHost(vel); err != nil {
			t.Fatalf("ReadHost velocity: %v", err)
		}
		return decodeF32(pos), decodeF32(vel)
	}

	serialPos, serialVel := run(false, 5)
	parallelPos, parallelVel := run(true, 5)
	if !approxEqual(serialPos, parallelPos) {
		t.Fatalf("parallel positions %v diverged from serial reference %v", parallelPos, serialPos)
	}
	if !approxEqual(serialVel, parallelVel) {
		t.Fatalf("parallel velocity %v diverged from serial reference %v", parallelVel, serialVel)
	}
}

func TestDevicePipelineFeedAsync(t *testing.T) {
	drv := nulldriver.WithKernels(1, map[string]nulldriver.KernelFunc{
		"identity": nulldriver.IdentityKernel,
	})
	cruncher, err := NewCruncherFacadeWithDriver(drv, "kernel void identity (global float* a, global float* b) {}", CruncherOptions{})
	if err != nil {
		t.Fatalf("NewCruncherFacadeWithDriver: %v", err)
	}

	in, _ := NewStageBuffer(drv, F32, 4, 4, true)
	out, _ := NewStageBuffer(drv, F32, 4, 4, true)
	if err := in.Active().WriteHost(encodeF32(1, 2, 3, 4)); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}

	dp := NewDevicePipeline(cruncher, 4)
	dp.AddStage(NewDeviceStage("identity", driver.Range{4, 1, 1}, driver.Range{1, 1, 1}).BindInput(in).BindOutput(out))

	var callbackErr error
	called := false
	if err := dp.FeedAsync(func(err error) {
		called = true
		callbackErr = err
	}); err != nil {
		t.Fatalf("FeedAsync: %v", err)
	}
	if !called {
		t.Fatal("FeedAsync should invoke hostCallback")
	}
	if callbackErr != nil {
		t.Fatalf("unexpected callback error: %v", callbackErr)
	}
	if cruncher.EnqueueModeAsyncEnable {
		t.Fatal("FeedAsync should leave the façade back in blocking mode after the flush")
	}
}

func TestDevicePipelineClampsQueueConcurrency(t *testing.T) {
	drv := nulldriver.New(1)
	cruncher, err := NewCruncherFacadeWithDriver(drv, "kernel void identity (global float* a, global float* b) {}", CruncherOptions{})
	if err != nil {
		t.Fatalf("NewCruncherFacadeWithDriver: %v", err)
	}
	dp := NewDevicePipeline(cruncher, 1000)
	if dp.queueConcurrency != DefaultMaxQueueConcurrency {
		t.Fatalf("expected clamp to %d, got %d", DefaultMaxQueueConcurrency, dp.queueConcurrency)
	}
	dp2 := NewDevicePipeline(cruncher, 0)
	if dp2.queueConcurrency != DefaultMinQueueConcurrency {
		t.Fatalf("expected clamp to %d, got %d", DefaultMinQueueConcurrency, dp2.queueConcurrency)
	}
}
