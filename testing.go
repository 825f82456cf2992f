package hetero

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hetercomp/hetero/internal/nulldriver"
)

// RecordingObserver is a mock Observer for testing. It tracks every
// call it receives for verification, mirroring the teacher's
// call-counting MockBackend pattern generalized from block-I/O
// counters to compute/transfer/queue-depth counters.
type RecordingObserver struct {
	mu sync.RWMutex

	computeCalls  int
	transferCalls int
	depthCalls    int

	lastKernel    string
	lastItems     uint64
	lastLatencyNs uint64
	lastSuccess   bool

	lastBytes   uint64
	lastDepth   uint32
	failures    int
}

// NewRecordingObserver creates an empty RecordingObserver.
func NewRecordingObserver() *RecordingObserver { return &RecordingObserver{} }

// ObserveCompute implements interfaces.Observer.
func (r *RecordingObserver) ObserveCompute(kernelName string, items uint64, latencyNs uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.computeCalls++
	r.lastKernel = kernelName
	r.lastItems = items
	r.lastLatencyNs = latencyNs
	r.lastSuccess = success
	if !success {
		r.failures++
	}
}

// ObserveTransfer implements interfaces.Observer.
func (r *RecordingObserver) ObserveTransfer(bytes uint64, latencyNs uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transferCalls++
	r.lastBytes = bytes
	r.lastLatencyNs = latencyNs
	if !success {
		r.failures++
	}
}

// ObserveQueueDepth implements interfaces.Observer.
func (r *RecordingObserver) ObserveQueueDepth(depth uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depthCalls++
	r.lastDepth = depth
}

// ComputeCalls reports how many times ObserveCompute has been called.
func (r *RecordingObserver) ComputeCalls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.computeCalls
}

// TransferCalls reports how many times ObserveTransfer has been called.
func (r *RecordingObserver) TransferCalls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transferCalls
}

// Failures reports how many observed operations reported success=false.
func (r *RecordingObserver) Failures() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failures
}

// LastKernel returns the most recently observed kernel name.
func (r *RecordingObserver) LastKernel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastKernel
}

// NewTestCruncher builds a CruncherFacade over an in-process nulldriver
// with deviceCount simulated devices, registering fns as its available
// kernels. It's the standard fixture for package tests that exercise
// Pipeline/DevicePipeline/DevicePool without any real accelerator.
func NewTestCruncher(deviceCount int, fns map[string]nulldriver.KernelFunc) (*CruncherFacade, error) {
	drv := nulldriver.WithKernels(deviceCount, fns)

	var src strings.Builder
	for name := range fns {
		fmt.Fprintf(&src, "kernel void %s (global float* a, global float* b) {}\n", name)
	}

	return NewCruncherFacadeWithDriver(drv, src.String(), CruncherOptions{})
}
