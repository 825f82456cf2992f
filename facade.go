package hetero

import (
	"sync"
	"time"

	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/interfaces"
)

// KernelNamePattern extracts "kernel void name (...)" declarations from
// a kernel source string, re-exported from internal/driver so callers
// never need to import the internal package directly.
var KernelNamePattern = driver.KernelNamePattern

// ExtractKernelNames returns the ordered, de-duplicated kernel names
// declared in source.
func ExtractKernelNames(source string) []string { return driver.ExtractKernelNames(source) }

// constructionLock serializes Driver construction; spec §9 notes the
// original implicitly serialises Cruncher construction behind a
// process-wide lock. Rather than hide that behind a package-level
// singleton, hetero takes the lock explicitly and merely offers a
// convenience default for callers who don't need a distinct one.
var defaultConstructionLock sync.Mutex

// DefaultConstructionLock returns the package's convenience
// construction lock, which NewCruncherFacadeWithDriver takes when
// CruncherOptions.Lock is nil. Set CruncherOptions.Lock to your own
// *sync.Mutex if you need independent serialization domains (e.g. one
// lock per accelerator family).
func DefaultConstructionLock() *sync.Mutex { return &defaultConstructionLock }

// EnqueueMode controls whether CruncherFacade.Compute flushes the
// Driver before returning (EnqueueModeBlocking) or returns right after
// submission (EnqueueModeAsync, which takes effect only while
// EnqueueModeAsyncEnable is also set), per spec §4.7.
type EnqueueMode int

const (
	EnqueueModeBlocking EnqueueMode = iota
	EnqueueModeAsync
)

// CruncherFacade is the concrete façade over one Driver selection and
// its compiled Program, matching the external collaborator contract
// named in spec §1/§4.7: compute(), enqueueMode,
// enqueueModeAsyncEnable, noComputeMode, fineGrainedQueueControl,
// flush(), countMarkers()/countMarkerCallbacks(), smoothLoadBalancer,
// performanceFeed, deviceNames(), lastUsedCommandQueueOfFirstDevice(),
// and the per-device relative throughput vector.
type CruncherFacade struct {
	drv     driver.Driver
	program driver.Program

	mu sync.RWMutex

	EnqueueMode               EnqueueMode
	EnqueueModeAsyncEnable    bool
	NoComputeMode             bool
	FineGrainedQueueControl   bool
	SmoothLoadBalancer        bool // exponential-smooth the throughput feed instead of using it raw
	smoothedThroughput        []float64
	smoothingAlpha            float64

	metrics  *Metrics
	observer interfaces.Observer
}

// CruncherOptions configures NewCruncherFacadeWithDriver. Driver selection
// policy (which adapters to open, how many queues to fan out) is
// handled by the caller when constructing the Driver passed to
// NewCruncherFacadeWithDriver; these options only affect the facade's
// own behavior once bound to that Driver.
type CruncherOptions struct {
	QueueConcurrency int
	Lock             *sync.Mutex
	Metrics          *Metrics
	Observer         interfaces.Observer
	SmoothingAlpha   float64
}

// NewCruncherFacadeWithDriver wraps an already-constructed Driver
// (real hardware or nulldriver) and compiles kernelSource against it.
// This is the primary constructor tests use, since Driver selection
// policy (which adapters to open) lives in internal/driver and
// internal/nulldriver, not here.
func NewCruncherFacadeWithDriver(drv driver.Driver, kernelSource string, opts CruncherOptions) (*CruncherFacade, error) {
	names := driver.ExtractKernelNames(kernelSource)
	lock := opts.Lock
	if lock == nil {
		lock = DefaultConstructionLock()
	}
	lock.Lock()
	program, err := drv.CompileProgram(kernelSource, names)
	lock.Unlock()
	if err != nil {
		return nil, WrapError("NewCruncherFacade", err)
	}

	m := opts.Metrics
	if m == nil {
		m = NewMetrics()
	}
	obs := opts.Observer
	if obs == nil {
		obs = NewMetricsObserver(m)
	}
	alpha := opts.SmoothingAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}

	return &CruncherFacade{
		drv:            drv,
		program:        program,
		metrics:        m,
		observer:       obs,
		smoothingAlpha: alpha,
	}, nil
}

// DeviceNames returns the bound devices' stable names, in throughput-
// vector order.
func (c *CruncherFacade) DeviceNames() []string { return c.drv.DeviceNames() }

// Compute dispatches kernelName with the given argument group and 3D
// global/local work range. It honours NoComputeMode (transfer-only,
// skip the kernel launch) and records latency/throughput into the
// configured Observer.
func (c *CruncherFacade) Compute(kernelName string, args ArgGroup, global, local driver.Range) error {
	opts := driver.DispatchOpts{
		Global:    global,
		Local:     local,
		NoCompute: c.NoComputeMode,
	}
	if c.FineGrainedQueueControl {
		c.mu.RLock()
		opts.QueueIndex = c.drv.LastUsedQueue()
		c.mu.RUnlock()
	}

	start := time.Now()
	err := c.drv.Dispatch(c.program, kernelName, args.Bindings(), opts)
	latency := uint64(time.Since(start).Nanoseconds())

	success := err == nil
	if c.observer != nil {
		c.observer.ObserveCompute(kernelName, uint64(global.Items()), latency, success)
	}
	if err != nil {
		return NewKernelError("Compute", kernelName, ErrCodeCompileFailed, err.Error())
	}

	if c.EnqueueMode == EnqueueModeBlocking || !c.EnqueueModeAsyncEnable {
		if err := c.drv.Flush(); err != nil {
			return WrapError("Compute", err)
		}
	}
	return nil
}

// Flush blocks until all outstanding dispatches on this Driver
// selection have completed.
func (c *CruncherFacade) Flush() error {
	if err := c.drv.Flush(); err != nil {
		return WrapError("Flush", err)
	}
	return nil
}

// CountMarkers and CountMarkerCallbacks report Cruncher-inserted
// completion sentinels, per spec §4.7.
func (c *CruncherFacade) CountMarkers() uint64         { return c.drv.CountMarkers() }
func (c *CruncherFacade) CountMarkerCallbacks() uint64 { return c.drv.CountMarkerCallbacks() }

// LastUsedCommandQueueOfFirstDevice reports the last queue index used
// on the first bound device, for fine-grained queue-control callers
// coordinating with the Driver directly.
func (c *CruncherFacade) LastUsedCommandQueueOfFirstDevice() int {
	return c.drv.LastUsedQueue()
}

// PerformanceFeed returns each bound device's relative throughput,
// optionally smoothed (SmoothLoadBalancer) across calls via an
// exponential moving average so a single noisy sample doesn't swing
// the load balancer.
func (c *CruncherFacade) PerformanceFeed() []float64 {
	raw := c.drv.RelativeThroughput()
	if !c.SmoothLoadBalancer {
		return raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.smoothedThroughput) != len(raw) {
		c.smoothedThroughput = append([]float64(nil), raw...)
		return append([]float64(nil), c.smoothedThroughput...)
	}
	for i, v := range raw {
		c.smoothedThroughput[i] = c.smoothingAlpha*v + (1-c.smoothingAlpha)*c.smoothedThroughput[i]
	}
	return append([]float64(nil), c.smoothedThroughput...)
}

// Metrics returns the facade's metrics instance.
func (c *CruncherFacade) Metrics() *Metrics { return c.metrics }

// Close releases the underlying Driver.
func (c *CruncherFacade) Close() error {
	return c.drv.Close()
}
