// Package driver defines the boundary between hetero's core engine and
// the out-of-scope "Driver": kernel compilation, device enumeration,
// and raw command-queue/buffer primitives. Concrete implementations
// live in internal/driver (real hardware, via github.com/gogpu/wgpu)
// and internal/nulldriver (in-process simulation for tests and for
// running without an accelerator present).
package driver

import "regexp"

// KernelNamePattern extracts kernel names from a kernel source string.
// The name must be followed by a character other than '(' (as in
// "kernel void name (...)"); for "kernel void name(" the match
// backtracks and captures the name minus its last character.
// WantsDeviceSideQueue reports whether the source also contains an
// enqueue_kernel( call (nested dispatch); neither bundled Driver
// consults it, so no device-side queue is provisioned.
var KernelNamePattern = regexp.MustCompile(`kernel\s+void\s+([A-Za-z0-9_]+)[^\(]`)

// ExtractKernelNames returns the ordered, de-duplicated kernel names
// found in source. A kernel name appearing more than once keeps only
// its first occurrence, matching the "each name binds once" invariant
// the caller enforces on top.
func ExtractKernelNames(source string) []string {
	matches := KernelNamePattern.FindAllStringSubmatch(source, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// WantsDeviceSideQueue reports whether source calls enqueue_kernel(,
// which requires the Driver to provision a device-side default queue
// at program build time.
func WantsDeviceSideQueue(source string) bool {
	return deviceQueuePattern.MatchString(source)
}

var deviceQueuePattern = regexp.MustCompile(`enqueue_kernel\(`)

// Range is a 3-dimensional work range; unused trailing dimensions are 1.
type Range [3]int

// Items returns the total element count spanned by the range.
func (r Range) Items() int {
	n := 1
	for _, d := range r {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// ElementKind mirrors hetero.ElementKind without importing the root
// package (which imports this one), avoiding an import cycle.
type ElementKind int

const (
	F32 ElementKind = iota
	F64
	U8
	I8
	I32
	U32
	I64
	Struct
)

// Program is a compiled kernel source bound to a device set.
type Program interface {
	// KernelNames returns the names discovered at compile time.
	KernelNames() []string
	// DeviceNames returns a stable name per bound device, in the order
	// arguments and throughput vectors are reported.
	DeviceNames() []string
}

// Buffer is a device-resident typed array.
type Buffer interface {
	Kind() ElementKind
	Len() int
	ElementSize() int // bytes per element (or per struct, for Struct kind)

	// ReadHost copies the buffer's current contents into dst. dst must
	// be at least Len()*ElementSize() bytes.
	ReadHost(dst []byte) error
	// WriteHost copies src into the buffer. src must be at least
	// Len()*ElementSize() bytes.
	WriteHost(src []byte) error
	// CopyFrom copies another buffer of the same kind/length into this
	// one without a host round-trip (used for stage-to-stage forwarding
	// and transition arrays).
	CopyFrom(src Buffer) error

	Release()
}

// ArgBinding describes one kernel parameter binding for a Dispatch call.
type ArgBinding struct {
	Buf         Buffer
	Read        bool // host/device read flag at the compute boundary
	Write       bool
	PartialRead bool
}

// DispatchOpts carries the per-call Cruncher knobs from spec §4.7.
type DispatchOpts struct {
	Global         Range
	Local          Range
	Offset         Range
	NoCompute      bool // honour transfer flags only, skip kernel launch
	QueueIndex     int  // which async queue/command-stream to issue on (0 if single-queue)
	Pipelined      bool
	PipelineBlobID string
}

// Driver compiles kernel sources, allocates buffers, and dispatches
// kernels for one accelerator selection. A Driver owns one or more
// physical/logical devices chosen at construction time.
type Driver interface {
	// DeviceNames returns the human-readable device identifiers this
	// Driver was constructed against, in throughput-vector order.
	DeviceNames() []string

	// CompileProgram compiles kernelSource for every bound device and
	// returns the resulting Program, or a non-nil error (a *CompileError
	// with its Code and Message fields set) on compile failure.
	CompileProgram(kernelSource string, kernelNames []string) (Program, error)

	// AllocBuffer reserves a device-resident array.
	AllocBuffer(kind ElementKind, length int, elementSize int) (Buffer, error)

	// Dispatch launches kernelName from program on the device set,
	// binding args in declaration order.
	Dispatch(program Program, kernelName string, args []ArgBinding, opts DispatchOpts) error

	// Flush blocks until all commands issued to the Driver's queues
	// (across all QueueIndex values) have completed.
	Flush() error

	// CountMarkers and CountMarkerCallbacks report Cruncher-inserted
	// completion sentinels, per §4.7.
	CountMarkers() uint64
	CountMarkerCallbacks() uint64

	// RelativeThroughput reports each bound device's observed relative
	// compute throughput, normalized so the values sum to 1.0. This is
	// the external load-balancer signal the core consumes but never
	// computes itself (spec §1, out of scope).
	RelativeThroughput() []float64

	// LastUsedQueue reports the last command-queue index used on the
	// first bound device, for fine-grained queue-control callers.
	LastUsedQueue() int

	Close() error
}

// CompileError is returned by CompileProgram on failure.
type CompileError struct {
	Code    int
	Message string
}

func (e *CompileError) Error() string { return e.Message }
