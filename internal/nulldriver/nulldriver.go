package nulldriver

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hetercomp/hetero/internal/driver"
)

// KernelFunc simulates one kernel invocation. args holds one typed
// slice per ArgBinding, decoded according to each buffer's ElementKind
// (float32/float64/uint8/int8/int32/uint32/int64, or raw []byte for
// Struct). Implementations mutate args in place; the driver re-encodes
// them back into the underlying buffers after the call returns.
type KernelFunc func(args []interface{}, global driver.Range)

// registry maps kernel name -> simulation. Tests register the kernels
// they need; a kernel with no registered simulation dispatches as a
// no-op, which is sufficient for tests that only assert on scheduling
// and bookkeeping rather than numeric results.
type registry struct {
	mu      sync.RWMutex
	kernels map[string]KernelFunc
}

func newRegistry() *registry {
	return &registry{kernels: make(map[string]KernelFunc)}
}

func (r *registry) register(name string, fn KernelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[name] = fn
}

func (r *registry) lookup(name string) (KernelFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.kernels[name]
	return fn, ok
}

// No simulations are registered by default: a new nullDriver starts
// with an empty registry, and the identity-copy and scalar-multiply
// simulations below take effect only once installed through
// RegisterKernel or WithKernels.
func init() {}

// IdentityKernel copies args[0] into args[1] elementwise.
func IdentityKernel(args []interface{}, _ driver.Range) {
	if len(args) < 2 {
		return
	}
	copyTyped(args[1], args[0])
}

// ScaleKernelFactor returns a scalar-multiply simulation (float32
// args[1] = args[0] * factor) with the factor fixed at construction
// instead of passed as a third buffer argument, matching the spec's scalar-multiply scenario
// where the scalar is a compile-time constant baked into source.
func ScaleKernelFactor(factor float32) KernelFunc {
	return func(args []interface{}, _ driver.Range) {
		if len(args) < 2 {
			return
		}
		src, ok := args[0].([]float32)
		if !ok {
			return
		}
		dst, ok := args[1].([]float32)
		if !ok {
			return
		}
		n := len(src)
		if len(dst) < n {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] * factor
		}
	}
}

func copyTyped(dst, src interface{}) {
	switch s := src.(type) {
	case []float32:
		d, ok := dst.([]float32)
		if !ok {
			return
		}
		n := copy(d, s)
		_ = n
	case []float64:
		d, ok := dst.([]float64)
		if ok {
			copy(d, s)
		}
	case []uint8:
		d, ok := dst.([]uint8)
		if ok {
			copy(d, s)
		}
	case []int8:
		d, ok := dst.([]int8)
		if ok {
			copy(d, s)
		}
	case []int32:
		d, ok := dst.([]int32)
		if ok {
			copy(d, s)
		}
	case []uint32:
		d, ok := dst.([]uint32)
		if ok {
			copy(d, s)
		}
	case []int64:
		d, ok := dst.([]int64)
		if ok {
			copy(d, s)
		}
	case []byte:
		d, ok := dst.([]byte)
		if ok {
			copy(d, s)
		}
	}
}

// nullDriver is an in-process Driver simulation: buffers are plain
// sharded byte arrays, kernel launches dispatch into a KernelFunc
// registry instead of real compiled code.
type nullDriver struct {
	names []string

	reg *registry

	markers   atomic.Uint64
	markerCbs atomic.Uint64
	lastQueue atomic.Int64

	mu         sync.Mutex
	throughput []float64
}

// New constructs a Driver simulation bound to deviceCount logical
// devices, each reporting an equal share of relative throughput until
// RegisterThroughput overrides it.
func New(deviceCount int) driver.Driver {
	if deviceCount < 1 {
		deviceCount = 1
	}
	names := make([]string, deviceCount)
	throughput := make([]float64, deviceCount)
	for i := range names {
		names[i] = fmt.Sprintf("null-device-%d", i)
		throughput[i] = 1.0 / float64(deviceCount)
	}
	return &nullDriver{names: names, reg: newRegistry(), throughput: throughput}
}

// RegisterKernel installs a simulation for kernelName, overriding the
// no-op default. Call before Dispatch; safe to call concurrently with
// other RegisterKernel calls but not with an in-flight Dispatch of the
// same name.
func (d *nullDriver) RegisterKernel(name string, fn KernelFunc) {
	d.reg.register(name, fn)
}

// RegisterThroughput overrides the equal-share default relative
// throughput vector, for exercising load-balance-sensitive scheduling
// disciplines deterministically in tests.
func (d *nullDriver) RegisterThroughput(values []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.throughput = append([]float64(nil), values...)
}

func (d *nullDriver) DeviceNames() []string { return d.names }

type nullProgram struct {
	kernelNames []string
	deviceNames []string
}

func (p *nullProgram) KernelNames() []string { return p.kernelNames }
func (p *nullProgram) DeviceNames() []string { return p.deviceNames }

func (d *nullDriver) CompileProgram(kernelSource string, kernelNames []string) (driver.Program, error) {
	if len(kernelNames) == 0 {
		kernelNames = driver.ExtractKernelNames(kernelSource)
	}
	if len(kernelNames) == 0 {
		return nil, &driver.CompileError{Code: 1, Message: "no kernel names found in source"}
	}
	return &nullProgram{kernelNames: kernelNames, deviceNames: d.names}, nil
}

type nullBuffer struct {
	kind  driver.ElementKind
	ln    int
	elem  int
	bytes *shardedBytes
}

func (b *nullBuffer) Kind() driver.ElementKind { return b.kind }
func (b *nullBuffer) Len() int                 { return b.ln }
func (b *nullBuffer) ElementSize() int         { return b.elem }

func (b *nullBuffer) ReadHost(dst []byte) error {
	_, err := b.bytes.readAt(dst, 0)
	return err
}

func (b *nullBuffer) WriteHost(src []byte) error {
	_, err := b.bytes.writeAt(src, 0)
	return err
}

func (b *nullBuffer) CopyFrom(src driver.Buffer) error {
	other, ok := src.(*nullBuffer)
	if !ok {
		return fmt.Errorf("CopyFrom: cross-driver buffer copy not supported")
	}
	if other.kind != b.kind || other.ln != b.ln {
		return fmt.Errorf("CopyFrom: kind/length mismatch (dst kind=%v len=%d, src kind=%v len=%d)", b.kind, b.ln, other.kind, other.ln)
	}
	return b.bytes.copyFrom(other.bytes)
}

func (b *nullBuffer) Release() {}

// decode reads the buffer's current contents into a typed Go slice per
// its ElementKind, so KernelFunc implementations work with ordinary
// numeric slices rather than raw bytes.
func (b *nullBuffer) decode() interface{} {
	raw := make([]byte, b.bytes.len())
	_, _ = b.bytes.readAt(raw, 0)
	switch b.kind {
	case driver.F32:
		out := make([]float32, b.ln)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	case driver.F64:
		out := make([]float64, b.ln)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out
	case driver.U8:
		return append([]uint8(nil), raw...)
	case driver.I8:
		out := make([]int8, b.ln)
		for i := range out {
			out[i] = int8(raw[i])
		}
		return out
	case driver.I32:
		out := make([]int32, b.ln)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	case driver.U32:
		out := make([]uint32, b.ln)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		return out
	case driver.I64:
		out := make([]int64, b.ln)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out
	default: // Struct: opaque bytes, elementSize per item
		return raw
	}
}

// encode writes a typed slice produced by decode (and possibly mutated
// by a KernelFunc) back into the buffer's byte storage.
func (b *nullBuffer) encode(v interface{}) {
	raw := make([]byte, b.bytes.len())
	switch s := v.(type) {
	case []float32:
		for i, f := range s {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
		}
	case []float64:
		for i, f := range s {
			binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(f))
		}
	case []uint8:
		copy(raw, s)
	case []int8:
		for i, x := range s {
			raw[i] = byte(x)
		}
	case []int32:
		for i, x := range s {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(x))
		}
	case []uint32:
		for i, x := range s {
			binary.LittleEndian.PutUint32(raw[i*4:], x)
		}
	case []int64:
		for i, x := range s {
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(x))
		}
	case []byte:
		copy(raw, s)
	default:
		return
	}
	_, _ = b.bytes.writeAt(raw, 0)
}

func (d *nullDriver) AllocBuffer(kind driver.ElementKind, length int, elementSize int) (driver.Buffer, error) {
	if elementSize <= 0 {
		elementSize = elementSizeFor(kind)
	}
	return &nullBuffer{kind: kind, ln: length, elem: elementSize, bytes: newShardedBytes(length * elementSize)}, nil
}

func elementSizeFor(kind driver.ElementKind) int {
	switch kind {
	case driver.F32, driver.I32, driver.U32:
		return 4
	case driver.F64, driver.I64:
		return 8
	case driver.U8, driver.I8:
		return 1
	default:
		return 1
	}
}

func (d *nullDriver) Dispatch(program driver.Program, kernelName string, args []driver.ArgBinding, opts driver.DispatchOpts) error {
	qi := opts.QueueIndex
	if qi < 0 {
		qi = 0
	}
	d.lastQueue.Store(int64(qi))

	if opts.NoCompute {
		return nil
	}

	fn, ok := d.reg.lookup(kernelName)
	d.markers.Add(1)
	if !ok {
		d.markerCbs.Add(1)
		return nil
	}

	decoded := make([]interface{}, len(args))
	bufs := make([]*nullBuffer, len(args))
	for i, a := range args {
		nb, ok := a.Buf.(*nullBuffer)
		if !ok {
			return fmt.Errorf("dispatch %s: arg %d not a null-driver buffer", kernelName, i)
		}
		bufs[i] = nb
		decoded[i] = nb.decode()
	}

	fn(decoded, opts.Global)

	for i, a := range args {
		if a.Write {
			bufs[i].encode(decoded[i])
		}
	}
	d.markerCbs.Add(1)
	return nil
}

func (d *nullDriver) Flush() error { return nil }

func (d *nullDriver) CountMarkers() uint64         { return d.markers.Load() }
func (d *nullDriver) CountMarkerCallbacks() uint64 { return d.markerCbs.Load() }

func (d *nullDriver) RelativeThroughput() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.throughput))
	copy(out, d.throughput)
	return out
}

func (d *nullDriver) LastUsedQueue() int { return int(d.lastQueue.Load()) }

func (d *nullDriver) Close() error { return nil }

var _ driver.Driver = (*nullDriver)(nil)

// WithKernels is a convenience constructor for tests: it builds a New
// driver and registers every kernel in fns in one call.
func WithKernels(deviceCount int, fns map[string]KernelFunc) *nullDriver {
	d := New(deviceCount).(*nullDriver)
	for name, fn := range fns {
		d.RegisterKernel(name, fn)
	}
	return d
}
