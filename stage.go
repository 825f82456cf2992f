package hetero

import (
	"fmt"
	"sync"
	"time"

	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/logging"
)

// HostArray is one host-resident array crossing a Pipeline's entry or
// exit boundary in a single push. Kind and Len are validated against
// the stage buffer they bind before any bytes move, per spec §4.2's
// "every copy validates kind and length" rule.
type HostArray struct {
	Kind ElementKind
	Len  int
	Data []byte
}

// PipelineStage is one node of a Pipeline: an ordered chain of kernels
// dispatched each tick against a set of input, hidden, and output
// StageBuffers, plus an optional separate initializer chain run once
// when the owning Pipeline is built. Builder methods mutate and return
// the receiver so stages can be assembled fluently; validation (kernel
// count against range-slice counts) is deferred to the first run, per
// spec §4.2.
type PipelineStage struct {
	Order int

	previousStage *PipelineStage
	nextStages    []*PipelineStage

	cruncher *CruncherFacade

	kernelNames []string
	globals     []driver.Range
	locals      []driver.Range

	initKernelNames []string
	initGlobals     []driver.Range
	initLocals      []driver.Range

	inputs  []*StageBuffer
	outputs []*StageBuffer
	hidden  []*StageBuffer

	enqueueMode bool

	lastElapsed time.Duration
	log         *logging.Logger
	mu          sync.Mutex
}

// NewPipelineStage starts an empty stage at the given pipeline order.
func NewPipelineStage(order int) *PipelineStage {
	return &PipelineStage{Order: order, log: logging.Default().WithStage(order)}
}

// AddDevices binds the stage to an already-constructed Cruncher
// façade. A real port would lazily build the façade from a Driver and
// kernel source on first run; hetero's façade already owns that
// construction (NewCruncherFacadeWithDriver), so AddDevices simply
// records which façade this stage dispatches against.
func (s *PipelineStage) AddDevices(cruncher *CruncherFacade) *PipelineStage {
	s.cruncher = cruncher
	return s
}

// AddKernels registers the stage's per-tick kernel chain: kernel
// names[i] dispatches with globals[i]/locals[i], strictly in order.
func (s *PipelineStage) AddKernels(names []string, globals, locals []driver.Range) *PipelineStage {
	s.kernelNames = names
	s.globals = globals
	s.locals = locals
	return s
}

// InitializerKernel registers a separate kernel chain run once, in
// initMode, instead of the per-tick chain — for seeding hidden or
// output state before the first real push.
func (s *PipelineStage) InitializerKernel(names []string, globals, locals []driver.Range) *PipelineStage {
	s.initKernelNames = names
	s.initGlobals = globals
	s.initLocals = locals
	return s
}

// AddInputBuffers appends buffers bound read-first (or read-only under
// enqueueMode) across the stage's kernel chain.
func (s *PipelineStage) AddInputBuffers(buffers ...*StageBuffer) *PipelineStage {
	s.inputs = append(s.inputs, buffers...)
	return s
}

// AddOutputBuffers appends buffers bound write-last across the
// stage's kernel chain.
func (s *PipelineStage) AddOutputBuffers(buffers ...*StageBuffer) *PipelineStage {
	s.outputs = append(s.outputs, buffers...)
	return s
}

// AddHiddenBuffers appends buffers visible only to this stage's own
// kernels, read/write on every kernel regardless of position.
func (s *PipelineStage) AddHiddenBuffers(buffers ...*StageBuffer) *PipelineStage {
	s.hidden = append(s.hidden, buffers...)
	return s
}

// EnableEnqueueMode turns on per-kernel flag rewriting within run(): the
// first kernel alone carries the host-sync-in flag on inputs and the
// last kernel alone carries the host-sync-out flag on outputs, so a
// multi-kernel stage issues one logical device read and one logical
// device write per tick instead of one per kernel.
func (s *PipelineStage) EnableEnqueueMode(on bool) *PipelineStage {
	s.enqueueMode = on
	return s
}

// PrependToStage makes s run immediately before next in the pipeline
// chain (s -> next).
func (s *PipelineStage) PrependToStage(next *PipelineStage) *PipelineStage {
	s.nextStages = append(s.nextStages, next)
	next.previousStage = s
	return s
}

// AppendToStage makes s run immediately after prev in the pipeline
// chain (prev -> s).
func (s *PipelineStage) AppendToStage(prev *PipelineStage) *PipelineStage {
	prev.nextStages = append(prev.nextStages, s)
	s.previousStage = prev
	return s
}

// MakePipeline walks the chain starting at s back to its root stage
// and builds a Pipeline over it, mirroring spec §6's
// PipelineStage.makePipeline(); NewPipeline(stages...) remains the
// direct constructor for callers who already have stages in order.
func (s *PipelineStage) MakePipeline() (*Pipeline, error) {
	root := s
	for root.previousStage != nil {
		root = root.previousStage
	}
	var ordered []*PipelineStage
	cur := root
	for cur != nil {
		ordered = append(ordered, cur)
		if len(cur.nextStages) == 0 {
			break
		}
		cur = cur.nextStages[0]
	}
	return makePipeline(ordered)
}

// run dispatches the stage's per-tick kernel chain (or its initializer
// chain, under initMode) against its bound buffers.
func (s *PipelineStage) run(initMode bool) error {
	if s.cruncher == nil {
		return NewError("PipelineStage.run", ErrCodeInvalidParameters, "no devices bound; call AddDevices first")
	}

	names, globals, locals := s.kernelNames, s.globals, s.locals
	if initMode {
		names, globals, locals = s.initKernelNames, s.initGlobals, s.initLocals
	}
	if len(names) == 0 {
		return nil
	}
	if len(globals) != len(names) || len(locals) != len(names) {
		s.log.Warnf("stage %d: kernel/range count mismatch (%d names, %d globals, %d locals)", s.Order, len(names), len(globals), len(locals))
		return nil
	}

	start := time.Now()
	for i, name := range names {
		args := s.bindArgs(i, len(names), initMode)
		if err := s.cruncher.Compute(name, args, globals[i], locals[i]); err != nil {
			return WrapError("PipelineStage.run", err)
		}
	}
	s.mu.Lock()
	s.lastElapsed = time.Since(start)
	s.mu.Unlock()
	return nil
}

// bindArgs chains inputs++hidden++outputs into one ArgGroup for kernel
// index i of n, rewriting input/output flags per spec §4.2's
// enqueueMode contract: only kernel 0 reads inputs, only the last
// kernel writes outputs, everything in between carries no host-sync
// flags on inputs/outputs. Hidden buffers keep full read/write access
// regardless of enqueueMode: hetero's simulated buffers have no
// separate host/device address space, so suppressing their flags (as
// the literal spec text does for a real split-memory driver) would
// silently drop in-chain state instead of merely skipping an
// unnecessary host sync.
func (s *PipelineStage) bindArgs(i, n int, initMode bool) ArgGroup {
	args := NewArgGroup()
	first := i == 0
	last := i == n-1
	rewrite := s.enqueueMode && !initMode

	for _, buf := range s.inputs {
		if !rewrite || first {
			args = args.Read(buf)
		} else {
			args = args.bind(buf.Active(), false, false)
		}
	}
	for _, buf := range s.hidden {
		args = args.ReadWrite(buf)
	}
	for _, buf := range s.outputs {
		if !rewrite || last {
			args = args.Write(buf)
		} else {
			args = args.bind(buf.Inactive(), false, false)
		}
	}
	return args
}

// switchInputBuffers flips every input buffer's active side.
func (s *PipelineStage) switchInputBuffers() {
	for _, b := range s.inputs {
		b.switchBuffers()
	}
}

// switchOutputBuffers flips every output buffer's active side.
func (s *PipelineStage) switchOutputBuffers() {
	for _, b := range s.outputs {
		b.switchBuffers()
	}
}

// forwardResults handles the two chain boundaries and stage-to-stage
// handoff for this push: if this is the first stage (index==0) and
// hostInputs is non-nil, it copies each host array onto the matching
// input buffer's inactive side; if this is the last stage
// (index==maxIndex) and hostOutputs is non-nil, it reads each output
// buffer's active side (promoted at the end of the previous push) back
// out to the matching host array; and for
// every declared next stage, it copies this stage's outputs onto that
// stage's matching inputs. Every copy validates kind and length first;
// a mismatch returns immediately without copying anything past the
// offending index, per spec §4.2.
func (s *PipelineStage) forwardResults(index, maxIndex int, hostInputs, hostOutputs []HostArray) error {
	if index == 0 && hostInputs != nil {
		for i, buf := range s.inputs {
			if i >= len(hostInputs) {
				break
			}
			ha := hostInputs[i]
			if err := checkHostArray(buf, ha); err != nil {
				return WrapError("PipelineStage.forwardResults", err)
			}
			if err := buf.Inactive().WriteHost(ha.Data); err != nil {
				return WrapError("PipelineStage.forwardResults", err)
			}
		}
	}

	if index == maxIndex && hostOutputs != nil {
		for i, buf := range s.outputs {
			if i >= len(hostOutputs) {
				break
			}
			ha := hostOutputs[i]
			if err := checkHostArray(buf, ha); err != nil {
				return WrapError("PipelineStage.forwardResults", err)
			}
			// Active(), not Inactive(): this stage's concurrent run() is
			// writing Inactive() for this tick, so the host read must take
			// the previously-promoted side to avoid racing it.
			if err := buf.Active().ReadHost(ha.Data); err != nil {
				return WrapError("PipelineStage.forwardResults", err)
			}
		}
	}

	for _, next := range s.nextStages {
		for i, out := range s.outputs {
			if i >= len(next.inputs) {
				break
			}
			in := next.inputs[i]
			if out.Kind() != in.Kind() {
				return NewKernelError("PipelineStage.forwardResults", "", ErrCodeBufferKindMismatch,
					fmt.Sprintf("stage %d output %d kind %v does not match stage %d input %d kind %v", s.Order, i, out.Kind(), next.Order, i, in.Kind()))
			}
			if out.Len() != in.Len() {
				return NewError("PipelineStage.forwardResults", ErrCodeBufferLengthMismatch,
					fmt.Sprintf("stage %d output %d length %d does not match stage %d input %d length %d", s.Order, i, out.Len(), next.Order, i, in.Len()))
			}
			if err := in.Inactive().CopyFrom(out.Active()); err != nil {
				return WrapError("PipelineStage.forwardResults", err)
			}
		}
	}
	return nil
}

// checkHostArray validates a HostArray against the stage buffer it's
// about to cross into/out of.
func checkHostArray(buf *StageBuffer, ha HostArray) error {
	if ha.Kind != buf.Kind() {
		return NewKernelError("checkHostArray", "", ErrCodeBufferKindMismatch,
			fmt.Sprintf("host array kind %v does not match stage buffer kind %v", ha.Kind, buf.Kind()))
	}
	if ha.Len != buf.Len() {
		return NewError("checkHostArray", ErrCodeBufferLengthMismatch,
			fmt.Sprintf("host array length %d does not match stage buffer length %d", ha.Len, buf.Len()))
	}
	return nil
}
