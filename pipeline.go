package hetero

import (
	"sync"

	"github.com/hetercomp/hetero/internal/logging"
)

// Pipeline is an N-stage compute pipeline with double-buffered edges.
// push() runs every stage's kernel chain concurrently against its
// currently active input while, at the same time, forwarding each
// stage's previous-tick output into the next stage's inactive input
// side (and across the two host boundaries); it then flips the double
// buffers. So stage i+1 on tick T processes stage i's tick T-2 output,
// and every stage runs on every call.
type Pipeline struct {
	stages []*PipelineStage
	log    *logging.Logger

	pushCount uint64
	mu        sync.Mutex
}

// makePipeline builds a Pipeline from stages in execution order. Stage
// i's Order field must equal i; this is checked at construction so
// forwardResults always connects a stage to its true successor. Per
// spec §4.3, every buffer is then initialized twice — run initializer
// kernels, switch, run again, switch back — so a buffer's duplicate
// side starts identical to its primary before the first real push.
func makePipeline(stages []*PipelineStage) (*Pipeline, error) {
	for i, s := range stages {
		if s.Order != i {
			return nil, NewError("makePipeline", ErrCodeInvalidParameters, "stage order must be contiguous starting at 0")
		}
	}

	for pass := 0; pass < 2; pass++ {
		for _, s := range stages {
			if len(s.initKernelNames) == 0 {
				continue
			}
			if err := s.run(true); err != nil {
				return nil, err
			}
		}
		for _, s := range stages {
			s.switchInputBuffers()
			s.switchOutputBuffers()
		}
	}

	return &Pipeline{stages: stages, log: logging.Default()}, nil
}

// NewPipeline is the exported constructor for makePipeline.
func NewPipeline(stages ...*PipelineStage) (*Pipeline, error) {
	return makePipeline(stages)
}

// Stages returns the pipeline's stages in order.
func (p *Pipeline) Stages() []*PipelineStage { return p.stages }

// push advances every stage by one tick. It runs in three phases per
// spec §4.3:
//
//  1. 2N concurrent tasks: each stage's kernel chain runs against its
//     current input side, while — concurrently, against the disjoint
//     side left over from the previous tick — each stage forwards its
//     prior output to the next stage's input (or to/from the host
//     arrays at the two chain boundaries).
//  2. N concurrent tasks: each stage switches its input/output buffers,
//     except stage 0 skips its input switch when hostInputs is nil and
//     stage N-1 skips its output switch when hostOutputs is nil — a nil
//     side means nothing was fed/drained at that boundary this tick, so
//     there is nothing new to promote.
//  3. The push counter increments, and push reports readiness against
//     the threshold implied by which host arrays were supplied: 2N-2
//     when both are nil, 2N-1 when exactly one is non-nil, 2N when both
//     are non-nil.
func (p *Pipeline) push(hostInputs, hostOutputs []HostArray) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.stages)

	var wg sync.WaitGroup
	runErrs := make([]error, n)
	fwdErrs := make([]error, n)
	wg.Add(2 * n)
	for i, s := range p.stages {
		go func(i int, s *PipelineStage) {
			defer wg.Done()
			runErrs[i] = s.run(false)
		}(i, s)
		go func(i int, s *PipelineStage) {
			defer wg.Done()
			fwdErrs[i] = s.forwardResults(i, n-1, hostInputs, hostOutputs)
		}(i, s)
	}
	wg.Wait()

	for _, err := range runErrs {
		if err != nil {
			return false, err
		}
	}
	for _, err := range fwdErrs {
		if err != nil {
			return false, err
		}
	}

	var swg sync.WaitGroup
	swg.Add(n)
	for i, s := range p.stages {
		go func(i int, s *PipelineStage) {
			defer swg.Done()
			if !(i == 0 && hostInputs == nil) {
				s.switchInputBuffers()
			}
			if !(i == n-1 && hostOutputs == nil) {
				s.switchOutputBuffers()
			}
		}(i, s)
	}
	swg.Wait()

	p.pushCount++

	threshold := uint64(2 * (n - 1))
	if hostInputs != nil {
		threshold++
	}
	if hostOutputs != nil {
		threshold++
	}
	return p.pushCount >= threshold, nil
}

// Push is the exported entry point for push(). hostInputs/hostOutputs
// may each be nil when this tick neither feeds the pipeline's entrance
// nor drains its exit.
func (p *Pipeline) Push(hostInputs, hostOutputs []HostArray) (bool, error) {
	return p.push(hostInputs, hostOutputs)
}

// PushCount reports how many times Push has completed.
func (p *Pipeline) PushCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushCount
}

// Readiness reports the fraction of stages counted as ready, where
// stage i counts once PushCount >= i+1. It is a coarse progress
// measure, separate from the threshold Push uses for its own
// readiness result.
func (p *Pipeline) Readiness() float64 {
	p.mu.Lock()
	count := p.pushCount
	n := len(p.stages)
	p.mu.Unlock()

	if n == 0 {
		return 1
	}
	ready := 0
	for i := 0; i < n; i++ {
		if count >= uint64(i+1) {
			ready++
		}
	}
	return float64(ready) / float64(n)
}
