package hetero

import (
	"sync"
	"time"

	"github.com/hetercomp/hetero/internal/driver"
	"github.com/hetercomp/hetero/internal/logging"
)

// BufferRole classifies how a DeviceStage's bound buffer behaves
// across one DevicePipeline.Feed tick: Input and Output cross the host
// boundary and are double-buffered so next tick's transfer can overlap
// this tick's compute; Internal persists device-side across ticks;
// Transition carries a value from an earlier stage to a later one
// within the same tick (e.g. positions feeding a forces kernel that
// feeds a velocity-integration kernel). Internal and Transition
// buffers are expected to be non-duplicated: within one Feed call,
// stages dispatch strictly in declared order, so an in-place
// read/write is always safe without a switch.
type BufferRole int

const (
	RoleInput BufferRole = iota
	RoleOutput
	RoleInternal
	RoleTransition
)

// DeviceStage is one kernel dispatch registered with a DevicePipeline.
// Buffers are bound by role rather than by position, so Feed knows
// which ones need a host transfer around the dispatch and which are
// purely device-resident.
type DeviceStage struct {
	kernelName string
	global     driver.Range
	local      driver.Range

	inputs     []*StageBuffer
	outputs    []*StageBuffer
	internal   []*StageBuffer
	transition []*StageBuffer

	hostInputs  []HostArray
	hostOutputs []HostArray
}

// NewDeviceStage starts an empty stage dispatching kernelName.
func NewDeviceStage(kernelName string, global, local driver.Range) *DeviceStage {
	return &DeviceStage{kernelName: kernelName, global: global, local: local}
}

// BindInput registers buffers fed from the host every tick.
func (s *DeviceStage) BindInput(buffers ...*StageBuffer) *DeviceStage {
	s.inputs = append(s.inputs, buffers...)
	return s
}

// BindOutput registers buffers drained to the host every tick.
func (s *DeviceStage) BindOutput(buffers ...*StageBuffer) *DeviceStage {
	s.outputs = append(s.outputs, buffers...)
	return s
}

// BindInternal registers buffers that persist device-side across
// ticks and never cross the host boundary.
func (s *DeviceStage) BindInternal(buffers ...*StageBuffer) *DeviceStage {
	s.internal = append(s.internal, buffers...)
	return s
}

// BindTransition registers buffers carrying a value between stages
// within the same tick.
func (s *DeviceStage) BindTransition(buffers ...*StageBuffer) *DeviceStage {
	s.transition = append(s.transition, buffers...)
	return s
}

// SetHostInputs attaches the host arrays transferred onto this
// stage's Input buffers (matched by position) at the start of every
// Feed tick. Callers mutate Data between Feed calls to supply the next
// tick's values; Feed takes no per-call arguments, so this is the only
// way a stage's input changes over time.
func (s *DeviceStage) SetHostInputs(arrays ...HostArray) *DeviceStage {
	s.hostInputs = arrays
	return s
}

// SetHostOutputs attaches the host arrays this stage's Output buffers
// are read back into (matched by position) at the end of every Feed
// tick. Callers read Data after Feed returns.
func (s *DeviceStage) SetHostOutputs(arrays ...HostArray) *DeviceStage {
	s.hostOutputs = arrays
	return s
}

// args builds the kernel's argument chain in input/transition/
// internal/output order; transition and internal buffers are always
// bound read-write since they are non-duplicated and mutated in
// place.
func (s *DeviceStage) args() ArgGroup {
	g := NewArgGroup()
	for _, b := range s.inputs {
		g = g.Read(b)
	}
	for _, b := range s.transition {
		g = g.ReadWrite(b)
	}
	for _, b := range s.internal {
		g = g.ReadWrite(b)
	}
	for _, b := range s.outputs {
		g = g.Write(b)
	}
	return g
}

func (s *DeviceStage) transferIn() error {
	for i, buf := range s.inputs {
		if i >= len(s.hostInputs) {
			break
		}
		ha := s.hostInputs[i]
		if err := checkHostArray(buf, ha); err != nil {
			return WrapError("DeviceStage.transferIn", err)
		}
		if err := buf.Inactive().WriteHost(ha.Data); err != nil {
			return WrapError("DeviceStage.transferIn", err)
		}
	}
	return nil
}

// transferOut reads each Output's Active() side, not Inactive(): this
// tick's dispatch writes Inactive() concurrently, so the host read
// must take the side already promoted by the previous tick's switch
// to avoid racing it — the same rule PipelineStage.forwardResults
// follows for its host-output boundary.
func (s *DeviceStage) transferOut() error {
	for i, buf := range s.outputs {
		if i >= len(s.hostOutputs) {
			break
		}
		ha := s.hostOutputs[i]
		if err := checkHostArray(buf, ha); err != nil {
			return WrapError("DeviceStage.transferOut", err)
		}
		if err := buf.Active().ReadHost(ha.Data); err != nil {
			return WrapError("DeviceStage.transferOut", err)
		}
	}
	return nil
}

func (s *DeviceStage) switchBuffers() {
	for _, b := range s.inputs {
		b.switchBuffers()
	}
	for _, b := range s.outputs {
		b.switchBuffers()
	}
}

type devicePipelineMode int

const (
	deviceFeedSerial devicePipelineMode = iota
	deviceFeedParallel
)

type queueTiming struct {
	submitNs   int64
	completeNs int64
}

// DevicePipeline drives a fixed chain of DeviceStages against a single
// device once per Feed call. Stages always dispatch in the order they
// were added — a Transition buffer written by stage i must be visible
// to stage i+1 within the same tick, so compute order is never
// reordered regardless of feed mode. What parallel mode overlaps with
// compute is host I/O: every stage's host transfer runs concurrently
// with the (still strictly sequential) kernel chain, since Input's
// Inactive() and Output's Active() sides are always disjoint from what
// the dispatch chain reads/writes this tick.
type DevicePipeline struct {
	cruncher         *CruncherFacade
	queueConcurrency int

	mu      sync.Mutex
	mode    devicePipelineMode
	stages  []*DeviceStage
	timings []queueTiming
	log     *logging.Logger
}

// NewDevicePipeline builds a DevicePipeline over cruncher with
// queueConcurrency async queues, clamped to [1,16] per spec §6. It
// starts in serial mode; call EnableParallelMode to overlap transfer
// with compute.
func NewDevicePipeline(cruncher *CruncherFacade, queueConcurrency int) *DevicePipeline {
	qc := clampQueueConcurrency(queueConcurrency)
	return &DevicePipeline{
		cruncher:         cruncher,
		queueConcurrency: qc,
		timings:          make([]queueTiming, qc),
		log:              logging.Default(),
	}
}

// AddStage appends a stage to the dispatch chain, in order.
func (dp *DevicePipeline) AddStage(stage *DeviceStage) *DevicePipeline {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.stages = append(dp.stages, stage)
	return dp
}

// EnableSerialMode makes Feed run transfer and compute strictly in
// sequence, one stage at a time.
func (dp *DevicePipeline) EnableSerialMode() {
	dp.mu.Lock()
	dp.mode = deviceFeedSerial
	dp.mu.Unlock()
}

// EnableParallelMode makes Feed overlap every stage's host transfer
// with the sequential compute chain.
func (dp *DevicePipeline) EnableParallelMode() {
	dp.mu.Lock()
	dp.mode = deviceFeedParallel
	dp.mu.Unlock()
}

// Feed runs one tick over every registered stage, in the pipeline's
// current mode.
func (dp *DevicePipeline) Feed() error {
	dp.mu.Lock()
	stages := append([]*DeviceStage(nil), dp.stages...)
	mode := dp.mode
	dp.mu.Unlock()

	if mode == deviceFeedSerial {
		return dp.feedSerial(stages)
	}
	return dp.feedParallel(stages)
}

func (dp *DevicePipeline) feedSerial(stages []*DeviceStage) error {
	for i, s := range stages {
		if err := s.transferIn(); err != nil {
			return err
		}
		if err := dp.dispatch(i, s); err != nil {
			return err
		}
		if err := s.transferOut(); err != nil {
			return err
		}
	}
	for _, s := range stages {
		s.switchBuffers()
	}
	return nil
}

func (dp *DevicePipeline) feedParallel(stages []*DeviceStage) error {
	var wg sync.WaitGroup
	var xferErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range stages {
			if err := s.transferIn(); err != nil {
				xferErr = err
				return
			}
			if err := s.transferOut(); err != nil {
				xferErr = err
				return
			}
		}
	}()

	var dispatchErr error
	for i, s := range stages {
		if err := dp.dispatch(i, s); err != nil {
			dispatchErr = err
			break
		}
	}
	wg.Wait()

	if dispatchErr != nil {
		return dispatchErr
	}
	if xferErr != nil {
		return xferErr
	}

	for _, s := range stages {
		s.switchBuffers()
	}
	return nil
}

func (dp *DevicePipeline) dispatch(stageIndex int, s *DeviceStage) error {
	submit := time.Now()

	if err := dp.cruncher.Compute(s.kernelName, s.args(), s.global, s.local); err != nil {
		return err
	}

	complete := time.Now()
	dp.mu.Lock()
	queue := stageIndex % dp.queueConcurrency
	if queue < len(dp.timings) {
		dp.timings[queue] = queueTiming{submitNs: submit.UnixNano(), completeNs: complete.UnixNano()}
	}
	dp.mu.Unlock()
	return nil
}

// FeedAsyncBegin switches the backing façade into async enqueue mode,
// so dispatches issued by subsequent Feed calls accumulate on the
// device queue instead of blocking for completion.
func (dp *DevicePipeline) FeedAsyncBegin() {
	dp.cruncher.EnqueueMode = EnqueueModeAsync
	dp.cruncher.EnqueueModeAsyncEnable = true
}

// FeedAsyncEnd flushes the accumulated queue and restores blocking
// dispatch.
func (dp *DevicePipeline) FeedAsyncEnd() error {
	err := dp.cruncher.Flush()
	dp.cruncher.EnqueueModeAsyncEnable = false
	dp.cruncher.EnqueueMode = EnqueueModeBlocking
	return err
}

// FeedAsync runs one Feed tick under async enqueue mode, then flushes.
// If hostCallback is non-nil it is invoked with the tick's Feed error
// on its own goroutine while the flush is in progress — for
// overlapping the next tick's host-side prep with this tick's device
// queue draining. FeedAsync returns once both have finished.
func (dp *DevicePipeline) FeedAsync(hostCallback func(error)) error {
	dp.FeedAsyncBegin()
	err := dp.Feed()
	var wg sync.WaitGroup
	if hostCallback != nil {
		wg.Add(1)
		go func(feedErr error) {
			defer wg.Done()
			hostCallback(feedErr)
		}(err)
	}
	if ferr := dp.FeedAsyncEnd(); err == nil {
		err = ferr
	}
	wg.Wait()
	return err
}

// TimelineOverlap reports whether recorded stage dispatches showed
// overlapping submit/complete windows. The windows are the pipeline's
// own wall-clock timings taken around each Compute call, one slot per
// queue (stage index modulo the queue count), so they exist for any
// Driver, nulldriver included. In serial mode, or with fewer than 2
// queue slots, it reports (false, true); with fewer than 2 slots
// holding a sample it reports available=false.
func (dp *DevicePipeline) TimelineOverlap() (overlapped bool, available bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.mode == deviceFeedSerial || len(dp.timings) < 2 {
		return false, true
	}

	valid := 0
	for _, t := range dp.timings {
		if t.submitNs != 0 {
			valid++
		}
	}
	if valid < 2 {
		return false, false
	}

	for i := 0; i < len(dp.timings); i++ {
		for j := i + 1; j < len(dp.timings); j++ {
			a, b := dp.timings[i], dp.timings[j]
			if a.submitNs == 0 || b.submitNs == 0 {
				continue
			}
			if a.submitNs < b.completeNs && b.submitNs < a.completeNs {
				return true, true
			}
		}
	}
	return false, true
}
