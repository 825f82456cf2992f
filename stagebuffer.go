package hetero

import (
	"sync/atomic"

	"github.com/hetercomp/hetero/internal/driver"
)

// StageBuffer is a device-resident array owned by one Stage. Most
// buffers are double-buffered (a primary and a duplicate side) so a
// stage can write its next output while a downstream stage still
// reads the previous result; switchBuffers() flips which side is
// "current" with a single atomic store. Hidden, internal, and
// transition-second-side buffers are non-duplicated: only one side
// ever exists, since nothing downstream needs to see their previous
// value.
type StageBuffer struct {
	kind        ElementKind
	length      int
	elementSize int

	duplicated bool
	primary    driver.Buffer
	duplicate  driver.Buffer // nil when !duplicated

	// current is 0 when primary is the active side, 1 when duplicate is.
	current atomic.Int32
}

// NewStageBuffer allocates a StageBuffer of kind/length via drv.
// duplicated controls whether a second side is allocated; non-
// duplicated buffers are appropriate for hidden state, internal
// scratch space, and the second side of a transition array.
func NewStageBuffer(drv driver.Driver, kind ElementKind, length int, elementSize int, duplicated bool) (*StageBuffer, error) {
	if elementSize <= 0 {
		elementSize = kind.elementSize()
	}
	primary, err := drv.AllocBuffer(kind.driverKind(), length, elementSize)
	if err != nil {
		return nil, WrapError("NewStageBuffer", err)
	}
	sb := &StageBuffer{kind: kind, length: length, elementSize: elementSize, duplicated: duplicated, primary: primary}
	if duplicated {
		dup, err := drv.AllocBuffer(kind.driverKind(), length, elementSize)
		if err != nil {
			primary.Release()
			return nil, WrapError("NewStageBuffer", err)
		}
		sb.duplicate = dup
	}
	return sb, nil
}

// Kind reports the buffer's element kind.
func (sb *StageBuffer) Kind() ElementKind { return sb.kind }

// Len reports the element count.
func (sb *StageBuffer) Len() int { return sb.length }

// ElementSize reports the per-element byte width.
func (sb *StageBuffer) ElementSize() int { return sb.elementSize }

// Duplicated reports whether this buffer has a second side.
func (sb *StageBuffer) Duplicated() bool { return sb.duplicated }

// Active returns the currently-readable side's underlying driver
// buffer.
func (sb *StageBuffer) Active() driver.Buffer {
	if sb.current.Load() == 0 || !sb.duplicated {
		return sb.primary
	}
	return sb.duplicate
}

// Inactive returns the non-current side, the one a stage should write
// its next result into. For non-duplicated buffers this is the same
// side as Active, since there is nothing to double-buffer.
func (sb *StageBuffer) Inactive() driver.Buffer {
	if !sb.duplicated {
		return sb.primary
	}
	if sb.current.Load() == 0 {
		return sb.duplicate
	}
	return sb.primary
}

// switchBuffers atomically flips which side is active. A no-op on
// non-duplicated buffers.
func (sb *StageBuffer) switchBuffers() {
	if !sb.duplicated {
		return
	}
	for {
		cur := sb.current.Load()
		next := int32(0)
		if cur == 0 {
			next = 1
		}
		if sb.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Release frees both sides' device resources.
func (sb *StageBuffer) Release() {
	if sb.primary != nil {
		sb.primary.Release()
	}
	if sb.duplicate != nil {
		sb.duplicate.Release()
	}
}
