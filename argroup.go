package hetero

import "github.com/hetercomp/hetero/internal/driver"

// ArgGroup is an ordered, immutable-by-convention value type chaining
// kernel argument bindings. Each call returns a new ArgGroup so a base
// group can be reused as a template across many Dispatch calls without
// aliasing (spec §9's "ArgGroup value type for argument chaining").
type ArgGroup struct {
	bindings []driver.ArgBinding
}

// NewArgGroup starts an empty argument chain.
func NewArgGroup() ArgGroup {
	return ArgGroup{}
}

func (g ArgGroup) append(b driver.ArgBinding) ArgGroup {
	next := make([]driver.ArgBinding, len(g.bindings)+1)
	copy(next, g.bindings)
	next[len(g.bindings)] = b
	return ArgGroup{bindings: next}
}

// Read appends a read-only buffer argument.
func (g ArgGroup) Read(buf *StageBuffer) ArgGroup {
	return g.append(driver.ArgBinding{Buf: buf.Active(), Read: true})
}

// Write appends a write-only buffer argument, binding the inactive
// side so the active side remains valid for any concurrent reader
// until switchBuffers() runs.
func (g ArgGroup) Write(buf *StageBuffer) ArgGroup {
	return g.append(driver.ArgBinding{Buf: buf.Inactive(), Write: true})
}

// ReadWrite appends an in-place read/write buffer argument.
func (g ArgGroup) ReadWrite(buf *StageBuffer) ArgGroup {
	return g.append(driver.ArgBinding{Buf: buf.Active(), Read: true, Write: true})
}

// PartialRead appends a read argument flagged as partial, signalling
// to the Driver that only a sub-range is consumed.
func (g ArgGroup) PartialRead(buf *StageBuffer) ArgGroup {
	b := driver.ArgBinding{Buf: buf.Active(), Read: true, PartialRead: true}
	return g.append(b)
}

// bind appends an argument with explicit read/write flags, for callers
// that need finer control than Read/Write/ReadWrite/PartialRead offer
// — PipelineStage's enqueueMode chaining rewrites flags per kernel
// position and needs to bind a buffer with both flags off.
func (g ArgGroup) bind(buf driver.Buffer, read, write bool) ArgGroup {
	return g.append(driver.ArgBinding{Buf: buf, Read: read, Write: write})
}

// Bindings returns the accumulated argument list in declaration order.
func (g ArgGroup) Bindings() []driver.ArgBinding {
	out := make([]driver.ArgBinding, len(g.bindings))
	copy(out, g.bindings)
	return out
}

// Len reports the number of bound arguments.
func (g ArgGroup) Len() int { return len(g.bindings) }
