// Package hetero orchestrates heterogeneous-compute pipelines and
// task pools above a Driver (internal/driver, internal/nulldriver):
// an N-stage pipeline engine, a single-device multi-queue pipeline,
// and a task-pool/device-pool scheduler.
package hetero

import "github.com/hetercomp/hetero/internal/driver"

// ElementKind is the tagged-sum type describing the element layout of
// a StageBuffer or Task argument.
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

// String names an ElementKind for logging and error messages.
func (k ElementKind) String() string {
	switch k {
	case F32:
		return "F32"
	case F64:
		return "F64"
	case U8:
		return "U8"
	case I8:
		return "I8"
	case I32:
		return "I32"
	case U32:
		return "U32"
	case I64:
		return "I64"
	case Struct:
		return "STRUCT"
	default:
		return "UNKNOWN"
	}
}

// driverKind maps the public ElementKind to the internal driver
// package's mirror enum, since internal/driver cannot import this
// package (it would create an import cycle).
func (k ElementKind) driverKind() driver.ElementKind {
	return driver.ElementKind(k)
}

// elementSize reports the byte width of one element of this kind. For
// Struct it returns 0; callers must supply an explicit element size
// since no runtime type reflection backs the STRUCT kind.
func (k ElementKind) elementSize() int {
	switch k {
	case F32, I32, U32:
		return 4
	case F64, I64:
		return 8
	case U8, I8:
		return 1
	default:
		return 0
	}
}

// AcceleratorKind is a bitmask selecting which device classes a
// CruncherFacade should bind to.
type AcceleratorKind int

const (
	AcceleratorCPU AcceleratorKind = 1 << iota
	AcceleratorGPU
	AcceleratorAccelerator // e.g. FPGA/DSP-class devices exposed by the Driver
)

// Has reports whether kind includes the other bit.
func (k AcceleratorKind) Has(other AcceleratorKind) bool {
	return k&other != 0
}
