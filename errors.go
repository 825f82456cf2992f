package hetero

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures into the four taxonomy groups the
// engine distinguishes: kernel compilation, argument/buffer binding,
// device/accelerator capability, and scheduling.
type ErrorCode string

const (
	// Compile errors: kernel source failed to build for one or more
	// bound devices.
	ErrCodeCompileFailed   ErrorCode = "kernel compile failed"
	ErrCodeKernelNotFound  ErrorCode = "kernel name not found in source"
	ErrCodeDuplicateKernel ErrorCode = "duplicate kernel name"

	// Binding errors: argument or buffer shape mismatches at dispatch
	// time.
	ErrCodeArgCountMismatch     ErrorCode = "argument count mismatch"
	ErrCodeBufferKindMismatch   ErrorCode = "buffer element kind mismatch"
	ErrCodeBufferLengthMismatch ErrorCode = "buffer length mismatch"
	ErrCodeUnboundArgument      ErrorCode = "argument not bound"

	// Capability errors: the requested accelerator selection or queue
	// configuration is not satisfiable by the Driver.
	ErrCodeNoMatchingDevice ErrorCode = "no device matched accelerator kind"
	ErrCodeQueueOutOfRange  ErrorCode = "queue index out of range"
	ErrCodeUnsupportedKind  ErrorCode = "element kind unsupported on device"

	// Scheduling errors: task pool / device pool misuse.
	ErrCodePoolClosed        ErrorCode = "pool already finished"
	ErrCodeGroupNotReady     ErrorCode = "task group not ready"
	ErrCodeInvalidDiscipline ErrorCode = "unknown scheduling discipline"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// Error is a structured hetero error carrying the op that failed,
// category code, and identifying context (device/queue/kernel).
type Error struct {
	Op       string    // operation that failed, e.g. "CompileProgram", "Dispatch"
	Code     ErrorCode // high-level category
	DeviceID int       // device index (-1 if not applicable)
	Queue    int       // queue/consumer index (-1 if not applicable)
	Kernel   string    // kernel name, if applicable
	Msg      string    // human-readable detail
	Inner    error     // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID >= 0 {
		parts = append(parts, fmt.Sprintf("device=%d", e.DeviceID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Kernel != "" {
		parts = append(parts, fmt.Sprintf("kernel=%s", e.Kernel))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("hetero: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("hetero: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by category code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error with no device/queue context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, DeviceID: -1, Queue: -1, Msg: msg}
}

// NewDeviceError creates a device-scoped structured error.
func NewDeviceError(op string, deviceID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a queue-scoped structured error.
func NewQueueError(op string, deviceID, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Queue: queue, Code: code, Msg: msg}
}

// NewKernelError creates a kernel-scoped structured error, for compile
// and binding failures tied to one named kernel.
func NewKernelError(op, kernel string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DeviceID: -1, Queue: -1, Kernel: kernel, Code: code, Msg: msg}
}

// WrapError wraps an existing error under a new operation name,
// preserving the original's code/context when it is already a
// structured *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{
			Op: op, DeviceID: he.DeviceID, Queue: he.Queue,
			Code: he.Code, Kernel: he.Kernel, Msg: he.Msg, Inner: he.Inner,
		}
	}
	return &Error{Op: op, DeviceID: -1, Queue: -1, Code: ErrCodeInvalidParameters, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}
