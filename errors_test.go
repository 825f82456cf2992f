package hetero

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CompileProgram", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "CompileProgram" {
		t.Errorf("Expected Op=CompileProgram, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "hetero: invalid queue depth (op=CompileProgram)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("Dispatch", 2, ErrCodeNoMatchingDevice, "device offline")

	if err.DeviceID != 2 {
		t.Errorf("Expected DeviceID=2, got %d", err.DeviceID)
	}

	expected := "hetero: device offline (op=Dispatch)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestQueueError(t *testing.T) {
	err := NewQueueError("Dispatch", 4, 1, ErrCodeQueueOutOfRange, "queue stalled")

	if err.DeviceID != 4 {
		t.Errorf("Expected DeviceID=4, got %d", err.DeviceID)
	}
	if err.Queue != 1 {
		t.Errorf("Expected Queue=1, got %d", err.Queue)
	}
}

func TestKernelError(t *testing.T) {
	err := NewKernelError("CompileProgram", "scaleKernel", ErrCodeCompileFailed, "syntax error")

	if err.Kernel != "scaleKernel" {
		t.Errorf("Expected Kernel=scaleKernel, got %s", err.Kernel)
	}
	if !IsCode(err, ErrCodeCompileFailed) {
		t.Error("expected ErrCodeCompileFailed")
	}
}

func TestWrapError(t *testing.T) {
	inner := fmt.Errorf("underlying failure")
	err := WrapError("Flush", inner)

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected default wrap code, got %s", err.Code)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner cause")
	}
}

func TestWrapErrorPreservesStructured(t *testing.T) {
	inner := NewKernelError("Dispatch", "addKernel", ErrCodeUnboundArgument, "arg 2 unbound")
	wrapped := WrapError("enqueueMode", inner)

	if wrapped.Code != ErrCodeUnboundArgument {
		t.Errorf("expected code to survive wrap, got %s", wrapped.Code)
	}
	if wrapped.Kernel != "addKernel" {
		t.Errorf("expected kernel to survive wrap, got %s", wrapped.Kernel)
	}
	if wrapped.Op != "enqueueMode" {
		t.Errorf("expected op to be updated to enqueueMode, got %s", wrapped.Op)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TimelineOverlap", ErrCodeUnsupportedKind, "no profiling timestamps")

	if !IsCode(err, ErrCodeUnsupportedKind) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeCompileFailed) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeUnsupportedKind) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestErrorIsByCode(t *testing.T) {
	a := NewError("op1", ErrCodePoolClosed, "pool closed")
	b := &Error{Code: ErrCodePoolClosed}

	if !errors.Is(a, b) {
		t.Error("expected errors.Is to match by category code")
	}
}
