package hetero

import (
	"testing"

	"github.com/hetercomp/hetero/internal/nulldriver"
)

func TestStageBufferActiveInactiveSwitch(t *testing.T) {
	drv := nulldriver.New(1)
	sb, err := NewStageBuffer(drv, F32, 4, 4, true)
	if err != nil {
		t.Fatalf("NewStageBuffer: %v", err)
	}

	if !sb.Duplicated() {
		t.Fatal("expected duplicated buffer")
	}
	if sb.Active() == sb.Inactive() {
		t.Fatal("active and inactive sides must differ for a duplicated buffer")
	}

	inactive := sb.Inactive()
	sb.switchBuffers()
	if sb.Active() != inactive {
		t.Fatal("switchBuffers should promote the previous inactive side to active")
	}
}

// TestStageBufferKindLengthInvariant checks the quantified invariant
// that a duplicated buffer's two sides always agree on kind and
// length.
func TestStageBufferKindLengthInvariant(t *testing.T) {
	drv := nulldriver.New(1)
	sb, err := NewStageBuffer(drv, F64, 16, 8, true)
	if err != nil {
		t.Fatalf("NewStageBuffer: %v", err)
	}
	if sb.Active().Kind() != sb.Inactive().Kind() {
		t.Fatal("kind mismatch between primary and duplicate")
	}
	if sb.Active().Len() != sb.Inactive().Len() {
		t.Fatal("length mismatch between primary and duplicate")
	}
}

func TestStageBufferNonDuplicated(t *testing.T) {
	drv := nulldriver.New(1)
	sb, err := NewStageBuffer(drv, U8, 8, 1, false)
	if err != nil {
		t.Fatalf("NewStageBuffer: %v", err)
	}
	if sb.Duplicated() {
		t.Fatal("expected non-duplicated buffer")
	}
	if sb.Active() != sb.Inactive() {
		t.Fatal("non-duplicated buffer must report the same side for Active and Inactive")
	}
	sb.switchBuffers() // no-op
	if sb.Active() != sb.Inactive() {
		t.Fatal("switchBuffers must be a no-op on a non-duplicated buffer")
	}
}
