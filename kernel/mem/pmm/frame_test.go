package pmm

import (
	"testing"

	"github.com/achilleasa/gopher-os/kernel/mem"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.IsValid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<mem.PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.IsValid() {
		t.Error("expected InvalidFrame.IsValid() to return false")
	}
}

func TestFrameRecord(t *testing.T) {
	var rec FrameRecord
	if rec.Parent != NoParent {
		t.Errorf("expected zero-value FrameRecord to have NoParent; got %v", rec.Parent)
	}

	rec.RefCount = 2
	rec.Parent = ParentHandle(42)
	if rec.RefCount != 2 || rec.Parent != ParentHandle(42) {
		t.Errorf("unexpected FrameRecord contents: %+v", rec)
	}
}
