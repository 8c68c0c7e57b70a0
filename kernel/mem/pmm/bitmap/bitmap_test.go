package bitmap

import (
	"testing"

	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
)

func TestSetGetClearRange(t *testing.T) {
	b := New(64)

	b.SetRange(4, 8)
	for i := uint32(0); i < 64; i++ {
		exp := i >= 4 && i < 12
		if got := b.Get(i); got != exp {
			t.Errorf("bit %d: expected %v; got %v", i, exp, got)
		}
	}

	b.ClearRange(4, 8)
	for i := uint32(0); i < 64; i++ {
		if b.Get(i) {
			t.Errorf("bit %d: expected cleared", i)
		}
	}

	b.Set(10, true)
	if !b.Get(10) {
		t.Error("expected bit 10 to be set")
	}
	b.Set(10, false)
	if b.Get(10) {
		t.Error("expected bit 10 to be cleared")
	}
}

// With no constraint, AllocateRange picks the first free run.
func TestAllocateRangeBasic(t *testing.T) {
	b := New(64)

	var idx uint32
	if ok := b.AllocateRange(4, pmm.Frame(0x100), pmm.Frame(0xffffffff), pmm.Frame(0), &idx); !ok {
		t.Fatal("expected AllocateRange to succeed")
	}
	if idx != 0 {
		t.Fatalf("expected allocation to start at index 0; got %d", idx)
	}
	for i := uint32(0); i < 4; i++ {
		if !b.Get(i) {
			t.Errorf("expected bit %d to be set after allocation", i)
		}
	}
}

// A constraint picks out an aligned run.
func TestAllocateRangeConstraint(t *testing.T) {
	b := New(1024)

	var idx uint32
	ok := b.AllocateRange(1, pmm.Frame(0), pmm.Frame(1023), pmm.Frame(0x7), &idx)
	if !ok {
		t.Fatal("expected AllocateRange to succeed")
	}
	if pfn := pmm.Frame(idx); uint64(pfn)&0x7 != 0 {
		t.Fatalf("expected allocated PFN to have its low 3 bits clear; got %#x", pfn)
	}
	if idx != 0 {
		t.Fatalf("expected the first aligned frame (PFN 0) to be chosen; got %d", idx)
	}
}

// Probe-only mode (out == nil) must not mutate the bitmap.
func TestAllocateRangeProbeOnly(t *testing.T) {
	b := New(16)

	if ok := b.AllocateRange(4, pmm.Frame(0), pmm.Frame(15), pmm.Frame(0), nil); !ok {
		t.Fatal("expected probe to report success")
	}
	for i := uint32(0); i < 16; i++ {
		if b.Get(i) {
			t.Fatal("expected probe-only AllocateRange to leave the bitmap unchanged")
		}
	}
}

func TestAllocateRangeExhausted(t *testing.T) {
	b := New(4)
	b.SetRange(0, 4)

	var idx uint32
	if ok := b.AllocateRange(1, pmm.Frame(0), pmm.Frame(3), pmm.Frame(0), &idx); ok {
		t.Fatal("expected AllocateRange to fail on a fully busy bitmap")
	}
}

// Low-priority preference fallback: when no free run ends at or below the
// boundary, a run above it is chosen instead.
func TestAllocateRangeLowPrioPreference(t *testing.T) {
	b := New(8)
	// Mark everything below index 4 busy so only the high half is free.
	b.SetRange(0, 4)

	var idx uint32
	// lowPrioBoundary of 3 means only frames 0-3 count as low priority;
	// none of those are free, so the lowprio pass must fail and the
	// fallback all-zone pass must find index 4.
	if ok := b.AllocateRange(1, pmm.Frame(0), pmm.Frame(3), pmm.Frame(0), &idx); !ok {
		t.Fatal("expected AllocateRange to fall back to the high-priority region")
	}
	if idx != 4 {
		t.Fatalf("expected fallback allocation at index 4; got %d", idx)
	}
}
