package zone

import (
	"testing"

	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
)

// A single-zone alloc/free round-trips busy/free counts and bitmap bits.
func TestZoneAllocFree(t *testing.T) {
	z := New(pmm.Frame(0x100), 64, Available|Lowmem)

	idx, ok := z.Alloc(4, pmm.Frame(0xffffffff), pmm.Frame(0))
	if !ok {
		t.Fatal("expected Alloc to succeed")
	}
	if idx != 0 {
		t.Fatalf("expected allocation at local index 0; got %d", idx)
	}
	if z.BusyCount != 4 || z.FreeCount != 60 {
		t.Fatalf("expected busy=4 free=60; got busy=%d free=%d", z.BusyCount, z.FreeCount)
	}
	for i := uint32(0); i < 4; i++ {
		if !z.bitmap.Get(i) {
			t.Errorf("expected bit %d to be set", i)
		}
	}

	for i := idx; i < idx+4; i++ {
		if freed := z.Free(i); freed != 1 {
			t.Errorf("expected Free(%d) to report 1 freed frame", i)
		}
	}
	if z.BusyCount != 0 || z.FreeCount != 64 {
		t.Fatalf("expected busy=0 free=64 after freeing; got busy=%d free=%d", z.BusyCount, z.FreeCount)
	}
	for i := uint32(0); i < 4; i++ {
		if z.bitmap.Get(i) {
			t.Errorf("expected bit %d to be cleared after free", i)
		}
	}
}

// Refcount idempotence law: one alloc, N reference_add calls, N+1 frees.
func TestZoneRefcountIdempotence(t *testing.T) {
	z := New(pmm.Frame(0), 8, Available)

	idx, ok := z.Alloc(1, pmm.Frame(7), pmm.Frame(0))
	if !ok {
		t.Fatal("expected Alloc to succeed")
	}

	const n = 3
	for i := 0; i < n; i++ {
		z.ReferenceAdd(idx)
	}

	for i := 0; i < n; i++ {
		if freed := z.Free(idx); freed != 0 {
			t.Fatalf("expected intermediate Free to report 0 freed frames, got %d on iteration %d", freed, i)
		}
	}
	if freed := z.Free(idx); freed != 1 {
		t.Fatalf("expected final Free to report 1 freed frame; got %d", freed)
	}
	if z.bitmap.Get(idx) {
		t.Fatal("expected bitmap bit to be cleared after the last reference is dropped")
	}
}

// MarkUnavailable reserves a frame so a later Alloc skips over it.
func TestZoneMarkUnavailable(t *testing.T) {
	z := New(pmm.Frame(0), 8, Available)

	z.MarkUnavailable(0)
	if z.FreeCount != 7 {
		t.Fatalf("expected free count 7 after marking one frame unavailable; got %d", z.FreeCount)
	}

	idx, ok := z.Alloc(1, pmm.Frame(7), pmm.Frame(0))
	if !ok {
		t.Fatal("expected Alloc to succeed")
	}
	if idx == 0 {
		t.Fatal("expected Alloc to skip the unavailable frame 0")
	}
}

func TestZoneDoubleFreePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected double-free to panic")
		}
	}()

	z := New(pmm.Frame(0), 4, Available)
	idx, _ := z.Alloc(1, pmm.Frame(3), pmm.Frame(0))
	z.Free(idx)
	z.Free(idx)
}

func TestZoneCanAllocDoesNotMutate(t *testing.T) {
	z := New(pmm.Frame(0), 16, Available)

	if !z.CanAlloc(4, pmm.Frame(15), pmm.Frame(0)) {
		t.Fatal("expected CanAlloc to report success")
	}
	if z.BusyCount != 0 || z.FreeCount != 16 {
		t.Fatal("expected CanAlloc to leave the zone state unchanged")
	}
}

func TestConfSize(t *testing.T) {
	a := ConfSize(64)
	b := ConfSize(128)
	if b <= a {
		t.Fatalf("expected ConfSize to grow with frame count; ConfSize(64)=%d ConfSize(128)=%d", a, b)
	}
}
