// Package zone implements the zones table: a sorted collection of
// contiguous physical frame intervals, each backed by its own bitmap and
// frame-record array, that the allocator facade searches and mutates under
// a single zones-table lock.
package zone

import (
	"unsafe"

	"github.com/achilleasa/gopher-os/kernel"
	"github.com/achilleasa/gopher-os/kernel/mem"
	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
	"github.com/achilleasa/gopher-os/kernel/mem/pmm/bitmap"
)

// Flags is a bitset describing what a zone may be used for.
type Flags uint8

const (
	// Available zones participate in allocation.
	Available Flags = 1 << iota
	// Reserved zones are address-range annotations only; no bitmap or
	// frame records are allocated for them.
	Reserved
	// Firmware zones are owned by firmware (ACPI tables, SMM, etc).
	Firmware
	// Lowmem marks a zone as containing addressable low (DMA-capable) memory.
	Lowmem
	// Highmem marks a zone as containing memory above the low-memory boundary.
	Highmem
)

// Has reports whether all bits in mask are set in f.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

var (
	errZoneNotAvailable = &kernel.Error{Module: "zone", Message: "zone is not available for allocation"}
	errFrameNotBusy     = &kernel.Error{Module: "zone", Message: "Free called on a frame with refcount 0"}
	errFrameAlreadyBusy = &kernel.Error{Module: "zone", Message: "MarkUnavailable called on an already busy frame"}
	errRefcountOverflow = &kernel.Error{Module: "zone", Message: "Alloc observed a non-zero refcount on a supposedly clear frame"}
)

// Zone is a contiguous physical frame interval managed as one bitmap plus
// frame-record array. Zones are created once (at boot, or on the merge
// path) and never shrink; they disappear only by being merged into another
// zone.
type Zone struct {
	Base  pmm.Frame
	Count uint32
	Flags Flags

	FreeCount uint32
	BusyCount uint32

	bitmap *bitmap.Bitmap
	frames []pmm.FrameRecord

	// conf records the frame range this zone's own bookkeeping was
	// carved out of, when ZoneCreate placed it inside the zone itself.
	// A zero-length range means no such placement was made.
	conf confRange
}

// SetConfRange records the frame range used for this zone's own bookkeeping,
// so a later Merge can free it back into the merged zone (see Table.Merge).
func (z *Zone) SetConfRange(start pmm.Frame, count uint32) {
	z.conf = confRange{start: start, count: count}
}

// New constructs a Zone. For non-Available zones, bitmap and frames are left
// nil since they exist only as address-range annotations, never searched or
// mutated by the allocator.
func New(base pmm.Frame, count uint32, flags Flags) *Zone {
	z := &Zone{Base: base, Count: count, Flags: flags}
	if flags.Has(Available) {
		z.bitmap = bitmap.New(count)
		z.frames = make([]pmm.FrameRecord, count)
		z.FreeCount = count
	}
	return z
}

// End returns the first PFN past this zone's interval.
func (z *Zone) End() pmm.Frame { return z.Base + pmm.Frame(z.Count) }

// Contains reports whether [pfn, pfn+count) lies entirely within this zone.
func (z *Zone) Contains(pfn pmm.Frame, count uint32) bool {
	return pfn >= z.Base && pfn+pmm.Frame(count) <= z.End()
}

// ConfSize returns the number of bytes needed to hold the bookkeeping
// (frame-record array + bitmap) for a zone of count frames: one FrameRecord
// per frame plus one bit per frame, rounded up to whole 64-bit words.
func ConfSize(count uint32) mem.Size {
	var rec pmm.FrameRecord
	recBytes := mem.Size(count) * mem.Size(unsafe.Sizeof(rec))
	bitmapBytes := mem.Size((uint64(count) + 63) &^ 63 >> 3)
	return recBytes + bitmapBytes
}

// Alloc reserves a run of count frames satisfying constraint, searching the
// zone's bitmap with the low/high priority split governed by
// lowPrioBoundary. It requires the zone to be Available; every frame in the
// run is asserted to have a zero refcount before being set to 1.
func (z *Zone) Alloc(count uint32, lowPrioBoundary, constraint pmm.Frame) (localIndex uint32, ok bool) {
	if !z.Flags.Has(Available) {
		panic(errZoneNotAvailable)
	}

	var idx uint32
	if !z.bitmap.AllocateRange(count, z.Base, lowPrioBoundary, constraint, &idx) {
		return 0, false
	}

	for i := idx; i < idx+count; i++ {
		if z.frames[i].RefCount != 0 {
			panic(errRefcountOverflow)
		}
		z.frames[i].RefCount = 1
	}

	z.FreeCount -= count
	z.BusyCount += count
	return idx, true
}

// Free decrements the refcount of the frame at localIndex. If it reaches
// zero, the bitmap bit is cleared and Free reports 1 (the frame was
// actually released); otherwise it reports 0, making repeated Free calls on
// a shared frame a no-op until the last reference drops.
func (z *Zone) Free(localIndex uint32) uint32 {
	rec := &z.frames[localIndex]
	if rec.RefCount == 0 {
		panic(errFrameNotBusy)
	}

	rec.RefCount--
	if rec.RefCount > 0 {
		return 0
	}

	z.bitmap.Set(localIndex, false)
	rec.Parent = pmm.NoParent
	z.FreeCount++
	z.BusyCount--
	return 1
}

// ReferenceAdd increments the refcount of the frame at localIndex, used to
// make a frame shared: it must then be freed once per added reference
// before the bitmap bit is actually cleared.
func (z *Zone) ReferenceAdd(localIndex uint32) {
	z.frames[localIndex].RefCount++
}

// MarkUnavailable administratively reserves the frame at localIndex (used
// at boot for the kernel image, stack, init tasks and the NULL page). It
// refuses frames that are already busy.
func (z *Zone) MarkUnavailable(localIndex uint32) {
	rec := &z.frames[localIndex]
	if rec.RefCount != 0 {
		panic(errFrameAlreadyBusy)
	}

	rec.RefCount = 1
	z.bitmap.Set(localIndex, true)
	z.FreeCount--
	z.BusyCount++
}

// SetParent records the opaque parent handle for the frame at localIndex.
func (z *Zone) SetParent(localIndex uint32, parent pmm.ParentHandle) {
	z.frames[localIndex].Parent = parent
}

// GetParent returns the opaque parent handle for the frame at localIndex.
func (z *Zone) GetParent(localIndex uint32) pmm.ParentHandle {
	return z.frames[localIndex].Parent
}

// RefCount returns the current refcount of the frame at localIndex.
func (z *Zone) RefCount(localIndex uint32) uint32 {
	return z.frames[localIndex].RefCount
}

// CanAlloc is the pure feasibility probe variant of Alloc: it reports
// whether a run of count frames satisfying constraint exists, without
// reserving it.
func (z *Zone) CanAlloc(count uint32, lowPrioBoundary, constraint pmm.Frame) bool {
	if !z.Flags.Has(Available) {
		return false
	}
	return z.bitmap.AllocateRange(count, z.Base, lowPrioBoundary, constraint, nil)
}
