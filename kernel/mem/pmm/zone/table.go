package zone

import (
	"github.com/achilleasa/gopher-os/kernel/kfmt/early"
	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
)

// LowPrioBoundary marks the PFN below which frames are considered
// high-priority (scarce, e.g. DMA-capable); the free-zone search only falls
// back to them once every low-priority zone is exhausted. It is a package
// variable rather than a compile-time constant since Go has no
// arch-conditional const folding here; tests override it to exercise both
// sides of the boundary.
var LowPrioBoundary = pmm.Frame(0x100000)

// MaxZones bounds how many zones a Table may hold. ZoneCreate returns a
// hard error once this bound is reached.
var MaxZones = 64

// Table is the globally sorted zones table: strictly increasing by Base,
// with no overlaps.
type Table struct {
	Zones []*Zone
}

// confRange tracks the PFN range a zone's own bookkeeping was carved out of,
// when that placement happened inside the zone itself. A zero-length range
// means the zone's bookkeeping lives outside the zone (or, for a zone built
// directly via New, that no frame range was ever set aside for it).
type confRange struct {
	start pmm.Frame
	count uint32
}

// InsertZone inserts a new zone [base, base+count) with the given flags in
// sorted order. If the new zone is wholly contained in an existing
// same-flagged zone, it is silently dropped (returns false, no log); any
// other overlap logs a warning and is rejected.
func (t *Table) InsertZone(base pmm.Frame, count uint32, flags Flags) (int, bool) {
	if len(t.Zones) >= MaxZones {
		return -1, false
	}

	newEnd := base + pmm.Frame(count)
	insertAt := len(t.Zones)
	for i, z := range t.Zones {
		zEnd := z.End()

		overlaps := base < zEnd && z.Base < newEnd
		if overlaps {
			if flags == z.Flags && base >= z.Base && newEnd <= zEnd {
				return -1, false
			}
			early.Printf("[zone] rejecting zone [%d, %d) - overlaps existing zone [%d, %d)\n", uint64(base), uint64(newEnd), uint64(z.Base), uint64(zEnd))
			return -1, false
		}

		if base < z.Base {
			insertAt = i
			break
		}
	}

	z := New(base, count, flags)
	t.Zones = append(t.Zones, nil)
	copy(t.Zones[insertAt+1:], t.Zones[insertAt:])
	t.Zones[insertAt] = z

	return insertAt, true
}

// FindZone starts searching at hint % len(zones), wraps around, and returns
// the index of the first zone whose interval fully contains [pfn, pfn+count).
func (t *Table) FindZone(pfn pmm.Frame, count uint32, hint int) (int, bool) {
	n := len(t.Zones)
	if n == 0 {
		return -1, false
	}

	start := hint % n
	if start < 0 {
		start += n
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if t.Zones[idx].Contains(pfn, count) {
			return idx, true
		}
	}
	return -1, false
}

// findFreeZone is the shared implementation behind FindFreeZoneLowPrio and
// FindFreeZoneAll: it scans zones starting at hint, wrapping around, and
// returns the first Available zone (matching flagMask, if non-zero) that
// can satisfy count/constraint.
func (t *Table) findFreeZone(count uint32, flagMask Flags, constraint pmm.Frame, hint int, lowPrioOnly bool) (int, bool) {
	n := len(t.Zones)
	if n == 0 {
		return -1, false
	}

	start := hint % n
	if start < 0 {
		start += n
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		z := t.Zones[idx]

		if !z.Flags.Has(Available) {
			continue
		}
		if flagMask != 0 && !z.Flags.Has(flagMask) {
			continue
		}
		if lowPrioOnly && z.End()-1 < LowPrioBoundary {
			continue
		}

		if z.CanAlloc(count, LowPrioBoundary, constraint) {
			return idx, true
		}
	}
	return -1, false
}

// FindFreeZoneLowPrio skips any zone entirely below LowPrioBoundary.
func (t *Table) FindFreeZoneLowPrio(count uint32, flagMask Flags, constraint pmm.Frame, hint int) (int, bool) {
	return t.findFreeZone(count, flagMask, constraint, hint, true)
}

// FindFreeZoneAll considers every zone regardless of priority.
func (t *Table) FindFreeZoneAll(count uint32, flagMask Flags, constraint pmm.Frame, hint int) (int, bool) {
	return t.findFreeZone(count, flagMask, constraint, hint, false)
}

// FindFreeZone tries the low-priority pass first and falls back to scanning
// every zone if that fails.
func (t *Table) FindFreeZone(count uint32, flagMask Flags, constraint pmm.Frame, hint int) (int, bool) {
	if idx, ok := t.FindFreeZoneLowPrio(count, flagMask, constraint, hint); ok {
		return idx, true
	}
	return t.FindFreeZoneAll(count, flagMask, constraint, hint)
}

// Merge combines two adjacent Available zones with identical flags into
// one, requiring j == i+1. The merged zone spans from zones[i].Base to
// zones[j].End(); any gap between them is kept busy. Any frames either
// source zone had set aside for its own bookkeeping (see ZoneCreate) are
// freed back into the merged zone, since the new zone's bookkeeping no
// longer lives there.
func (t *Table) Merge(i, j int) bool {
	if j != i+1 || i < 0 || j >= len(t.Zones) {
		return false
	}

	a, b := t.Zones[i], t.Zones[j]
	if a.Flags != b.Flags || !a.Flags.Has(Available) {
		return false
	}

	base := a.Base
	count := uint32(b.End() - base)
	merged := New(base, count, a.Flags)

	copyZone := func(src *Zone) {
		offset := uint32(src.Base - base)
		for k := uint32(0); k < src.Count; k++ {
			if src.bitmap.Get(k) {
				merged.bitmap.Set(offset+k, true)
				merged.frames[offset+k] = src.frames[k]
				merged.FreeCount--
				merged.BusyCount++
			}
		}
	}
	copyZone(a)
	copyZone(b)

	// The gap (if any) between the two source zones' intervals, and any
	// hole that was never covered by either zone, is kept busy.
	gapStart := uint32(a.End() - base)
	gapEnd := uint32(b.Base - base)
	for k := gapStart; k < gapEnd; k++ {
		if !merged.bitmap.Get(k) {
			merged.bitmap.Set(k, true)
			merged.frames[k].RefCount = 1
			merged.FreeCount--
			merged.BusyCount++
		}
	}

	returnConfigFrames := func(src *Zone) {
		if src.conf.count == 0 {
			return
		}
		offset := uint32(src.conf.start - base)
		for k := offset; k < offset+src.conf.count; k++ {
			if merged.bitmap.Get(k) && merged.frames[k].RefCount == 1 && merged.frames[k].Parent == pmm.NoParent {
				merged.bitmap.Set(k, false)
				merged.frames[k].RefCount = 0
				merged.FreeCount++
				merged.BusyCount--
			}
		}
	}
	returnConfigFrames(a)
	returnConfigFrames(b)

	t.Zones[i] = merged
	t.Zones = append(t.Zones[:j], t.Zones[j+1:]...)
	return true
}

// MergeAll drives Merge across adjacent zone pairs until no more merges are
// possible.
func (t *Table) MergeAll() {
	for {
		merged := false
		for i := 0; i+1 < len(t.Zones); i++ {
			if t.Merge(i, i+1) {
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}
