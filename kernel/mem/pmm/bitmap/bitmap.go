// Package bitmap implements the dense, per-zone free-space index the frame
// allocator searches for runs of clear bits under alignment and priority
// constraints.
package bitmap

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
)

// Bitmap is a dense 0/1 array over a zone's frames. Bit i is set iff frame
// i (relative to the zone's base) is busy or unavailable.
type Bitmap struct {
	bits *bitset.BitSet
	n    uint32
}

// New allocates a bitmap large enough to track nBits frames. Contents are
// undefined until ClearRange is called.
func New(nBits uint32) *Bitmap {
	return &Bitmap{
		bits: bitset.New(uint(nBits)),
		n:    nBits,
	}
}

// Len returns the number of bits tracked by this bitmap.
func (b *Bitmap) Len() uint32 { return b.n }

// Get returns the value of bit i.
func (b *Bitmap) Get(i uint32) bool {
	return b.bits.Test(uint(i))
}

// Set assigns the value of bit i.
func (b *Bitmap) Set(i uint32, v bool) {
	if v {
		b.bits.Set(uint(i))
	} else {
		b.bits.Clear(uint(i))
	}
}

// SetRange sets [start, start+length) to 1.
func (b *Bitmap) SetRange(start, length uint32) {
	for i := start; i < start+length; i++ {
		b.bits.Set(uint(i))
	}
}

// ClearRange clears [start, start+length) to 0.
func (b *Bitmap) ClearRange(start, length uint32) {
	for i := start; i < start+length; i++ {
		b.bits.Clear(uint(i))
	}
}

// fits reports whether every bit in [i, i+count) is clear.
func (b *Bitmap) fits(i, count uint32) bool {
	if i+count > b.n {
		return false
	}
	for j := i; j < i+count; j++ {
		if b.bits.Test(uint(j)) {
			return false
		}
	}
	return true
}

// satisfiesConstraint reports whether the absolute PFN base+i has none of
// the bits set in constraint: a bitmask of PFN bits that must be zero in
// the first allocated frame, used to express alignment requirements.
func satisfiesConstraint(pfn pmm.Frame, constraint pmm.Frame) bool {
	return uint64(pfn)&uint64(constraint) == 0
}

// nextConstraintCandidate fast-skips to the next index whose absolute PFN
// could satisfy constraint, rather than probing one bit at a time: it
// advances by ((pfn | constraint) + 1) - base to jump past an entire run of
// constraint-violating addresses in one step.
func nextConstraintCandidate(i uint32, base, constraint pmm.Frame) uint32 {
	pfn := base + pmm.Frame(i)
	next := (pfn | constraint) + 1
	return uint32(next - base)
}

// AllocateRange searches for a run of count clear bits such that the
// absolute PFN base+i satisfies constraint, preferring (when out is
// non-nil and feasible) a run whose last frame is <= lowPrioBoundary. When
// out is non-nil and a run is found, the bits are set and the start index
// is written to *out; when out is nil the bitmap is left unchanged and this
// is purely a feasibility probe.
func (b *Bitmap) AllocateRange(count uint32, base pmm.Frame, lowPrioBoundary pmm.Frame, constraint pmm.Frame, out *uint32) bool {
	if count == 0 {
		return false
	}

	if idx, ok := b.searchRange(count, base, constraint, true, lowPrioBoundary); ok {
		if out != nil {
			b.SetRange(idx, count)
			*out = idx
		}
		return true
	}

	if idx, ok := b.searchRange(count, base, constraint, false, lowPrioBoundary); ok {
		if out != nil {
			b.SetRange(idx, count)
			*out = idx
		}
		return true
	}

	return false
}

// searchRange performs a single linear scan for a run of count clear bits
// satisfying constraint. When lowPrioOnly is true, candidate runs whose
// last frame exceeds lowPrioBoundary are skipped.
func (b *Bitmap) searchRange(count uint32, base, constraint pmm.Frame, lowPrioOnly bool, lowPrioBoundary pmm.Frame) (uint32, bool) {
	for i := uint32(0); i < b.n && b.n-i >= count; {
		pfn := base + pmm.Frame(i)
		if !satisfiesConstraint(pfn, constraint) {
			skip := nextConstraintCandidate(i, base, constraint)
			if skip <= i {
				skip = i + 1
			}
			i = skip
			continue
		}

		if lowPrioOnly && base+pmm.Frame(i+count-1) > lowPrioBoundary {
			i++
			continue
		}

		if b.fits(i, count) {
			return i, true
		}
		i++
	}
	return 0, false
}
