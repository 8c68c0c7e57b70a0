// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"github.com/achilleasa/gopher-os/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// ParentHandle is an opaque reference to the frame a slab or higher-order
// allocation was carved out of. A zero ParentHandle means the frame has no
// parent and is tracked directly by the zone it belongs to.
type ParentHandle Frame

// NoParent is the zero value for ParentHandle, denoting a frame with no parent.
const NoParent = ParentHandle(0)

// FrameRecord holds the per-frame bookkeeping a zone keeps alongside its
// allocation bitmap: how many references the frame currently has and, for
// frames handed out to a slab or higher-order allocator, which frame owns
// the underlying storage.
type FrameRecord struct {
	RefCount uint32
	Parent   ParentHandle
}
