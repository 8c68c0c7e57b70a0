// Package allocator implements the physical frame allocator facade: zone
// search with reservation accounting and a slab reclaim ladder, the
// wait/wake protocol for callers blocked on memory shortage, and the
// diagnostic entry points used to create and merge zones.
package allocator

import (
	"github.com/achilleasa/gopher-os/kernel"
	"github.com/achilleasa/gopher-os/kernel/kfmt/early"
	"github.com/achilleasa/gopher-os/kernel/ksync"
	"github.com/achilleasa/gopher-os/kernel/mem"
	"github.com/achilleasa/gopher-os/kernel/mem/pmm"
	"github.com/achilleasa/gopher-os/kernel/mem/pmm/zone"
)

// Flag is a bitmask of request modifiers recognized by Alloc/AllocGeneric
// and Free/FreeGeneric.
type Flag uint8

const (
	// Atomic requests must not block; they return address 0 on shortage.
	Atomic Flag = 1 << iota
	// NoReserve skips the reservation-accountant debit/credit dance.
	NoReserve
	// NoReclaim skips the full slab.reclaim(all) escalation step.
	NoReclaim
	// LowMem restricts the search to zones flagged LOWMEM.
	LowMem
	// HighMem restricts the search to zones flagged HIGHMEM.
	HighMem
)

func zoneFlagMask(f Flag) zone.Flags {
	var mask zone.Flags
	if f&LowMem != 0 {
		mask |= zone.Lowmem
	}
	if f&HighMem != 0 {
		mask |= zone.Highmem
	}
	return mask
}

// ReclaimLevel selects how aggressively the slab reclaimer should run.
type ReclaimLevel uint8

const (
	// ReclaimPartial asks the reclaimer to free whatever it can cheaply.
	ReclaimPartial ReclaimLevel = iota
	// ReclaimAll asks the reclaimer to free everything it can.
	ReclaimAll
)

// Range describes a [Start, Start+Count) frame interval, used by ArchHook
// to report memory that must be excluded from a zone's configuration-frame
// placement search (kernel image, boot stack, init task images, boot
// allocator area).
type Range struct {
	Start pmm.Frame
	Count uint32
}

// ArchHook is the injection point for the architecture-specific memory
// probe that discovers the available physical memory map and reports which
// ranges must be excluded from zone bookkeeping placement. Only the
// interface is implemented here; a real memory-map prober is out of scope.
type ArchHook interface {
	Exclusions() []Range
	RegisterMemory(*Allocator) *kernel.Error
}

// StaticArchHook is an ArchHook backed by a fixed list of zones and
// exclusion ranges, suitable for tests and for callers that already know
// their memory map ahead of time.
type StaticArchHook struct {
	Zones    []ZoneSpec
	Excludes []Range
}

// ZoneSpec describes a zone to register via StaticArchHook.
type ZoneSpec struct {
	Start     pmm.Frame
	Count     uint32
	ConfFrame pmm.Frame
	Flags     zone.Flags
}

// Exclusions implements ArchHook.
func (h StaticArchHook) Exclusions() []Range { return h.Excludes }

// RegisterMemory implements ArchHook by creating every zone in h.Zones,
// keeping each zone's configuration frames clear of h.Exclusions().
func (h StaticArchHook) RegisterMemory(a *Allocator) *kernel.Error {
	for _, z := range h.Zones {
		if _, err := a.ZoneCreate(z.Start, z.Count, z.ConfFrame, z.Flags, h.Exclusions()...); err != nil {
			return err
		}
	}
	return nil
}

// ReservationAccountant is the external memory-floor gatekeeper: the
// allocator debits it before allocation and credits it on free.
type ReservationAccountant interface {
	ForceAlloc(count uint32)
	Free(count uint32)
}

// NopReservation is a ReservationAccountant that imposes no memory floor,
// used when the allocator is wired up without one (early boot, tests).
type NopReservation struct{}

// ForceAlloc implements ReservationAccountant.
func (NopReservation) ForceAlloc(uint32) {}

// Free implements ReservationAccountant.
func (NopReservation) Free(uint32) {}

// SlabReclaimer is the up-call into the slab allocator's shrinker, modelled
// as a capability rather than a hard link so the allocator remains usable
// without a slab subsystem.
type SlabReclaimer interface {
	Reclaim(level ReclaimLevel) uint32
}

// NopReclaimer is a SlabReclaimer that never frees anything.
type NopReclaimer struct{}

// Reclaim implements SlabReclaimer.
func (NopReclaimer) Reclaim(ReclaimLevel) uint32 { return 0 }

var (
	errZeroCount            = &kernel.Error{Module: "allocator", Message: "alloc called with count == 0"}
	errFrameNotInAnyZone    = &kernel.Error{Module: "allocator", Message: "frame does not belong to any zone"}
	errOutOfMemoryPreThread = &kernel.Error{Module: "allocator", Message: "out of memory before the thread subsystem is up"}
	errZoneConfPlacement    = &kernel.Error{Module: "allocator", Message: "ZoneCreate: no fitting placement for configuration frames"}
	errTooManyZones         = &kernel.Error{Module: "allocator", Message: "ZoneCreate: zones table is full"}
)

// panicFn is called for invariant violations that must halt the kernel
// rather than propagate as an ordinary error (configuration frames that
// cannot be placed, allocation shortages observed before the thread
// subsystem exists to wait on). It defaults to kernel.Panic and is
// overridden by tests so those conditions can be exercised without actually
// halting.
var panicFn = kernel.Panic

// StatsSnapshot is a point-in-time snapshot of allocator-wide counters, taken
// under the zones lock but formatted/read without it so formatting never
// holds up other lockers.
type StatsSnapshot struct {
	Total        uint64
	Unavailable  uint64
	Busy         uint64
	Free         uint64
	LowMemFree   uint64
	HighMemFree  uint64
	HighPrioFree uint64
}

// Allocator is the physical frame allocator facade: a zones table guarded
// by a single IRQ-safe spinlock, plus the reservation accountant and slab
// reclaimer collaborators and the wait queue blocked callers sleep on.
type Allocator struct {
	lock  ksync.IRQSpinlock
	table zone.Table
	wait  waitQueue

	Reservation ReservationAccountant
	Reclaimer   SlabReclaimer

	// ThreadSubsystemUp gates the wait path: before the thread subsystem
	// is initialized there is no one to wait as, so an unsatisfiable
	// sleepable request panics instead of blocking forever.
	ThreadSubsystemUp bool
}

// Default is the single process-wide allocator instance, for callers that
// don't need to construct and wire up their own.
var Default Allocator

// FrameInit initializes the zones table and invokes hook to register the
// available memory. If PFN 0 then lies in a free frame of an Available zone,
// it is marked unavailable so that address 0 is never handed out. It is
// meant to be called once, at boot, on one CPU.
func (a *Allocator) FrameInit(hook ArchHook) *kernel.Error {
	if a.Reservation == nil {
		a.Reservation = NopReservation{}
	}
	if a.Reclaimer == nil {
		a.Reclaimer = NopReclaimer{}
	}

	if hook == nil {
		return nil
	}
	if err := hook.RegisterMemory(a); err != nil {
		return err
	}

	st := a.lock.Lock()
	idx, ok := a.table.FindZone(0, 1, 0)
	reserveNull := ok && a.table.Zones[idx].Flags.Has(zone.Available) && a.table.Zones[idx].RefCount(0) == 0
	if reserveNull {
		a.table.Zones[idx].MarkUnavailable(0)
	}
	a.lock.Unlock(st)
	if reserveNull {
		a.Reservation.ForceAlloc(1)
	}
	return nil
}

// Alloc is AllocGeneric with no zone-hint tracking.
func (a *Allocator) Alloc(count uint32, flags Flag, constraint pmm.Frame) uintptr {
	return a.AllocGeneric(count, flags, constraint, nil)
}

// AllocGeneric debits the reservation accountant, then loops searching the
// zones table for a satisfying zone, escalating through partial and full
// reclaim and finally blocking (unless Atomic) on shortage, until a zone is
// found and the frames are reserved from it.
func (a *Allocator) AllocGeneric(count uint32, flags Flag, constraint pmm.Frame, zoneHint *int) uintptr {
	if count == 0 {
		panic(errZeroCount)
	}

	if flags&NoReserve == 0 {
		a.Reservation.ForceAlloc(count)
	}

	hint := 0
	if zoneHint != nil {
		hint = *zoneHint
	}
	flagMask := zoneFlagMask(flags)

	for {
		st := a.lock.Lock()
		idx, ok := a.table.FindFreeZone(count, flagMask, constraint, hint)
		if ok {
			z := a.table.Zones[idx]
			localIdx, _ := z.Alloc(count, zone.LowPrioBoundary, constraint)
			pfn := z.Base + pmm.Frame(localIdx)
			if zoneHint != nil {
				*zoneHint = idx
			}
			a.lock.Unlock(st)
			return pfn.Address()
		}
		a.lock.Unlock(st)

		if freed := a.Reclaimer.Reclaim(ReclaimPartial); freed > 0 {
			continue
		}

		if flags&NoReclaim == 0 {
			if freed := a.Reclaimer.Reclaim(ReclaimAll); freed > 0 {
				continue
			}
		}

		if flags&Atomic != 0 {
			if flags&NoReserve == 0 {
				a.Reservation.Free(count)
			}
			return 0
		}

		if !a.ThreadSubsystemUp {
			panicFn(errOutOfMemoryPreThread)
			return 0
		}

		a.wait.Wait(count)
	}
}

// Free is FreeGeneric with no flags.
func (a *Allocator) Free(addr uintptr, count uint32) {
	a.FreeGeneric(addr, count, 0)
}

// FreeNoReserve is FreeGeneric with NoReserve set.
func (a *Allocator) FreeNoReserve(addr uintptr, count uint32) {
	a.FreeGeneric(addr, count, NoReserve)
}

// FreeGeneric releases every PFN in the run, publishes a wake-up regardless
// of how many frames were actually freed (a concurrent free elsewhere may
// already have satisfied a waiter), and credits the reservation accountant
// by the freed count.
func (a *Allocator) FreeGeneric(addr uintptr, count uint32, flags Flag) {
	pfn := pmm.Frame(addr >> mem.PageShift)

	var freed uint32
	st := a.lock.Lock()
	hint := 0
	for i := uint32(0); i < count; i++ {
		cur := pfn + pmm.Frame(i)
		idx, ok := a.table.FindZone(cur, 1, hint)
		if !ok {
			a.lock.Unlock(st)
			panic(errFrameNotInAnyZone)
		}
		hint = idx
		z := a.table.Zones[idx]
		freed += z.Free(uint32(cur - z.Base))
	}
	a.lock.Unlock(st)

	a.wait.NotifyFreed(freed)

	if flags&NoReserve == 0 && freed > 0 {
		a.Reservation.Free(freed)
	}
}

// ReferenceAdd increments the refcount of the frame at pfn.
func (a *Allocator) ReferenceAdd(pfn pmm.Frame) {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)

	idx, ok := a.table.FindZone(pfn, 1, 0)
	if !ok {
		panic(errFrameNotInAnyZone)
	}
	z := a.table.Zones[idx]
	z.ReferenceAdd(uint32(pfn - z.Base))
}

// MarkUnavailable administratively reserves [start, start+count) (used at
// boot for the kernel image, stack, init tasks and the NULL page) and
// debits the reservation accountant by count, since these frames are
// effectively gone.
func (a *Allocator) MarkUnavailable(start pmm.Frame, count uint32) {
	st := a.lock.Lock()
	idx, ok := a.table.FindZone(start, count, 0)
	if !ok {
		a.lock.Unlock(st)
		panic(errFrameNotInAnyZone)
	}
	z := a.table.Zones[idx]
	base := uint32(start - z.Base)
	for i := uint32(0); i < count; i++ {
		z.MarkUnavailable(base + i)
	}
	a.lock.Unlock(st)

	a.Reservation.ForceAlloc(count)
}

// SetParent records the opaque parent handle for the frame at pfn.
func (a *Allocator) SetParent(pfn pmm.Frame, parent pmm.ParentHandle, hint int) {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)

	idx, ok := a.table.FindZone(pfn, 1, hint)
	if !ok {
		panic(errFrameNotInAnyZone)
	}
	z := a.table.Zones[idx]
	z.SetParent(uint32(pfn-z.Base), parent)
}

// GetParent returns the opaque parent handle for the frame at pfn.
func (a *Allocator) GetParent(pfn pmm.Frame, hint int) pmm.ParentHandle {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)

	idx, ok := a.table.FindZone(pfn, 1, hint)
	if !ok {
		panic(errFrameNotInAnyZone)
	}
	z := a.table.Zones[idx]
	return z.GetParent(uint32(pfn - z.Base))
}

// confPlacement finds where to carve a zone's own bookkeeping (zone.ConfSize
// bytes, rounded up to whole pages) out of [start, start+count), sliding
// forward from confFrame until a non-excluded span of the required length
// is found.
func confPlacement(start pmm.Frame, count uint32, confFrame pmm.Frame, excludes []Range) (pmm.Frame, uint32, bool) {
	confBytes := zone.ConfSize(count)
	confPages := uint32((confBytes + mem.PageSize - 1) / mem.PageSize)

	zoneEnd := start + pmm.Frame(count)
	overlapsExclusion := func(s pmm.Frame, n uint32) bool {
		e := s + pmm.Frame(n)
		for _, ex := range excludes {
			exEnd := ex.Start + pmm.Frame(ex.Count)
			if s < exEnd && ex.Start < e {
				return true
			}
		}
		return false
	}

	for candidate := confFrame; candidate+pmm.Frame(confPages) <= zoneEnd; candidate++ {
		if !overlapsExclusion(candidate, confPages) {
			return candidate, confPages, true
		}
	}
	return 0, 0, false
}

// ZoneCreate creates a new zone [start, start+count) with the given flags.
// When confFrame lies inside the new zone, ZoneCreate slides it forward to
// find a placement for the zone's own bookkeeping that does not overlap any
// of the caller's exclusion ranges, then marks those frames unavailable; if
// no such placement exists the zone's own bookkeeping has nowhere to live,
// which is an unrecoverable condition.
func (a *Allocator) ZoneCreate(start pmm.Frame, count uint32, confFrame pmm.Frame, flags zone.Flags, excludes ...Range) (int, *kernel.Error) {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)

	insideZone := confFrame >= start && confFrame < start+pmm.Frame(count)

	idx, ok := a.table.InsertZone(start, count, flags)
	if !ok {
		if len(a.table.Zones) >= zone.MaxZones {
			return -1, errTooManyZones
		}
		return -1, nil
	}

	if !flags.Has(zone.Available) {
		return idx, nil
	}

	if insideZone {
		confStart, confPages, found := confPlacement(start, count, confFrame, excludes)
		if !found {
			panicFn(errZoneConfPlacement)
			return -1, errZoneConfPlacement
		}

		z := a.table.Zones[idx]
		base := uint32(confStart - start)
		for i := uint32(0); i < confPages; i++ {
			z.MarkUnavailable(base + i)
		}
		z.SetConfRange(confStart, confPages)
	}

	return idx, nil
}

// ZoneMerge merges zones[j] into zones[i]; see zone.Table.Merge.
func (a *Allocator) ZoneMerge(i, j int) bool {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)
	return a.table.Merge(i, j)
}

// ZoneMergeAll drives ZoneMerge across adjacent zone pairs until no more
// merges are possible.
func (a *Allocator) ZoneMergeAll() {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)
	a.table.MergeAll()
}

// TotalFree returns the number of free frames across every Available zone.
func (a *Allocator) TotalFree() uint64 {
	st := a.lock.Lock()
	defer a.lock.Unlock(st)

	var total uint64
	for _, z := range a.table.Zones {
		if z.Flags.Has(zone.Available) {
			total += uint64(z.FreeCount)
		}
	}
	return total
}

// Stats returns a point-in-time snapshot of allocator-wide counters.
func (a *Allocator) Stats() StatsSnapshot {
	st := a.lock.Lock()
	zones := make([]*zone.Zone, len(a.table.Zones))
	copy(zones, a.table.Zones)
	a.lock.Unlock(st)

	var s StatsSnapshot
	for _, z := range zones {
		s.Total += uint64(z.Count)
		if !z.Flags.Has(zone.Available) {
			s.Unavailable += uint64(z.Count)
			continue
		}

		s.Busy += uint64(z.BusyCount)
		s.Free += uint64(z.FreeCount)

		if z.Flags.Has(zone.Lowmem) {
			s.LowMemFree += uint64(z.FreeCount)
		}
		if z.Flags.Has(zone.Highmem) {
			s.HighMemFree += uint64(z.FreeCount)
		}
		if z.End()-1 < zone.LowPrioBoundary {
			s.HighPrioFree += uint64(z.FreeCount)
		}
	}
	return s
}

// PrintZones prints a one-line summary of every zone in the table. The
// table is snapshotted under the lock and formatted without it; concurrent
// mutation may skew the output.
func (a *Allocator) PrintZones() {
	st := a.lock.Lock()
	zones := make([]*zone.Zone, len(a.table.Zones))
	copy(zones, a.table.Zones)
	a.lock.Unlock(st)

	early.Printf("zones: %d\n", uint64(len(zones)))
	for i, z := range zones {
		early.Printf("  [%d] base=%x count=%d free=%d busy=%d flags=%x\n",
			i, uint64(z.Base), z.Count, z.FreeCount, z.BusyCount, uint64(z.Flags))
	}
}

// PrintZone prints a detailed summary of a single zone.
func (a *Allocator) PrintZone(n int) {
	st := a.lock.Lock()
	if n < 0 || n >= len(a.table.Zones) {
		a.lock.Unlock(st)
		early.Printf("zone %d: not found\n", n)
		return
	}
	z := a.table.Zones[n]
	base, count, free, busy, flags := z.Base, z.Count, z.FreeCount, z.BusyCount, z.Flags
	a.lock.Unlock(st)

	early.Printf("zone %d: base=%x count=%d free=%d busy=%d flags=%x\n",
		n, uint64(base), count, free, busy, uint64(flags))
}

// The functions below are thin wrappers around Default, the process-wide
// allocator instance, for callers that don't need their own Allocator.

// FrameInit calls Default.FrameInit.
func FrameInit(hook ArchHook) *kernel.Error { return Default.FrameInit(hook) }

// Alloc calls Default.Alloc.
func Alloc(count uint32, flags Flag, constraint pmm.Frame) uintptr {
	return Default.Alloc(count, flags, constraint)
}

// AllocGeneric calls Default.AllocGeneric.
func AllocGeneric(count uint32, flags Flag, constraint pmm.Frame, zoneHint *int) uintptr {
	return Default.AllocGeneric(count, flags, constraint, zoneHint)
}

// Free calls Default.Free.
func Free(addr uintptr, count uint32) { Default.Free(addr, count) }

// FreeNoReserve calls Default.FreeNoReserve.
func FreeNoReserve(addr uintptr, count uint32) { Default.FreeNoReserve(addr, count) }

// FreeGeneric calls Default.FreeGeneric.
func FreeGeneric(addr uintptr, count uint32, flags Flag) { Default.FreeGeneric(addr, count, flags) }

// ReferenceAdd calls Default.ReferenceAdd.
func ReferenceAdd(pfn pmm.Frame) { Default.ReferenceAdd(pfn) }

// MarkUnavailable calls Default.MarkUnavailable.
func MarkUnavailable(start pmm.Frame, count uint32) { Default.MarkUnavailable(start, count) }

// SetParent calls Default.SetParent.
func SetParent(pfn pmm.Frame, parent pmm.ParentHandle, hint int) { Default.SetParent(pfn, parent, hint) }

// GetParent calls Default.GetParent.
func GetParent(pfn pmm.Frame, hint int) pmm.ParentHandle { return Default.GetParent(pfn, hint) }

// ZoneCreate calls Default.ZoneCreate.
func ZoneCreate(start pmm.Frame, count uint32, confFrame pmm.Frame, flags zone.Flags, excludes ...Range) (int, *kernel.Error) {
	return Default.ZoneCreate(start, count, confFrame, flags, excludes...)
}

// ZoneMerge calls Default.ZoneMerge.
func ZoneMerge(i, j int) bool { return Default.ZoneMerge(i, j) }

// ZoneMergeAll calls Default.ZoneMergeAll.
func ZoneMergeAll() { Default.ZoneMergeAll() }

// TotalFree calls Default.TotalFree.
func TotalFree() uint64 { return Default.TotalFree() }

// Stats calls Default.Stats.
func Stats() StatsSnapshot { return Default.Stats() }

// PrintZones calls Default.PrintZones.
func PrintZones() { Default.PrintZones() }

// PrintZone calls Default.PrintZone.
func PrintZone(n int) { Default.PrintZone(n) }
