// Package ksync provides synchronization primitives for code that must
// coordinate across interrupt-disabled and sleepable contexts alike.
package ksync

import (
	"sync/atomic"

	"github.com/achilleasa/gopher-os/kernel/irq"
)

// IRQSpinlock is a busy-wait lock (atomic compare-and-swap with a busy
// loop) that also disables interrupts for the duration it is held, the
// disable/restore pairing every acquisition of the zones-table lock
// requires.
type IRQSpinlock struct {
	state uint32
}

// Lock disables interrupts and then busy-waits until the lock is acquired.
// The returned State must be passed to Unlock.
func (l *IRQSpinlock) Lock() irq.State {
	st := irq.Disable()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
	return st
}

// TryLock attempts to acquire the lock without blocking. On success it
// disables interrupts and returns the resulting State and true; on failure
// interrupts are left untouched and it returns false.
func (l *IRQSpinlock) TryLock() (irq.State, bool) {
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return irq.State{}, false
	}
	return irq.Disable(), true
}

// Unlock releases the lock and restores interrupts to the state captured by
// the paired Lock/TryLock call.
func (l *IRQSpinlock) Unlock(st irq.State) {
	atomic.StoreUint32(&l.state, 0)
	irq.Restore(st)
}
