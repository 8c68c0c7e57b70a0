// Package irq models interrupt disable/restore as a software stand-in for
// the CPU interrupt flag. A freestanding kernel toggles the real flag with a
// couple of inline instructions; a normal Go process has no portable access
// to it, so callers that need "don't let this CPU take an interrupt while I
// hold the zones lock" get a disable-depth counter instead. The call shape
// mirrors the original: State := irq.Disable(); ...; irq.Restore(State).
package irq

import "sync"

// State captures whether interrupts were already disabled by an outer
// caller at the time Disable was called.
type State struct {
	wasEnabled bool
}

var (
	mu      sync.Mutex
	depth   int
	enabled = true
)

// Disable increments the disable-depth counter and returns a State that
// Restore uses to decide whether to actually re-enable interrupts.
func Disable() State {
	mu.Lock()
	defer mu.Unlock()

	st := State{wasEnabled: enabled}
	enabled = false
	depth++
	return st
}

// Restore decrements the disable-depth counter. Once it reaches zero,
// interrupts are considered enabled again, provided the outermost Disable
// call observed them enabled.
func Restore(st State) {
	mu.Lock()
	defer mu.Unlock()

	if depth > 0 {
		depth--
	}
	if depth == 0 {
		enabled = st.wasEnabled
	}
}

// Enabled reports whether interrupts are currently considered enabled. It
// exists for tests that need to assert on the disable/restore pairing.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}
