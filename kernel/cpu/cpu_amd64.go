// Package cpu provides the architecture-specific primitives the rest of the
// tree builds on. Only the subset the frame allocator needs (halting on an
// unrecoverable panic) is kept here; page-table and TLB primitives belong to
// the virtual-memory layer, which is out of scope for this module.
package cpu

// Halt stops the calling goroutine forever. On bare metal this executes
// "cli; hlt" in a loop; there is no portable equivalent from inside a normal
// Go process, so this parks the goroutine instead.
func Halt() {
	select {}
}
