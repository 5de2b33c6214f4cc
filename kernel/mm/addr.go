// Package mm defines the address, frame and size types shared by the physical
// and virtual memory managers.
//
// Physical and virtual addresses have distinct types. Converting one into the
// other always requires an explicit translation step (a page table walk or
// the firmware identity map); the compiler rejects implicit mixing.
package mm

import "math"

// PhysAddr is an address in physical memory.
type PhysAddr uintptr

// Frame returns the frame that contains this address.
func (a PhysAddr) Frame() Frame {
	return Frame(uintptr(a) >> PageShift)
}

// IsAligned returns true if the address is a multiple of align. A zero align
// is never satisfied.
func (a PhysAddr) IsAligned(align Size) bool {
	return align != 0 && uint64(a)%uint64(align) == 0
}

// VirtAddr is an address in the CPU-visible (translated) address space.
type VirtAddr uintptr

// Page returns the page that contains this address.
func (a VirtAddr) Page() Page {
	return Page(uintptr(a) >> PageShift)
}

// IsAligned returns true if the address is a multiple of align. A zero align
// is never satisfied.
func (a VirtAddr) IsAligned(align Size) bool {
	return align != 0 && uint64(a)%uint64(align) == 0
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}
