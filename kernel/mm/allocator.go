package mm

import "regulome/kernel"

// FrameAllocator is implemented by physical memory allocators that hand out
// contiguous runs of physical memory.
type FrameAllocator interface {
	// Allocate reserves a physically contiguous region that can hold
	// size bytes and returns its start address.
	Allocate(size Size) (PhysAddr, *kernel.Error)

	// Deallocate releases the region starting at addr. The allocator
	// knows the extent of the region. On success the released address is
	// returned.
	Deallocate(addr PhysAddr) (PhysAddr, *kernel.Error)

	// AllocFrame reserves memory for a single page-table frame. On failure
	// InvalidFrame is returned together with the error.
	AllocFrame() (Frame, *kernel.Error)
}
