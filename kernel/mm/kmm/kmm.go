// Package kmm defines the contract of the kernel memory allocator that will
// sit on top of the virtual memory manager. Only the interface lives here;
// allocation policy is up to the implementations.
package kmm

import (
	"regulome/kernel"
	"regulome/kernel/mm"
)

// Process identifies the process that an allocation is charged against. The
// kernel itself uses KernelProcess.
type Process uintptr

// KernelProcess is the Process used for allocations made by the kernel.
const KernelProcess Process = 0

// Region describes a block of virtual memory returned by an Allocator.
type Region struct {
	Start mm.VirtAddr
	Size  mm.Size
}

// End returns the first address past the region.
func (r Region) End() mm.VirtAddr {
	return r.Start + mm.VirtAddr(r.Size)
}

// Allocator is implemented by kernel memory allocators.
type Allocator interface {
	// Allocate returns a region of at least size bytes whose start
	// address is a multiple of alignment. The allocation is accounted to
	// proc.
	Allocate(size, alignment mm.Size, proc Process) (Region, *kernel.Error)

	// Free releases the region starting at addr that was previously
	// returned by Allocate for the same proc.
	Free(addr mm.VirtAddr, proc Process) *kernel.Error
}
