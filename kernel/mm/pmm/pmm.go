// Package pmm manages physical memory while the kernel bootstraps its memory
// management subsystem.
package pmm

import (
	"regulome/kernel"
	"regulome/kernel/mm"
	"regulome/multiboot"
	"unsafe"
)

var (
	// bootAllocator is the allocator instance used during boot. It lives
	// in the data segment as there is no heap to place it on.
	bootAllocator BlockAllocator

	// visitMemRegionsFn is used by tests to supply a synthetic memory map
	// and is automatically inlined by the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions
)

// Init sets up the boot block allocator for totalMemory bytes split into
// blockCount blocks, marks every block overlapping a reserved region as
// allocated and logs the resulting block table.
func Init(totalMemory mm.Size, blockCount uint32, reserved RegionSource) *kernel.Error {
	if err := bootAllocator.Init(totalMemory, blockCount, reserved); err != nil {
		return err
	}

	bootAllocator.PrintStats()
	return nil
}

// Allocator returns the boot block allocator. It must only be used after a
// successful call to Init.
func Allocator() *BlockAllocator {
	return &bootAllocator
}

// FirmwareReservedRegions is a RegionSource reporting every memory region
// that the bootloader's memory map does not flag as available.
func FirmwareReservedRegions(visitor RegionVisitor) {
	visitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			return true
		}

		return visitor(mm.PhysAddr(region.PhysAddress), mm.Size(region.Length))
	})
}

// MemoryMapEnd returns the end address of the highest available memory region
// reported by the bootloader. It is used as the total memory size when the
// boot configuration does not supply one.
func MemoryMapEnd() mm.Size {
	var end mm.Size

	visitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		if regionEnd := mm.Size(region.PhysAddress + region.Length); regionEnd > end {
			end = regionEnd
		}
		return true
	})

	return end
}

func visitMemRegions(visitor multiboot.MemRegionVisitor) {
	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitMemRegionsFn(*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))))
}
