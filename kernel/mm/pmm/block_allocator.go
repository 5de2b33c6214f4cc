package pmm

import (
	"regulome/kernel"
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"unsafe"
)

const (
	// MaxBlocks is the capacity of the block table. The number of blocks
	// actually tracked is selected when the allocator is initialized.
	MaxBlocks = 4096
)

// Errors returned by BlockAllocator.
var (
	ErrSizeTooLarge        = &kernel.Error{Module: "pmm", Message: "requested size exceeds the block size"}
	ErrNoFreeBlock         = &kernel.Error{Module: "pmm", Message: "no free block available"}
	ErrMisaligned          = &kernel.Error{Module: "pmm", Message: "address is not aligned to the block size"}
	ErrNotAllocated        = &kernel.Error{Module: "pmm", Message: "block at address is not allocated"}
	ErrInvalidBlockCount   = &kernel.Error{Module: "pmm", Message: "block count must be between 1 and MaxBlocks"}
	ErrTotalMemoryTooSmall = &kernel.Error{Module: "pmm", Message: "total memory too small for a page-sized block"}
)

// RegionVisitor is invoked for each physical memory region reported by a
// RegionSource. Returning false stops the iteration.
type RegionVisitor func(start mm.PhysAddr, length mm.Size) bool

// RegionSource calls visitor for every region in some collection of physical
// memory regions, e.g. the ranges the firmware has already claimed.
type RegionSource func(visitor RegionVisitor)

// block tracks a single BlockSize-sized run of physical memory.
type block struct {
	start     mm.PhysAddr
	allocated bool
}

// BlockAllocator is the physical memory allocator used while the kernel
// bootstraps its memory management. It splits the managed memory into
// blockCount equally sized blocks and hands out one whole block per request.
//
// Blocks are located with a linear first-fit scan. Once a general purpose
// frame allocator takes over, the BlockAllocator is discarded.
type BlockAllocator struct {
	blockSize  mm.Size
	blockCount uint32
	blocks     [MaxBlocks]block
}

// Init prepares the allocator for managing totalMemory bytes of physical
// memory split into blockCount blocks and flags every block that overlaps a
// region reported by reserved as allocated.
//
// The block size is totalMemory/blockCount rounded down to a page boundary so
// that every block can be mapped. Memory past blockCount*BlockSize() is not
// managed.
func (alloc *BlockAllocator) Init(totalMemory mm.Size, blockCount uint32, reserved RegionSource) *kernel.Error {
	if blockCount == 0 || blockCount > MaxBlocks {
		return ErrInvalidBlockCount
	}

	blockSize := (totalMemory / mm.Size(blockCount)).AlignDown(mm.PageSize)
	if blockSize == 0 {
		return ErrTotalMemoryTooSmall
	}

	alloc.blockSize = blockSize
	alloc.blockCount = blockCount
	for i := uint32(0); i < MaxBlocks; i++ {
		alloc.blocks[i] = block{start: mm.PhysAddr(mm.Size(i) * blockSize)}
	}

	if reserved != nil {
		// Use the noescape hack to prevent the compiler from leaking the
		// method value to the heap.
		visitor := RegionVisitor(alloc.reserveRegion)
		reserved(*(*RegionVisitor)(noEscape(unsafe.Pointer(&visitor))))
	}

	return nil
}

// reserveRegion flags all blocks overlapping [start, start+length) as
// allocated. It always returns true so that all regions get visited.
func (alloc *BlockAllocator) reserveRegion(start mm.PhysAddr, length mm.Size) bool {
	if length == 0 {
		return true
	}

	firstIndex := uint64(start) / uint64(alloc.blockSize)
	lastIndex := (uint64(start) + uint64(length) - 1) / uint64(alloc.blockSize)
	for index := firstIndex; index <= lastIndex && index < uint64(alloc.blockCount); index++ {
		alloc.blocks[index].allocated = true
	}

	return true
}

// Allocate reserves the first free block and returns its physical start
// address. Requests larger than a single block are rejected with
// ErrSizeTooLarge; the allocator never spans blocks.
func (alloc *BlockAllocator) Allocate(size mm.Size) (mm.PhysAddr, *kernel.Error) {
	if size > alloc.blockSize {
		return 0, ErrSizeTooLarge
	}

	for index := uint32(0); index < alloc.blockCount; index++ {
		if !alloc.blocks[index].allocated {
			alloc.blocks[index].allocated = true
			return alloc.blocks[index].start, nil
		}
	}

	return 0, ErrNoFreeBlock
}

// Deallocate returns the block starting at addr to the allocator. Addresses
// that are not block aligned fail with ErrMisaligned; addresses of free blocks
// or addresses past the managed memory fail with ErrNotAllocated.
func (alloc *BlockAllocator) Deallocate(addr mm.PhysAddr) (mm.PhysAddr, *kernel.Error) {
	if !addr.IsAligned(alloc.blockSize) {
		return 0, ErrMisaligned
	}

	index := uint64(addr) / uint64(alloc.blockSize)
	if index >= uint64(alloc.blockCount) || !alloc.blocks[index].allocated {
		return 0, ErrNotAllocated
	}

	alloc.blocks[index].allocated = false
	return addr, nil
}

// AllocFrame reserves a block and returns the frame at its start. The Mapper
// only needs a single frame for each new page table; the remainder of the
// block is left unused.
func (alloc *BlockAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.Allocate(mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return addr.Frame(), nil
}

// BlockSize returns the size of each block in bytes.
func (alloc *BlockAllocator) BlockSize() mm.Size {
	return alloc.blockSize
}

// BlockCount returns the number of blocks tracked by the allocator.
func (alloc *BlockAllocator) BlockCount() uint32 {
	return alloc.blockCount
}

// FreeBlocks returns the number of blocks that are currently available.
func (alloc *BlockAllocator) FreeBlocks() uint32 {
	var free uint32
	for index := uint32(0); index < alloc.blockCount; index++ {
		if !alloc.blocks[index].allocated {
			free++
		}
	}
	return free
}

// PrintStats logs the allocator geometry followed by the reserved block
// ranges.
func (alloc *BlockAllocator) PrintStats() {
	kfmt.Printf("[pmm] block allocator: %d blocks of %d bytes (%d pages each, %dKb managed)\n",
		alloc.blockCount,
		uint64(alloc.blockSize),
		alloc.blockSize.Pages(),
		uint64(mm.Size(alloc.blockCount)*alloc.blockSize/mm.Kb),
	)

	runStart := -1
	for index := 0; index <= int(alloc.blockCount); index++ {
		used := index < int(alloc.blockCount) && alloc.blocks[index].allocated
		switch {
		case used && runStart == -1:
			runStart = index
		case !used && runStart != -1:
			kfmt.Printf("\t[0x%10x - 0x%10x] reserved (blocks %d-%d)\n",
				uint64(alloc.blocks[runStart].start),
				uint64(mm.Size(index)*alloc.blockSize),
				runStart, index-1,
			)
			runStart = -1
		}
	}

	kfmt.Printf("[pmm] free blocks: %d\n", alloc.FreeBlocks())
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
