package kmain

import (
	"regulome/kernel"
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"regulome/kernel/mm/pmm"
	"regulome/kernel/mm/vmm"
	"regulome/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The physical address range occupied by the loaded kernel image.
	kernelImageStart, kernelImageEnd uintptr

	// The recursive page table and mapper set up by Kmain. They are kept
	// here as there is no heap to place them on.
	pageTable vmm.RecursivePageTable
	mapper    vmm.Mapper

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	createRecursivePageTableFn = vmm.CreateRecursivePageTable
	panicFn                    = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kernelImageStart, kernelImageEnd = kernelStart, kernelEnd

	cfg := parseBootConfig()
	if err := initMemory(&cfg); err != nil {
		panicFn(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// initMemory brings up memory management. The recursive mapping is installed
// first as nothing may touch the page tables before it exists. The boot
// allocator is then initialized and a Mapper is created on top of both.
func initMemory(cfg *bootConfig) *kernel.Error {
	var err *kernel.Error

	if pageTable, err = createRecursivePageTableFn(cfg.recursiveIndex); err != nil {
		return err
	}
	kfmt.Printf("[kmain] recursive page table at 0x%16x (index %d)\n", uintptr(pageTable.Addr()), cfg.recursiveIndex)

	totalMemory := cfg.totalMemory
	if totalMemory == 0 {
		totalMemory = pmm.MemoryMapEnd()
	}

	if err = pmm.Init(totalMemory, cfg.blockCount, bootReservedRegions); err != nil {
		return err
	}

	mapper = vmm.NewMapper(pmm.Allocator())
	return nil
}

// bootReservedRegions is a pmm.RegionSource reporting the physical memory
// that must not be handed out by the boot allocator: the null frame, the
// kernel image, the multiboot information and every region the firmware
// memory map does not flag as available.
func bootReservedRegions(visitor pmm.RegionVisitor) {
	if !visitor(0, mm.PageSize) {
		return
	}

	if kernelImageEnd > kernelImageStart {
		if !visitor(mm.PhysAddr(kernelImageStart), mm.Size(kernelImageEnd-kernelImageStart)) {
			return
		}
	}

	if infoAddr, infoSize := multiboot.InfoRegion(); infoSize != 0 {
		if !visitor(mm.PhysAddr(infoAddr), mm.Size(infoSize)) {
			return
		}
	}

	pmm.FirmwareReservedRegions(visitor)
}

// PageTable returns the recursive page table installed by Kmain.
func PageTable() *vmm.RecursivePageTable {
	return &pageTable
}

// Mapper returns the Mapper created by Kmain.
func Mapper() vmm.Mapper {
	return mapper
}
