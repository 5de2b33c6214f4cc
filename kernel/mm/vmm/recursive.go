// Package vmm manages the virtual address space of the kernel. It installs a
// recursive entry in the active top-level page table so that every paging
// structure becomes reachable through a computable virtual address and uses
// that view to establish and tear down page mappings.
package vmm

import (
	"regulome/kernel"
	"regulome/kernel/cpu"
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"unsafe"
)

const (
	// unsafeRecursiveIndex is the last top-level entry. It is not available
	// for the recursive mapping as the boot environment keeps the kernel
	// image mapped through it.
	unsafeRecursiveIndex = entriesPerTable - 1
)

var (
	// ErrTooLarge is returned when the recursive index does not address
	// an entry of the top-level table.
	ErrTooLarge = &kernel.Error{Module: "vmm", Message: "recursive index exceeds the page table size"}

	// ErrUnsafeFinalEntry is returned for attempts to use the last
	// top-level entry for the recursive mapping.
	ErrUnsafeFinalEntry = &kernel.Error{Module: "vmm", Message: "recursive index must not be the final page table entry"}

	// ErrAlreadyUsed is returned when the requested top-level entry is
	// not empty.
	ErrAlreadyUsed = &kernel.Error{Module: "vmm", Message: "page table entry for the recursive index is already in use"}

	// ErrCr3Read is returned when the paging root register does not hold
	// a usable page table address.
	ErrCr3Read = &kernel.Error{Module: "vmm", Message: "could not read the active page table address"}

	// ErrWrongAddr is returned when the recursive virtual address of the
	// top-level table cannot be used to access it.
	ErrWrongAddr = &kernel.Error{Module: "vmm", Message: "recursive page table address is invalid"}

	// ErrNotRecursive is returned when the table reached through the
	// recursive address does not reference itself.
	ErrNotRecursive = &kernel.Error{Module: "vmm", Message: "page table is not recursively mapped"}

	// ErrRecursiveSlotInstalled is returned when the top-level table
	// already contains an entry pointing back to itself.
	ErrRecursiveSlotInstalled = &kernel.Error{Module: "vmm", Message: "page table already contains a recursive entry"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// hasNXFn is used by tests to control whether the recursive entry gets
	// the no-execute flag.
	hasNXFn = cpu.HasNX

	// panicFn is used by tests to intercept kernel panics raised when the
	// paging structures are found in an inconsistent state.
	panicFn = kfmt.Panic

	// physPtrFn returns a pointer to the supplied physical address. Before
	// the recursive mapping exists, physical memory is only reachable via
	// the identity mapping set up by the firmware. When compiling the
	// kernel this function will be automatically inlined.
	physPtrFn = func(physAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(physAddr)
	}

	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// RecursivePageTable provides access to the paging structures of the active
// address space through a recursive entry in the top-level table. The zero
// value is not usable; instances are obtained via CreateRecursivePageTable.
type RecursivePageTable struct {
	index    uint16
	pdtFrame mm.Frame

	// pdtAddr is the recursive virtual address of the top-level table.
	pdtAddr uintptr
}

// CreateRecursivePageTable installs a recursive mapping in the top-level
// entry with the given index of the active page table and returns a
// RecursivePageTable for accessing the paging structures through it.
//
// The top-level table is located via the paging root register and accessed
// through the firmware identity mapping. The new entry points to the table
// itself and is flagged as present, global and (if supported by the CPU)
// no-execute. If the recursive view cannot be verified the entry is cleared
// again before returning an error.
//
// This function must run exactly once, before any page gets mapped.
func CreateRecursivePageTable(index uint16) (RecursivePageTable, *kernel.Error) {
	switch {
	case index >= entriesPerTable:
		return RecursivePageTable{}, ErrTooLarge
	case index == unsafeRecursiveIndex:
		return RecursivePageTable{}, ErrUnsafeFinalEntry
	}

	pdtAddr, err := activePageTable()
	if err != nil {
		return RecursivePageTable{}, err
	}

	var (
		pdtFrame = pdtAddr.Frame()
		pdt      = (*pageTable)(physPtrFn(uintptr(pdtAddr)))
		entry    = &pdt[index]
	)

	if *entry != 0 {
		return RecursivePageTable{}, ErrAlreadyUsed
	}

	for i := 0; i < entriesPerTable; i++ {
		if pdt[i].HasFlags(FlagPresent) && pdt[i].Frame() == pdtFrame {
			return RecursivePageTable{}, ErrRecursiveSlotInstalled
		}
	}

	entry.SetFrame(pdtFrame)
	entry.SetFlags(FlagPresent | FlagGlobal | FlagNoExecute)
	if !hasNXFn() {
		entry.ClearFlags(FlagNoExecute)
	}

	pt := RecursivePageTable{index: index, pdtFrame: pdtFrame}
	pt.pdtAddr = pt.tableAddr(0, 0)

	if err = pt.verify(); err != nil {
		*entry = 0
		if pt.pdtAddr != 0 {
			flushTLBEntryFn(pt.pdtAddr)
		}
		return RecursivePageTable{}, err
	}

	return pt, nil
}

// activePageTable reads the physical address of the active top-level page
// table from the paging root register. Bits 0-11 hold flags and are ignored.
func activePageTable() (mm.PhysAddr, *kernel.Error) {
	root := activePDTFn()

	addr := root & ptePhysPageMask
	if addr == 0 || root&^(ptePhysPageMask|uintptr(mm.PageSize-1)) != 0 {
		return 0, ErrCr3Read
	}

	return mm.PhysAddr(addr), nil
}

// verify checks that the top-level table is reachable through its recursive
// address and that the recursive entry found there references the table.
func (pt *RecursivePageTable) verify() *kernel.Error {
	if pt.pdtAddr == 0 {
		return ErrWrongAddr
	}

	entry := (*pageTableEntry)(ptePtrFn(pt.pdtAddr + uintptr(pt.index)<<mm.PointerShift))
	if !entry.HasFlags(FlagPresent) || entry.Frame() != pt.pdtFrame {
		return ErrNotRecursive
	}

	return nil
}

// Index returns the top-level entry that holds the recursive mapping.
func (pt *RecursivePageTable) Index() uint16 {
	return pt.index
}

// Addr returns the recursive virtual address of the top-level table.
func (pt *RecursivePageTable) Addr() mm.VirtAddr {
	return mm.VirtAddr(pt.pdtAddr)
}

// Frame returns the physical frame of the top-level table.
func (pt *RecursivePageTable) Frame() mm.Frame {
	return pt.pdtFrame
}

func (pt *RecursivePageTable) valid() bool {
	return pt != nil && pt.pdtAddr != 0
}

// inRecursiveWindow returns true if virtAddr is translated through the
// recursive entry. Every page in that range aliases a paging structure.
func (pt *RecursivePageTable) inRecursiveWindow(virtAddr uintptr) bool {
	return (virtAddr>>pageLevelShifts[0])&pageIndexMask == uintptr(pt.index)
}

// tableAddr returns the virtual address of the page table at the given level
// (0 being the top-level table) that participates in the translation of
// virtAddr.
//
// The address selects the recursive entry once for every level that has to
// be skipped followed by the table indices of virtAddr for the levels above
// the requested one. The result is sign-extended to a canonical address.
func (pt *RecursivePageTable) tableAddr(level uint8, virtAddr uintptr) uintptr {
	var addr uintptr

	skip := pageLevels - level
	for slot := uint8(0); slot < pageLevels; slot++ {
		index := uintptr(pt.index)
		if slot >= skip {
			index = (virtAddr >> pageLevelShifts[slot-skip]) & pageIndexMask
		}

		addr |= index << pageLevelShifts[slot]
	}

	if addr&canonicalSignBit != 0 {
		addr |= canonicalHighBits
	}

	return addr
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
//
// walkFn is responsible for ensuring that the table referenced by an entry
// is present before allowing the walk to descend into it.
func (pt *RecursivePageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var entryAddr uintptr

	for level := uint8(0); level < pageLevels; level++ {
		entryAddr = pt.tableAddr(level, virtAddr) +
			(((virtAddr >> pageLevelShifts[level]) & pageIndexMask) << mm.PointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *RecursivePageTable) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	if !pt.valid() {
		return 0, ErrNoRecursiveTable
	}

	var (
		err   = ErrInvalidMapping
		frame mm.Frame
	)

	pt.walk(uintptr(virtAddr), func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			return false
		case pteLevel == pageLevels-1:
			frame, err = pte.Frame(), nil
			return true
		default:
			return !pte.HasFlags(FlagHugePage)
		}
	})

	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + mm.PhysAddr(PageOffset(virtAddr)), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr mm.VirtAddr) uintptr {
	return uintptr(virtAddr) & uintptr(mm.PageSize-1)
}
