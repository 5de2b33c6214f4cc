package vmm

import (
	"regulome/kernel"
	"regulome/kernel/mm"
)

var (
	// ErrMisalignedPage is returned when a virtual address passed to the
	// Mapper is not page aligned.
	ErrMisalignedPage = &kernel.Error{Module: "vmm", Message: "virtual address is not page aligned"}

	// ErrMisalignedFrame is returned when a physical address passed to
	// the Mapper is not page aligned.
	ErrMisalignedFrame = &kernel.Error{Module: "vmm", Message: "physical address is not page aligned"}

	// ErrMapFailed is returned when a page table update is rejected.
	ErrMapFailed = &kernel.Error{Module: "vmm", Message: "could not map page"}

	// ErrUnmapFailed is returned when trying to unmap a page that is not
	// mapped.
	ErrUnmapFailed = &kernel.Error{Module: "vmm", Message: "could not unmap page"}

	// ErrNoRecursiveTable is returned when a Mapper operation is invoked
	// without a RecursivePageTable obtained from CreateRecursivePageTable.
	ErrNoRecursiveTable = &kernel.Error{Module: "vmm", Message: "recursive page table has not been created"}
)

// Mapper establishes and removes page mappings through a RecursivePageTable.
// Missing page tables are backed by frames obtained one at a time from the
// supplied frame allocator.
type Mapper struct {
	frames mm.FrameAllocator
}

// NewMapper returns a Mapper that allocates page tables and MapAlloc regions
// from frames.
func NewMapper(frames mm.FrameAllocator) Mapper {
	return Mapper{frames: frames}
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using the page tables reachable through pt. Missing page tables at each
// paging level are allocated from the Mapper's frame allocator and cleared.
// The page is mapped with FlagPresent and FlagRW and its TLB entry is flushed
// before Map returns.
//
// Map fails with ErrMapFailed if the page is already mapped, if a huge page
// is in the way, if a page table cannot be allocated or if the page lies in
// the virtual address range covered by the recursive entry.
func (m Mapper) Map(pt *RecursivePageTable, page mm.VirtAddr, frame mm.PhysAddr) *kernel.Error {
	switch {
	case !pt.valid():
		return ErrNoRecursiveTable
	case !page.IsAligned(mm.PageSize):
		return ErrMisalignedPage
	case !frame.IsAligned(mm.PageSize):
		return ErrMisalignedFrame
	}

	return m.mapPage(pt, page, frame)
}

func (m Mapper) mapPage(pt *RecursivePageTable, page mm.VirtAddr, frame mm.PhysAddr) *kernel.Error {
	// Pages in the recursive window alias the paging structures.
	if pt.inRecursiveWindow(uintptr(page)) {
		return ErrMapFailed
	}

	var err *kernel.Error

	pt.walk(uintptr(page), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrMapFailed
				return false
			}

			*pte = 0
			pte.SetFrame(frame.Frame())
			pte.SetFlags(FlagPresent | FlagRW)
			flushTLBEntryFn(uintptr(page))
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrMapFailed
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			tableFrame, allocErr := m.frames.AllocFrame()
			if allocErr != nil || !tableFrame.Valid() {
				err = ErrMapFailed
				return false
			}

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next table is now reachable through the recursive
			// mapping but may contain garbage.
			kernel.Memset(uintptr(ptePtrFn(pt.tableAddr(pteLevel+1, uintptr(page)))), 0, uintptr(mm.PageSize))
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map or MapAlloc,
// flushes the TLB entry for page and returns the physical address the page
// was mapped to so that the caller may release it. Pages in the virtual
// address range covered by the recursive entry are never unmapped.
func (m Mapper) Unmap(pt *RecursivePageTable, page mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	switch {
	case !pt.valid():
		return 0, ErrNoRecursiveTable
	case !page.IsAligned(mm.PageSize):
		return 0, ErrMisalignedPage
	}

	return m.unmapPage(pt, page)
}

func (m Mapper) unmapPage(pt *RecursivePageTable, page mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	if pt.inRecursiveWindow(uintptr(page)) {
		return 0, ErrUnmapFailed
	}

	var (
		err   = ErrUnmapFailed
		frame mm.PhysAddr
	)

	pt.walk(uintptr(page), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Missing table or page; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame, err = pte.Frame().Address(), nil
			*pte = 0
			flushTLBEntryFn(uintptr(page))
			return true
		}

		return !pte.HasFlags(FlagHugePage)
	})

	return frame, err
}

// MapAlloc allocates a physically contiguous block large enough for pageCount
// pages and maps it to the virtual pages starting at page. It returns page on
// success.
//
// The request either succeeds as a whole or leaves no trace: if any page
// cannot be mapped, the pages mapped so far are unmapped again and the block
// is returned to the allocator before the error is reported. Page tables
// allocated along the way are kept. A zero pageCount maps nothing.
func (m Mapper) MapAlloc(pt *RecursivePageTable, page mm.VirtAddr, pageCount uint32) (mm.VirtAddr, *kernel.Error) {
	switch {
	case !pt.valid():
		return 0, ErrNoRecursiveTable
	case !page.IsAligned(mm.PageSize):
		return 0, ErrMisalignedPage
	case pageCount == 0:
		return page, nil
	}

	base, err := m.frames.Allocate(mm.Size(pageCount) * mm.PageSize)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < pageCount; i++ {
		offset := uintptr(i) << mm.PageShift
		if err = m.mapPage(pt, page+mm.VirtAddr(offset), base+mm.PhysAddr(offset)); err != nil {
			m.rollback(pt, page, i, base)
			return 0, err
		}
	}

	return page, nil
}

// rollback undoes a partially completed MapAlloc call that mapped the first
// mappedCount pages of a block starting at base.
//
// The pages were mapped by this MapAlloc call and base was allocated by it, so
// neither unmapPage nor Deallocate can fail here; rollback panics if they do
// as the page tables or the allocator state can no longer be trusted.
func (m Mapper) rollback(pt *RecursivePageTable, page mm.VirtAddr, mappedCount uint32, base mm.PhysAddr) {
	for i := uint32(0); i < mappedCount; i++ {
		if _, err := m.unmapPage(pt, page+mm.VirtAddr(uintptr(i)<<mm.PageShift)); err != nil {
			panicFn(err)
		}
	}

	if _, err := m.frames.Deallocate(base); err != nil {
		panicFn(err)
	}
}
