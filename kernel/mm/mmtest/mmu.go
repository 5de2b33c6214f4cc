package mmtest

import (
	"fmt"
	"unsafe"
)

const (
	entryPresent  = uint64(1 << 0)
	entryHugePage = uint64(1 << 7)
	entryAddrMask = uint64(0x000ffffffffff000)

	levelBits  = 9
	levelMask  = (1 << levelBits) - 1
	pageLevels = 4
)

var levelShifts = [pageLevels]uint{39, 30, 21, 12}

// PageFault is the panic value raised by MMU.Ptr when a virtual address
// cannot be translated.
type PageFault struct {
	VirtAddr uintptr
	Reason   string
}

// Error implements the error interface.
func (f PageFault) Error() string {
	return fmt.Sprintf("page fault at 0x%016x: %s", f.VirtAddr, f.Reason)
}

// MMU is a software model of the amd64 4-level address translation. Page
// tables are read from an Arena starting at the table pointed to by CR3.
// Successful translations are cached in a TLB which, like the real one, is
// only invalidated by an explicit FlushTLBEntry call.
type MMU struct {
	arena *Arena
	cr3   uintptr
	tlb   map[uintptr]uintptr

	// Flushes counts the calls to FlushTLBEntry.
	Flushes int
}

// NewMMU creates an MMU whose active top-level table lives at physical
// address cr3 inside arena.
func NewMMU(arena *Arena, cr3 uintptr) *MMU {
	return &MMU{
		arena: arena,
		cr3:   cr3,
		tlb:   make(map[uintptr]uintptr),
	}
}

// ActivePDT returns the simulated paging-root register.
func (m *MMU) ActivePDT() uintptr {
	return m.cr3
}

// FlushTLBEntry drops the cached translation for the page containing
// virtAddr.
func (m *MMU) FlushTLBEntry(virtAddr uintptr) {
	m.Flushes++
	delete(m.tlb, virtAddr&^(pageSize-1))
}

// Translate resolves virtAddr to a physical address, consulting the TLB
// first. It reports false if virtAddr is not canonical or not mapped.
func (m *MMU) Translate(virtAddr uintptr) (uintptr, bool) {
	physAddr, reason := m.translate(virtAddr)
	return physAddr, reason == ""
}

// Ptr translates virtAddr and returns a host pointer to the backing memory.
// It panics with a PageFault if the address cannot be translated.
func (m *MMU) Ptr(virtAddr uintptr) unsafe.Pointer {
	physAddr, reason := m.translate(virtAddr)
	if reason != "" {
		panic(PageFault{VirtAddr: virtAddr, Reason: reason})
	}

	return m.arena.Ptr(physAddr)
}

// HostAddr behaves like Ptr but returns the host address as an integer.
func (m *MMU) HostAddr(virtAddr uintptr) uintptr {
	return uintptr(m.Ptr(virtAddr))
}

func (m *MMU) translate(virtAddr uintptr) (uintptr, string) {
	// Bits 48-63 must replicate bit 47.
	if top := uint64(virtAddr) >> 47; top != 0 && top != 0x1ffff {
		return 0, "non-canonical address"
	}

	page, offset := virtAddr&^(pageSize-1), virtAddr&(pageSize-1)
	if frame, ok := m.tlb[page]; ok {
		return frame + offset, ""
	}

	tableAddr := m.cr3
	for level := 0; level < pageLevels; level++ {
		index := uint(uint64(virtAddr)>>levelShifts[level]) & levelMask
		if !m.arena.Contains(uint64(tableAddr), pageSize) {
			return 0, fmt.Sprintf("level %d table at 0x%x outside physical memory", level, tableAddr)
		}

		entry := *m.arena.Entry(tableAddr, index)
		if entry&entryPresent == 0 {
			return 0, fmt.Sprintf("level %d entry %d not present", level, index)
		}
		if entry&entryHugePage != 0 {
			return 0, fmt.Sprintf("level %d entry %d maps a huge page", level, index)
		}

		tableAddr = uintptr(entry & entryAddrMask)
	}

	if !m.arena.Contains(uint64(tableAddr), pageSize) {
		return 0, fmt.Sprintf("frame 0x%x outside physical memory", tableAddr)
	}

	m.tlb[page] = tableAddr
	return tableAddr + offset, ""
}
