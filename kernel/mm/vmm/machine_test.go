package vmm

import (
	"regulome/kernel/mm"
	"regulome/kernel/mm/mmtest"
	"regulome/kernel/mm/pmm"
	"runtime"
	"testing"
	"unsafe"
)

const (
	testArenaSize  = 8 * mm.Mb
	testBlockCount = 64
	testPDTAddr    = uintptr(0x1000)
)

// testMachine bundles the simulated physical memory, the software MMU whose
// paging root points to an empty top-level table at testPDTAddr and a block
// allocator handing out frames from the simulated memory.
type testMachine struct {
	arena  *mmtest.Arena
	mmu    *mmtest.MMU
	frames *pmm.BlockAllocator
}

// newTestMachine redirects the package hooks to a fresh simulated machine.
// The hooks are restored when the test completes.
func newTestMachine(t *testing.T) *testMachine {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	arena, err := mmtest.NewArena(uint64(testArenaSize))
	if err != nil {
		t.Fatal(err)
	}

	m := &testMachine{
		arena:  arena,
		mmu:    mmtest.NewMMU(arena, testPDTAddr),
		frames: new(pmm.BlockAllocator),
	}

	// The first block holds the null page and the top-level table.
	if err := m.frames.Init(testArenaSize, testBlockCount, func(visitor pmm.RegionVisitor) {
		visitor(0, mm.Size(2*testPDTAddr))
	}); err != nil {
		t.Fatal(err)
	}

	origActivePDT, origFlushTLBEntry, origHasNX := activePDTFn, flushTLBEntryFn, hasNXFn
	origPhysPtr, origPtePtr, origPanic := physPtrFn, ptePtrFn, panicFn
	t.Cleanup(func() {
		activePDTFn, flushTLBEntryFn, hasNXFn = origActivePDT, origFlushTLBEntry, origHasNX
		physPtrFn, ptePtrFn, panicFn = origPhysPtr, origPtePtr, origPanic

		if err := arena.Close(); err != nil {
			t.Error(err)
		}
	})

	activePDTFn = m.mmu.ActivePDT
	flushTLBEntryFn = m.mmu.FlushTLBEntry
	hasNXFn = func() bool { return true }
	physPtrFn = arena.Ptr
	ptePtrFn = m.mmu.Ptr

	return m
}

// pdtEntry returns a pointer to a top-level table entry using the physical
// address of the table.
func (m *testMachine) pdtEntry(index uint16) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(m.arena.Entry(testPDTAddr, uint(index))))
}

// recursivePageTable installs a recursive mapping at index 510.
func (m *testMachine) recursivePageTable(t *testing.T) *RecursivePageTable {
	pt, err := CreateRecursivePageTable(510)
	if err != nil {
		t.Fatal(err)
	}

	return &pt
}

func (m *testMachine) physUint64(physAddr uintptr) *uint64 {
	return (*uint64)(m.arena.Ptr(physAddr))
}

func (m *testMachine) virtUint64(virtAddr uintptr) *uint64 {
	return (*uint64)(m.mmu.Ptr(virtAddr))
}
