package vmm

import (
	"bytes"
	"regulome/kernel/kfmt"
	"regulome/kernel/mm"
	"regulome/kernel/mm/mmtest"
	"regulome/kernel/mm/pmm"
	"regulome/multiboot"
	"runtime"
	"testing"
	"unsafe"
)

// TestBootSequence runs the memory management bring-up against the simulated
// machine: the recursive mapping is installed, the boot allocator is
// initialized from the firmware memory map and pages are mapped, accessed
// and released through the Mapper.
func TestBootSequence(t *testing.T) {
	m := newTestMachine(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	// The first two pages hold the null frame and the top-level table.
	data := mmtest.MultibootInfo("", []mmtest.MemRegion{
		{Start: 0, Length: 2 * uint64(mm.PageSize), Type: mmtest.MemReserved},
		{Start: 2 * uint64(mm.PageSize), Length: uint64(testArenaSize - 2*mm.PageSize), Type: mmtest.MemAvailable},
	})
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))
	defer runtime.KeepAlive(data)

	pt, err := CreateRecursivePageTable(510)
	if err != nil {
		t.Fatal(err)
	}

	if err = pmm.Init(pmm.MemoryMapEnd(), testBlockCount, pmm.FirmwareReservedRegions); err != nil {
		t.Fatal(err)
	}

	frames := pmm.Allocator()
	if exp := testArenaSize / testBlockCount; frames.BlockSize() != exp {
		t.Fatalf("expected block size %d; got %d", exp, frames.BlockSize())
	}

	mapper := NewMapper(frames)

	page, err := mapper.MapAlloc(&pt, 0xffff800000000000, 4)
	if err != nil {
		t.Fatal(err)
	}

	base, err := pt.Translate(page)
	if err != nil {
		t.Fatal(err)
	}

	// Block 0 is reserved and the page tables come first.
	if base == 0 {
		t.Fatal("expected the reserved first block not to be handed out")
	}

	*m.virtUint64(uintptr(page) + 3*uintptr(mm.PageSize)) = 0x600df00d
	if got := *m.physUint64(uintptr(base) + 3*uintptr(mm.PageSize)); got != 0x600df00d {
		t.Fatalf("expected write to reach physical memory; got 0x%x", got)
	}

	for i := uintptr(0); i < 4; i++ {
		frame, err := mapper.Unmap(&pt, page+mm.VirtAddr(i<<mm.PageShift))
		if err != nil {
			t.Fatal(err)
		}

		if exp := base + mm.PhysAddr(i<<mm.PageShift); frame != exp {
			t.Fatalf("expected Unmap to return 0x%x; got 0x%x", exp, frame)
		}
	}

	if _, err = frames.Deallocate(base); err != nil {
		t.Fatal(err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected the allocator to log its state")
	}
}
