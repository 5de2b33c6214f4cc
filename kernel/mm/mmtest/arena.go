// Package mmtest provides the pieces needed to exercise the memory management
// code in a hosted test binary: an Arena of page-aligned host memory that
// stands in for physical RAM, a software MMU that translates virtual
// addresses through page tables stored in the arena and a builder for
// multiboot information blobs.
package mmtest

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Arena is a region of host memory whose offsets are treated as physical
// addresses: physical address 0 is the first byte of the arena.
type Arena struct {
	mem []byte
}

// NewArena maps size bytes (rounded up to a page multiple) of zeroed,
// page-aligned anonymous memory.
func NewArena(size uint64) (*Arena, error) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		return nil, errors.New("mmtest: arena size must be non-zero")
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmtest: mmap %d byte arena", size)
	}

	return &Arena{mem: mem}, nil
}

// Close releases the host memory backing the arena.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	return errors.Wrap(err, "mmtest: munmap arena")
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Contains returns true if [physAddr, physAddr+size) lies inside the arena.
func (a *Arena) Contains(physAddr, size uint64) bool {
	return physAddr < a.Size() && size <= a.Size()-physAddr
}

// HostAddr returns the host address backing physAddr. It panics if physAddr
// is outside the arena.
func (a *Arena) HostAddr(physAddr uintptr) uintptr {
	if !a.Contains(uint64(physAddr), 1) {
		panic(errors.Errorf("mmtest: physical address 0x%x outside %d byte arena", physAddr, a.Size()))
	}

	return uintptr(unsafe.Pointer(&a.mem[0])) + physAddr
}

// Ptr returns a pointer to the host memory backing physAddr.
func (a *Arena) Ptr(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(a.HostAddr(physAddr))
}

// Entry returns a pointer to the 64-bit page table entry with the given index
// in the table stored at physical address tableAddr.
func (a *Arena) Entry(tableAddr uintptr, index uint) *uint64 {
	return (*uint64)(a.Ptr(tableAddr + uintptr(index)*8))
}
