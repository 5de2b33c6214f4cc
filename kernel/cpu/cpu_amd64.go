// Package cpu exposes the handful of privileged instructions the memory
// management code depends on. Every function in this package faults when
// executed outside ring 0; callers reach them through package-level function
// variables so tests can substitute them.
package cpu

const (
	// extendedFeaturesLeaf is the CPUID leaf reporting extended processor
	// features such as NX and long mode.
	extendedFeaturesLeaf = 0x80000001

	// nxBit is the EDX bit of extendedFeaturesLeaf that is set when the
	// processor supports the no-execute page protection bit.
	nxBit = 1 << 20
)

var (
	cpuidFn = ID
)

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the contents of the paging-root register (CR3), i.e. the
// physical address of the currently active top-level page table.
func ActivePDT() uintptr

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasNX returns true if the processor supports the no-execute bit in page
// table entries. On processors without NX support bit 63 of an entry is
// reserved and setting it raises a page fault on access.
func HasNX() bool {
	maxLeaf, _, _, _ := cpuidFn(0x80000000)
	if maxLeaf < extendedFeaturesLeaf {
		return false
	}

	_, _, _, edx := cpuidFn(extendedFeaturesLeaf)
	return edx&nxBit != 0
}
