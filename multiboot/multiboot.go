// Package multiboot reads the boot information structure that a multiboot2
// compliant bootloader passes to the kernel. Only the tags consumed by the
// memory management code are decoded: the physical memory map and the kernel
// command line.
//
// Nothing in this package allocates memory; it is used before the Go
// allocator is available.
package multiboot

import (
	"reflect"
	"unsafe"
)

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// CmdLineVisitor is invoked by VisitBootCmdLine for each key=value pair in
// the kernel command line. Flags without a value are reported with an empty
// value. The visitor must return true to continue or false to abort the scan.
type CmdLineVisitor func(key, value string) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the physical address and size of the multiboot
// information structure so that its memory can be kept reserved.
func InfoRegion() (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	// The first dword holds the total size of the structure.
	return infoData, *(*uint32)(unsafe.Pointer(infoData))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitBootCmdLine splits the kernel command line into whitespace separated
// fields and invokes visitor for each one. A field of the form key=value is
// reported as (key, value); any other field is reported as (field, "").
//
// The strings passed to visitor point into the multiboot info data and are
// only valid while that memory stays mapped.
func VisitBootCmdLine(visitor CmdLineVisitor) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size <= 1 {
		return
	}

	// The command line is a C-style NULL-terminated string; overlay a Go
	// string on top of it without copying.
	var cmdLine string
	hdr := (*reflect.StringHeader)(unsafe.Pointer(&cmdLine))
	hdr.Data = curPtr
	hdr.Len = int(size - 1)

	for start := 0; start < len(cmdLine); {
		if isSpace(cmdLine[start]) {
			start++
			continue
		}

		end, sep := start, -1
		for ; end < len(cmdLine) && !isSpace(cmdLine[end]); end++ {
			if sep == -1 && cmdLine[end] == '=' {
				sep = end
			}
		}

		var key, value string
		if sep == -1 {
			key = cmdLine[start:end]
		} else {
			key, value = cmdLine[start:sep], cmdLine[sep+1:end]
		}

		if !visitor(key, value) {
			return
		}
		start = end
	}
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == 0
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
