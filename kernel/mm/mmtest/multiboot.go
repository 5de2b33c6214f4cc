package mmtest

import "encoding/binary"

// Multiboot memory map entry types.
const (
	MemAvailable = 1
	MemReserved  = 2
)

// MemRegion describes an entry of a multiboot memory map.
type MemRegion struct {
	Start, Length uint64
	Type          uint32
}

// MultibootInfo encodes a multiboot2 information structure containing a
// command line tag (if cmdLine is not empty) and a memory map tag with the
// supplied regions.
func MultibootInfo(cmdLine string, regions []MemRegion) []byte {
	var buf []byte

	appendTag := func(tagType uint32, payload []byte) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:], tagType)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	// Fixed part: total size and reserved, patched below.
	buf = append(buf, make([]byte, 8)...)

	if cmdLine != "" {
		appendTag(1, append([]byte(cmdLine), 0))
	}

	mmap := make([]byte, 8, 8+24*len(regions))
	binary.LittleEndian.PutUint32(mmap[0:], 24)
	for _, region := range regions {
		entry := make([]byte, 24)
		binary.LittleEndian.PutUint64(entry[0:], region.Start)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], region.Type)
		mmap = append(mmap, entry...)
	}
	appendTag(6, mmap)

	// End tag
	appendTag(0, nil)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}
