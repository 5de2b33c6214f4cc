package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes starting at addr to value. The first byte is set
// explicitly and the filled prefix is then doubled with copy until the region
// is covered, which needs log2(size) copy calls.
//
// Memset is used for clearing freshly allocated page tables so it must not
// allocate.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	region := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))

	region[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(region[filled:], region[:filled])
	}
}
