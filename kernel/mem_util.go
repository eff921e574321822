package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop it doubles the initialized prefix with log2(size)
// copy calls; page table pools are always page-sized so this stays cheap.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}
