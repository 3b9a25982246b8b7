package kernel

import (
	"reflect"
	"unsafe"
)

// Memset fills size bytes starting at addr with value. Instead of a plain
// byte loop the implementation doubles the initialized prefix with copy
// (the approach used by bytes.Repeat) which performs well for the
// page-aligned regions the memory subsystems clear.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))

	dst[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(dst[filled:], dst[:filled])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: src,
		Len:  int(size),
		Cap:  int(size),
	}))
	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: dst,
		Len:  int(size),
		Cap:  int(size),
	}))

	copy(dstSlice, srcSlice)
}
