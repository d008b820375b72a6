package mem

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. The implementation
// is based on bytes.Repeat; instead of using a for loop, this function uses
// log2(size) copy calls which should give us a speed boost as page addresses
// are always aligned.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from srcAddr to dstAddr. The two regions must
// not overlap; this is used by the page mapper to populate freshly mapped
// frames (e.g. copy-on-write faults, buffer-backed mappings).
func Memcopy(dstAddr, srcAddr uintptr, size Size) {
	if size == 0 {
		return
	}

	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dstAddr,
	}))
	src := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: srcAddr,
	}))

	copy(dst, src)
}
