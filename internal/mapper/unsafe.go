package mapper

import "unsafe"

// uintptrOf returns the address backing a byte slice returned by
// unix.Mmap, so it can be tracked as a plain uint64 alongside the rest
// of the linker's bookkeeping instead of threading []byte around.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// sliceAt reconstructs a []byte view over a previously mmap'd region
// given its base address and length, for munmap/mprotect calls that
// only recorded the address, not the original slice header.
func sliceAt(addr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}
