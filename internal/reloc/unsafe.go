package reloc

import "unsafe"

func sliceAt(addr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func ptrAt(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}
