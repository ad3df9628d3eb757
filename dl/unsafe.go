package dl

import (
	"unsafe"

	"github.com/zboralski/galago/internal/reloc"
)

func ptrCast[T any](addr uint64) *T {
	return (*T)(unsafe.Pointer(uintptr(addr)))
}

// callInitFini invokes a DT_INIT/DT_INIT_ARRAY/DT_FINI/DT_FINI_ARRAY
// function pointer living in mapped, executable memory. It takes the
// same zero-argument C ABI shape as an IFUNC resolver, so it reuses
// reloc's cgo-backed bare-function caller rather than duplicating the
// call-into-raw-memory machinery here.
func callInitFini(fn uintptr) {
	reloc.CallBareFunction(uint64(fn))
}
