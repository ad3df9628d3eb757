//go:build cgo

package reloc

/*
#include <stdint.h>

extern uintptr_t galago_resolver_amd64_addr(void);
extern uintptr_t galago_resolver_arm64_addr(void);
extern uintptr_t galago_call_bare(uintptr_t addr);
extern int64_t galago_gettid(void);
*/
import "C"

import (
	"debug/elf"
	"unsafe"

	"github.com/zboralski/galago/internal/archspec"
)

// These //export declarations give galagoResolveLinkMapIndex and
// galagoResolveGotSlot real, callable C symbols (cgo writes them into
// _cgo_export.h); shim.c takes their address so the hand-assembled
// trampolines in trampoline_amd64.go/trampoline_arm64.go can reach Go
// code with a plain indirect call instead of needing a Go-ABI-aware
// calling convention baked into machine code we wrote by hand.

//export galagoResolveLinkMapIndex
func galagoResolveLinkMapIndex(linkMap C.uintptr_t, index C.int64_t) C.uintptr_t {
	return C.uintptr_t(resolveByLinkMapIndex(uint64(linkMap), int64(index)))
}

//export galagoResolveGotSlot
func galagoResolveGotSlot(gotAddr C.uintptr_t) C.uintptr_t {
	return C.uintptr_t(resolveByGOTSlot(uint64(gotAddr)))
}

func patchResolverSlot(region []byte, slotOff int, arch *archspec.Descriptor) {
	var addr uintptr
	switch arch.Machine {
	case elf.EM_X86_64:
		addr = uintptr(C.galago_resolver_amd64_addr())
	case elf.EM_AARCH64:
		addr = uintptr(C.galago_resolver_arm64_addr())
	}
	*(*uintptr)(unsafe.Pointer(&region[slotOff])) = addr
}

func uintptrOfSlice(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// callBareFunction invokes an ifunc resolver that lives in mapped,
// executable memory at addr and takes no arguments, returning its
// result — the same "call into a raw function pointer from Go" need the
// lazy-binding path has, reused here via the shared amd64/arm64 shim
// entry points is unnecessary since ifuncs take the standard C ABI with
// zero args; a tiny dedicated shim covers that call shape.
func callBareFunction(addr uint64) uint64 {
	return uint64(C.galago_call_bare(C.uintptr_t(addr)))
}

// ThreadID returns the calling OS thread's real kernel thread id. Callers
// that need it to stay stable for the life of a goroutine (the TLS
// module manager's per-thread DTV does) must pin the goroutine first
// with runtime.LockOSThread; ThreadID itself only reads the current
// thread's id; it does not pin anything.
func ThreadID() uint64 {
	return uint64(C.galago_gettid())
}
