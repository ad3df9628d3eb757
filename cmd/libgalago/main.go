// Command libgalago builds the C ABI surface (spec.md §4.K) as a shared
// library: dlopen/dlsym/dlclose/dladdr/dlerror with the standard POSIX
// signatures, plus dl_iterate_phdr, whose callback here receives the
// object's name, base and length instead of a struct dl_phdr_info, so a
// C (or any cgo-capable) caller can link against this linker much like
// libdl. Build with:
//
//	go build -buildmode=c-shared -o libgalago.so ./cmd/libgalago
//
// -buildmode=c-shared requires the //export'd functions to live in
// package main; all the actual logic is in internal/capi, which stays
// a plain Go package so it can be unit tested without a cgo build.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	const char *dli_fname;
	void       *dli_fbase;
	const char *dli_sname;
	void       *dli_saddr;
} Dl_info;

typedef int (*phdr_callback)(const char *name, uintptr_t base, uintptr_t len, void *data);

static int call_phdr_callback(phdr_callback cb, const char *name, uintptr_t base, uintptr_t len, void *data) {
	return cb(name, base, len, data);
}
*/
import "C"

import (
	"unsafe"

	"github.com/zboralski/galago/dl"
	"github.com/zboralski/galago/internal/capi"
)

//export dlopen
func dlopen(path *C.char, mode C.int) unsafe.Pointer {
	h, err := capi.Open(C.GoString(path), int(mode))
	if err != nil {
		return nil
	}
	return handleToPointer(h)
}

//export dlsym
func dlsym(handle unsafe.Pointer, symbol *C.char) unsafe.Pointer {
	addr, err := capi.Sym(pointerToHandle(handle), C.GoString(symbol))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(uintptr(addr))
}

//export dlclose
func dlclose(handle unsafe.Pointer) C.int {
	if err := capi.Close(pointerToHandle(handle)); err != nil {
		return -1
	}
	return 0
}

//export dladdr
func dladdr(addr unsafe.Pointer, info *C.Dl_info) C.int {
	if info == nil {
		return 0
	}
	a, ok := capi.Addr(uint64(uintptr(addr)))
	if !ok {
		return 0
	}
	info.dli_fname = C.CString(a.Object)
	info.dli_fbase = unsafe.Pointer(uintptr(a.ObjectBase))
	if a.Symbol != "" {
		info.dli_sname = C.CString(a.Symbol)
		info.dli_saddr = unsafe.Pointer(uintptr(a.SymbolAddr))
	} else {
		info.dli_sname = nil
		info.dli_saddr = nil
	}
	return 1
}

//export dl_iterate_phdr
func dl_iterate_phdr(cb C.phdr_callback, data unsafe.Pointer) C.int {
	if cb == nil {
		return 0
	}
	var ret C.int
	capi.IteratePHDR(func(e capi.PHDREntry) bool {
		name := C.CString(e.Name)
		defer C.free(unsafe.Pointer(name))
		ret = C.call_phdr_callback(cb, name, C.uintptr_t(e.Base), C.uintptr_t(e.Len), data)
		return ret == 0
	})
	return ret
}

//export dlerror
func dlerror() *C.char {
	msg, ok := capi.LastError()
	if !ok {
		return nil
	}
	return C.CString(msg)
}

func handleToPointer(h dl.Handle) unsafe.Pointer {
	return unsafe.Pointer(uintptr(h))
}

func pointerToHandle(p unsafe.Pointer) dl.Handle {
	return dl.Handle(uintptr(p))
}
