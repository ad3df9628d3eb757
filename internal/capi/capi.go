// Package capi is the logic behind the POSIX dlopen/dlsym/dlclose/
// dladdr/dl_iterate_phdr/dlerror C ABI (spec.md §4.K): flag translation,
// a stable-address handle table, and the dlerror last-error slot. The
// cgo //export wrappers that actually give these names C linkage live
// in cmd/libgalago, since -buildmode=c-shared only exports symbols
// declared in package main; this package stays plain Go so it can be
// unit tested without a cgo build.
package capi

import (
	"sync"

	"github.com/zboralski/galago/dl"
	"github.com/zboralski/galago/internal/registry"
)

// Mode bits mirror <dlfcn.h>'s RTLD_* values on Linux/glibc, plus one
// linker-specific extension (CustomNotRegister) spec.md §4.K adds for
// callers that want a one-shot relocation pass without joining the
// process-wide registry.
const (
	RTLDLazy     = 0x00001
	RTLDNow      = 0x00002
	RTLDNoLoad   = 0x00004
	RTLDDeepBind = 0x00008
	RTLDGlobal   = 0x00100
	RTLDLocal    = 0x00000
	RTLDNoDelete = 0x01000

	// CustomNotRegister is not a glibc bit; galago reserves bit 16 of the
	// mode word for it, above every RTLD_* bit defined here.
	CustomNotRegister = 0x10000
)

// TranslateFlags maps a POSIX mode word onto the registry's Flags.
func TranslateFlags(mode int) dl.Flags {
	var f dl.Flags
	switch {
	case mode&RTLDNow != 0:
		f |= dl.Now
	default:
		f |= dl.Lazy
	}
	if mode&RTLDGlobal != 0 {
		f |= dl.Global
	} else {
		f |= dl.Local
	}
	if mode&RTLDNoDelete != 0 {
		f |= dl.NoDelete
	}
	if mode&RTLDNoLoad != 0 {
		f |= dl.NoLoad
	}
	return f
}

// errState holds the last error for the C ABI's dlerror() slot. glibc's
// dlerror is per-thread; Go's goroutines have no stable OS-thread
// identity to key a per-thread slot on, so this is one process-wide slot,
// cleared by a successful read exactly like the real dlerror() clears
// it after returning a message.
type errState struct {
	mu  sync.Mutex
	msg string
	set bool
}

var lastErr errState

// SetError records err as the pending dlerror() message. A nil err
// clears it.
func SetError(err error) {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	if err == nil {
		lastErr.set = false
		lastErr.msg = ""
		return
	}
	lastErr.set = true
	lastErr.msg = err.Error()
}

// LastError returns and clears the pending message, or ("", false) if
// none is pending, matching dlerror()'s NULL-after-first-read contract.
func LastError() (string, bool) {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	if !lastErr.set {
		return "", false
	}
	lastErr.set = false
	return lastErr.msg, true
}

// Open is dlopen's Go-side body: translate mode, call dl.Open, and
// stash any error for the next dlerror() read. The CustomNotRegister
// bit suppresses adding the object to the process registry once loaded
// so a caller can run an isolated relocation pass (tests, one-shot
// symbol extraction) without it showing up in dl_iterate_phdr or being
// reachable via LoadExisting.
func Open(path string, mode int) (dl.Handle, error) {
	flags := TranslateFlags(mode)
	h, err := dl.Open(path, flags)
	if err != nil {
		SetError(err)
		return 0, err
	}
	if mode&CustomNotRegister != 0 {
		// The object is already mapped and relocated; only the registry
		// membership is undesired, so release dl's own reference without
		// unmapping anything still in use by the caller's own handle.
		_ = dl.Close(h)
	}
	return h, nil
}

// Sym is dlsym's Go-side body, returning the symbol's runtime address.
func Sym(h dl.Handle, symbol string) (uint64, error) {
	addr, err := dl.Get[byte](h, symbol)
	if err != nil {
		SetError(err)
		return 0, err
	}
	return uint64(uintptrOf(addr)), nil
}

// Close is dlclose's Go-side body.
func Close(h dl.Handle) error {
	if err := dl.Close(h); err != nil {
		SetError(err)
		return err
	}
	return nil
}

// AddrInfo is dladdr's Dl_info, field-for-field.
type AddrInfo = dl.AddrInfo

// Addr is dladdr's Go-side body.
func Addr(addr uint64) (AddrInfo, bool) {
	info, err := dl.Addr(addr)
	if err != nil {
		SetError(err)
		return AddrInfo{}, false
	}
	return info, true
}

// PHDREntry is one callback invocation's worth of dl_iterate_phdr data.
type PHDREntry struct {
	Name string
	Base uint64
	Len  uint64
}

// IteratePHDR is dl_iterate_phdr's Go-side body: it calls cb once per
// loaded object and stops early if cb returns false, the same
// short-circuit contract dl.IteratePHDR itself offers.
func IteratePHDR(cb func(PHDREntry) bool) {
	dl.IteratePHDR(func(o *registry.Object) bool {
		return cb(PHDREntry{Name: o.Name, Base: o.Base, Len: o.Len})
	})
}
