// Package dl is the public native API (spec.md §4.J): the Go-native
// surface equivalent to dlopen/dlsym/dlclose/dladdr/dl_iterate_phdr, used
// directly by Go callers and wrapped by internal/capi for the C ABI.
package dl

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"go.uber.org/multierr"

	"github.com/zboralski/galago/internal/archspec"
	"github.com/zboralski/galago/internal/auxv"
	"github.com/zboralski/galago/internal/config"
	"github.com/zboralski/galago/internal/dlerrors"
	"github.com/zboralski/galago/internal/ehframe"
	"github.com/zboralski/galago/internal/elfview"
	"github.com/zboralski/galago/internal/initfini"
	glog "github.com/zboralski/galago/internal/log"
	"github.com/zboralski/galago/internal/mapper"
	"github.com/zboralski/galago/internal/registry"
	"github.com/zboralski/galago/internal/reloc"
	"github.com/zboralski/galago/internal/rendezvous"
	"github.com/zboralski/galago/internal/symtab"
	"github.com/zboralski/galago/internal/tlsmod"
)

// Flags re-exports registry.Flags under the names callers of the public
// API use; internal/capi maps the POSIX RTLD_* bit values onto these.
type Flags = registry.Flags

const (
	Lazy     = registry.FlagLazy
	Now      = registry.FlagNow
	Global   = registry.FlagGlobal
	Local    = registry.FlagLocal
	NoDelete = registry.FlagNoDelete
	NoLoad   = registry.FlagNoLoad
)

// Handle is the opaque caller-visible identity of a loaded object.
type Handle uint64

var (
	initOnce sync.Once

	policy  *config.Policy
	tlsMgrs = map[archspec.TLSVariant]*tlsmod.Manager{}
	tlsMu   sync.Mutex
	runner  *initfini.Runner

	loadingMu sync.Mutex
	loading   = map[string]bool{}
)

// Init loads the policy file and prepares the process-wide init/fini
// runner. It reads /proc/self/auxv but does not register the running
// program in the registry, so the main program is not reported by
// IteratePHDR. Callers must call Init before Open/FromFile.
func Init() error {
	var initErr error
	initOnce.Do(func() {
		glog.Init(false)
		p, err := config.Load()
		if err != nil {
			initErr = dlerrors.Wrap(dlerrors.IoError, err)
			return
		}
		policy = p
		runner = initfini.New(callInitFini)

		if _, err := auxv.Read(); err != nil {
			glog.L.Warn("auxv read failed, main program will not appear in dl_iterate_phdr", glog.Fn("Init"))
		}
	})
	return initErr
}

func tlsManager(variant archspec.TLSVariant) *tlsmod.Manager {
	tlsMu.Lock()
	defer tlsMu.Unlock()
	if m, ok := tlsMgrs[variant]; ok {
		return m
	}
	m := tlsmod.New(variant, currentThreadID)
	tlsMgrs[variant] = m
	return m
}

// currentThreadID pins the calling goroutine to its current OS thread
// (a goroutine otherwise has no stable OS-thread identity: the runtime
// is free to migrate it between Ms between any two calls) and returns
// that thread's real kernel id via reloc's cgo gettid() wrapper. Once
// locked, the goroutine keeps this id for the rest of its life, which is
// what the TLS module manager's per-thread DTV needs: stable for the
// life of the calling goroutine, not just for one access.
func currentThreadID() uint64 {
	runtime.LockOSThread()
	return reloc.ThreadID()
}

// Builder accumulates a parsed-but-not-yet-relocated image, mirroring
// the two-step FromFile/FromBytes -> Relocate flow spec.md §4.J
// describes, so callers can install a custom Resolver between parse and
// relocation (RelocateWith) when they need to intercept or preempt
// specific symbols before the linker resolves them itself.
type Builder struct {
	name  string
	view  *elfview.View
	data  []byte
	flags Flags
}

// FromFile parses path without mapping or relocating it yet.
func FromFile(path string) (*Builder, error) {
	v, err := elfview.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dlerrors.Wrap(dlerrors.IoError, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Builder{name: abs, view: v, data: data}, nil
}

// FromBytes parses an in-memory image, for callers (and tests) that have
// no file to open.
func FromBytes(name string, data []byte) (*Builder, error) {
	v, err := elfview.OpenBytes(data)
	if err != nil {
		return nil, err
	}
	return &Builder{name: name, view: v, data: data}, nil
}

// WithFlags sets the RTLD-style flags that control binding mode,
// scope visibility, and nodelete pinning for this load.
func (b *Builder) WithFlags(f Flags) *Builder {
	b.flags = f
	return b
}

// Relocate maps the image and applies every relocation using the normal
// scope-based resolver (this object's dependency scope, falling back to
// the process global scope).
func (b *Builder) Relocate() (Handle, error) {
	return b.RelocateWith(nil)
}

// RelocateWith maps and relocates the image, trying extra before the
// normal scope search for every undefined symbol — the hook spec.md
// §4.J calls out for callers that need to preempt specific imports.
func (b *Builder) RelocateWith(extra reloc.Resolver) (Handle, error) {
	if err := Init(); err != nil {
		return 0, err
	}

	if existing, ok := registry.DefaultRegistry.Lookup(b.name); ok {
		registry.DefaultRegistry.Insert(existing)
		return Handle(existing.Handle), nil
	}
	if b.flags&registry.FlagNoLoad != 0 {
		return 0, dlerrors.NotFoundErr(b.name)
	}

	loadingMu.Lock()
	if loading[b.name] {
		loadingMu.Unlock()
		return 0, dlerrors.CircularDepErr(b.name)
	}
	loading[b.name] = true
	loadingMu.Unlock()
	defer func() {
		loadingMu.Lock()
		delete(loading, b.name)
		loadingMu.Unlock()
	}()

	ext, err := mapper.Load(b.view, b.data, 0)
	if err != nil {
		return 0, err
	}

	loadBase := ext.Base
	if len(ext.Segments) > 0 {
		loadBase = ext.Segments[0].RuntimeAddr - ext.Segments[0].FileVAddr
	}

	symTable, err := symtab.Build(b.name, b.view, ext, func(uint32) string { return "" })
	if err != nil {
		_ = mapper.Unload(ext)
		return 0, err
	}

	obj := &registry.Object{
		Name:    b.name,
		Handle:  ext.Base,
		Base:    ext.Base,
		Len:     ext.Len,
		Extent:  ext,
		Symbols: symTable,
		Flags:   b.flags,
		State:   registry.StateMapped,
	}
	if policy != nil && policy.IsNoDelete(b.name) {
		obj.Flags |= registry.FlagNoDelete
	}
	if policy != nil && policy.IsGlobal(b.name) {
		obj.Flags |= registry.FlagGlobal
	}

	// obj is not inserted into the registry until its dependencies are
	// loaded and it is relocated; it goes in before its initializers run,
	// and an initializer failure removes it again. spec.md §4.I orders
	// registry insertion after relocation, and §5 requires a failed load
	// to leave no observable trace in the registry or any scope — so every
	// error return from here on unwinds whatever it had already acquired.
	deps, err := loadDeps(b.view, b.flags)
	if err != nil {
		_ = mapper.Unload(ext)
		return 0, err
	}
	obj.Deps = deps

	scope := buildScope(obj)
	resolver := func(name string) (string, uint64, error) {
		if extra != nil {
			if owner, addr, err := extra(name); err == nil {
				return owner, addr, nil
			}
		}
		owner, e, err := scope.Resolve(name)
		if err != nil {
			return "", 0, err
		}
		return owner, e.Addr, nil
	}

	relocObj := &reloc.Object{
		Name: b.name, View: b.view, Extent: ext, Syms: symTable, LoadBase: loadBase,
	}

	tlsMgr := tlsManager(b.view.Arch.TLSVariant)

	rl := reloc.New(b.view.Arch, tlsMgr)
	mode := reloc.ModeLazy
	bindNow := b.flags&registry.FlagNow != 0
	if f, ok := b.view.DynVal(elfview.DtFlags); ok && f&elfview.DfBindNow != 0 {
		bindNow = true
	}
	if _, ok := b.view.DynVal(elfview.DtBindNow); ok {
		bindNow = true
	}
	if policy.EffectiveBindNow(bindNow) {
		mode = reloc.ModeNow
	}
	if err := rl.Apply(relocObj, resolver, mode); err != nil {
		releaseDeps(deps)
		_ = mapper.Unload(ext)
		return 0, err
	}
	obj.State = registry.StateRelocated
	obj.InitFn, obj.FiniFn = initFiniPointers(b.view, loadBase)

	obj.SessionID = registry.NewSessionID()
	inserted := registry.DefaultRegistry.Insert(obj)
	ehframe.Default.Register(ehframe.Range{Obj: b.name, Base: ext.Base, Len: ext.Len})
	rendezvous.Shared.BeginAdd(&rendezvous.LinkMapEntry{Addr: ext.Base, Name: b.name})

	if err := runner.RunInit(objIniter{inserted}); err != nil {
		registry.DefaultRegistry.Remove(inserted.Name)
		rendezvous.Shared.BeginDelete(b.name)
		ehframe.Default.Unregister(b.name)
		releaseDeps(deps)
		_ = mapper.Unload(ext)
		return 0, err
	}
	registry.DefaultRegistry.SetState(inserted, registry.StateInitialized)

	glog.L.ObjectLoaded(b.name, ext.Base, ext.Len, inserted.SessionID)

	return Handle(inserted.Handle), nil
}

// releaseDeps drops the reference loadDeps took on each of obj's
// dependencies, for a load that fails after resolving them but before
// completing, and for Close's teardown, where deps are released last.
func releaseDeps(deps []*registry.Object) {
	for _, d := range deps {
		_ = Close(Handle(d.Handle))
	}
}

// objIniter adapts a registry.Object to initfini.Initer.
type objIniter struct{ o *registry.Object }

func (a objIniter) Name() string { return a.o.Name }
func (a objIniter) Deps() []initfini.Initer {
	out := make([]initfini.Initer, len(a.o.Deps))
	for i, d := range a.o.Deps {
		out[i] = objIniter{d}
	}
	return out
}
func (a objIniter) InitFuncs() []uintptr { return a.o.InitFn }
func (a objIniter) FiniFuncs() []uintptr { return a.o.FiniFn }

// initFiniPointers reads DT_INIT/DT_INIT_ARRAY and DT_FINI/DT_FINI_ARRAY
// out of the parsed view and turns them into runtime addresses the
// initfini.Runner can call directly.
func initFiniPointers(v *elfview.View, loadBase uint64) (initFns, finiFns []uintptr) {
	if addr, ok := v.DynVal(elfview.DtInit); ok {
		initFns = append(initFns, uintptr(uint64(addr)+loadBase))
	}
	if addr, ok := v.DynVal(elfview.DtFini); ok {
		finiFns = append(finiFns, uintptr(uint64(addr)+loadBase))
	}
	readArray := func(arrTag, szTag elfview.DynTag) (out []uintptr) {
		addr, ok := v.DynVal(arrTag)
		size, _ := v.DynVal(szTag)
		width := uint64(v.Arch.PointerWidth)
		for off := uint64(0); ok && off+width <= uint64(size); off += width {
			p := uint64(addr) + loadBase + off
			if width == 4 {
				out = append(out, uintptr(*ptrCast[uint32](p)))
			} else {
				out = append(out, uintptr(*ptrCast[uint64](p)))
			}
		}
		return out
	}
	initFns = append(initFns, readArray(elfview.DtInitArray, elfview.DtInitArraySz)...)
	finiFns = append(finiFns, readArray(elfview.DtFiniArray, elfview.DtFiniArraySz)...)
	return initFns, finiFns
}

func buildScope(obj *registry.Object) symtab.Scope {
	scope := symtab.Scope{obj.Symbols}
	seen := map[*registry.Object]bool{obj: true}
	for _, d := range obj.Deps {
		if !seen[d] {
			seen[d] = true
			scope = append(scope, d.Symbols)
		}
	}
	for _, g := range registry.DefaultRegistry.GlobalScope() {
		if !seen[g] {
			scope = append(scope, g.Symbols)
		}
	}
	return scope
}

// loadDeps resolves and loads every DT_NEEDED entry in v, searching
// LD_LIBRARY_PATH and the policy file's search_path in order, per
// spec.md §6. A dependency already loaded (directly or as someone
// else's dependency) is reused rather than reopened.
func loadDeps(v *elfview.View, flags Flags) ([]*registry.Object, error) {
	var deps []*registry.Object
	searchPath := policy.EffectiveSearchPath()
	for _, soname := range v.Needed() {
		path, ok := findInPath(soname, searchPath)
		if !ok {
			return nil, dlerrors.NotFoundErr(soname)
		}
		h, err := Open(path, flags&^registry.FlagNoDelete)
		if err != nil {
			return nil, err
		}
		o, ok := registry.DefaultRegistry.LookupHandle(uint64(h))
		if !ok {
			return nil, dlerrors.New(dlerrors.InvalidHandle)
		}
		deps = append(deps, o)
	}
	return deps, nil
}

func findInPath(soname string, dirs []string) (string, bool) {
	if filepath.IsAbs(soname) {
		if _, err := os.Stat(soname); err == nil {
			return soname, true
		}
		return "", false
	}
	for _, d := range dirs {
		cand := filepath.Join(d, soname)
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
	}
	return "", false
}

// Open is the dlopen-equivalent one-call path: parse, map, relocate.
func Open(path string, flags Flags) (Handle, error) {
	b, err := FromFile(path)
	if err != nil {
		return 0, err
	}
	return b.WithFlags(flags).Relocate()
}

// LoadExisting returns the handle for an already-loaded object named
// name without opening anything new, or NotFound.
func LoadExisting(name string) (Handle, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	o, ok := registry.DefaultRegistry.Lookup(abs)
	if !ok {
		return 0, dlerrors.NotFoundErr(name)
	}
	return Handle(o.Handle), nil
}

// Get resolves symbol against h's own object and returns its address
// reinterpreted as *T — the dlsym-equivalent typed accessor spec.md
// §4.J calls for.
func Get[T any](h Handle, symbol string) (*T, error) {
	obj, ok := registry.DefaultRegistry.LookupHandle(uint64(h))
	if !ok {
		return nil, dlerrors.New(dlerrors.InvalidHandle)
	}
	e, ok := obj.Symbols.Lookup(symbol)
	if !ok {
		return nil, dlerrors.UnresolvedSymbolErr(symbol)
	}
	return addrAsPointer[T](e.Addr), nil
}

// Close drops one reference to h, running its finalizers, unmapping it
// and releasing its dependencies once the refcount reaches zero.
func Close(h Handle) error {
	obj, ok := registry.DefaultRegistry.LookupHandle(uint64(h))
	if !ok {
		return dlerrors.New(dlerrors.InvalidHandle)
	}
	_, unload, err := registry.DefaultRegistry.Release(obj.Name)
	if err != nil {
		return err
	}
	if !unload {
		return nil
	}
	// Every step below runs regardless of an earlier one failing, so a
	// finalizer error never leaks the mapping or an ehframe/rendezvous
	// entry that should have been torn down along with it.
	finiErr := runner.RunFiniOne(objIniter{obj})
	ehframe.Default.Unregister(obj.Name)
	rendezvous.Shared.BeginDelete(obj.Name)
	unmapErr := mapper.Unload(obj.Extent)
	releaseDeps(obj.Deps)
	return multierr.Combine(finiErr, unmapErr)
}

// AddrInfo mirrors dladdr's Dl_info.
type AddrInfo struct {
	Object     string
	ObjectBase uint64
	Symbol     string
	SymbolAddr uint64
}

// Addr finds which loaded object (and, best-effort, which symbol) owns
// addr, the dladdr-equivalent lookup.
func Addr(addr uint64) (AddrInfo, error) {
	r, ok := ehframe.Default.Find(addr)
	if !ok {
		return AddrInfo{}, dlerrors.NotFoundErr(fmt.Sprintf("0x%x", addr))
	}
	info := AddrInfo{Object: r.Obj, ObjectBase: r.Base}
	if obj, ok := registry.DefaultRegistry.Lookup(r.Obj); ok && obj.Symbols != nil {
		if e, ok := obj.Symbols.Nearest(addr); ok {
			info.Symbol = e.Name
			info.SymbolAddr = e.Addr
		}
	}
	return info, nil
}

// IteratePHDR calls cb once per loaded object, in load order, the
// dl_iterate_phdr-equivalent walk.
func IteratePHDR(cb func(obj *registry.Object) bool) {
	for _, o := range registry.DefaultRegistry.VisibleSnapshot() {
		if !cb(o) {
			return
		}
	}
}

func addrAsPointer[T any](addr uint64) *T {
	return ptrCast[T](addr)
}
