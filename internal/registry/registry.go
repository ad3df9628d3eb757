// Package registry is the process-wide object registry (spec.md §4.I,
// §9): one RWMutex-guarded map from canonical object name to its loaded
// state, plus the global symbol scope list objects join when opened with
// RTLD_GLOBAL (or pinned global by policy).
//
// Grounded on the teacher's internal/stubs/registry.go Registry type: the
// same single-mutex, map-keyed-by-name, "seen" bookkeeping shape,
// repurposed from "symbol name -> stub hook" to "canonical path -> loaded
// object", with refcounting and a global-scope slice added since unlike
// stub registration, objects can be opened more than once and closed.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zboralski/galago/internal/dlerrors"
	"github.com/zboralski/galago/internal/mapper"
	"github.com/zboralski/galago/internal/symtab"
)

// State is an object's position in the load lifecycle spec.md §3
// describes: Mapped -> Relocated -> Initialized -> Finalized. Observers
// like dl_iterate_phdr must only see Initialized-or-later objects — a
// half-relocated object is not yet something a caller should be able to
// walk into.
type State int

const (
	StateMapped State = iota
	StateRelocated
	StateInitialized
	StateFinalized
)

// Flags mirror the POSIX dlopen mode bits the public API and the cgo
// surface both need, kept here so the registry can enforce the
// nodelete/global semantics regardless of which entry point set them.
type Flags uint32

const (
	FlagLazy       Flags = 1 << 0
	FlagNow        Flags = 1 << 1
	FlagGlobal     Flags = 1 << 2
	FlagLocal      Flags = 1 << 3
	FlagNoDelete   Flags = 1 << 4
	FlagNoLoad     Flags = 1 << 5
	FlagDeepBind   Flags = 1 << 6
)

// Object is one entry in the registry: everything later lookups,
// dladdr, and teardown need about a loaded image.
type Object struct {
	Name      string // canonical name: absolute path for file loads, caller-given name for in-memory loads
	SoName    string
	SessionID string // correlation id of the open() call that loaded the object; also on its "loaded" log line
	Handle    uint64 // opaque identity exposed to callers (== base address)
	Base      uint64
	Len       uint64
	Extent    *mapper.Extent // backing mmap region, unmapped on final Release
	Symbols   *symtab.Table
	Deps      []*Object
	Flags     Flags
	RefCount  int
	InitFn    []uintptr // DT_INIT/DT_INIT_ARRAY runtime addresses
	FiniFn    []uintptr // DT_FINI/DT_FINI_ARRAY runtime addresses
	State     State
}

// Registry is the process-wide table. One instance, DefaultRegistry, is
// shared by dl.Init; tests construct their own for isolation.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*Object
	order   []*Object // load order, needed for deterministic fini/teardown
	global  []*Object
}

// DefaultRegistry is the instance dl wires up by default.
var DefaultRegistry = New()

// New creates an empty Registry.
func New() *Registry {
	return &Registry{objects: make(map[string]*Object)}
}

// NewSessionID mints a correlation id for one open()/dlopen() call; dl
// stores it on the loaded Object and in that object's "loaded" log line.
func NewSessionID() string { return uuid.NewString() }

// Lookup returns the registered object for a canonical name, if loaded.
func (r *Registry) Lookup(name string) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[name]
	return o, ok
}

// LookupHandle returns the object whose opaque Handle matches h, used by
// dlsym/dladdr-style lookups that only have the handle, not the name.
func (r *Registry) LookupHandle(h uint64) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.objects {
		if o.Handle == h {
			return o, true
		}
	}
	return nil, false
}

// Insert registers a newly mapped object. If name is already registered
// this increments its refcount and returns the existing Object instead
// (the caller is responsible for tearing down the redundant mapping it
// just produced before calling Insert, per spec.md §4.I's re-open rule).
func (r *Registry) Insert(o *Object) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.objects[o.Name]; ok {
		existing.RefCount++
		existing.Flags |= o.Flags & (FlagGlobal | FlagNoDelete)
		return existing
	}
	o.RefCount = 1
	r.objects[o.Name] = o
	r.order = append(r.order, o)
	if o.Flags&FlagGlobal != 0 {
		r.global = append(r.global, o)
	}
	return o
}

// Release drops a reference, returning true when the refcount reaches
// zero and the caller must actually unmap and remove the object. An
// object pinned FlagNoDelete never reports a droppable refcount of zero
// through this path; Close still decrements the count for bookkeeping.
func (r *Registry) Release(name string) (obj *Object, shouldUnload bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[name]
	if !ok {
		return nil, false, dlerrors.NotFoundErr(name)
	}
	o.RefCount--
	if o.RefCount > 0 {
		return o, false, nil
	}
	if o.Flags&FlagNoDelete != 0 {
		o.RefCount = 1 // floor at 1, matches glibc's nodelete semantics
		return o, false, nil
	}
	delete(r.objects, name)
	r.removeFromOrder(o)
	r.removeFromGlobal(o)
	return o, true, nil
}

func (r *Registry) removeFromOrder(o *Object) {
	out := r.order[:0]
	for _, x := range r.order {
		if x != o {
			out = append(out, x)
		}
	}
	r.order = out
}

func (r *Registry) removeFromGlobal(o *Object) {
	out := r.global[:0]
	for _, x := range r.global {
		if x != o {
			out = append(out, x)
		}
	}
	r.global = out
}

// GlobalScope returns a snapshot of the process-wide global scope, in
// load order, for resolving undefined references that may legitimately
// come from any globally-visible object rather than just the requesting
// object's own dependency graph.
func (r *Registry) GlobalScope() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, len(r.global))
	copy(out, r.global)
	return out
}

// Snapshot returns every currently loaded object in load order, for
// dl_iterate_phdr and the monitor TUI.
func (r *Registry) Snapshot() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, len(r.order))
	copy(out, r.order)
	return out
}

// Remove unconditionally deletes name from the registry, bypassing the
// refcount and NoDelete floor Release enforces. Used to roll back a
// load that failed after Insert but before reaching Initialized: a
// failed load must leave no trace regardless of the flags it was
// opened with.
func (r *Registry) Remove(name string) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[name]
	if !ok {
		return nil, false
	}
	delete(r.objects, name)
	r.removeFromOrder(o)
	r.removeFromGlobal(o)
	return o, true
}

// SetState advances o's lifecycle state. Called by dl as a load
// progresses through mapping, relocation, and init, and on teardown.
func (r *Registry) SetState(o *Object, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.State = s
}

// VisibleSnapshot returns every Initialized-or-later object in load
// order — the set dl_iterate_phdr is allowed to walk. An object that is
// still Mapped or Relocated hasn't finished loading yet and must stay
// invisible to observers, per spec.md §3.
func (r *Registry) VisibleSnapshot() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, 0, len(r.order))
	for _, o := range r.order {
		if o.State >= StateInitialized {
			out = append(out, o)
		}
	}
	return out
}

// Count reports how many distinct objects are currently loaded.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
