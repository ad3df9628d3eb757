// Package initfini is the Init/Fini runner (spec.md §4.H): it walks an
// object's dependency DAG and runs each object's DT_INIT/DT_INIT_ARRAY
// entries exactly once, in dependency order, before returning control to
// the caller of open(); finalizers run in the reverse order on unload.
//
// Grounded on the teacher's internal/stubs/registry.go "seen" map
// pattern (install each hook exactly once, tracked by address) and its
// single-mutex guard style, repurposed from "hook each PLT slot once" to
// "initialize each object once", with cycle-breaking added since a real
// dependency DAG (unlike a flat stub table) can have cycles DT_NEEDED
// introduces via circular library dependencies.
package initfini

import (
	"sync"

	"github.com/zboralski/galago/internal/dlerrors"
)

// Initer is the minimal view of an object the runner needs: its name
// (for logging/cycle diagnostics), its direct dependencies in DT_NEEDED
// order, and its own initializer/finalizer function pointers.
type Initer interface {
	Name() string
	Deps() []Initer
	InitFuncs() []uintptr
	FiniFuncs() []uintptr
}

type state int

const (
	stateUnvisited state = iota
	stateInitializing
	stateDone
)

// Runner tracks per-object init state across the whole process so that
// an object required by two different dependency chains still runs its
// initializers exactly once.
type Runner struct {
	mu     sync.Mutex
	status map[string]state
	order  []Initer // objects that have completed Init, for reverse Fini
	call   func(fn uintptr)
}

// New creates a Runner. call invokes one init/fini function pointer;
// dl supplies the real call-into-mapped-memory implementation (shared
// with reloc's ifunc caller), tests supply a recording stub.
func New(call func(fn uintptr)) *Runner {
	return &Runner{status: make(map[string]state), call: call}
}

// RunInit initializes obj and everything it depends on, depth-first,
// dependencies before dependents. Calling RunInit again on an object
// that already completed (or is mid-initialization higher up the same
// call stack, i.e. a cycle) is a no-op for that object, per spec.md
// §4.H's at-most-once and cycle-breaking rules.
func (r *Runner) RunInit(obj Initer) error {
	r.mu.Lock()
	st := r.status[obj.Name()]
	if st == stateDone || st == stateInitializing {
		r.mu.Unlock()
		if st == stateInitializing {
			// Cycle: the dependency graph looped back to an object
			// still in the middle of its own initialization. Treat it
			// as already-handled rather than erroring, matching how
			// glibc silently breaks DT_NEEDED cycles rather than
			// failing the whole load.
			return nil
		}
		return nil
	}
	r.status[obj.Name()] = stateInitializing
	r.mu.Unlock()

	for _, dep := range obj.Deps() {
		if err := r.RunInit(dep); err != nil {
			return err
		}
	}

	for _, fn := range obj.InitFuncs() {
		if fn != 0 {
			r.call(fn)
		}
	}

	r.mu.Lock()
	r.status[obj.Name()] = stateDone
	r.order = append(r.order, obj)
	r.mu.Unlock()
	return nil
}

// RunFini runs every completed object's finalizers in the reverse of
// their initialization order, the teardown symmetry spec.md §4.H
// requires. Partial-init failures are not rolled back here: an object
// whose Init errored never reaches r.order, so Fini simply never runs
// its (equally never-run) finalizers. glibc behaves differently here;
// this runner does not reproduce glibc's behavior.
func (r *Runner) RunFini() {
	r.mu.Lock()
	order := make([]Initer, len(r.order))
	copy(order, r.order)
	r.order = nil
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		obj := order[i]
		fns := obj.FiniFuncs()
		for j := len(fns) - 1; j >= 0; j-- {
			if fns[j] != 0 {
				r.call(fns[j])
			}
		}
	}
}

// RunFiniOne runs and forgets a single object's finalizers immediately,
// used when one object is explicitly closed (refcount to zero) while
// others stay loaded, rather than waiting for full-process teardown.
func (r *Runner) RunFiniOne(obj Initer) error {
	r.mu.Lock()
	st, ok := r.status[obj.Name()]
	if !ok || st != stateDone {
		r.mu.Unlock()
		return dlerrors.New(dlerrors.InvalidHandle)
	}
	delete(r.status, obj.Name())
	r.removeFromOrder(obj)
	r.mu.Unlock()

	fns := obj.FiniFuncs()
	for j := len(fns) - 1; j >= 0; j-- {
		if fns[j] != 0 {
			r.call(fns[j])
		}
	}
	return nil
}

func (r *Runner) removeFromOrder(obj Initer) {
	out := r.order[:0]
	for _, o := range r.order {
		if o != obj {
			out = append(out, o)
		}
	}
	r.order = out
}
