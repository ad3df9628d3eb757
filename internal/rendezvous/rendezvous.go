// Package rendezvous implements the debugger rendezvous structure
// (spec.md §4.I/§9): the r_debug-shaped record a debugger (or any tool
// walking link maps the traditional way) expects to find and poll for
// load-map changes, kept in sync as objects are inserted into and
// removed from the registry.
package rendezvous

import "sync"

// State mirrors r_debug's r_state values.
type State int

const (
	Consistent State = iota
	Add
	Delete
)

// LinkMapEntry is one node of the doubly linked link-map list, the
// traditional debugger-facing shape (l_addr/l_name/l_ld/l_next/l_prev)
// reduced to what this linker actually tracks.
type LinkMapEntry struct {
	Addr uint64
	Name string
	Next *LinkMapEntry
	Prev *LinkMapEntry
}

// Debug is the process-wide rendezvous record. A real implementation
// intended for actual debugger interop would place this at a fixed,
// externally-discoverable symbol (traditionally _r_debug); this
// in-process version exposes the same fields and transition protocol;
// neither internal/capi nor cmd/libgalago exports it as a C symbol.
type Debug struct {
	mu      sync.Mutex
	Version int
	Head    *LinkMapEntry
	State   State
	BrkAddr uint64 // address of the r_brk-equivalent hook, if installed
}

// Shared is the process-wide instance.
var Shared = &Debug{Version: 1}

// BeginAdd transitions to Add state before linking in a new map entry,
// and links it in, per the standard two-phase rendezvous protocol
// (Add -> link -> Consistent) so a debugger polling mid-update never
// observes a torn list.
func (d *Debug) BeginAdd(e *LinkMapEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = Add
	e.Next = d.Head
	if d.Head != nil {
		d.Head.Prev = e
	}
	d.Head = e
	d.State = Consistent
}

// BeginDelete transitions to Delete state, unlinks name, then back to
// Consistent.
func (d *Debug) BeginDelete(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = Delete
	for e := d.Head; e != nil; e = e.Next {
		if e.Name == name {
			if e.Prev != nil {
				e.Prev.Next = e.Next
			} else {
				d.Head = e.Next
			}
			if e.Next != nil {
				e.Next.Prev = e.Prev
			}
			break
		}
	}
	d.State = Consistent
}

// Snapshot returns every entry currently linked, head first.
func (d *Debug) Snapshot() []LinkMapEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []LinkMapEntry
	for e := d.Head; e != nil; e = e.Next {
		out = append(out, *e)
	}
	return out
}
