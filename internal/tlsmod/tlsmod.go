// Package tlsmod is the TLS module manager (spec.md §4.F): it assigns
// monotonically increasing module IDs to registered PT_TLS templates,
// records the TLS variant (I or II), and backs __tls_get_addr for the
// dynamic case. It does not lay out a static TLS block: nothing here
// assigns Module.Offset.
//
// The module-ID counter and the key/value bookkeeping mirror the
// teacher's internal/stubs/pthread/tls.go map+mutex+counter pattern,
// generalized from a single flat key space (pthread TLS keys) to the
// per-module dynamic thread vector a real ELF TLS implementation needs.
package tlsmod

import (
	"sync"

	"github.com/zboralski/galago/internal/archspec"
	"github.com/zboralski/galago/internal/dlerrors"
)

// Module describes one object's static TLS template.
type Module struct {
	ID       uint64
	Template []byte // copy of PT_TLS's file-backed initializer bytes
	MemSize  uint64 // total per-thread size, including zero-filled tail
	Align    uint64
	Offset   int64 // variant I: offset from TP; variant II: negative offset before TP
}

// Manager owns module-ID allocation and the dynamic per-thread vectors.
// One Manager is process-global, like the teacher's tlsData map.
type Manager struct {
	mu       sync.Mutex
	nextID   uint64
	modules  map[uint64]*Module
	variant  archspec.TLSVariant
	dtv      map[uint64]map[uint64][]byte // thread id -> module ID -> block
	threadID func() uint64
}

// New creates a Manager for the given TLS variant. threadID identifies
// the calling thread; dl passes its currentThreadID, which pins the
// calling goroutine to its OS thread and returns the kernel thread id.
func New(variant archspec.TLSVariant, threadID func() uint64) *Manager {
	return &Manager{
		modules:  make(map[uint64]*Module),
		dtv:      make(map[uint64]map[uint64][]byte),
		variant:  variant,
		threadID: threadID,
	}
}

// Register allocates a new module ID for an object's PT_TLS segment. IDs
// are never reused even after the owning object is unloaded, matching
// spec.md §4.F (a later object must not collide with a stale dynamic
// thread-vector entry from an unloaded one).
func (m *Manager) Register(template []byte, memSize, align uint64) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	mod := &Module{ID: m.nextID, Template: template, MemSize: memSize, Align: align}
	m.modules[mod.ID] = mod
	return mod
}

// Unregister drops a module's bookkeeping without reclaiming its ID.
func (m *Manager) Unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, id)
	for _, perThread := range m.dtv {
		delete(perThread, id)
	}
}

// GetAddr implements __tls_get_addr(module, offset): the dynamic case,
// allocating the module's per-thread block on first touch from that
// thread, copy-initialized from its static template.
func (m *Manager) GetAddr(moduleID, offset uint64) (uint64, error) {
	m.mu.Lock()
	mod, ok := m.modules[moduleID]
	if !ok {
		m.mu.Unlock()
		return 0, dlerrors.New(dlerrors.TlsLayoutConflict)
	}
	tid := m.threadID()
	perThread, ok := m.dtv[tid]
	if !ok {
		perThread = make(map[uint64][]byte)
		m.dtv[tid] = perThread
	}
	block, ok := perThread[moduleID]
	if !ok {
		block = make([]byte, mod.MemSize)
		copy(block, mod.Template)
		perThread[moduleID] = block
	}
	m.mu.Unlock()

	if offset >= uint64(len(block)) {
		return 0, dlerrors.BadRelocErr(offset)
	}
	return uint64(uintptrOf(block)) + offset, nil
}

// FreeThread releases every dynamic TLS block belonging to tid, called
// when a host thread exits.
func (m *Manager) FreeThread(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dtv, tid)
}
