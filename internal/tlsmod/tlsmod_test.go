package tlsmod

import (
	"testing"

	"github.com/zboralski/galago/internal/archspec"
)

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	m := New(archspec.VariantI, func() uint64 { return 1 })
	m1 := m.Register([]byte{1, 2, 3}, 16, 8)
	m2 := m.Register([]byte{4, 5, 6}, 16, 8)
	if m1.ID != 1 || m2.ID != 2 {
		t.Errorf("Register IDs = %d, %d, want 1, 2", m1.ID, m2.ID)
	}
}

func TestUnregisterDoesNotReuseID(t *testing.T) {
	m := New(archspec.VariantI, func() uint64 { return 1 })
	m1 := m.Register(nil, 8, 8)
	m.Unregister(m1.ID)
	m2 := m.Register(nil, 8, 8)
	if m2.ID == m1.ID {
		t.Errorf("Register reused id %d after Unregister", m1.ID)
	}
}

func TestGetAddrInitializesFromTemplate(t *testing.T) {
	m := New(archspec.VariantII, func() uint64 { return 42 })
	template := []byte{0xaa, 0xbb, 0xcc}
	mod := m.Register(template, 8, 8)

	addr, err := m.GetAddr(mod.ID, 1)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	if addr == 0 {
		t.Error("GetAddr returned 0 address")
	}

	// A second call from the same thread must return the same block
	// (same base address minus offset), not re-copy the template.
	addr2, err := m.GetAddr(mod.ID, 1)
	if err != nil {
		t.Fatalf("GetAddr (second call): %v", err)
	}
	if addr != addr2 {
		t.Errorf("GetAddr not stable across calls: %#x != %#x", addr, addr2)
	}
}

func TestGetAddrUnknownModule(t *testing.T) {
	m := New(archspec.VariantI, func() uint64 { return 1 })
	if _, err := m.GetAddr(999, 0); err == nil {
		t.Fatal("GetAddr(999, 0): expected error for unknown module, got nil")
	}
}

func TestGetAddrOffsetOutOfRange(t *testing.T) {
	m := New(archspec.VariantI, func() uint64 { return 1 })
	mod := m.Register([]byte{1, 2}, 4, 8)
	if _, err := m.GetAddr(mod.ID, 100); err == nil {
		t.Fatal("GetAddr with out-of-range offset: expected error, got nil")
	}
}

func TestGetAddrPerThreadIsolation(t *testing.T) {
	var tid uint64 = 1
	m := New(archspec.VariantI, func() uint64 { return tid })
	mod := m.Register([]byte{1, 2, 3, 4}, 8, 8)

	addrThread1, err := m.GetAddr(mod.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	tid = 2
	addrThread2, err := m.GetAddr(mod.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if addrThread1 == addrThread2 {
		t.Error("GetAddr returned the same block for two different threads")
	}
}

func TestFreeThreadDropsDynamicBlocks(t *testing.T) {
	var tid uint64 = 7
	m := New(archspec.VariantI, func() uint64 { return tid })
	mod := m.Register([]byte{1}, 8, 8)

	if _, err := m.GetAddr(mod.ID, 0); err != nil {
		t.Fatal(err)
	}
	m.FreeThread(tid)

	if _, err := m.GetAddr(mod.ID, 0); err != nil {
		t.Fatalf("GetAddr after FreeThread: %v (should reallocate cleanly)", err)
	}
}
