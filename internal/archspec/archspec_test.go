package archspec

import (
	"debug/elf"
	"testing"
)

func TestLookupKnownMachines(t *testing.T) {
	for _, m := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64, elf.EM_RISCV, elf.EM_386, elf.EM_LOONGARCH} {
		d, err := Lookup(m)
		if err != nil {
			t.Fatalf("Lookup(%v): %v", m, err)
		}
		if d.Machine != m {
			t.Errorf("Lookup(%v).Machine = %v, want %v", m, d.Machine, m)
		}
	}
}

func TestLookupUnknownMachine(t *testing.T) {
	if _, err := Lookup(elf.EM_NONE); err == nil {
		t.Fatal("Lookup(EM_NONE): expected error, got nil")
	}
}

func TestClassifyX86_64(t *testing.T) {
	d, err := Lookup(elf.EM_X86_64)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		op   uint32
		want RelocClass
	}{
		{1, ClassAbs},
		{6, ClassGlobDat},
		{7, ClassJumpSlot},
		{8, ClassRelative},
		{16, ClassTLSDTPMod},
		{17, ClassTLSDTPOff},
		{18, ClassTLSTPOff},
		{37, ClassIRelative},
	}
	for _, c := range cases {
		got, ok := d.Classify(c.op)
		if !ok {
			t.Errorf("Classify(%d): not recognized", c.op)
			continue
		}
		if got != c.want {
			t.Errorf("Classify(%d) = %v, want %v", c.op, got, c.want)
		}
	}
}

func TestClassifyUnknownOpcode(t *testing.T) {
	d, _ := Lookup(elf.EM_X86_64)
	if _, ok := d.Classify(0xffff); ok {
		t.Fatal("Classify(0xffff): expected not-recognized, got a class")
	}
}

func TestBuildLazyTrampolineSupportedArches(t *testing.T) {
	for _, m := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64} {
		d, err := Lookup(m)
		if err != nil {
			t.Fatal(err)
		}
		code, slotOff, err := d.BuildLazyTrampoline()
		if err != nil {
			t.Fatalf("BuildLazyTrampoline(%v): %v", m, err)
		}
		if len(code) == 0 {
			t.Fatalf("BuildLazyTrampoline(%v): empty code", m)
		}
		if slotOff <= 0 || slotOff+8 > len(code) {
			t.Fatalf("BuildLazyTrampoline(%v): resolverSlotOffset %d out of range for %d-byte code", m, slotOff, len(code))
		}
	}
}

func TestBuildLazyTrampolineUnsupportedArch(t *testing.T) {
	d, err := Lookup(elf.EM_RISCV)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.BuildLazyTrampoline(); err == nil {
		t.Fatal("BuildLazyTrampoline on riscv64 (LazySupported=false): expected error, got nil")
	}
}
