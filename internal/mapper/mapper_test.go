package mapper

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/zboralski/galago/internal/archspec"
	"github.com/zboralski/galago/internal/elfview"
)

func x86View(t *testing.T, progs []elf.ProgHeader) *elfview.View {
	t.Helper()
	d, err := archspec.Lookup(elf.EM_X86_64)
	if err != nil {
		t.Fatal(err)
	}
	return &elfview.View{Arch: d, Progs: progs}
}

func TestLoadMapsAndCopiesSegment(t *testing.T) {
	const segOff = 0x1000
	const codeLen = 16
	fileData := make([]byte, segOff+codeLen)
	code := bytes.Repeat([]byte{0xcc}, codeLen)
	copy(fileData[segOff:], code)

	v := x86View(t, []elf.ProgHeader{
		{Type: elf.PT_LOAD, Vaddr: 0, Off: segOff, Filesz: codeLen, Memsz: 0x2000, Flags: elf.PF_R | elf.PF_X},
	})

	ext, err := Load(v, fileData, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer Unload(ext)

	if ext.Len != 0x2000 {
		t.Errorf("ext.Len = %#x, want 0x2000", ext.Len)
	}
	if len(ext.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(ext.Segments))
	}
	seg := ext.Segments[0]
	if seg.RuntimeAddr != ext.Base {
		t.Errorf("Segments[0].RuntimeAddr = %#x, want ext.Base %#x", seg.RuntimeAddr, ext.Base)
	}

	got := sliceAt(seg.RuntimeAddr, codeLen)
	if !bytes.Equal(got, code) {
		t.Errorf("mapped bytes = %x, want %x", got, code)
	}

	bss := sliceAt(seg.RuntimeAddr+codeLen, 8)
	for i, b := range bss {
		if b != 0 {
			t.Errorf("bss[%d] = %#x, want 0 (MAP_ANONYMOUS zero-fill)", i, b)
		}
	}
}

func TestLoadRejectsImageWithNoLoadSegments(t *testing.T) {
	v := x86View(t, nil)
	if _, err := Load(v, nil, 0); err == nil {
		t.Fatal("Load with no PT_LOAD segments: expected error, got nil")
	}
}

func TestLoadRejectsTruncatedFileData(t *testing.T) {
	v := x86View(t, []elf.ProgHeader{
		{Type: elf.PT_LOAD, Vaddr: 0, Off: 0, Filesz: 64, Memsz: 0x1000, Flags: elf.PF_R},
	})
	if _, err := Load(v, make([]byte, 8), 0); err == nil {
		t.Fatal("Load with file data shorter than Filesz: expected error, got nil")
	}
}

func TestReprotectWidensThenNarrows(t *testing.T) {
	v := x86View(t, []elf.ProgHeader{
		{Type: elf.PT_LOAD, Vaddr: 0, Off: 0, Filesz: 0, Memsz: 0x1000, Flags: elf.PF_R},
	})
	ext, err := Load(v, nil, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer Unload(ext)

	seg := ext.Segments[0]
	if err := Reprotect(seg.RuntimeAddr, seg.MemSize, elf.PF_R|elf.PF_W); err != nil {
		t.Fatalf("Reprotect widen: %v", err)
	}
	region := sliceAt(seg.RuntimeAddr, 8)
	region[0] = 0x42 // would fault if the widen to PROT_WRITE didn't take

	if err := Reprotect(seg.RuntimeAddr, seg.MemSize, elf.PF_R); err != nil {
		t.Fatalf("Reprotect narrow: %v", err)
	}
}

func TestUnloadReleasesRegion(t *testing.T) {
	v := x86View(t, []elf.ProgHeader{
		{Type: elf.PT_LOAD, Vaddr: 0, Off: 0, Filesz: 0, Memsz: 0x1000, Flags: elf.PF_R},
	})
	ext, err := Load(v, nil, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Unload(ext); err != nil {
		t.Fatalf("Unload: %v", err)
	}
}
