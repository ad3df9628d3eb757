package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/galago/internal/elfview"
)

func TestCountLoads(t *testing.T) {
	v := &elfview.View{
		Progs: []elf.ProgHeader{
			{Type: elf.PT_LOAD},
			{Type: elf.PT_DYNAMIC},
			{Type: elf.PT_LOAD},
			{Type: elf.PT_TLS},
		},
	}
	if got := countLoads(v); got != 2 {
		t.Errorf("countLoads() = %d, want 2", got)
	}
}

type elf64Header struct {
	Ident                                                 [16]byte
	Type, Machine                                         uint16
	Version                                               uint32
	Entry, Phoff, Shoff                                   uint64
	Flags                                                 uint32
	Ehsize, Phentsize, Phnum, Shentsize, Shnum, Shstrndx  uint16
}

type elf64Phdr struct {
	Type, Flags                                uint32
	Offset, Vaddr, Paddr, Filesz, Memsz, Align uint64
}

type elf64Shdr struct {
	Name, Type                uint32
	Flags, Addr, Offset, Size uint64
	Link, Info                uint32
	Addralign, Entsize        uint64
}

type elf64Sym struct {
	Name        uint32
	Info, Other uint8
	Shndx       uint16
	Value, Size uint64
}

// buildShowInfoFixture writes a one-dependency, one-symbol ET_DYN image
// to a file so showInfo can open and dump it end to end.
func buildShowInfoFixture(t *testing.T) string {
	t.Helper()

	var dynstr bytes.Buffer
	dynstr.WriteByte(0)
	symOff := dynstr.Len()
	dynstr.WriteString("exported_sym")
	dynstr.WriteByte(0)
	neededOff := dynstr.Len()
	dynstr.WriteString("libdep.so.1")
	dynstr.WriteByte(0)

	var dynsymBuf bytes.Buffer
	binary.Write(&dynsymBuf, binary.LittleEndian, elf64Sym{})
	binary.Write(&dynsymBuf, binary.LittleEndian, elf64Sym{
		Name: uint32(symOff), Info: 0x12, Shndx: 1, Value: 0x2000,
	})

	type dynEnt struct {
		Tag int64
		Val uint64
	}
	var dynamicBuf bytes.Buffer
	for _, e := range []dynEnt{
		{int64(elfview.DtNeeded), uint64(neededOff)},
		{int64(elfview.DtStrtab), 0},
		{int64(elfview.DtSymtab), 0},
		{int64(elfview.DtStrSz), uint64(dynstr.Len())},
		{int64(elfview.DtSymEnt), 24},
		{int64(elfview.DtNull), 0},
	} {
		binary.Write(&dynamicBuf, binary.LittleEndian, e.Tag)
		binary.Write(&dynamicBuf, binary.LittleEndian, e.Val)
	}

	shstrtab := []byte("\x00.dynstr\x00.dynsym\x00.dynamic\x00.shstrtab\x00")
	nameOff := func(name string) uint32 {
		i := bytes.Index(shstrtab, append([]byte(name), 0))
		if i < 0 {
			t.Fatalf("section %q missing", name)
		}
		return uint32(i)
	}

	const ehdrSize, phdrSize = 64, 56
	dataStart := uint64(ehdrSize + phdrSize)
	dynstrOff := dataStart
	dynsymOff := dynstrOff + uint64(dynstr.Len())
	dynamicOff := dynsymOff + uint64(dynsymBuf.Len())
	shstrtabOff := dynamicOff + uint64(dynamicBuf.Len())
	shoff := shstrtabOff + uint64(len(shstrtab))

	var buf bytes.Buffer
	buf.Write(make([]byte, ehdrSize))
	binary.Write(&buf, binary.LittleEndian, elf64Phdr{
		Type: 1, Flags: 7, Offset: 0, Vaddr: 0, Filesz: shoff, Memsz: 0x3000, Align: 0x1000,
	})
	buf.Write(dynstr.Bytes())
	buf.Write(dynsymBuf.Bytes())
	buf.Write(dynamicBuf.Bytes())
	buf.Write(shstrtab)

	shdrs := []elf64Shdr{
		{},
		{Name: nameOff(".dynstr"), Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC), Addr: dynstrOff, Offset: dynstrOff, Size: uint64(dynstr.Len()), Addralign: 1},
		{Name: nameOff(".dynsym"), Type: uint32(elf.SHT_DYNSYM), Flags: uint64(elf.SHF_ALLOC), Addr: dynsymOff, Offset: dynsymOff, Size: uint64(dynsymBuf.Len()), Link: 1, Info: 1, Addralign: 8, Entsize: 24},
		{Name: nameOff(".dynamic"), Type: uint32(elf.SHT_DYNAMIC), Flags: uint64(elf.SHF_ALLOC), Addr: dynamicOff, Offset: dynamicOff, Size: uint64(dynamicBuf.Len()), Link: 1, Addralign: 8, Entsize: 16},
		{Name: nameOff(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Offset: shstrtabOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	for _, s := range shdrs {
		binary.Write(&buf, binary.LittleEndian, s)
	}

	out := buf.Bytes()
	var hdr elf64Header
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	hdr.Type = uint16(elf.ET_DYN)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = 1
	hdr.Phoff = dataStart - phdrSize
	hdr.Shoff = shoff
	hdr.Ehsize = ehdrSize
	hdr.Phentsize = phdrSize
	hdr.Phnum = 1
	hdr.Shentsize = 64
	hdr.Shnum = uint16(len(shdrs))
	hdr.Shstrndx = 4
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, hdr)
	copy(out[:ehdrSize], hdrBuf.Bytes())

	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.so")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fnErr := fn()
	w.Close()
	out, _ := io.ReadAll(r)
	return string(out), fnErr
}

func TestShowInfoDumpsDynamicSection(t *testing.T) {
	t.Setenv("GALAGO_NO_COLOR", "1")
	path := buildShowInfoFixture(t)

	out, err := captureStdout(t, func() error { return showInfo(path) })
	if err != nil {
		t.Fatalf("showInfo: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("libdep.so.1")) {
		t.Errorf("showInfo output missing DT_NEEDED entry:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte("PT_LOAD segments: 1")) {
		t.Errorf("showInfo output missing PT_LOAD count:\n%s", out)
	}
}

func TestShowInfoRejectsMissingFile(t *testing.T) {
	if err := showInfo(filepath.Join(t.TempDir(), "does-not-exist.so")); err == nil {
		t.Error("showInfo on a missing file: expected error, got nil")
	}
}
