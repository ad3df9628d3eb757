// Package archspec holds the per-architecture constant tables the rest of
// the linker consults instead of hard-coding opcode numbers: relocation
// opcode classification, pointer width, TLS variant, page size, and (where
// implemented) the raw lazy-binding PLT resolver trampoline.
//
// The relocation opcode groups mirror the R_AARCH64_* block in the
// teacher's internal/emulator/elf.go, generalized to every supported
// elf.Machine instead of being hard-coded to ARM64 alone.
package archspec

import (
	"debug/elf"
	"fmt"
)

// RelocClass is the opcode-meaning grouping spec.md §4.A names.
type RelocClass int

const (
	ClassNone RelocClass = iota
	ClassAbs
	ClassRelative
	ClassGlobDat
	ClassJumpSlot
	ClassCopy
	ClassTLSDTPMod
	ClassTLSDTPOff
	ClassTLSTPOff
	ClassTLSDesc
	ClassIRelative
)

// TLSVariant identifies the ABI's static-TLS layout convention.
type TLSVariant int

const (
	VariantI  TLSVariant = iota + 1 // static block follows the thread pointer
	VariantII                       // static block precedes the thread pointer
)

// Descriptor is the compile-time-ish (in practice: table-selected at
// Init/FromFile time) per-architecture record spec.md §4.A describes.
type Descriptor struct {
	Machine       elf.Machine
	PageSize      uint64
	PointerWidth  int
	TLSVariant    TLSVariant
	LazySupported bool
	opcodes       map[uint32]RelocClass
}

// Classify maps a raw relocation type number to its semantic class. The
// second return value is false for opcodes this descriptor does not
// recognize at all (callers should surface UnsupportedReloc).
func (d *Descriptor) Classify(op uint32) (RelocClass, bool) {
	c, ok := d.opcodes[op]
	return c, ok
}

var table = map[elf.Machine]*Descriptor{
	elf.EM_X86_64: {
		Machine:       elf.EM_X86_64,
		PageSize:      0x1000,
		PointerWidth:  8,
		TLSVariant:    VariantII,
		LazySupported: true,
		opcodes: map[uint32]RelocClass{
			0:  ClassNone,       // R_X86_64_NONE
			1:  ClassAbs,        // R_X86_64_64
			5:  ClassCopy,       // R_X86_64_COPY
			6:  ClassGlobDat,    // R_X86_64_GLOB_DAT
			7:  ClassJumpSlot,   // R_X86_64_JUMP_SLOT
			8:  ClassRelative,   // R_X86_64_RELATIVE
			16: ClassTLSDTPMod,  // R_X86_64_DTPMOD64
			17: ClassTLSDTPOff,  // R_X86_64_DTPOFF64
			18: ClassTLSTPOff,   // R_X86_64_TPOFF64
			36: ClassTLSDesc,    // R_X86_64_TLSDESC
			37: ClassIRelative,  // R_X86_64_IRELATIVE
		},
	},
	elf.EM_AARCH64: {
		Machine:       elf.EM_AARCH64,
		PageSize:      0x1000,
		PointerWidth:  8,
		TLSVariant:    VariantI,
		LazySupported: true,
		opcodes: map[uint32]RelocClass{
			0:    ClassNone,      // R_AARCH64_NONE
			257:  ClassAbs,       // R_AARCH64_ABS64
			1024: ClassCopy,      // R_AARCH64_COPY
			1025: ClassGlobDat,   // R_AARCH64_GLOB_DAT
			1026: ClassJumpSlot,  // R_AARCH64_JUMP_SLOT
			1027: ClassRelative,  // R_AARCH64_RELATIVE
			1028: ClassTLSDTPMod, // R_AARCH64_TLS_DTPMOD64
			1029: ClassTLSDTPOff, // R_AARCH64_TLS_DTPREL64
			1030: ClassTLSTPOff,  // R_AARCH64_TLS_TPREL64
			1031: ClassTLSDesc,   // R_AARCH64_TLSDESC
			1032: ClassIRelative, // R_AARCH64_IRELATIVE
		},
	},
	elf.EM_RISCV: {
		Machine:       elf.EM_RISCV,
		PageSize:      0x1000,
		PointerWidth:  8,
		TLSVariant:    VariantII,
		LazySupported: false, // no hand-assembled RISC-V trampoline
		opcodes: map[uint32]RelocClass{
			0:  ClassNone,      // R_RISCV_NONE
			2:  ClassAbs,       // R_RISCV_64
			3:  ClassRelative,  // R_RISCV_RELATIVE
			4:  ClassCopy,      // R_RISCV_COPY
			5:  ClassJumpSlot,  // R_RISCV_JUMP_SLOT
			7:  ClassTLSDTPMod, // R_RISCV_TLS_DTPMOD64
			9:  ClassTLSDTPOff, // R_RISCV_TLS_DTPREL64
			11: ClassTLSTPOff,  // R_RISCV_TLS_TPREL64
			58: ClassIRelative, // R_RISCV_IRELATIVE
		},
	},
	elf.EM_386: {
		Machine:       elf.EM_386,
		PageSize:      0x1000,
		PointerWidth:  4,
		TLSVariant:    VariantII,
		LazySupported: false, // optional arch per spec.md §4.A; not ported
		opcodes: map[uint32]RelocClass{
			0:  ClassNone,      // R_386_NONE
			1:  ClassAbs,       // R_386_32
			6:  ClassGlobDat,   // R_386_GLOB_DAT
			7:  ClassJumpSlot,  // R_386_JMP_SLOT
			8:  ClassRelative,  // R_386_RELATIVE
			5:  ClassCopy,      // R_386_COPY
			14: ClassTLSTPOff,  // R_386_TLS_TPOFF
			35: ClassTLSDTPMod, // R_386_TLS_DTPMOD32
			36: ClassTLSDTPOff, // R_386_TLS_DTPOFF32
			42: ClassIRelative, // R_386_IRELATIVE
		},
	},
	elf.EM_LOONGARCH: {
		Machine:       elf.EM_LOONGARCH,
		PageSize:      0x4000,
		PointerWidth:  8,
		TLSVariant:    VariantII,
		LazySupported: false, // spec.md §2: LoongArch supported without lazy binding
		opcodes: map[uint32]RelocClass{
			0:  ClassNone,
			2:  ClassAbs,       // R_LARCH_64 (value reloc family)
			3:  ClassRelative,  // R_LARCH_RELATIVE
			4:  ClassCopy,      // R_LARCH_COPY
			5:  ClassJumpSlot,  // R_LARCH_JUMP_SLOT
			7:  ClassTLSDTPMod, // R_LARCH_TLS_DTPMOD64
			9:  ClassTLSDTPOff, // R_LARCH_TLS_DTPREL64
			11: ClassTLSTPOff,  // R_LARCH_TLS_TPREL64
			12: ClassIRelative, // R_LARCH_IRELATIVE
		},
	},
}

// BuildLazyTrampoline returns the hand-assembled machine code for this
// architecture's PLT resolver entry point, along with the byte offset of
// the 8-byte pointer slot the caller must patch with the resolver's
// address before mapping the page executable. It fails for architectures
// where LazySupported is false.
func (d *Descriptor) BuildLazyTrampoline() (code []byte, resolverSlotOffset int, err error) {
	if !d.LazySupported {
		return nil, 0, fmt.Errorf("archspec: %v has no lazy-binding trampoline", d.Machine)
	}
	switch d.Machine {
	case elf.EM_X86_64:
		code, resolverSlotOffset = buildAMD64Trampoline()
	case elf.EM_AARCH64:
		code, resolverSlotOffset = buildARM64Trampoline()
	default:
		return nil, 0, fmt.Errorf("archspec: %v has no trampoline builder", d.Machine)
	}
	return code, resolverSlotOffset, nil
}

// Lookup returns the descriptor for the given ELF machine type, or
// (nil, error) if the architecture is not supported.
func Lookup(m elf.Machine) (*Descriptor, error) {
	d, ok := table[m]
	if !ok {
		return nil, fmt.Errorf("archspec: unsupported machine %v", m)
	}
	return d, nil
}
