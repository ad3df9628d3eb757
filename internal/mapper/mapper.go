// Package mapper is the segment loader (spec.md §4.C): it reserves real
// address space in the current process with mmap and lays the image's
// PT_LOAD segments into it, so relocated code executes directly on the
// host CPU instead of inside an emulator.
//
// Grounded on xyproto-flapc's hotreload_unix.go, the only real-memory
// executable-page allocator in the example pack; generalized from a
// single hot-reloaded function to a full multi-segment ELF image and
// switched from raw syscall.Syscall6 to golang.org/x/sys/unix so the
// protection-flag and error handling matches the rest of the module's
// dependency surface.
package mapper

import (
	"debug/elf"

	"golang.org/x/sys/unix"

	"github.com/zboralski/galago/internal/dlerrors"
	"github.com/zboralski/galago/internal/elfview"
)

// Extent describes the contiguous region one image was mapped into.
type Extent struct {
	Base uint64
	Len  uint64

	// Segments holds the runtime (post-relocation-base) address of each
	// PT_LOAD segment, in file order, so reloc and ehframe can map a
	// virtual address in the file back to a segment.
	Segments []MappedSegment
}

// MappedSegment is one PT_LOAD segment's placement inside an Extent.
type MappedSegment struct {
	FileVAddr uint64 // original p_vaddr, before relocation
	RuntimeAddr uint64
	MemSize   uint64
	FileSize  uint64
	Flags     elf.ProgFlag
}

func pageAlignDown(v, pageSize uint64) uint64 { return v &^ (pageSize - 1) }
func pageAlignUp(v, pageSize uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func progFlagsToProt(f elf.ProgFlag) int {
	prot := unix.PROT_NONE
	if f&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if f&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if f&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Load reserves one contiguous anonymous region spanning every PT_LOAD
// segment in v, copies each segment's file-backed bytes in, zero-fills
// the BSS tail, and sets final page protections. preferredBase of 0 lets
// the kernel choose the address (used for ET_DYN images); a non-zero
// value is honored with MAP_FIXED_NOREPLACE semantics handled by the
// caller reserving the range first for ET_EXEC images that need a fixed
// load address.
func Load(v *elfview.View, fileData []byte, preferredBase uint64) (*Extent, error) {
	pageSize := v.Arch.PageSize

	var loMin, hiMax uint64 = ^uint64(0), 0
	for _, p := range v.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < loMin {
			loMin = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hiMax {
			hiMax = end
		}
	}
	if loMin == ^uint64(0) {
		return nil, dlerrors.New(dlerrors.BadImage)
	}

	alignedLo := pageAlignDown(loMin, pageSize)
	totalLen := pageAlignUp(hiMax-alignedLo, pageSize)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	region, err := unix.Mmap(-1, 0, int(totalLen), unix.PROT_NONE, flags)
	if err != nil {
		return nil, dlerrors.Wrap(dlerrors.MapFailed, err)
	}
	regionBase := uint64(uintptrOf(region))

	loadBase := regionBase - alignedLo
	if preferredBase != 0 {
		loadBase = preferredBase
	}

	ext := &Extent{Base: regionBase, Len: totalLen}

	for _, p := range v.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		runtimeAddr := p.Vaddr + loadBase
		segStartInRegion := (p.Vaddr - alignedLo)
		segEndInRegion := segStartInRegion + p.Memsz
		if segEndInRegion > totalLen {
			_ = unix.Munmap(region)
			return nil, dlerrors.New(dlerrors.BadImage)
		}

		if p.Filesz > 0 {
			if p.Off+p.Filesz > uint64(len(fileData)) {
				_ = unix.Munmap(region)
				return nil, dlerrors.New(dlerrors.BadImage)
			}
			copy(region[segStartInRegion:], fileData[p.Off:p.Off+p.Filesz])
		}
		// region is zero-initialized by MAP_ANONYMOUS, so the BSS tail
		// (Memsz > Filesz) is already zero; nothing further to do.

		alignedSegLo := pageAlignDown(segStartInRegion, pageSize)
		alignedSegHi := pageAlignUp(segStartInRegion+p.Memsz, pageSize)
		prot := progFlagsToProt(p.Flags)
		if err := unix.Mprotect(region[alignedSegLo:alignedSegHi], prot); err != nil {
			_ = unix.Munmap(region)
			return nil, dlerrors.Wrap(dlerrors.MapFailed, err)
		}

		ext.Segments = append(ext.Segments, MappedSegment{
			FileVAddr:   p.Vaddr,
			RuntimeAddr: runtimeAddr,
			MemSize:     p.Memsz,
			FileSize:    p.Filesz,
			Flags:       p.Flags,
		})
	}

	return ext, nil
}

// Unload releases the region backing ext.
func Unload(ext *Extent) error {
	region := sliceAt(ext.Base, ext.Len)
	if err := unix.Munmap(region); err != nil {
		return dlerrors.Wrap(dlerrors.IoError, err)
	}
	return nil
}

// Reprotect changes the protection of one runtime range inside ext, used
// by reloc to temporarily widen a read-only segment to PROT_WRITE while
// applying relocations, then narrow it back.
func Reprotect(runtimeAddr, length uint64, flags elf.ProgFlag) error {
	region := sliceAt(runtimeAddr, length)
	if err := unix.Mprotect(region, progFlagsToProt(flags)); err != nil {
		return dlerrors.Wrap(dlerrors.MapFailed, err)
	}
	return nil
}
