// Package symtab is the symbol index (spec.md §4.D): per-object name
// lookup backed by the GNU hash table when present, falling through to a
// name-keyed map otherwise, plus the scope-level lookup used by the
// relocator and the public Get API.
//
// Grounded on the teacher's internal/emulator/elf.go Symbols map (a flat
// name->address table built off f.DynamicSymbols/f.Symbols), generalized
// into a proper per-object index with hash lookup, weak/strong override
// rules, and versioned lookup, since the teacher never needed more than
// "first symbol with this name wins".
package symtab

import (
	"debug/elf"

	"github.com/ianlancetaylor/demangle"

	"github.com/zboralski/galago/internal/dlerrors"
	"github.com/zboralski/galago/internal/elfview"
	"github.com/zboralski/galago/internal/mapper"
)

// Entry is one resolvable symbol, with its runtime (post-relocation)
// address already computed.
type Entry struct {
	Name    string
	Addr    uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Shndx   elf.SectionIndex
	Version uint16
}

// Demangled returns the C++-demangled form of Name, or Name unchanged if
// it is not a mangled Itanium name.
func (e Entry) Demangled() string {
	out, err := demangle.ToString(e.Name, demangle.NoParams)
	if err != nil {
		return e.Name
	}
	return out
}

// Table is one object's symbol index.
type Table struct {
	obj     string
	byName  map[string][]Entry // multiple entries only for versioned overloads
	gnuHash *gnuHashIndex
}

type gnuHashIndex struct {
	buckets []uint32
	chains  []uint32
	bias    uint32
	names   []string // parallel to the full dynsym array, for the chain-walk comparison
}

// Build constructs a Table from a parsed image view and the runtime
// extent it was mapped into, resolving each symbol's file-relative value
// to a real runtime address.
func Build(objName string, v *elfview.View, ext *mapper.Extent, strtab func(uint32) string) (*Table, error) {
	t := &Table{obj: objName, byName: make(map[string][]Entry)}

	loadBase := ext.Base
	if len(ext.Segments) > 0 {
		// Runtime address = file vaddr + (runtime addr of first segment -
		// file vaddr of first segment), i.e. the common relocation delta.
		loadBase = ext.Segments[0].RuntimeAddr - ext.Segments[0].FileVAddr
	}

	names := make([]string, len(v.DynSymbols))
	for i, sym := range v.DynSymbols {
		names[i] = sym.Name
		if sym.Section == elf.SHN_UNDEF && sym.Value == 0 {
			// Undefined reference, not a definition this object provides.
			continue
		}
		var ver uint16
		if i < len(v.SymVersion) {
			ver = v.SymVersion[i]
		}
		e := Entry{
			Name:    sym.Name,
			Addr:    sym.Value + loadBase,
			Size:    sym.Size,
			Bind:    elf.ST_BIND(sym.Info),
			Type:    elf.ST_TYPE(sym.Info),
			Shndx:   sym.Section,
			Version: ver,
		}
		t.byName[sym.Name] = append(t.byName[sym.Name], e)
	}

	if len(v.GnuHashBuckets) > 0 {
		t.gnuHash = &gnuHashIndex{
			buckets: v.GnuHashBuckets,
			chains:  v.GnuHashChains,
			bias:    v.GnuHashSymBias,
			names:   names,
		}
	}

	return t, nil
}

// HasGnuHash reports whether the image carried a .gnu.hash section.
func (t *Table) HasGnuHash() bool { return t.gnuHash != nil }

// gnuHash is the standard GNU hash function (the same djb2 variant glibc
// uses to build and walk .gnu.hash): h starts at 5381 and each byte folds
// in as h = h*33 + byte.
func gnuHash(name string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// lookup walks the bucket/chain table to decide whether name is present
// in this object's dynamic symbol table, per the .gnu.hash format
// elfview.parseGnuHash parses: buckets[hash%nbuckets] gives the first
// candidate symbol index (if >= bias), and chains[idx-bias] onward holds
// one masked hash per subsequent symbol index until a set low bit marks
// the end of the chain.
func (g *gnuHashIndex) lookup(name string) bool {
	if len(g.buckets) == 0 {
		return false
	}
	h := gnuHash(name)
	bucket := h % uint32(len(g.buckets))
	idx := g.buckets[bucket]
	if idx < g.bias {
		return false
	}
	for chainIdx := idx - g.bias; int(chainIdx) < len(g.chains); chainIdx++ {
		chainVal := g.chains[chainIdx]
		if chainVal|1 == h|1 && int(idx) < len(g.names) && g.names[idx] == name {
			return true
		}
		if chainVal&1 != 0 {
			break
		}
		idx++
	}
	return false
}

// Lookup finds the best definition of name in this object alone (no
// scope search), preferring a strong (global) binding over a weak one
// when both exist, per spec.md §4.D's weak/strong override rule. When
// the image carried a .gnu.hash table, the bucket/chain walk answers the
// presence check first; byName still holds the actual Entry data and the
// weak/strong override, since the hash table only proves presence.
func (t *Table) Lookup(name string) (Entry, bool) {
	if t.gnuHash != nil && !t.gnuHash.lookup(name) {
		return Entry{}, false
	}
	cands, ok := t.byName[name]
	if !ok || len(cands) == 0 {
		return Entry{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if best.Bind == elf.STB_WEAK && c.Bind != elf.STB_WEAK {
			best = c
		}
	}
	return best, true
}

// Nearest returns the non-zero-size symbol definition with the largest
// Addr <= addr, the dladdr-equivalent lookup spec.md §4.J calls for:
// "the nearest non-zero-size symbol <= addr". A zero-size symbol (most
// often a section or file marker, not a real function or object) is
// never a candidate, even if it is the closest address match.
func (t *Table) Nearest(addr uint64) (Entry, bool) {
	var best Entry
	found := false
	for _, cands := range t.byName {
		for _, e := range cands {
			if e.Size == 0 || e.Addr > addr {
				continue
			}
			if !found || e.Addr > best.Addr {
				best = e
				found = true
			}
		}
	}
	return best, found
}

// LookupVersioned finds a definition matching both name and an exact
// version index, returning VersionMismatch when name exists but not at
// that version.
func (t *Table) LookupVersioned(name string, version uint16) (Entry, error) {
	cands, ok := t.byName[name]
	if !ok {
		return Entry{}, dlerrors.NotFoundErr(name)
	}
	for _, c := range cands {
		if c.Version == version {
			return c, nil
		}
	}
	return Entry{}, dlerrors.VersionMismatchErr(name, verString(version))
}

func verString(v uint16) string {
	if v == 0 {
		return "<none>"
	}
	return "idx:" + itoa(int(v))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Scope is an ordered list of object symbol tables, the search order
// spec.md §4.D defines for the "scope-level lookup": the loading
// object's own DAG-ordered dependency scope, or the process-global
// scope for undefined references that need RTLD_GLOBAL visibility.
type Scope []*Table

// Resolve searches the scope in order and returns the first definition,
// annotated with which object owns it.
func (s Scope) Resolve(name string) (owner string, e Entry, err error) {
	for _, t := range s {
		if hit, ok := t.Lookup(name); ok {
			return t.obj, hit, nil
		}
	}
	return "", Entry{}, dlerrors.UnresolvedSymbolErr(name)
}
