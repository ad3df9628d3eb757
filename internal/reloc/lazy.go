package reloc

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zboralski/galago/internal/archspec"
	"github.com/zboralski/galago/internal/dlerrors"
	"github.com/zboralski/galago/internal/elfview"
)

// pendingSlot is what the resolver needs to finish a deferred PLT bind:
// which object's scope to search, which symbol name, and the GOT slot to
// patch once resolved.
type pendingSlot struct {
	resolve  Resolver
	symbol   string
	gotAddr  uint64
	archWide int
}

// pendingTable is the process-wide lookup the hand-assembled trampolines
// call into: amd64 keys by (link_map, index) because that's what its
// ABI hands the resolver; arm64 keys by the GOT slot address itself,
// since that's what its ABI hands the resolver instead. Both boil down
// to "finish resolving this one deferred PLT entry".
type pendingTable struct {
	mu        sync.Mutex
	byGotAddr map[uint64]*pendingSlot
	byLinkIdx map[linkIdxKey]*pendingSlot
}

type linkIdxKey struct {
	linkMap uint64
	index   int64
}

var defaultPending = &pendingTable{
	byGotAddr: make(map[uint64]*pendingSlot),
	byLinkIdx: make(map[linkIdxKey]*pendingSlot),
}

// One shared, executable mapping per architecture holds the resolver
// entry code; every loaded object reuses it, matching the real ld.so's
// one _dl_runtime_resolve per architecture.
var pageMu sync.Mutex
var pageByMachine = map[*archspec.Descriptor]uint64{}

func trampolineEntry(arch *archspec.Descriptor) (uint64, error) {
	pageMu.Lock()
	defer pageMu.Unlock()
	if addr, ok := pageByMachine[arch]; ok {
		return addr, nil
	}

	code, slotOff, err := arch.BuildLazyTrampoline()
	if err != nil {
		return 0, err
	}

	region, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, dlerrors.Wrap(dlerrors.MapFailed, err)
	}
	copy(region, code)
	patchResolverSlot(region, slotOff, arch)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, dlerrors.Wrap(dlerrors.MapFailed, err)
	}

	entry := uint64(uintptrOfSlice(region))
	pageByMachine[arch] = entry
	return entry, nil
}

// installLazy writes PLTGOT[1] (obj's load base, the link_map value the
// amd64 trampoline keys on) and PLTGOT[2] (the shared trampoline entry),
// and relocates every JMPREL GOT slot by the load base so the first call
// goes through its PLT stub and PLT0 into the trampoline. A pendingSlot
// records what to resolve once the caller's first call reaches it.
func (rl *Relocator) installLazy(obj *Object, resolve Resolver) error {
	entry, err := trampolineEntry(rl.arch)
	if err != nil {
		return err
	}
	width := rl.arch.PointerWidth
	if pltgot, ok := obj.View.DynVal(elfview.DtPltGot); ok {
		got := obj.LoadBase + uint64(pltgot)
		writeWord(got+uint64(width), obj.LoadBase, width)
		writeWord(got+2*uint64(width), entry, width)
	}

	for idx, e := range obj.View.RelaPlt {
		class, ok := rl.arch.Classify(e.Type)
		if !ok || class != archspec.ClassJumpSlot {
			continue
		}
		gotAddr := obj.LoadBase + e.Offset
		var symName string
		if int(e.Sym) < len(obj.View.DynSymbols) {
			symName = obj.View.DynSymbols[e.Sym].Name
		}

		slot := &pendingSlot{resolve: resolve, symbol: symName, gotAddr: gotAddr, archWide: rl.arch.PointerWidth}
		rl.pending.mu.Lock()
		rl.pending.byGotAddr[gotAddr] = slot
		rl.pending.byLinkIdx[linkIdxKey{linkMap: obj.LoadBase, index: int64(idx)}] = slot
		rl.pending.mu.Unlock()

		writeWord(gotAddr, obj.LoadBase+binary.LittleEndian.Uint64(sliceAt(gotAddr, 8)), width)
	}
	return nil
}

func resolveByGOTSlot(gotAddr uint64) uint64 {
	defaultPending.mu.Lock()
	slot, ok := defaultPending.byGotAddr[gotAddr]
	defaultPending.mu.Unlock()
	if !ok {
		return 0
	}
	return finishResolve(slot)
}

func resolveByLinkMapIndex(linkMap uint64, index int64) uint64 {
	defaultPending.mu.Lock()
	slot, ok := defaultPending.byLinkIdx[linkIdxKey{linkMap: linkMap, index: index}]
	defaultPending.mu.Unlock()
	if !ok {
		return 0
	}
	return finishResolve(slot)
}

func finishResolve(slot *pendingSlot) uint64 {
	_, addr, err := slot.resolve(slot.symbol)
	if err != nil {
		return 0
	}
	atomicStoreGOT(slot.gotAddr, addr)
	return addr
}
