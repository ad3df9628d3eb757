package archspec

import "encoding/binary"

// buildARM64Trampoline hand-assembles the AArch64 lazy-binding resolver
// entry point, installed at PLTGOT[2] exactly as on amd64.
//
// The object's compiled PLT0 reaches it with:
//
//	stp x16, x30, [sp, #-16]!   ; x16 = &PLTGOT[n] for this call, x30 = return addr
//	...                         ; PLT0 recomputes x16/x17 for its own use
//	br  x17                     ; x17 == PLTGOT[2], i.e. here
//
// so on entry [sp+0] holds the PLT slot address the call came through and
// [sp+8] holds the real return address; x16/x17 themselves are already
// spent by PLT0 and carry nothing we need. x0-x9 hold the caller's actual
// arguments (and x8, the indirect-result register) which must reach the
// resolved function unmodified.
//
// This routine reserves its own 96-byte frame below that saved pair,
// spills x0-x9, recovers the PLT slot address, calls the Go-side resolver
// through a literal-pool function pointer (patched at install time),
// restores x0-x9 and the link register, tears down both frames, and
// tail-branches to the resolved address.
func buildARM64Trampoline() (code []byte, resolverSlotOffset int) {
	w := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}

	str := func(rt, rn uint32, imm uint32) []byte { return w(0xF9000000 | ((imm / 8) << 10) | (rn << 5) | rt) }
	ldr := func(rt, rn uint32, imm uint32) []byte { return w(0xF9400000 | ((imm / 8) << 10) | (rn << 5) | rt) }

	var code32 []uint32
	code32 = append(code32,
		0xD10183FF, // sub sp, sp, #96
	)
	for r := uint32(0); r <= 9; r++ {
		code32 = append(code32, binary.LittleEndian.Uint32(str(r, 31, r*8)))
	}
	code32 = append(code32,
		binary.LittleEndian.Uint32(ldr(0, 31, 96)), // ldr x0, [sp, #96]  (old PLT slot addr -> resolver arg)
		0x58000209,                                 // ldr x9, <resolver addr literal, +16 words>
		0xD63F0120,                                 // blr x9
		0xAA0003F1,                                 // mov x17, x0        (stash resolved addr)
	)
	for r := uint32(0); r <= 9; r++ {
		code32 = append(code32, binary.LittleEndian.Uint32(ldr(r, 31, r*8)))
	}
	code32 = append(code32,
		binary.LittleEndian.Uint32(ldr(30, 31, 104)), // ldr x30, [sp, #104]  (restore real return addr)
		0x9101C3FF,                                   // add sp, sp, #112
		0xD61F0220,                                   // br x17
	)

	code = make([]byte, 0, len(code32)*4+8)
	for _, ins := range code32 {
		code = append(code, w(ins)...)
	}
	resolverSlotOffset = len(code)
	code = append(code, make([]byte, 8)...)
	return code, resolverSlotOffset
}
