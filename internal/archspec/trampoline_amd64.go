package archspec

// buildAMD64Trampoline hand-assembles the x86-64 lazy-binding resolver
// entry point spec.md §4.A/§4.E describe: the address installed into
// PLTGOT[2], which the object's own (compiler-emitted) PLT0 stub reaches
// via "pushq PLTGOT[1]; jmp *PLTGOT[2]".
//
// At entry, courtesy of that PLT0/PLTn pair, the stack holds:
//
//	[rsp+0]  = PLTGOT[1]  (object identity, "link_map", pushed by PLT0)
//	[rsp+8]  = reloc index (pushed by PLTn before jumping to PLT0)
//	[rsp+16] = return address into the original caller
//
// and rdi/rsi/rdx/rcx/r8/r9/rax hold the caller's real arguments for the
// call that is about to be redirected here, which must reach the resolved
// function unmodified. The routine:
//
//  1. saves those six argument registers plus rax,
//  2. recovers (link_map, index) from their now-shifted stack slots,
//  3. calls the Go-side resolver through an indirect call to a patched
//     function-pointer slot appended after the code (avoids any
//     assumption about how close the resolver lives in the address
//     space),
//  4. stashes the resolved address in r11 (caller-saved, ABI-disposable),
//  5. restores the saved registers,
//  6. drops the (link_map, index) pair off the stack so the original
//     return address is back on top, and
//  7. tail-jumps to the resolved function, which will eventually `ret`
//     straight back to the real caller.
//
// Known gap: SSE argument registers (xmm0-7) are not saved/restored, so
// lazily-bound functions taking floating-point arguments are not
// supported faithfully.
func buildAMD64Trampoline() (code []byte, resolverSlotOffset int) {
	code = []byte{
		0x57,                               // push rdi
		0x56,                               // push rsi
		0x52,                               // push rdx
		0x51,                               // push rcx
		0x41, 0x50,                         // push r8
		0x41, 0x51,                         // push r9
		0x50,                               // push rax
		0x48, 0x8B, 0x7C, 0x24, 0x38,       // mov rdi, [rsp+0x38]  (link_map)
		0x48, 0x8B, 0x74, 0x24, 0x40,       // mov rsi, [rsp+0x40]  (index)
		0xFF, 0x15, 0x13, 0x00, 0x00, 0x00, // call qword ptr [rip+0x13] -> resolver slot
		0x49, 0x89, 0xC3, // mov r11, rax         (stash resolved addr)
		0x58,             // pop rax
		0x41, 0x59,       // pop r9
		0x41, 0x58,       // pop r8
		0x59,             // pop rcx
		0x5A,             // pop rdx
		0x5E,             // pop rsi
		0x5F,             // pop rdi
		0x48, 0x83, 0xC4, 0x10, // add rsp, 0x10  (drop link_map + index)
		0x41, 0xFF, 0xE3, // jmp r11              (tail-jump to resolved fn)
	}
	resolverSlotOffset = len(code)
	code = append(code, make([]byte, 8)...) // patched with the resolver's address
	return code, resolverSlotOffset
}
