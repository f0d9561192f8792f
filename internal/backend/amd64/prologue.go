package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

// Function prologues are hand-encoded to a fixed layout so guard
// introspection can work from the prologue address alone:
//
//	+0   41 ba imm32      mov  r10d, funcID
//	+6   44 3b 55 08      cmp  r10d, [rbp+8]
//	+10  0f 85 rel32      jne  redispatch      (smashable guard)
//	+16  83 7d 0c imm8    cmpl $argc, [rbp+12]
//	+20  0f 85 rel32      jne  redispatch
//	+26  ...              translation body
//
// The prologue is 32-aligned, which pins the guard branch inside one cache
// line without per-prologue nop padding.
const (
	prologueAlign     = 32
	prologueGuardOff  = 10
	prologueBodyOff   = 26
	prologueMaxArgImm = 127
)

func (t *Backend) EmitFuncPrologue(b *code.Block, fn *backend.Func, argc int, redispatch uintptr) (backend.SrcKey, uintptr, error) {
	if argc < 0 || argc > prologueMaxArgImm {
		return backend.SrcKey{}, 0, fmt.Errorf("amd64: argument count %d exceeds the prologue's immediate form", argc)
	}

	b.AlignFrontier(prologueAlign, opNop)
	start := b.Frontier()

	b.EmitByte(0x41) // mov r10d, funcID
	b.EmitByte(0xba)
	b.EmitUint32(fn.ID)
	b.Emit([]byte{0x44, 0x3b, 0x55, backend.FrameFuncIDOffset}) // cmp r10d, [rbp+8]

	guard := b.Frontier()
	b.EmitByte(opJccTwoByte) // jne redispatch, retargeted on bind
	b.EmitByte(0x80 | byte(backend.CCNE))
	b.EmitUint32(rel32(guard, smashJccLen, redispatch))

	b.Emit([]byte{0x83, 0x7d, backend.FrameNumArgsOffset, byte(argc)}) // cmpl $argc, [rbp+12]

	jne := b.Frontier()
	b.EmitByte(opJccTwoByte)
	b.EmitByte(0x80 | byte(backend.CCNE))
	b.EmitUint32(rel32(jne, smashJccLen, redispatch))

	if !t.IsSmashable(guard, smashJccLen, jccDispOff) {
		return backend.SrcKey{}, 0, fmt.Errorf("amd64: prologue guard at %#x straddles a cache line", guard)
	}
	return backend.SrcKey{FuncID: fn.ID}, start, nil
}

// FuncPrologueToGuard returns the address of the prologue's guard branch.
func (t *Backend) FuncPrologueToGuard(prologue uintptr) uintptr {
	return prologue + prologueGuardOff
}

// FuncPrologueHasGuard reports whether the prologue's guard branch still
// diverts mismatched callers, i.e. it has not been smashed to fall through
// into the body.
func (t *Backend) FuncPrologueHasGuard(prologue uintptr) bool {
	guard := t.FuncPrologueToGuard(prologue)
	insn := code.Slice(guard, smashJccLen)
	if insn[0] != opJccTwoByte || insn[1] != 0x80|byte(backend.CCNE) {
		return false
	}
	disp := int32(binary.LittleEndian.Uint32(insn[jccDispOff:]))
	return uintptr(int64(guard)+smashJccLen+int64(disp)) != prologue+prologueBodyOff
}

// FuncPrologueSmashGuard retargets the prologue's guard branch.
func (t *Backend) FuncPrologueSmashGuard(prologue uintptr, target uintptr) {
	t.SmashJcc(t.FuncPrologueToGuard(prologue), target)
}

// Service-request argument registers, after the request kind in regArg0.
var serviceReqArgRegs = []int16{regArg1, regArg2, regArg3}

// EmitServiceReq emits a trampoline loading the request kind and arguments
// into the argument registers and tail-jumping into the runtime.
func (t *Backend) EmitServiceReq(b *code.Block, req backend.ServiceRequest, args []uint64) (uintptr, error) {
	if len(args) > len(serviceReqArgRegs) {
		return 0, fmt.Errorf("amd64: service request carries %d arguments, at most %d fit in registers", len(args), len(serviceReqArgRegs))
	}
	e, err := newEmitter()
	if err != nil {
		return 0, err
	}
	e.movImmToReg(int64(req), regArg0)
	for i, a := range args {
		e.movImmToReg(int64(a), serviceReqArgRegs[i])
	}
	e.movImmToReg(int64(t.env.HandleServiceRequest), regScratch0)
	e.jmpReg(regScratch0)
	return e.finish(b), nil
}
