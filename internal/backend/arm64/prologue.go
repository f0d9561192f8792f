package arm64

import (
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

// Function prologues are hand-encoded to a fixed layout so guard
// introspection can work from the prologue address alone:
//
//	+0   movz w17, #id_lo
//	+4   movk w17, #id_hi, lsl #16
//	+8   ldr  w16, [x29, #8]
//	+12  cmp  w16, w17
//	+16  nop                        ; keeps the guard literal aligned
//	+20  b    +12
//	+24  .quad redispatch           ; guard literal
//	+32  b.eq +12                   ; smashable guard (taken path loads +24)
//	+36  ldr  x17, [pc, #-12]
//	+40  br   x17
//	+44  ldr  w16, [x29, #12]
//	+48  cmp  w16, #argc
//	+52  b.ne redispatch
//	+56  translation body
const (
	prologueAlign     = 16
	prologueGuardOff  = 32
	prologueBodyOff   = 56
	prologueMaxArgImm = 4095
)

func (t *Backend) EmitFuncPrologue(b *code.Block, fn *backend.Func, argc int, redispatch uintptr) (backend.SrcKey, uintptr, error) {
	if argc < 0 || argc > prologueMaxArgImm {
		return backend.SrcKey{}, 0, fmt.Errorf("arm64: argument count %d exceeds the prologue's immediate form", argc)
	}

	b.AlignFrontier(prologueAlign, 0)
	start := b.Frontier()

	b.EmitUint32(0x52800011 | (fn.ID&0xffff)<<5)  // movz w17, #id_lo
	b.EmitUint32(0x72a00011 | (fn.ID>>16)<<5)     // movk w17, #id_hi, lsl #16
	b.EmitUint32(ldrWImm(backend.FrameFuncIDOffset, regNo(regVMFp), 16))
	b.EmitUint32(0x6b11021f) // cmp w16, w17
	b.EmitUint32(insnNop)

	b.EmitUint32(insnBOverLit)
	b.EmitUint64(uint64(redispatch))
	b.EmitUint32(insnBCondSkel | (armCond[backend.CCNE] ^ 1))
	b.EmitUint32(insnLdrLitM12)
	b.EmitUint32(insnBrX17)

	b.EmitUint32(ldrWImm(backend.FrameNumArgsOffset, regNo(regVMFp), 16))
	b.EmitUint32(0x7100021f | uint32(argc)<<10) // cmp w16, #argc

	bne := b.Frontier()
	imm19, err := branch19(bne, redispatch)
	if err != nil {
		return backend.SrcKey{}, 0, err
	}
	b.EmitUint32(0x54000000 | imm19<<5 | armCond[backend.CCNE])

	return backend.SrcKey{FuncID: fn.ID}, start, nil
}

// ldrWImm encodes "ldr w<rt>, [x<rn>, #off]" with an unsigned scaled
// offset.
func ldrWImm(off uint32, rn, rt uint32) uint32 {
	return 0xb9400000 | (off/4)<<10 | rn<<5 | rt
}

// regNo strips the assembler's register base to get the hardware number.
func regNo(reg int16) uint32 {
	return uint32(reg) & 31
}

// branch19 encodes a conditional-branch displacement, which must fit the
// nineteen-bit form.
func branch19(from, to uintptr) (uint32, error) {
	delta := (int64(to) - int64(from)) / 4
	if delta < -(1<<18) || delta >= 1<<18 {
		return 0, fmt.Errorf("arm64: branch from %#x to %#x exceeds the conditional range", from, to)
	}
	return uint32(delta) & 0x7ffff, nil
}

func (t *Backend) FuncPrologueToGuard(prologue uintptr) uintptr {
	return prologue + prologueGuardOff
}

func (t *Backend) FuncPrologueHasGuard(prologue uintptr) bool {
	guard := t.FuncPrologueToGuard(prologue)
	if readWord(guard) != insnBCondSkel|(armCond[backend.CCNE]^1) {
		return false
	}
	return t.JccTarget(guard) != prologue+prologueBodyOff
}

func (t *Backend) FuncPrologueSmashGuard(prologue uintptr, target uintptr) {
	t.SmashJcc(t.FuncPrologueToGuard(prologue), target)
}

var serviceReqArgRegs = []int16{regArg1, regArg2, regArg3}

// EmitServiceReq emits a trampoline loading the request kind and arguments
// into the argument registers and tail-jumping into the runtime.
func (t *Backend) EmitServiceReq(b *code.Block, req backend.ServiceRequest, args []uint64) (uintptr, error) {
	if len(args) > len(serviceReqArgRegs) {
		return 0, fmt.Errorf("arm64: service request carries %d arguments, at most %d fit in registers", len(args), len(serviceReqArgRegs))
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
