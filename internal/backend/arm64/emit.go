package arm64

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	asmarm64 "github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/vmfoundry/tcback/internal/code"
)

type emitter struct {
	builder *asm.Builder
	first   *obj.Prog
}

func newEmitter() (*emitter, error) {
	b, err := asm.NewBuilder("arm64", 1024)
	if err != nil {
		return nil, fmt.Errorf("arm64: failed to create assembly builder: %w", err)
	}
	return &emitter{builder: b}, nil
}

func (e *emitter) newProg() *obj.Prog {
	return e.builder.NewProg()
}

func (e *emitter) add(p *obj.Prog) *obj.Prog {
	if e.first == nil {
		e.first = p
	}
	e.builder.AddInstruction(p)
	return p
}

func (e *emitter) finish(b *code.Block) uintptr {
	return b.Emit(e.builder.Assemble())
}

func addrOf(start uintptr, p *obj.Prog) uintptr {
	return start + uintptr(p.Pc)
}

func (e *emitter) movImmToReg(imm int64, reg int16) *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) movRegToReg(src, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AMOVD
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

// loadMemToReg emits a 64-bit load; as selects narrower sign-extending
// variants (AMOVW, AMOVB) where the width matters.
func (e *emitter) load(as obj.As, base int16, disp int32, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = int64(disp)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) store(as obj.As, src, base int16, disp int32) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = int64(disp)
	return e.add(p)
}

// Compares put the second operand in From and the first in Reg, following
// the assembler's convention.
func (e *emitter) cmpRegImm(as obj.As, reg int16, imm int64) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.Reg = reg
	return e.add(p)
}

func (e *emitter) cmpRegReg(as obj.As, a, b int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = b
	p.Reg = a
	return e.add(p)
}

func (e *emitter) addImmToReg(imm int64, src, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) subImmFromReg(as obj.As, imm int64, reg int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) lslImm(shift int64, src, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.ALSL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = shift
	p.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) addRegToReg(src, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AADD
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

// pushLink saves the link register with a pre-indexed store, keeping the
// stack 16-aligned as the AAPCS requires.
func (e *emitter) pushLink() *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AMOVD
	p.Scond = asmarm64.C_XPRE
	p.From.Type = obj.TYPE_REG
	p.From.Reg = regLink
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = regNativeSp
	p.To.Offset = -16
	return e.add(p)
}

func (e *emitter) popLink() *obj.Prog {
	p := e.newProg()
	p.As = asmarm64.AMOVD
	p.Scond = asmarm64.C_XPOST
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = regNativeSp
	p.From.Offset = 16
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regLink
	return e.add(p)
}

func (e *emitter) callReg(reg int16) *obj.Prog {
	p := e.newProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) jmpReg(reg int16) *obj.Prog {
	p := e.newProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) branch(as obj.As) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	return e.add(p)
}

func (e *emitter) callBranch() *obj.Prog {
	p := e.newProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_BRANCH
	return e.add(p)
}

// ret names the return register explicitly; the assembler rejects a bare
// RET.
func (e *emitter) ret() *obj.Prog {
	p := e.newProg()
	p.As = obj.ARET
	p.To.Type = obj.TYPE_REG
	p.To.Reg = regLink
	return e.add(p)
}

func (e *emitter) brk() *obj.Prog {
	p := e.newProg()
	p.As = obj.AUNDEF
	return e.add(p)
}
