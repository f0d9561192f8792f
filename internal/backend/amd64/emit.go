package amd64

// Stub and trampoline bodies are emitted through the golang-asm builder,
// the same way the compiler pipeline upstream assembles function bodies.
// Note that the x86 pkg prefixes instructions with "A", e.g. MOVQ is given
// as x86.AMOVQ.

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/vmfoundry/tcback/internal/code"
)

type emitter struct {
	builder *asm.Builder
	first   *obj.Prog
}

func newEmitter() (*emitter, error) {
	// 1024 is the builder's cache size, not a code size limit.
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("amd64: failed to create assembly builder: %w", err)
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

// finish assembles the pending instructions and appends them to b,
// returning the address of the first instruction.
func (e *emitter) finish(b *code.Block) uintptr {
	return b.Emit(e.builder.Assemble())
}

// addrOf converts an assembled instruction's offset into an address, given
// the fragment's start address returned by finish.
func addrOf(start uintptr, p *obj.Prog) uintptr {
	return start + uintptr(p.Pc)
}

func (e *emitter) movImmToReg(imm int64, reg int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) movRegToReg(src, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) loadMemToReg(base int16, disp int32, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = int64(disp)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) storeRegToMem(src, base int16, disp int32) *obj.Prog {
	p := e.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = int64(disp)
	return e.add(p)
}

func (e *emitter) storeImmToMem(as obj.As, imm int64, base int16, disp int32) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = int64(disp)
	return e.add(p)
}

// loadSignExtendedTypeByte loads a type tag with sign extension: the tag is
// used as a table index, so a plain byte load would mis-index for negative
// tags.
func (e *emitter) loadSignExtendedTypeByte(base int16, disp int32, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.AMOVBQSX
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = int64(disp)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) cmpMemImm(as obj.As, base int16, disp int32, imm int64) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = int64(disp)
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = imm
	return e.add(p)
}

func (e *emitter) cmpRegReg(a, b int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.ACMPQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = a
	p.To.Type = obj.TYPE_REG
	p.To.Reg = b
	return e.add(p)
}

func (e *emitter) testRegReg(as obj.As, a, b int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = a
	p.To.Type = obj.TYPE_REG
	p.To.Reg = b
	return e.add(p)
}

func (e *emitter) decMem(base int16, disp int32) *obj.Prog {
	p := e.newProg()
	p.As = x86.ADECL
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = int64(disp)
	return e.add(p)
}

func (e *emitter) addImmToReg(imm int64, reg int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.AADDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

func (e *emitter) leaMemToReg(base int16, disp int32, dst int16) *obj.Prog {
	p := e.newProg()
	p.As = x86.ALEAQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = int64(disp)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	return e.add(p)
}

func (e *emitter) callReg(reg int16) *obj.Prog {
	p := e.newProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

// callMemIndexed emits "call [base + index*8]", the destructor-table
// dispatch shape.
func (e *emitter) callMemIndexed(base, index int16) *obj.Prog {
	p := e.newProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = index
	p.To.Scale = 8
	return e.add(p)
}

func (e *emitter) jmpReg(reg int16) *obj.Prog {
	p := e.newProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	return e.add(p)
}

// branch emits a conditional or unconditional branch whose destination is
// set later via To.SetTarget. The x86 assembler has no call form with a
// Prog target, so calls between stubs always go through a register.
func (e *emitter) branch(as obj.As) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	return e.add(p)
}

func (e *emitter) ret() *obj.Prog {
	p := e.newProg()
	p.As = obj.ARET
	return e.add(p)
}

func (e *emitter) ud2() *obj.Prog {
	p := e.newProg()
	p.As = x86.AUD2
	return e.add(p)
}
