package arm64

// Smashable control transfers load their destination from an eight-byte
// literal embedded next to the instruction. Retargeting is one aligned
// store to the literal, which the architecture guarantees single-copy
// atomic; the instruction words themselves never change.
//
// Each sequence starts with a plain branch over the literal so straight-line
// execution cannot fall into data:
//
//	b    +12
//	.quad target          ; eight-aligned literal
//	[b.<inv cc> +12]      ; conditional form only
//	ldr  x17, [pc, #-8]   ; #-12 in the conditional form
//	br/blr x17
//
// The reported instruction address is literal+8 in every form, so the
// patch and read-back side always finds the literal at addr-8.

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

const (
	insnNop       = 0xd503201f
	insnBOverLit  = 0x14000003 // b +12
	insnLdrLitM8  = 0x58ffffd1 // ldr x17, [pc, #-8]
	insnLdrLitM12 = 0x58ffffb1 // ldr x17, [pc, #-12]
	insnBrX17     = 0xd61f0220
	insnBlrX17    = 0xd63f0220

	// b.cond with a +12 displacement; the condition field is or-ed in.
	insnBCondSkel = 0x54000060

	litOff = 8
)

// IsSmashable reports whether the mutable field at addr+offset can be
// rewritten in one atomic store, i.e. it is naturally aligned. Sequence
// emission aligns the literal, so addresses produced by Emit* always pass.
func (t *Backend) IsSmashable(addr uintptr, nBytes, offset int) bool {
	return (addr+uintptr(offset))%8 == 0
}

// alignForLiteral pads so the branch-over lands at offset 4 of an
// eight-byte unit, putting the literal that follows it on an aligned
// boundary.
func alignForLiteral(b *code.Block) {
	if b.Frontier()%8 == 0 {
		b.EmitUint32(insnNop)
	}
}

func readWord(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(code.Slice(addr, 4))
}

func (t *Backend) EmitSmashableJmp(b *code.Block, target uintptr, meta *backend.Meta) uintptr {
	alignForLiteral(b)
	b.EmitUint32(insnBOverLit)
	b.EmitUint64(uint64(target))
	addr := b.Frontier()
	b.EmitUint32(insnLdrLitM8)
	b.EmitUint32(insnBrX17)
	if meta != nil {
		meta.SmashableJmps = append(meta.SmashableJmps, addr)
	}
	return addr
}

func (t *Backend) EmitSmashableCall(b *code.Block, target uintptr, meta *backend.Meta) uintptr {
	alignForLiteral(b)
	b.EmitUint32(insnBOverLit)
	b.EmitUint64(uint64(target))
	addr := b.Frontier()
	b.EmitUint32(insnLdrLitM8)
	b.EmitUint32(insnBlrX17)
	if meta != nil {
		meta.SmashableCalls = append(meta.SmashableCalls, addr)
	}
	return addr
}

func (t *Backend) EmitSmashableJcc(b *code.Block, cc backend.CondCode, target uintptr, meta *backend.Meta) uintptr {
	hw, ok := armCond[cc]
	if !ok {
		panic(&backend.ContractError{
			Op:     "smashable-jcc",
			Detail: fmt.Sprintf("condition %d has no flag on this architecture", cc),
		})
	}
	alignForLiteral(b)
	b.EmitUint32(insnBOverLit)
	b.EmitUint64(uint64(target))
	addr := b.Frontier()
	// The inverted condition skips the taken path.
	b.EmitUint32(insnBCondSkel | (hw ^ 1))
	b.EmitUint32(insnLdrLitM12)
	b.EmitUint32(insnBrX17)
	if meta != nil {
		meta.SmashableJccs = append(meta.SmashableJccs, addr)
	}
	return addr
}

func checkSeq(op string, addr uintptr, want ...uint32) {
	for i, w := range want {
		if got := readWord(addr + uintptr(4*i)); got != w {
			panic(&backend.ContractError{
				Op:     op,
				Detail: fmt.Sprintf("%#x does not hold the expected instruction (word %d is %#08x, want %#08x)", addr, i, got, w),
			})
		}
	}
}

func checkJcc(op string, addr uintptr) {
	w := readWord(addr)
	if w&^0xf != insnBCondSkel {
		panic(&backend.ContractError{
			Op:     op,
			Detail: fmt.Sprintf("%#x does not hold the expected instruction (word 0 is %#08x)", addr, w),
		})
	}
	checkSeq(op, addr+4, insnLdrLitM12, insnBrX17)
}

func (t *Backend) SmashJmp(addr, target uintptr) {
	checkSeq("smash-jmp", addr, insnLdrLitM8, insnBrX17)
	code.AtomicStoreUint64(addr-litOff, uint64(target))
}

func (t *Backend) SmashCall(addr, target uintptr) {
	checkSeq("smash-call", addr, insnLdrLitM8, insnBlrX17)
	code.AtomicStoreUint64(addr-litOff, uint64(target))
}

func (t *Backend) SmashJcc(addr, target uintptr) {
	checkJcc("smash-jcc", addr)
	code.AtomicStoreUint64(addr-litOff, uint64(target))
}

func (t *Backend) JmpTarget(addr uintptr) uintptr {
	checkSeq("jmp-target", addr, insnLdrLitM8, insnBrX17)
	return uintptr(code.AtomicLoadUint64(addr - litOff))
}

func (t *Backend) CallTarget(addr uintptr) uintptr {
	checkSeq("call-target", addr, insnLdrLitM8, insnBlrX17)
	return uintptr(code.AtomicLoadUint64(addr - litOff))
}

func (t *Backend) JccTarget(addr uintptr) uintptr {
	checkJcc("jcc-target", addr)
	return uintptr(code.AtomicLoadUint64(addr - litOff))
}

func (t *Backend) JccCondCode(addr uintptr) backend.CondCode {
	checkJcc("jcc-cond", addr)
	return condFromARM[(readWord(addr)&0xf)^1]
}
