package amd64

// Smashable control transfers are hand-encoded rather than assembled: the
// patch protocol depends on exact byte layout. A transfer is smashable when
// the whole instruction sits inside one cache line, so rewriting its
// displacement is a single bounded store that other cores observe either
// entirely old or entirely new.

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

const (
	opJmpRel32   = 0xe9
	opCallRel32  = 0xe8
	opJccTwoByte = 0x0f
	opNop        = 0x90

	smashJmpLen  = 5
	smashCallLen = 5
	smashJccLen  = 6

	// Displacement offsets within each encoding.
	jmpDispOff  = 1
	callDispOff = 1
	jccDispOff  = 2
)

// IsSmashable reports whether an instruction of nBytes emitted at addr can
// later be patched in place. offset is the position of the mutable field;
// the bytes [addr+offset, addr+nBytes) must share a cache line.
func (t *Backend) IsSmashable(addr uintptr, nBytes, offset int) bool {
	mask := uintptr(t.cacheLine - 1)
	first := addr + uintptr(offset)
	last := addr + uintptr(nBytes) - 1
	return (first &^ mask) == (last &^ mask)
}

// prepareForSmash pads with single-byte nops until an instruction of nBytes
// with its mutable field at offset would be smashable at the frontier.
func (t *Backend) prepareForSmash(b *code.Block, nBytes, offset int) {
	for !t.IsSmashable(b.Frontier(), nBytes, offset) {
		b.EmitByte(opNop)
	}
}

func rel32(addr uintptr, instrLen int, target uintptr) uint32 {
	next := int64(addr) + int64(instrLen)
	delta := int64(target) - next
	if delta != int64(int32(delta)) {
		panic(&backend.ContractError{
			Op:     "rel32",
			Detail: fmt.Sprintf("branch from %#x to %#x does not fit in 32 bits", addr, target),
		})
	}
	return uint32(delta)
}

// EmitSmashableJmp emits "jmp rel32", nop-padded so the displacement can be
// patched later, and returns the instruction's address.
func (t *Backend) EmitSmashableJmp(b *code.Block, target uintptr, meta *backend.Meta) uintptr {
	t.prepareForSmash(b, smashJmpLen, jmpDispOff)
	addr := b.Frontier()
	b.EmitByte(opJmpRel32)
	b.EmitUint32(rel32(addr, smashJmpLen, target))
	if meta != nil {
		meta.SmashableJmps = append(meta.SmashableJmps, addr)
	}
	return addr
}

// EmitSmashableCall emits "call rel32" under the same padding rules.
func (t *Backend) EmitSmashableCall(b *code.Block, target uintptr, meta *backend.Meta) uintptr {
	t.prepareForSmash(b, smashCallLen, callDispOff)
	addr := b.Frontier()
	b.EmitByte(opCallRel32)
	b.EmitUint32(rel32(addr, smashCallLen, target))
	if meta != nil {
		meta.SmashableCalls = append(meta.SmashableCalls, addr)
	}
	return addr
}

// EmitSmashableJcc emits the two-byte "jcc rel32" form.
func (t *Backend) EmitSmashableJcc(b *code.Block, cc backend.CondCode, target uintptr, meta *backend.Meta) uintptr {
	t.prepareForSmash(b, smashJccLen, jccDispOff)
	addr := b.Frontier()
	b.EmitByte(opJccTwoByte)
	b.EmitByte(0x80 | byte(cc))
	b.EmitUint32(rel32(addr, smashJccLen, target))
	if meta != nil {
		meta.SmashableJccs = append(meta.SmashableJccs, addr)
	}
	return addr
}

// checkOpcode validates that addr really holds the expected instruction
// before a patch or read-back touches it.
func checkOpcode(op string, addr uintptr, want ...byte) {
	got := code.Slice(addr, len(want))
	for i, w := range want {
		if got[i] != w {
			panic(&backend.ContractError{
				Op:     op,
				Detail: fmt.Sprintf("%#x does not hold the expected instruction (byte %d is %#02x, want %#02x)", addr, i, got[i], w),
			})
		}
	}
}

func smashDisp(addr uintptr, instrLen, dispOff int, target uintptr) {
	// The emit-time padding confined the instruction to one cache line, so
	// this four-byte store cannot tear across lines.
	disp := rel32(addr, instrLen, target)
	binary.LittleEndian.PutUint32(code.Slice(addr+uintptr(dispOff), 4), disp)
}

func readTarget(addr uintptr, instrLen, dispOff int) uintptr {
	disp := int32(binary.LittleEndian.Uint32(code.Slice(addr+uintptr(dispOff), 4)))
	return uintptr(int64(addr) + int64(instrLen) + int64(disp))
}

// SmashJmp retargets a previously emitted smashable jmp.
func (t *Backend) SmashJmp(addr, target uintptr) {
	checkOpcode("smash-jmp", addr, opJmpRel32)
	smashDisp(addr, smashJmpLen, jmpDispOff, target)
}

// SmashCall retargets a previously emitted smashable call.
func (t *Backend) SmashCall(addr, target uintptr) {
	checkOpcode("smash-call", addr, opCallRel32)
	smashDisp(addr, smashCallLen, callDispOff, target)
}

// SmashJcc retargets a previously emitted smashable conditional branch. The
// condition is part of the opcode and never changes.
func (t *Backend) SmashJcc(addr, target uintptr) {
	checkOpcode("smash-jcc", addr, opJccTwoByte)
	smashDisp(addr, smashJccLen, jccDispOff, target)
}

// JmpTarget reads back the current destination of a smashable jmp.
func (t *Backend) JmpTarget(addr uintptr) uintptr {
	checkOpcode("jmp-target", addr, opJmpRel32)
	return readTarget(addr, smashJmpLen, jmpDispOff)
}

// CallTarget reads back the current destination of a smashable call.
func (t *Backend) CallTarget(addr uintptr) uintptr {
	checkOpcode("call-target", addr, opCallRel32)
	return readTarget(addr, smashCallLen, callDispOff)
}

// JccTarget reads back the current destination of a smashable jcc.
func (t *Backend) JccTarget(addr uintptr) uintptr {
	checkOpcode("jcc-target", addr, opJccTwoByte)
	return readTarget(addr, smashJccLen, jccDispOff)
}

// JccCondCode reads back the condition of a smashable jcc.
func (t *Backend) JccCondCode(addr uintptr) backend.CondCode {
	checkOpcode("jcc-cond", addr, opJccTwoByte)
	return backend.CondCode(code.Slice(addr+1, 1)[0] & 0x0f)
}
