package arm64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	asmarm64 "github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/vmfoundry/tcback/internal/backend"
)

// Register assignment shared with the interpreter: x19 holds the VM value
// stack, x29 the VM frame pointer, x28 the thread-local base. x16 and x17
// are the platform scratch registers and are clobbered freely by stubs and
// smashable sequences.
const (
	regVMSp     = asmarm64.REG_R19
	regVMFp     = asmarm64.REG_R29
	regVMTl     = asmarm64.REG_R28
	regNativeSp = asmarm64.REGSP

	regArg0 = asmarm64.REG_R0
	regArg1 = asmarm64.REG_R1
	regArg2 = asmarm64.REG_R2
	regArg3 = asmarm64.REG_R3

	regScratch0 = asmarm64.REG_R16
	regScratch1 = asmarm64.REG_R17

	regLink = asmarm64.REG_R30
)

const cacheLineSize = 64

var abi = backend.ABI{
	VMSp:     regVMSp,
	VMFp:     regVMFp,
	VMTl:     regVMTl,
	NativeSp: regNativeSp,
}

// armCond translates the shared condition numbering into hardware condition
// field values. Parity conditions have no flag to test on this architecture
// and are rejected at lowering.
var armCond = map[backend.CondCode]uint32{
	backend.CCE:  0,  // eq
	backend.CCNE: 1,  // ne
	backend.CCAE: 2,  // hs
	backend.CCB:  3,  // lo
	backend.CCS:  4,  // mi
	backend.CCNS: 5,  // pl
	backend.CCO:  6,  // vs
	backend.CCNO: 7,  // vc
	backend.CCA:  8,  // hi
	backend.CCBE: 9,  // ls
	backend.CCGE: 10, // ge
	backend.CCL:  11, // lt
	backend.CCG:  12, // gt
	backend.CCLE: 13, // le
}

// condFromARM is the inverse of armCond.
var condFromARM = func() map[uint32]backend.CondCode {
	m := make(map[uint32]backend.CondCode, len(armCond))
	for cc, hw := range armCond {
		m[hw] = cc
	}
	return m
}()

// branchAs maps the shared condition numbering onto the assembler's branch
// mnemonics for in-fragment branches.
var branchAs = map[backend.CondCode]obj.As{
	backend.CCE:  asmarm64.ABEQ,
	backend.CCNE: asmarm64.ABNE,
	backend.CCAE: asmarm64.ABHS,
	backend.CCB:  asmarm64.ABLO,
	backend.CCS:  asmarm64.ABMI,
	backend.CCNS: asmarm64.ABPL,
	backend.CCO:  asmarm64.ABVS,
	backend.CCNO: asmarm64.ABVC,
	backend.CCA:  asmarm64.ABHI,
	backend.CCBE: asmarm64.ABLS,
	backend.CCGE: asmarm64.ABGE,
	backend.CCL:  asmarm64.ABLT,
	backend.CCG:  asmarm64.ABGT,
	backend.CCLE: asmarm64.ABLE,
}
