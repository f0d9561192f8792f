package amd64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/vmfoundry/tcback/internal/backend"
)

// Register assignment shared with the interpreter: rbx holds the VM value
// stack, rbp the VM frame pointer, r12 the thread-local base.
const (
	regVMSp     = x86.REG_BX
	regVMFp     = x86.REG_BP
	regVMTl     = x86.REG_R12
	regNativeSp = x86.REG_SP

	// System V argument registers, in order.
	regArg0 = x86.REG_DI
	regArg1 = x86.REG_SI
	regArg2 = x86.REG_DX
	regArg3 = x86.REG_CX

	// Scratch registers not holding VM state. r10 is also the plain
	// scratch of hand-encoded sequences (REX.B r10 keeps them compact).
	regScratch0 = x86.REG_AX
	regScratch1 = x86.REG_R10
)

const cacheLineSize = 64

var abi = backend.ABI{
	VMSp:     regVMSp,
	VMFp:     regVMFp,
	VMTl:     regVMTl,
	NativeSp: regNativeSp,
}

// jccAs maps the shared condition numbering onto the assembler's
// conditional branch mnemonics.
var jccAs = map[backend.CondCode]obj.As{
	backend.CCO:  x86.AJOS,
	backend.CCNO: x86.AJOC,
	backend.CCB:  x86.AJCS,
	backend.CCAE: x86.AJCC,
	backend.CCE:  x86.AJEQ,
	backend.CCNE: x86.AJNE,
	backend.CCBE: x86.AJLS,
	backend.CCA:  x86.AJHI,
	backend.CCS:  x86.AJMI,
	backend.CCNS: x86.AJPL,
	backend.CCP:  x86.AJPS,
	backend.CCNP: x86.AJPC,
	backend.CCL:  x86.AJLT,
	backend.CCGE: x86.AJGE,
	backend.CCLE: x86.AJLE,
	backend.CCG:  x86.AJGT,
}
