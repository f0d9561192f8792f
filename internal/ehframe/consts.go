package ehframe

// DWARF call-frame and expression opcodes used by the writer, as defined in
// the DWARF v4 specification (sections 6.4.2 and 2.5.1) and the LSB
// .eh_frame description.
const (
	dwCFANop              = 0x00
	dwCFASameValue        = 0x08
	dwCFADefCFA           = 0x0c
	dwCFADefCFARegister   = 0x0d
	dwCFADefCFAOffset     = 0x0e
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11

	dwOPDeref  = 0x06
	dwOPConsts = 0x11
	dwOPPlus   = 0x22
	dwOPBregx  = 0x92

	// All pointers are emitted as absolute machine addresses.
	dwEHPEAbsptr = 0x00

	cieVersion = 1
	// .eh_frame distinguishes CIEs from FDEs by a zero id.
	cieID = 0

	codeAlignFactor = 1
	dataAlignFactor = -8
)

// Architecture-specific DWARF register numbers for the registers the unwind
// records reference. The VM frame pointer uses the same name on every
// architecture.
const (
	// amd64 (System V psABI table 3.36)
	RegX64RAX  = 0
	RegX64RBX  = 3
	RegX64RBP  = 6
	RegX64RSP  = 7
	RegX64R12  = 12
	RegX64RIP  = 16
	RegX64VMFP = RegX64RBP

	// arm64 (DWARF for the ARM 64-bit architecture)
	RegARM64FP   = 29
	RegARM64LR   = 30
	RegARM64SP   = 31
	RegARM64VMFP = RegARM64FP
)
