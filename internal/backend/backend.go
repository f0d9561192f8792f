// Package backend defines the capability set every target architecture must
// implement: ABI facts, code emission, smashable control transfers, unique
// stubs, relocation and disassembly. One concrete backend is selected per
// process; the rest of the compiler only ever talks to this interface.
package backend

import (
	"io"

	"go.uber.org/zap"

	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/relocation"
)

// Arch identifies a target instruction set. The set is closed: adding an
// architecture means adding a backend package.
type Arch uint8

const (
	ArchX64 Arch = iota
	ArchARM64
	ArchPPC64
)

func (a Arch) String() string {
	switch a {
	case ArchX64:
		return "x64"
	case ArchARM64:
		return "arm64"
	case ArchPPC64:
		return "ppc64"
	}
	return "unknown"
}

// PhysReg is a physical register in the numbering of the assembler backend
// for the architecture.
type PhysReg int16

// ABI is the register assignment shared with the interpreter and the
// unwinder. Compiled code, stubs and unwind records all agree on it.
type ABI struct {
	// VMSp holds the VM value-stack pointer.
	VMSp PhysReg
	// VMFp holds the VM frame pointer.
	VMFp PhysReg
	// VMTl holds the thread-local base.
	VMTl PhysReg
	// NativeSp is the machine stack pointer.
	NativeSp PhysReg
}

// Feature is a backend capability that may be absent on in-progress ports.
type Feature uint8

const (
	// FeatureFullJIT covers prologue emission, unique stubs and lowering.
	FeatureFullJIT Feature = iota
	// FeatureSmashable covers concurrent in-place patching.
	FeatureSmashable
	// FeatureDisasm covers range disassembly.
	FeatureDisasm
)

func (f Feature) String() string {
	switch f {
	case FeatureFullJIT:
		return "full-jit"
	case FeatureSmashable:
		return "smashable"
	case FeatureDisasm:
		return "disasm"
	}
	return "unknown"
}

// CondCode is a branch condition in the x64 nibble numbering; backends for
// other architectures translate.
type CondCode uint8

const (
	CCO CondCode = iota
	CCNO
	CCB
	CCAE
	CCE
	CCNE
	CCBE
	CCA
	CCS
	CCNS
	CCP
	CCNP
	CCL
	CCGE
	CCLE
	CCG
)

// ServiceRequest asks the runtime to perform out-of-line work on behalf of
// generated code.
type ServiceRequest uint8

const (
	// ReqBindCall binds a not-yet-translated call target.
	ReqBindCall ServiceRequest = iota
	// ReqRetranslate asks for a new translation of the current source key.
	ReqRetranslate
	// ReqInterpret falls back to the bytecode interpreter.
	ReqInterpret
	// ReqPostDebuggerRet resumes after a debugger-forced return.
	ReqPostDebuggerRet
)

// Func describes a target function for prologue emission.
type Func struct {
	ID        uint32
	Name      string
	NumLocals int
}

// SrcKey names a program point: a function and a bytecode offset. Prologue
// emission returns one usable for later guard and smash operations.
type SrcKey struct {
	FuncID uint32
	BCOff  uint32
}

// VM frame layout facts the guards encode against.
const (
	// FrameFuncIDOffset is the byte offset of the function id word in an
	// activation record.
	FrameFuncIDOffset = 8
	// FrameNumArgsOffset is the byte offset of the passed-argument count.
	FrameNumArgsOffset = 12
)

// RuntimeEnv carries the addresses of the native routines and tables the
// generated code and stubs call into. It is an external contract: this
// module consumes these, it does not define them.
type RuntimeEnv struct {
	// FunctionCallHook is a native bool(*)(frame, int) invoked by the
	// function-enter stub.
	FunctionCallHook uintptr
	// DestructorTable is the base of the per-type release-routine table,
	// indexed by type tag.
	DestructorTable uintptr
	// TCUnwindResume is the native routine resolving a catch trace; it
	// returns the catch address (or zero) and the new VM frame pointer.
	TCUnwindResume uintptr
	// UnwindResume is the native unwinder's resume entry point.
	UnwindResume uintptr
	// EnterTCExit is the synthetic return target unwinding the outermost
	// frame back into native code.
	EnterTCExit uintptr
	// HandleServiceRequest receives service-request trampolines.
	HandleServiceRequest uintptr

	// Thread-local slot offsets, relative to the thread-local base register.
	DebuggerReturnSPOff int32
	UnwinderExnOff      int32
	RegStateOff         int32
}

// RegStateClean is the byte stored to the thread-local reg-state slot when
// the VM registers are synced and control is about to leave compiled code.
const RegStateClean = 0

// StubRole names one entry in the UniqueStubs table.
type StubRole uint8

const (
	StubFunctionEnterHelper StubRole = iota
	StubFreeManyLocalsHelper
	StubDecRefGeneric
	StubEndCatchHelper
	StubCallToExit
)

// UniqueStubs records the addresses of the always-resident helper routines,
// written once at startup and immutable afterward. Compiled code calls
// these by address using the standard calling convention.
type UniqueStubs struct {
	// FunctionEnterHelper intercepts every function call; the Return
	// address marks the point just after the hook call, used by unwind
	// metadata.
	FunctionEnterHelper       uintptr
	FunctionEnterHelperReturn uintptr

	// FreeLocalsHelpers[i] frees i+1 locals starting at the passed
	// address; FreeManyLocalsHelper loops for larger counts. All funnel
	// into DecRefGeneric.
	FreeLocalsHelpers    []uintptr
	FreeManyLocalsHelper uintptr
	DecRefGeneric        uintptr

	EndCatchHelper     uintptr
	EndCatchHelperPast uintptr

	CallToExit uintptr

	// Begin and End bound the emitted stub region.
	Begin, End uintptr
}

// Addr returns the address for a named role.
func (us *UniqueStubs) Addr(role StubRole) uintptr {
	switch role {
	case StubFunctionEnterHelper:
		return us.FunctionEnterHelper
	case StubFreeManyLocalsHelper:
		return us.FreeManyLocalsHelper
	case StubDecRefGeneric:
		return us.DecRefGeneric
	case StubEndCatchHelper:
		return us.EndCatchHelper
	case StubCallToExit:
		return us.CallToExit
	}
	return 0
}

// Stub region size budgets, in cache lines. The free-locals family is on
// the hot path of every function return and must stay tight.
const (
	FreeLocalsBudgetCacheLines = 8
	StubRegionBudgetCacheLines = 64
)

// Meta is the codegen metadata a lowering session produces alongside the
// machine code: the locations relocation and introspection need.
type Meta struct {
	// Addresses of smashable instructions, by kind.
	SmashableJmps  []uintptr
	SmashableCalls []uintptr
	SmashableJccs  []uintptr
	// Addresses of 8-byte immediates that embed absolute code addresses.
	AddressImmediates []uintptr
	// Comments annotate addresses in disassembly output.
	Comments map[uintptr]string
}

func (m *Meta) Comment(addr uintptr, text string) {
	if m.Comments == nil {
		m.Comments = map[uintptr]string{}
	}
	m.Comments[addr] = text
}

// Backend is the capability interface. All methods are pure dispatch over
// configuration constants; backends hold no mutable state, so one instance
// is safe for concurrent use once construction completes.
type Backend interface {
	Arch() Arch
	ABI() ABI
	CacheLineSize() int
	Supports(Feature) bool

	// EmitFuncPrologue emits the entry sequence for fn with the given
	// argument count: a function-id guard whose smashable jump initially
	// targets redispatch. It returns the source key and the prologue
	// address.
	EmitFuncPrologue(b *code.Block, fn *Func, argc int, redispatch uintptr) (SrcKey, uintptr, error)
	// FuncPrologueHasGuard reports whether the prologue still carries a
	// live guard jump.
	FuncPrologueHasGuard(prologue uintptr) bool
	// FuncPrologueToGuard returns the address of the prologue's guard
	// jump.
	FuncPrologueToGuard(prologue uintptr) uintptr
	// FuncPrologueSmashGuard retargets the prologue's guard jump.
	FuncPrologueSmashGuard(prologue uintptr, target uintptr)

	// EmitServiceReq emits a trampoline that hands control to the runtime
	// with the request kind and arguments in the argument registers.
	EmitServiceReq(b *code.Block, req ServiceRequest, args []uint64) (uintptr, error)

	// EmitUniqueStubs materializes the always-resident helper set. Called
	// exactly once per process, at startup.
	EmitUniqueStubs(b *code.Block) (*UniqueStubs, error)

	// Smashable control transfers. Emit* aligns as needed so the later
	// patch is a single bounded write; Smash* must only be called on
	// addresses previously confirmed smashable; *Target read back the
	// current destination.
	EmitSmashableJmp(b *code.Block, target uintptr, meta *Meta) uintptr
	EmitSmashableCall(b *code.Block, target uintptr, meta *Meta) uintptr
	EmitSmashableJcc(b *code.Block, cc CondCode, target uintptr, meta *Meta) uintptr
	IsSmashable(addr uintptr, nBytes, offset int) bool
	SmashJmp(addr, target uintptr)
	SmashCall(addr, target uintptr)
	SmashJcc(addr, target uintptr)
	JmpTarget(addr uintptr) uintptr
	CallTarget(addr uintptr) uintptr
	JccTarget(addr uintptr) uintptr
	JccCondCode(addr uintptr) CondCode

	// Materialize lowers a finished low-level instruction stream into b,
	// recording metadata in meta. It returns the code's start address.
	Materialize(b *code.Block, u *Unit, meta *Meta) (uintptr, error)

	// Relocate copies [start, end) into b, rewrites position-dependent
	// encodings recorded in meta, and reports what moved where.
	Relocate(b *code.Block, start, end uintptr, meta *Meta) (*relocation.Info, error)

	// DisasmRange writes an annotated listing of [begin, end) to w.
	DisasmRange(w io.Writer, indent int, begin, end uintptr, meta *Meta)
	PhysRegName(r PhysReg) string
}

// UnsupportedError is the typed "not yet supported" capability marker for
// in-progress ports. Required features are checked at initialization;
// invoking an unsupported capability anyway is a build defect with no safe
// fallback, so it aborts.
type UnsupportedError struct {
	Arch Arch
	Op   string
}

func (e *UnsupportedError) Error() string {
	return "backend: " + e.Op + " is not yet supported on " + e.Arch.String()
}

// Unimplemented logs diagnostic context and aborts. It never returns.
func Unimplemented(log *zap.Logger, arch Arch, op string) {
	err := &UnsupportedError{Arch: arch, Op: op}
	if log != nil {
		log.Error("fatal: unsupported backend capability invoked",
			zap.String("arch", arch.String()),
			zap.String("op", op))
	}
	panic(err)
}

// ContractError reports misuse of the patching or emission contracts, e.g.
// smashing an address that was never confirmed smashable.
type ContractError struct {
	Op     string
	Detail string
}

func (e *ContractError) Error() string {
	return "backend: " + e.Op + ": " + e.Detail
}
