package arm64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

func testEnv() backend.RuntimeEnv {
	return backend.RuntimeEnv{
		FunctionCallHook:     0x7f0000001000,
		DestructorTable:      0x7f0000002000,
		TCUnwindResume:       0x7f0000003000,
		UnwindResume:         0x7f0000004000,
		EnterTCExit:          0x7f0000005000,
		HandleServiceRequest: 0x7f0000006000,
		DebuggerReturnSPOff:  0x240,
		UnwinderExnOff:       0x248,
		RegStateOff:          0x250,
	}
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return New(backend.Options{Env: testEnv()})
}

func TestSmashableJmpRoundTrip(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)
	t1 := uintptr(0x7f0000010000)
	t2 := uintptr(0x7f0000020000)

	addr := be.EmitSmashableJmp(b, t1, nil)
	require.Zero(t, (addr-litOff)%8, "literal must be naturally aligned")
	require.True(t, be.IsSmashable(addr-litOff, 8, 0))
	require.Equal(t, t1, be.JmpTarget(addr))

	be.SmashJmp(addr, t2)
	require.Equal(t, t2, be.JmpTarget(addr))

	// Instruction words are untouched by the patch.
	require.Equal(t, uint32(insnLdrLitM8), readWord(addr))
	require.Equal(t, uint32(insnBrX17), readWord(addr+4))
}

func TestSmashableCallRoundTrip(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)

	var meta backend.Meta
	addr := be.EmitSmashableCall(b, 0x1000, &meta)
	require.Equal(t, []uintptr{addr}, meta.SmashableCalls)
	require.Equal(t, uintptr(0x1000), be.CallTarget(addr))
	require.Equal(t, uint32(insnBlrX17), readWord(addr+4))

	be.SmashCall(addr, 0x2000)
	require.Equal(t, uintptr(0x2000), be.CallTarget(addr))
}

func TestSmashableJccRoundTrip(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)

	addr := be.EmitSmashableJcc(b, backend.CCLE, 0x1000, nil)
	require.Equal(t, uintptr(0x1000), be.JccTarget(addr))
	require.Equal(t, backend.CCLE, be.JccCondCode(addr))

	// The emitted branch carries the inverted hardware condition.
	require.Equal(t, insnBCondSkel|(armCond[backend.CCLE]^1), readWord(addr))

	be.SmashJcc(addr, 0x2000)
	require.Equal(t, uintptr(0x2000), be.JccTarget(addr))
	require.Equal(t, backend.CCLE, be.JccCondCode(addr))
}

func TestSmashableJccRejectsParity(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)
	for _, cc := range []backend.CondCode{backend.CCP, backend.CCNP} {
		require.Panics(t, func() { be.EmitSmashableJcc(b, cc, 0x1000, nil) })
	}
}

func TestSmashRejectsForeignBytes(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(64)
	b.EmitUint32(insnNop)
	b.EmitUint32(insnNop)
	b.EmitUint32(insnNop)
	addr := b.Base() + 8

	for name, fn := range map[string]func(){
		"jmp":  func() { be.SmashJmp(addr, 0) },
		"call": func() { be.SmashCall(addr, 0) },
		"jcc":  func() { be.SmashJcc(addr, 0) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				err, ok := recover().(*backend.ContractError)
				require.True(t, ok)
				require.Contains(t, err.Error(), "expected instruction")
			}()
			fn()
			t.Fatal("smash of foreign bytes did not panic")
		})
	}
}

func TestFuncPrologue(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)
	redispatch := b.Base()
	b.EmitUint32(insnNop)

	fn := &backend.Func{ID: 0x70042, Name: "foo", NumLocals: 3}
	sk, prologue, err := be.EmitFuncPrologue(b, fn, 2, redispatch)
	require.NoError(t, err)
	require.Equal(t, uint32(0x70042), sk.FuncID)
	require.Zero(t, prologue%prologueAlign)

	require.Equal(t, 0x52800011|uint32(0x0042)<<5, readWord(prologue))
	require.Equal(t, 0x72a00011|uint32(7)<<5, readWord(prologue+4))
	require.Equal(t, uint32(0x6b11021f), readWord(prologue+12))
	// Argument-count compare: cmp w16, #2.
	require.Equal(t, 0x7100021f|uint32(2)<<10, readWord(prologue+48))

	guard := be.FuncPrologueToGuard(prologue)
	require.Equal(t, prologue+prologueGuardOff, guard)
	require.True(t, be.FuncPrologueHasGuard(prologue))
	require.Equal(t, redispatch, be.JccTarget(guard))
	require.Equal(t, backend.CCNE, be.JccCondCode(guard))

	be.FuncPrologueSmashGuard(prologue, prologue+prologueBodyOff)
	require.False(t, be.FuncPrologueHasGuard(prologue))

	be.FuncPrologueSmashGuard(prologue, redispatch)
	require.True(t, be.FuncPrologueHasGuard(prologue))
}

func TestFuncPrologueRejectsWideArgCount(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)
	_, _, err := be.EmitFuncPrologue(b, &backend.Func{ID: 1}, 4096, b.Base())
	require.Error(t, err)
}

func TestEmitUniqueStubs(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(1 << 14)
	us, err := be.EmitUniqueStubs(b)
	require.NoError(t, err)

	for _, role := range []backend.StubRole{
		backend.StubFunctionEnterHelper,
		backend.StubFreeManyLocalsHelper,
		backend.StubDecRefGeneric,
		backend.StubEndCatchHelper,
		backend.StubCallToExit,
	} {
		require.NotZero(t, us.Addr(role), "role %d", role)
	}
	require.Len(t, us.FreeLocalsHelpers, backend.DefaultFreeLocalsUnroll)

	require.Zero(t, us.Begin%uintptr(be.CacheLineSize()))
	require.LessOrEqual(t, int(us.End-us.Begin), backend.StubRegionBudgetCacheLines*be.CacheLineSize())
	require.Equal(t, us.Begin, us.CallToExit)
	require.Less(t, uint64(us.CallToExit), uint64(us.DecRefGeneric))
	require.Less(t, uint64(us.DecRefGeneric), uint64(us.FreeManyLocalsHelper))
	require.Less(t, uint64(us.FreeManyLocalsHelper), uint64(us.FunctionEnterHelper))
	require.Less(t, uint64(us.FunctionEnterHelper), uint64(us.EndCatchHelper))
	require.LessOrEqual(t, uint64(us.EndCatchHelperPast), uint64(us.End))

	for i := 1; i < len(us.FreeLocalsHelpers); i++ {
		require.Less(t, uint64(us.FreeLocalsHelpers[i]), uint64(us.FreeLocalsHelpers[i-1]))
	}
	require.Less(t, uint64(us.FreeManyLocalsHelper), uint64(us.FreeLocalsHelpers[len(us.FreeLocalsHelpers)-1]))

	require.Less(t, uint64(us.FunctionEnterHelper), uint64(us.FunctionEnterHelperReturn))
	require.Less(t, uint64(us.EndCatchHelper), uint64(us.EndCatchHelperPast))
}

// countWords counts occurrences of the instruction word w in [begin, end).
func countWords(begin, end uintptr, w uint32) int {
	var n int
	for a := begin; a+4 <= end; a += 4 {
		if readWord(a) == w {
			n++
		}
	}
	return n
}

func TestStubsReturnThroughLinkRegister(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(1 << 14)
	us, err := be.EmitUniqueStubs(b)
	require.NoError(t, err)

	// ret x30: decRefGeneric has two exits, the cascade and the enter
	// helper one each.
	const insnRet = 0xd65f03c0
	require.GreaterOrEqual(t, countWords(us.Begin, us.End, insnRet), 4)
}

func TestEndCatchHelperResumeSyncsUnwinderState(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(1 << 14)
	us, err := be.EmitUniqueStubs(b)
	require.NoError(t, err)
	env := testEnv()

	// The resume path stores the clean reg-state and loads the pending
	// exception object before entering the native unwinder:
	// strb wzr, [x28, RegStateOff] then ldr x0, [x28, UnwinderExnOff].
	regStateStore := 0x39000000 | uint32(env.RegStateOff)<<10 | 28<<5 | 31
	exnLoad := 0xf9400000 | uint32(env.UnwinderExnOff/8)<<10 | 28<<5
	require.Equal(t, 1, countWords(us.EndCatchHelper, us.End, regStateStore))
	require.Equal(t, 1, countWords(us.EndCatchHelper, us.End, exnLoad))
}

func TestEmitServiceReq(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)

	addr, err := be.EmitServiceReq(b, backend.ReqInterpret, []uint64{7})
	require.NoError(t, err)
	require.True(t, b.Contains(addr))

	_, err = be.EmitServiceReq(b, backend.ReqInterpret, []uint64{1, 2, 3, 4})
	require.Error(t, err)
}

func TestMaterialize(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(1 << 13)
	bindTarget := uintptr(0x7f0000030000)

	abi := be.ABI()
	u := &backend.Unit{
		Name: "unit-under-test",
		Instrs: []backend.Instr{
			{Op: backend.OpMovImm, Reg: abi.VMSp, Imm: 0x1234},
			{Op: backend.OpLabel, Label: "retry"},
			{Op: backend.OpLoad, Reg: backend.PhysReg(regScratch0), Base: abi.VMFp, Disp: 16},
			{Op: backend.OpJcc, CC: backend.CCNE, Label: "retry"},
			{Op: backend.OpSmashableCall, Target: bindTarget},
			{Op: backend.OpCallAbs, Target: bindTarget},
			{Op: backend.OpRet},
		},
	}
	var meta backend.Meta
	start, err := be.Materialize(b, u, &meta)
	require.NoError(t, err)
	require.True(t, b.Contains(start))
	require.Equal(t, "unit-under-test", meta.Comments[start])

	require.Len(t, meta.SmashableCalls, 1)
	require.Equal(t, bindTarget, be.CallTarget(meta.SmashableCalls[0]))

	require.Len(t, meta.AddressImmediates, 1)
	imm := meta.AddressImmediates[0]
	require.Zero(t, imm%8)
	require.Equal(t, uint64(bindTarget), binary.LittleEndian.Uint64(code.Slice(imm, 8)))
	require.Equal(t, uint32(insnBlrX17), readWord(imm+12))
}

func TestMaterializeRejectsParityCondition(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(4096)
	u := &backend.Unit{
		Name: "parity",
		Instrs: []backend.Instr{
			{Op: backend.OpLabel, Label: "l"},
			{Op: backend.OpJcc, CC: backend.CCP, Label: "l"},
		},
	}
	_, err := be.Materialize(b, u, &backend.Meta{})
	require.Error(t, err)
}

func TestRelocate(t *testing.T) {
	be := newTestBackend(t)
	src := code.NewBlock(4096)
	dst := code.NewBlock(4096)
	outside := uintptr(0x7f0000040000)
	src.EmitUint32(insnNop)

	var meta backend.Meta
	start := src.Frontier()
	inside := be.EmitSmashableJmp(src, outside, &meta)
	selfRef := be.EmitSmashableJmp(src, inside, &meta)
	_ = be.emitCallAbs(src, selfRef, &meta)
	immAt := meta.AddressImmediates[0]
	end := src.Frontier()

	info, err := be.Relocate(dst, start, end, &meta)
	require.NoError(t, err)
	require.Equal(t, end-start, info.Size())
	require.Equal(t, start%8, info.DstStart%8, "literal alignment must survive the move")

	movedInside := info.Adjusted(inside)
	movedSelf := info.Adjusted(selfRef)
	require.True(t, dst.Contains(movedInside))

	require.Equal(t, outside, be.JmpTarget(movedInside))
	require.Equal(t, movedInside, be.JmpTarget(movedSelf))

	movedImm := info.Adjusted(immAt)
	require.Equal(t, uint64(movedSelf), binary.LittleEndian.Uint64(code.Slice(movedImm, 8)))

	require.Equal(t, []uintptr{movedInside, movedSelf}, meta.SmashableJmps)
	require.Equal(t, []uintptr{movedImm}, meta.AddressImmediates)

	require.Equal(t, outside, be.JmpTarget(inside))
}

func TestDisasmRange(t *testing.T) {
	be := newTestBackend(t)
	b := code.NewBlock(256)
	var meta backend.Meta
	addr := be.EmitSmashableJmp(b, 0x1000, &meta)
	meta.Comment(addr, "guard exit")

	var out bytes.Buffer
	be.DisasmRange(&out, 2, b.Base(), b.Frontier(), &meta)
	s := out.String()
	require.Contains(t, s, "guard exit")
	require.Contains(t, s, "smashable jmp")
}

func TestSupportsEverything(t *testing.T) {
	be := newTestBackend(t)
	require.Equal(t, backend.ArchARM64, be.Arch())
	require.Equal(t, 64, be.CacheLineSize())
	for _, f := range []backend.Feature{backend.FeatureFullJIT, backend.FeatureSmashable, backend.FeatureDisasm} {
		require.True(t, be.Supports(f))
	}
	require.NotEmpty(t, be.PhysRegName(be.ABI().VMFp))
}
