package amd64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"go.uber.org/zap"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/tv"
)

// regLocalIter walks the locals being freed. It is caller-saved in the stub
// protocol: compiled code loads the address of the highest-index local into
// it before entering any free-locals helper.
const regLocalIter = x86.REG_R14

// EmitUniqueStubs lays down the always-resident helper routines. Each stub
// is its own fragment; calls between them load the callee's absolute
// address into a scratch register. The free-locals region is cache-line
// aligned and held to a hard size budget because every function return
// passes through it.
func (t *Backend) EmitUniqueStubs(b *code.Block) (*backend.UniqueStubs, error) {
	us := &backend.UniqueStubs{}

	b.AlignFrontier(t.cacheLine, opNop)
	us.Begin = b.Frontier()

	if err := t.emitCallToExit(b, us); err != nil {
		return nil, err
	}

	b.AlignFrontier(t.cacheLine, opNop)
	if err := t.emitFreeLocals(b, us); err != nil {
		return nil, err
	}
	if err := t.emitFunctionEnterHelper(b, us); err != nil {
		return nil, err
	}
	if err := t.emitEndCatchHelper(b, us); err != nil {
		return nil, err
	}

	us.End = b.Frontier()
	if size := int(us.End - us.Begin); size > backend.StubRegionBudgetCacheLines*t.cacheLine {
		return nil, fmt.Errorf("amd64: unique stubs occupy %d bytes, budget is %d",
			size, backend.StubRegionBudgetCacheLines*t.cacheLine)
	}

	t.log.Debug("emitted unique stubs",
		zap.Uintptr("begin", us.Begin),
		zap.Uintptr("end", us.End),
		zap.Uintptr("callToExit", us.CallToExit),
		zap.Uintptr("decRefGeneric", us.DecRefGeneric),
		zap.Uintptr("freeManyLocals", us.FreeManyLocalsHelper),
		zap.Uintptr("functionEnter", us.FunctionEnterHelper),
		zap.Uintptr("endCatch", us.EndCatchHelper))
	return us, nil
}

// emitCallToExit emits the synthetic return target that hands the thread
// back to native code.
func (t *Backend) emitCallToExit(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}
	e.movImmToReg(int64(t.env.EnterTCExit), regScratch1)
	e.jmpReg(regScratch1)
	us.CallToExit = e.finish(b)
	return nil
}

// emitDecRefLocal appends the inline "maybe release one local" sequence:
// skip uncounted type tags, otherwise hand the local to decRefGeneric. The
// helper lives in an earlier fragment, so the call goes through a register.
func emitDecRefLocal(e *emitter, decRef uintptr) (entry *obj.Prog) {
	entry = e.cmpMemImm(x86.ACMPB, regLocalIter, tv.OffType, int64(tv.RefCountThreshold))
	skip := e.branch(x86.AJLE)
	e.movRegToReg(regLocalIter, regArg0)
	e.movImmToReg(int64(decRef), regScratch1)
	e.callReg(regScratch1)
	after := e.newProg()
	after.As = obj.ANOP
	e.add(after)
	skip.To.SetTarget(after)
	return entry
}

// emitFreeLocals lays down decRefGeneric, then the looping helper for large
// frames and the unrolled per-count entry points.
//
// The unrolled helpers cascade: the entry that frees n locals releases one
// and falls through into the entry that frees n-1, down to a shared ret.
func (t *Backend) emitFreeLocals(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}

	// decRefGeneric(rdi = &value): release one typed value. Sentinel
	// counts are negative, so a signed compare against 1 splits the three
	// cases with one test.
	e.loadMemToReg(regArg0, tv.OffData, regScratch0)
	e.cmpMemImm(x86.ACMPL, regScratch0, tv.RefCountOffset, 1)
	toDone := e.branch(x86.AJLT)
	toDec := e.branch(x86.AJNE)
	// Count is exactly one: invoke the per-type destructor on the payload.
	e.loadSignExtendedTypeByte(regArg0, tv.OffType, regScratch1)
	e.movRegToReg(regScratch0, regArg0)
	e.movImmToReg(int64(t.env.DestructorTable), x86.REG_R11)
	e.callMemIndexed(x86.REG_R11, regScratch1)
	e.ret()
	dec := e.decMem(regScratch0, tv.RefCountOffset)
	toDec.To.SetTarget(dec)
	done := e.ret()
	toDone.To.SetTarget(done)
	us.DecRefGeneric = e.finish(b)

	if e, err = newEmitter(); err != nil {
		return err
	}

	// freeManyLocalsHelper: loop from the highest-index local up toward
	// the frame until only the unrolled count remains, then fall through.
	stopOff := int32(tv.LocalOffset(t.unroll - 1))
	loop := emitDecRefLocal(e, us.DecRefGeneric)
	freeMany := loop
	e.addImmToReg(tv.Size, regLocalIter)
	e.leaMemToReg(regVMFp, stopOff, regScratch1)
	e.cmpRegReg(regLocalIter, regScratch1)
	back := e.branch(x86.AJNE)
	back.To.SetTarget(loop)

	helpers := make([]*obj.Prog, t.unroll)
	for i := t.unroll - 1; i >= 0; i-- {
		helpers[i] = emitDecRefLocal(e, us.DecRefGeneric)
		if i > 0 {
			e.addImmToReg(tv.Size, regLocalIter)
		}
	}
	e.ret()

	start := e.finish(b)
	us.FreeManyLocalsHelper = addrOf(start, freeMany)
	us.FreeLocalsHelpers = make([]uintptr, t.unroll)
	for i, p := range helpers {
		us.FreeLocalsHelpers[i] = addrOf(start, p)
	}

	if size := b.FrontierOffset() - int(us.DecRefGeneric-b.Base()); size > backend.FreeLocalsBudgetCacheLines*t.cacheLine {
		return fmt.Errorf("amd64: free-locals helpers occupy %d bytes, budget is %d",
			size, backend.FreeLocalsBudgetCacheLines*t.cacheLine)
	}
	return nil
}

// emitFunctionEnterHelper emits the call-intercept stub. The hook decides
// whether execution proceeds into the callee (return true) or the frame has
// been torn down by an intercept (return false), in which case the stub
// discards its return address and leaves compiled code entirely.
func (t *Backend) emitFunctionEnterHelper(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}
	e.movRegToReg(regVMFp, regArg0)
	e.movImmToReg(int64(t.env.FunctionCallHook), regScratch0)
	e.callReg(regScratch0)
	ret := e.testRegReg(x86.ATESTB, regScratch0, regScratch0)
	toIntercept := e.branch(x86.AJEQ)
	e.ret()
	drop := e.addImmToReg(8, regNativeSp)
	toIntercept.To.SetTarget(drop)
	e.movImmToReg(int64(us.CallToExit), regScratch1)
	e.jmpReg(regScratch1)

	start := e.finish(b)
	us.FunctionEnterHelper = start
	us.FunctionEnterHelperReturn = addrOf(start, ret)
	return nil
}

// emitEndCatchHelper emits the stub every catch trace ends in. It asks the
// runtime for the next catch address; a zero answer means the exception
// leaves compiled code and the native unwinder resumes.
func (t *Backend) emitEndCatchHelper(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}
	e.cmpMemImm(x86.ACMPQ, regVMTl, t.env.DebuggerReturnSPOff, 0)
	toDebugger := e.branch(x86.AJNE)

	e.movRegToReg(regVMFp, regArg0)
	e.movImmToReg(int64(t.env.TCUnwindResume), regScratch0)
	e.callReg(regScratch0)
	// rax holds the catch address or zero, rdx the unwound frame pointer.
	e.movRegToReg(regArg2, regVMFp)
	e.testRegReg(x86.ATESTQ, regScratch0, regScratch0)
	toResume := e.branch(x86.AJEQ)
	e.jmpReg(regScratch0)

	// Leaving compiled code: mark the VM registers clean and hand the
	// pending exception object to the native unwinder.
	resume := e.storeImmToMem(x86.AMOVB, backend.RegStateClean, regVMTl, t.env.RegStateOff)
	toResume.To.SetTarget(resume)
	e.loadMemToReg(regVMTl, t.env.UnwinderExnOff, regArg0)
	e.movImmToReg(int64(t.env.UnwindResume), regScratch0)
	e.callReg(regScratch0)
	past := e.ud2()

	// A debugger forced a return mid-unwind: restore the stashed stack
	// pointer and ask the runtime how to continue.
	debugger := e.loadMemToReg(regVMTl, t.env.DebuggerReturnSPOff, regVMSp)
	toDebugger.To.SetTarget(debugger)
	e.storeImmToMem(x86.AMOVQ, 0, regVMTl, t.env.DebuggerReturnSPOff)
	e.movImmToReg(int64(backend.ReqPostDebuggerRet), regArg0)
	e.movImmToReg(int64(t.env.HandleServiceRequest), regScratch0)
	e.jmpReg(regScratch0)

	start := e.finish(b)
	us.EndCatchHelper = start
	us.EndCatchHelperPast = addrOf(start, past)
	return nil
}
