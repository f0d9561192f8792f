package arm64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	asmarm64 "github.com/twitchyliquid64/golang-asm/obj/arm64"
	"go.uber.org/zap"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/tv"
)

// regLocalIter walks the locals being freed; compiled code loads the
// address of the highest-index local into it before entering a free-locals
// helper.
const regLocalIter = asmarm64.REG_R20

func (t *Backend) EmitUniqueStubs(b *code.Block) (*backend.UniqueStubs, error) {
	us := &backend.UniqueStubs{}

	// Alignment gaps are never executed; zero words trap if they ever are.
	b.AlignFrontier(t.cacheLine, 0)
	us.Begin = b.Frontier()

	if err := t.emitCallToExit(b, us); err != nil {
		return nil, err
	}
	b.AlignFrontier(t.cacheLine, 0)
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
		return nil, fmt.Errorf("arm64: unique stubs occupy %d bytes, budget is %d",
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

// emitDecRefLocal appends the "maybe release one local" sequence. The call
// out clobbers the link register, so it is spilled around the call only on
// the counted path.
func emitDecRefLocal(e *emitter, decRef *obj.Prog) (entry *obj.Prog) {
	entry = e.load(asmarm64.AMOVB, regLocalIter, tv.OffType, regArg1)
	e.cmpRegImm(asmarm64.ACMPW, regArg1, int64(tv.RefCountThreshold))
	skip := e.branch(asmarm64.ABLE)
	e.movRegToReg(regLocalIter, regArg0)
	e.pushLink()
	call := e.callBranch()
	call.To.SetTarget(decRef)
	e.popLink()
	after := e.newProg()
	after.As = obj.ANOP
	e.add(after)
	skip.To.SetTarget(after)
	return entry
}

func (t *Backend) emitFreeLocals(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}

	// decRefGeneric(x0 = &value): sentinel counts are negative, one signed
	// compare against 1 splits the three cases.
	decRef := e.load(asmarm64.AMOVD, regArg0, tv.OffData, regArg1)
	e.load(asmarm64.AMOVW, regArg1, tv.RefCountOffset, regArg2)
	e.cmpRegImm(asmarm64.ACMPW, regArg2, 1)
	toDone := e.branch(asmarm64.ABLT)
	toDec := e.branch(asmarm64.ABNE)
	// Count is exactly one: dispatch the per-type destructor on the
	// payload.
	e.pushLink()
	e.load(asmarm64.AMOVB, regArg0, tv.OffType, regArg2)
	e.movRegToReg(regArg1, regArg0)
	e.movImmToReg(int64(t.env.DestructorTable), regScratch0)
	e.lslImm(3, regArg2, regArg2)
	e.addRegToReg(regArg2, regScratch0)
	e.load(asmarm64.AMOVD, regScratch0, 0, regScratch0)
	e.callReg(regScratch0)
	e.popLink()
	e.ret()
	dec := e.subImmFromReg(asmarm64.ASUBW, 1, regArg2)
	toDec.To.SetTarget(dec)
	e.store(asmarm64.AMOVW, regArg2, regArg1, tv.RefCountOffset)
	done := e.ret()
	toDone.To.SetTarget(done)

	// Looping helper for frames with more locals than the unrolled set.
	stopOff := int64(tv.LocalOffset(t.unroll - 1))
	loop := emitDecRefLocal(e, decRef)
	freeMany := loop
	e.addImmToReg(tv.Size, regLocalIter, regLocalIter)
	e.addImmToReg(stopOff, regVMFp, regScratch1)
	e.cmpRegReg(asmarm64.ACMP, regLocalIter, regScratch1)
	back := e.branch(asmarm64.ABNE)
	back.To.SetTarget(loop)

	helpers := make([]*obj.Prog, t.unroll)
	for i := t.unroll - 1; i >= 0; i-- {
		helpers[i] = emitDecRefLocal(e, decRef)
		if i > 0 {
			e.addImmToReg(tv.Size, regLocalIter, regLocalIter)
		}
	}
	e.ret()

	start := e.finish(b)
	us.DecRefGeneric = addrOf(start, decRef)
	us.FreeManyLocalsHelper = addrOf(start, freeMany)
	us.FreeLocalsHelpers = make([]uintptr, t.unroll)
	for i, p := range helpers {
		us.FreeLocalsHelpers[i] = addrOf(start, p)
	}

	if size := b.FrontierOffset() - int(start-b.Base()); size > backend.FreeLocalsBudgetCacheLines*t.cacheLine {
		return fmt.Errorf("arm64: free-locals helpers occupy %d bytes, budget is %d",
			size, backend.FreeLocalsBudgetCacheLines*t.cacheLine)
	}
	return nil
}

func (t *Backend) emitFunctionEnterHelper(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}
	e.pushLink()
	e.movRegToReg(regVMFp, regArg0)
	e.movImmToReg(int64(t.env.FunctionCallHook), regScratch0)
	e.callReg(regScratch0)
	ret := e.cmpRegImm(asmarm64.ACMPW, regArg0, 0)
	toIntercept := e.branch(asmarm64.ABEQ)
	e.popLink()
	e.ret()
	// Intercepted: discard the spilled return address and leave compiled
	// code.
	drop := e.addImmToReg(16, regNativeSp, regNativeSp)
	toIntercept.To.SetTarget(drop)
	e.movImmToReg(int64(us.CallToExit), regScratch1)
	e.jmpReg(regScratch1)

	start := e.finish(b)
	us.FunctionEnterHelper = start
	us.FunctionEnterHelperReturn = addrOf(start, ret)
	return nil
}

func (t *Backend) emitEndCatchHelper(b *code.Block, us *backend.UniqueStubs) error {
	e, err := newEmitter()
	if err != nil {
		return err
	}
	e.load(asmarm64.AMOVD, regVMTl, t.env.DebuggerReturnSPOff, regArg1)
	e.cmpRegImm(asmarm64.ACMP, regArg1, 0)
	toDebugger := e.branch(asmarm64.ABNE)

	e.movRegToReg(regVMFp, regArg0)
	e.movImmToReg(int64(t.env.TCUnwindResume), regScratch0)
	e.callReg(regScratch0)
	// x0 holds the catch address or zero, x1 the unwound frame pointer.
	e.movRegToReg(regArg1, regVMFp)
	e.cmpRegImm(asmarm64.ACMP, regArg0, 0)
	toResume := e.branch(asmarm64.ABEQ)
	e.jmpReg(regArg0)

	// Leaving compiled code: mark the VM registers clean and hand the
	// pending exception object to the native unwinder. Clean is zero, so
	// the zero register is the store source.
	resume := e.store(asmarm64.AMOVB, asmarm64.REGZERO, regVMTl, t.env.RegStateOff)
	toResume.To.SetTarget(resume)
	e.load(asmarm64.AMOVD, regVMTl, t.env.UnwinderExnOff, regArg0)
	e.movImmToReg(int64(t.env.UnwindResume), regScratch0)
	e.callReg(regScratch0)
	past := e.brk()

	// A debugger forced a return mid-unwind: restore the stashed stack
	// pointer and ask the runtime how to continue.
	debugger := e.load(asmarm64.AMOVD, regVMTl, t.env.DebuggerReturnSPOff, regVMSp)
	toDebugger.To.SetTarget(debugger)
	e.store(asmarm64.AMOVD, asmarm64.REGZERO, regVMTl, t.env.DebuggerReturnSPOff)
	e.movImmToReg(int64(backend.ReqPostDebuggerRet), regArg0)
	e.movImmToReg(int64(t.env.HandleServiceRequest), regScratch0)
	e.jmpReg(regScratch0)

	start := e.finish(b)
	us.EndCatchHelper = start
	us.EndCatchHelperPast = addrOf(start, past)
	return nil
}
