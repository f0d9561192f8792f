package arm64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	asmarm64 "github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

type pendingBranch struct {
	prog  *obj.Prog
	label string
}

type fragment struct {
	e       *emitter
	labels  map[string]*obj.Prog
	pending []pendingBranch
}

func newFragment() (*fragment, error) {
	e, err := newEmitter()
	if err != nil {
		return nil, err
	}
	return &fragment{e: e, labels: map[string]*obj.Prog{}}, nil
}

func (f *fragment) bindLabel(name string) {
	p := f.e.newProg()
	p.As = obj.ANOP
	f.e.add(p)
	f.labels[name] = p
}

func (f *fragment) branchTo(as obj.As, label string) {
	p := f.e.branch(as)
	if target, ok := f.labels[label]; ok {
		p.To.SetTarget(target)
		return
	}
	f.pending = append(f.pending, pendingBranch{prog: p, label: label})
}

func (f *fragment) flush(b *code.Block, unitName string) (uintptr, bool, error) {
	for _, pb := range f.pending {
		target, ok := f.labels[pb.label]
		if !ok {
			return 0, false, fmt.Errorf("arm64: unit %s: label %q not bound in its run", unitName, pb.label)
		}
		pb.prog.To.SetTarget(target)
	}
	if f.e.first == nil {
		return 0, false, nil
	}
	return f.e.finish(b), true, nil
}

func (t *Backend) Materialize(b *code.Block, u *backend.Unit, meta *backend.Meta) (uintptr, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}

	var (
		unitStart uintptr
		started   bool
	)
	note := func(addr uintptr) {
		if !started {
			unitStart = addr
			started = true
			if meta != nil && u.Name != "" {
				meta.Comment(addr, u.Name)
			}
		}
	}

	frag, err := newFragment()
	if err != nil {
		return 0, err
	}
	flush := func() error {
		addr, emitted, err := frag.flush(b, u.Name)
		if err != nil {
			return err
		}
		if emitted {
			note(addr)
		}
		frag, err = newFragment()
		return err
	}

	for i, in := range u.Instrs {
		switch in.Op {
		case backend.OpLabel:
			frag.bindLabel(in.Label)
		case backend.OpMovImm:
			frag.e.movImmToReg(in.Imm, int16(in.Reg))
		case backend.OpLoad:
			frag.e.load(asmarm64.AMOVD, int16(in.Base), in.Disp, int16(in.Reg))
		case backend.OpStore:
			frag.e.store(asmarm64.AMOVD, int16(in.Reg), int16(in.Base), in.Disp)
		case backend.OpCallReg:
			frag.e.callReg(int16(in.Reg))
		case backend.OpJmpReg:
			frag.e.jmpReg(int16(in.Reg))
		case backend.OpJmp:
			frag.branchTo(obj.AJMP, in.Label)
		case backend.OpJcc:
			as, ok := branchAs[in.CC]
			if !ok {
				return 0, fmt.Errorf("arm64: unit %s: instr %d: condition %d has no flag on this architecture", u.Name, i, in.CC)
			}
			frag.branchTo(as, in.Label)
		case backend.OpRet:
			frag.e.ret()
		case backend.OpTrap:
			frag.e.brk()
		case backend.OpSmashableJmp:
			if err := flush(); err != nil {
				return 0, err
			}
			note(t.EmitSmashableJmp(b, in.Target, meta))
		case backend.OpSmashableCall:
			if err := flush(); err != nil {
				return 0, err
			}
			note(t.EmitSmashableCall(b, in.Target, meta))
		case backend.OpCallAbs:
			if err := flush(); err != nil {
				return 0, err
			}
			note(t.emitCallAbs(b, in.Target, meta))
		default:
			return 0, fmt.Errorf("arm64: unit %s: instr %d: unknown op %d", u.Name, i, in.Op)
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if !started {
		return 0, fmt.Errorf("arm64: unit %s is empty", u.Name)
	}
	return unitStart, nil
}

// emitCallAbs calls an absolute address through an embedded literal,
// recording the literal's address so relocation can rewrite it. The shape
// is the smashable call's, minus the smash bookkeeping.
func (t *Backend) emitCallAbs(b *code.Block, target uintptr, meta *backend.Meta) uintptr {
	alignForLiteral(b)
	addr := b.Frontier()
	b.EmitUint32(insnBOverLit)
	lit := b.Frontier()
	b.EmitUint64(uint64(target))
	b.EmitUint32(insnLdrLitM8)
	b.EmitUint32(insnBlrX17)
	if meta != nil {
		meta.AddressImmediates = append(meta.AddressImmediates, lit)
	}
	return addr
}
