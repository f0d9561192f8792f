package backend

import "fmt"

// Op is a low-level instruction kind. The stream a backend materializes is
// the already register-allocated, instruction-selected output of the
// pipeline upstream of this module; only the operations that survive to
// final emission appear here.
type Op uint8

const (
	// OpLabel binds Label at the current position.
	OpLabel Op = iota
	// OpMovImm sets Reg to the 64-bit immediate Imm.
	OpMovImm
	// OpLoad sets Reg from the 64-bit word at [Base+Disp].
	OpLoad
	// OpStore writes Reg to [Base+Disp].
	OpStore
	// OpCallAbs calls the absolute address Target through a scratch
	// register, recording an address immediate in the metadata.
	OpCallAbs
	// OpCallReg calls the address in Reg.
	OpCallReg
	// OpJmpReg jumps to the address in Reg.
	OpJmpReg
	// OpJmp jumps to Label.
	OpJmp
	// OpJcc branches to Label when CC holds.
	OpJcc
	// OpSmashableJmp emits a patchable jump to Target.
	OpSmashableJmp
	// OpSmashableCall emits a patchable call to Target.
	OpSmashableCall
	// OpRet returns.
	OpRet
	// OpTrap emits an undefined instruction.
	OpTrap
)

// Instr is one instruction of a lowered unit. Field use depends on Op.
type Instr struct {
	Op     Op
	CC     CondCode
	Reg    PhysReg
	Base   PhysReg
	Disp   int32
	Imm    int64
	Target uintptr
	Label  string
}

// Unit is a finished low-level instruction stream for one compiled
// function.
type Unit struct {
	Name   string
	Instrs []Instr
}

// Validate rejects streams this backend layer cannot express: unbound
// branch labels, and branches that cross a position-fixed instruction
// (smashables and absolute calls split the emission into separately
// assembled runs).
func (u *Unit) Validate() error {
	bound := map[string]int{}
	run := 0
	for i, in := range u.Instrs {
		switch in.Op {
		case OpLabel:
			if _, dup := bound[in.Label]; dup {
				return fmt.Errorf("unit %s: label %q bound twice", u.Name, in.Label)
			}
			bound[in.Label] = run
		case OpSmashableJmp, OpSmashableCall, OpCallAbs:
			run++
		case OpJmp, OpJcc:
			// Backward references must stay within the current run;
			// forward references are checked below.
			if at, ok := bound[in.Label]; ok && at != run {
				return fmt.Errorf("unit %s: instr %d: branch to %q crosses a smashable instruction", u.Name, i, in.Label)
			}
		}
	}
	run = 0
	seen := map[string]int{}
	for i := len(u.Instrs) - 1; i >= 0; i-- {
		in := u.Instrs[i]
		switch in.Op {
		case OpLabel:
			seen[in.Label] = run
		case OpSmashableJmp, OpSmashableCall, OpCallAbs:
			run++
		case OpJmp, OpJcc:
			at, ok := seen[in.Label]
			if ok && at != run {
				return fmt.Errorf("unit %s: instr %d: branch to %q crosses a smashable instruction", u.Name, i, in.Label)
			}
			if !ok {
				if _, backward := boundAnywhere(u.Instrs[:i], in.Label); !backward {
					return fmt.Errorf("unit %s: instr %d: branch to unbound label %q", u.Name, i, in.Label)
				}
			}
		}
	}
	return nil
}

func boundAnywhere(instrs []Instr, label string) (int, bool) {
	for i, in := range instrs {
		if in.Op == OpLabel && in.Label == label {
			return i, true
		}
	}
	return 0, false
}
