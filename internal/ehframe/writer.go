// Package ehframe dynamically creates and registers .eh_frame records so the
// native unwinder can walk JIT-generated stack frames.
//
// A Writer owns a byte buffer and permits writing up to one CIE and up to
// one FDE before registering the FDE (if one was written) and handing out a
// reference-counted Handle. The registration is released exactly once, when
// the last reference to the handle is dropped.
package ehframe

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/leb128"
)

type state uint8

const (
	stateEmpty state = iota
	stateInCIE
	stateCIEDone
	stateInFDE
	stateDone
	// The buffer has been handed off to a Handle; nothing further is legal.
	stateReleased
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateInCIE:
		return "in-cie"
	case stateCIEDone:
		return "cie-done"
	case stateInFDE:
		return "in-fde"
	case stateDone:
		return "done"
	case stateReleased:
		return "released"
	}
	return "invalid"
}

// ContractError reports misuse of the writer state machine. It is a build
// defect, not a runtime condition: the writer panics with it immediately.
type ContractError struct {
	Op    string
	State string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("ehframe: %s is illegal in state %s", e.Op, e.State)
}

const invalid = -1

// Writer accumulates one CIE, at most one FDE, and optional DWARF
// location expressions into an owned buffer.
type Writer struct {
	buf []byte

	state state
	// Buffer offset of the FDE; invalid if none was written.
	fde int
	// Code range covered by the FDE, recorded for registration.
	fdeStart, fdeEnd uintptr
	// Buffer offset of the open expression's length byte; invalid outside
	// a BeginExpression/EndExpression pair.
	expr int
	// State to restore when the open expression ends.
	exprReturn state
}

// NewWriter returns a writer with a fresh buffer.
func NewWriter() *Writer {
	return &Writer{fde: invalid, expr: invalid}
}

func (w *Writer) contract(op string, want ...state) {
	for _, s := range want {
		if w.state == s && w.expr == invalid {
			return
		}
	}
	panic(&ContractError{Op: op, State: w.state.String()})
}

// BeginCIE starts the CIE:
//
//	length:       backfilled by EndCIE
//	CIE id:       0
//	version:      1
//	augment str:  "zPR" if a personality routine is given, else "zR"
//	code align:   1
//	data align:   -8
//	return reg:   raReg
//	augmentation: all pointer encodings DW_EH_PE_absptr
//
// Initial call frame instructions go between BeginCIE and EndCIE.
func (w *Writer) BeginCIE(raReg uint8, personality uintptr) {
	w.contract("begin_cie", stateEmpty)

	w.writeUint32(0) // length, backfilled by EndCIE
	w.writeUint32(cieID)
	w.writeByte(cieVersion)
	if personality != 0 {
		w.writeString("zPR")
	} else {
		w.writeString("zR")
	}
	w.writeULEB(codeAlignFactor)
	w.writeSLEB(dataAlignFactor)
	w.writeByte(raReg)

	// Augmentation data: length, then one pointer encoding per augmentation
	// letter, plus the personality pointer itself for 'P'.
	if personality != 0 {
		w.writeULEB(2 + 8)
		w.writeByte(dwEHPEAbsptr)
		w.writeUint64(uint64(personality))
	} else {
		w.writeULEB(1)
	}
	w.writeByte(dwEHPEAbsptr)

	w.state = stateInCIE
}

// EndCIE pads the record to an 8-byte boundary and backfills its length.
func (w *Writer) EndCIE() {
	w.contract("end_cie", stateInCIE)
	w.padAndBackfill(0)
	w.state = stateCIEDone
}

// BeginFDE starts an FDE covering code beginning at start. The address
// range is supplied later, to EndFDE, once the code's size is known.
func (w *Writer) BeginFDE(start uintptr) {
	w.contract("begin_fde", stateCIEDone)

	w.fde = len(w.buf)
	w.fdeStart = start
	w.writeUint32(0) // length, backfilled by EndFDE
	// CIE pointer: distance from this field back to the start of the CIE,
	// which this writer always places at offset zero.
	w.writeUint32(uint32(len(w.buf)))
	w.writeUint64(uint64(start)) // initial location
	w.writeUint64(0)             // address range, backfilled by EndFDE
	w.writeULEB(0)               // augmentation data length

	w.state = stateInFDE
}

// EndFDE records the size of the covered range and backfills the length.
func (w *Writer) EndFDE(size uintptr) {
	w.contract("end_fde", stateInFDE)
	w.fdeEnd = w.fdeStart + size
	binary.LittleEndian.PutUint64(w.buf[w.fde+16:], uint64(size))
	w.padAndBackfill(w.fde)
	w.state = stateDone
}

// NullFDE writes a zero-length FDE, meaning "no unwind info for this
// region".
func (w *Writer) NullFDE() {
	w.contract("null_fde", stateCIEDone)
	w.writeUint32(0)
	w.state = stateDone
}

// BeginExpression opens a DW_CFA_expression for reg. The expression opcodes
// written until EndExpression describe where the register's value lives.
func (w *Writer) BeginExpression(reg uint8) {
	w.contract("begin_expression", stateInCIE, stateInFDE)
	w.exprReturn = w.state
	w.writeByte(dwCFAExpression)
	w.writeULEB(uint64(reg))
	w.expr = len(w.buf)
	w.writeByte(0) // length, backfilled by EndExpression
}

// EndExpression backfills the expression's length.
func (w *Writer) EndExpression() {
	if w.expr == invalid {
		panic(&ContractError{Op: "end_expression", State: w.state.String()})
	}
	n := len(w.buf) - w.expr - 1
	if n >= 0x80 {
		panic(&ContractError{Op: fmt.Sprintf("end_expression of %d bytes", n), State: w.state.String()})
	}
	w.buf[w.expr] = byte(n)
	w.expr = invalid
	w.state = w.exprReturn
}

// Call frame instructions (DW_CFA opcodes).

func (w *Writer) DefCFA(reg uint8, off uint64) {
	w.cfa("def_cfa")
	w.writeByte(dwCFADefCFA)
	w.writeULEB(uint64(reg))
	w.writeULEB(off)
}

func (w *Writer) DefCFAOffset(off uint64) {
	w.cfa("def_cfa_offset")
	w.writeByte(dwCFADefCFAOffset)
	w.writeULEB(off)
}

func (w *Writer) DefCFARegister(reg uint8) {
	w.cfa("def_cfa_register")
	w.writeByte(dwCFADefCFARegister)
	w.writeULEB(uint64(reg))
}

func (w *Writer) SameValue(reg uint8) {
	w.cfa("same_value")
	w.writeByte(dwCFASameValue)
	w.writeULEB(uint64(reg))
}

func (w *Writer) OffsetExtendedSF(reg uint8, off int64) {
	w.cfa("offset_extended_sf")
	w.writeByte(dwCFAOffsetExtendedSF)
	w.writeULEB(uint64(reg))
	// Factored offset: the CIE declares a data alignment of -8.
	w.writeSLEB(off)
}

func (w *Writer) cfa(op string) {
	w.contract(op, stateInCIE, stateInFDE)
}

// Expression opcodes (DW_OP), legal only inside an open expression.

func (w *Writer) OpBregx(reg uint8, off int64) {
	w.expression("op_bregx")
	w.writeByte(dwOPBregx)
	w.writeULEB(uint64(reg))
	w.writeSLEB(off)
}

func (w *Writer) OpDeref() {
	w.expression("op_deref")
	w.writeByte(dwOPDeref)
}

func (w *Writer) OpConsts(c int64) {
	w.expression("op_consts")
	w.writeByte(dwOPConsts)
	w.writeSLEB(c)
}

func (w *Writer) OpPlus() {
	w.expression("op_plus")
	w.writeByte(dwOPPlus)
}

func (w *Writer) expression(op string) {
	if w.expr == invalid {
		panic(&ContractError{Op: op, State: w.state.String()})
	}
}

func (w *Writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) writeString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *Writer) writeUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) writeUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) writeULEB(v uint64) {
	w.buf = append(w.buf, leb128.EncodeUint64(v)...)
}

func (w *Writer) writeSLEB(v int64) {
	w.buf = append(w.buf, leb128.EncodeInt64(v)...)
}

// padAndBackfill aligns the record starting at off to 8 bytes with
// DW_CFA_nop and writes the final record length into its length field.
func (w *Writer) padAndBackfill(off int) {
	for (len(w.buf)-off)%8 != 0 {
		w.writeByte(dwCFANop)
	}
	// The length field does not count itself.
	binary.LittleEndian.PutUint32(w.buf[off:], uint32(len(w.buf)-off-4))
}
