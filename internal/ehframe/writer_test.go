package ehframe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmfoundry/tcback/internal/leb128"
)

// decodedCIE and decodedFDE are produced by parseEHFrame, a minimal
// DWARF-conformant reader for the subset of .eh_frame this writer emits.
type decodedCIE struct {
	length    uint32
	id        uint32
	version   uint8
	augment   string
	codeAlign uint64
	dataAlign int64
	raReg     uint8
	instrs    []byte
}

type decodedFDE struct {
	length     uint32
	ciePointer uint32
	initialLoc uint64
	addrRange  uint64
	instrs     []byte
}

func parseCIE(t *testing.T, buf []byte) (decodedCIE, []byte) {
	t.Helper()
	var c decodedCIE
	c.length = binary.LittleEndian.Uint32(buf)
	rec := buf[4 : 4+c.length]
	c.id = binary.LittleEndian.Uint32(rec)
	c.version = rec[4]
	zero := bytes.IndexByte(rec[5:], 0)
	require.NotEqual(t, -1, zero)
	c.augment = string(rec[5 : 5+zero])
	p := rec[5+zero+1:]
	var n int
	var err error
	c.codeAlign, n, err = leb128.LoadUint64(p)
	require.NoError(t, err)
	p = p[n:]
	c.dataAlign, n, err = leb128.LoadInt64(p)
	require.NoError(t, err)
	p = p[n:]
	c.raReg = p[0]
	p = p[1:]
	augLen, n, err := leb128.LoadUint64(p)
	require.NoError(t, err)
	p = p[n:]
	c.instrs = p[augLen:]
	return c, buf[4+c.length:]
}

func parseFDE(t *testing.T, buf []byte) decodedFDE {
	t.Helper()
	var f decodedFDE
	f.length = binary.LittleEndian.Uint32(buf)
	require.NotZero(t, f.length)
	rec := buf[4 : 4+f.length]
	f.ciePointer = binary.LittleEndian.Uint32(rec)
	f.initialLoc = binary.LittleEndian.Uint64(rec[4:])
	f.addrRange = binary.LittleEndian.Uint64(rec[12:])
	augLen, n, err := leb128.LoadUint64(rec[20:])
	require.NoError(t, err)
	f.instrs = rec[20+n+int(augLen):]
	return f
}

func TestWriterCIEAndFDE(t *testing.T) {
	const codeStart = uintptr(0x7f0000401000)
	const codeSize = uintptr(64)

	w := NewWriter()
	w.BeginCIE(RegX64RIP, 0)
	w.DefCFA(RegX64RSP, 8)
	w.EndCIE()
	w.BeginFDE(codeStart)
	w.DefCFARegister(RegX64RBP)
	w.EndFDE(codeSize)

	reg := NewRegistry()
	h, err := w.RegisterAndRelease(reg)
	require.NoError(t, err)
	buf := h.Bytes()

	cie, rest := parseCIE(t, buf)
	require.Equal(t, uint32(cieID), cie.id)
	require.Equal(t, uint8(1), cie.version)
	require.Equal(t, "zR", cie.augment)
	require.Equal(t, uint64(1), cie.codeAlign)
	require.Equal(t, int64(-8), cie.dataAlign)
	require.Equal(t, uint8(RegX64RIP), cie.raReg)
	// DW_CFA_def_cfa rsp, 8 followed by nop padding.
	require.Equal(t, []byte{dwCFADefCFA, RegX64RSP, 8}, bytes.TrimRight(cie.instrs, "\x00"))
	// The declared lengths match the written byte counts.
	require.Equal(t, int(cie.length), len(buf)-len(rest)-4)

	fde := parseFDE(t, rest)
	require.Equal(t, uint64(codeStart), fde.initialLoc)
	require.Equal(t, uint64(codeSize), fde.addrRange)
	// The CIE pointer points back to offset 0, where the CIE lives.
	require.Equal(t, len(buf)-len(rest)+4, int(fde.ciePointer))
	require.Equal(t, int(fde.length), len(rest)-4)
	require.Equal(t, []byte{dwCFADefCFARegister, RegX64RBP}, bytes.TrimRight(fde.instrs, "\x00"))

	h.Release()
}

func TestWriterPersonalityAugmentation(t *testing.T) {
	const personality = uintptr(0xdeadbeef)

	w := NewWriter()
	w.BeginCIE(RegX64RIP, personality)
	w.EndCIE()
	w.NullFDE()
	h, err := w.RegisterAndRelease(NewRegistry())
	require.NoError(t, err)
	defer h.Release()

	cie, rest := parseCIE(t, h.Bytes())
	require.Equal(t, "zPR", cie.augment)
	// A null FDE is a bare zero length word.
	require.Equal(t, []byte{0, 0, 0, 0}, rest)
}

func TestWriterExpression(t *testing.T) {
	w := NewWriter()
	w.BeginCIE(RegX64RIP, 0)
	// VMFP lives at *(rbp - 16) + 8, as a DWARF expression.
	w.BeginExpression(RegX64VMFP)
	w.OpBregx(RegX64RBP, -16)
	w.OpDeref()
	w.OpConsts(8)
	w.OpPlus()
	w.EndExpression()
	w.EndCIE()
	w.NullFDE()

	h, err := w.RegisterAndRelease(NewRegistry())
	require.NoError(t, err)
	defer h.Release()

	cie, _ := parseCIE(t, h.Bytes())
	instrs := bytes.TrimRight(cie.instrs, "\x00")
	require.Equal(t, []byte{
		dwCFAExpression, RegX64VMFP, 7,
		dwOPBregx, RegX64RBP, 0x70, // sleb(-16)
		dwOPDeref,
		dwOPConsts, 8,
		dwOPPlus,
	}, instrs)
}

func TestWriterStateMachineViolations(t *testing.T) {
	t.Run("double begin_cie", func(t *testing.T) {
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		require.PanicsWithError(t, "ehframe: begin_cie is illegal in state in-cie",
			func() { w.BeginCIE(RegX64RIP, 0) })
	})

	t.Run("end_fde before begin_fde", func(t *testing.T) {
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		w.EndCIE()
		require.PanicsWithError(t, "ehframe: end_fde is illegal in state cie-done",
			func() { w.EndFDE(64) })
	})

	t.Run("fde without cie", func(t *testing.T) {
		w := NewWriter()
		require.PanicsWithError(t, "ehframe: begin_fde is illegal in state empty",
			func() { w.BeginFDE(0x1000) })
	})

	t.Run("second fde", func(t *testing.T) {
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		w.EndCIE()
		w.BeginFDE(0x1000)
		w.EndFDE(64)
		require.PanicsWithError(t, "ehframe: begin_fde is illegal in state done",
			func() { w.BeginFDE(0x2000) })
	})

	t.Run("cfa op inside expression", func(t *testing.T) {
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		w.BeginExpression(RegX64VMFP)
		require.Panics(t, func() { w.DefCFAOffset(16) })
	})

	t.Run("expression op outside expression", func(t *testing.T) {
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		require.Panics(t, func() { w.OpDeref() })
	})

	t.Run("second register_and_release", func(t *testing.T) {
		reg := NewRegistry()
		w := NewWriter()
		w.BeginCIE(RegX64RIP, 0)
		w.EndCIE()
		w.BeginFDE(0x1000)
		w.EndFDE(64)
		h, err := w.RegisterAndRelease(reg)
		require.NoError(t, err)
		defer h.Release()
		require.PanicsWithError(t,
			"ehframe: register_and_release is illegal in state released",
			func() { _, _ = w.RegisterAndRelease(reg) })
	})
}

func TestHandleLifetime(t *testing.T) {
	const start, size = uintptr(0x42000), uintptr(128)

	reg := NewRegistry()
	w := NewWriter()
	w.BeginCIE(RegX64RIP, 0)
	w.EndCIE()
	w.BeginFDE(start)
	w.EndFDE(size)

	h, err := w.RegisterAndRelease(reg)
	require.NoError(t, err)

	_, ok := reg.LookupPC(start + size/2)
	require.True(t, ok)

	h.Retain()
	h.Release()
	// One reference still alive: the FDE stays registered.
	_, ok = reg.LookupPC(start)
	require.True(t, ok)

	h.Release()
	_, ok = reg.LookupPC(start)
	require.False(t, ok)

	require.Panics(t, func() { h.Release() })
}

func TestRegistryRejectsOverlap(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Record{Start: 0x1000, End: 0x2000}))
	require.Error(t, reg.Register(Record{Start: 0x1800, End: 0x2800}))
	require.Error(t, reg.Register(Record{Start: 0x3000, End: 0x3000}))
}
