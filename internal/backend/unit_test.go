package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnitValidate(t *testing.T) {
	tests := []struct {
		name   string
		instrs []Instr
		errs   string
	}{
		{
			name: "ok",
			instrs: []Instr{
				{Op: OpLabel, Label: "top"},
				{Op: OpMovImm, Imm: 1},
				{Op: OpJcc, CC: CCNE, Label: "top"},
				{Op: OpSmashableJmp, Target: 0x1000},
				{Op: OpLabel, Label: "next"},
				{Op: OpJmp, Label: "next"},
				{Op: OpRet},
			},
		},
		{
			name: "duplicate label",
			instrs: []Instr{
				{Op: OpLabel, Label: "l"},
				{Op: OpLabel, Label: "l"},
			},
			errs: "bound twice",
		},
		{
			name: "unbound label",
			instrs: []Instr{
				{Op: OpJmp, Label: "nowhere"},
			},
			errs: "unbound label",
		},
		{
			name: "backward branch across smashable",
			instrs: []Instr{
				{Op: OpLabel, Label: "l"},
				{Op: OpSmashableCall, Target: 0x1000},
				{Op: OpJmp, Label: "l"},
			},
			errs: "crosses a smashable",
		},
		{
			name: "forward branch across smashable",
			instrs: []Instr{
				{Op: OpJmp, Label: "l"},
				{Op: OpSmashableJmp, Target: 0x1000},
				{Op: OpLabel, Label: "l"},
			},
			errs: "crosses a smashable",
		},
		{
			name: "branch across absolute call",
			instrs: []Instr{
				{Op: OpLabel, Label: "l"},
				{Op: OpCallAbs, Target: 0x1000},
				{Op: OpJmp, Label: "l"},
			},
			errs: "crosses a smashable",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := &Unit{Name: tc.name, Instrs: tc.instrs}
			err := u.Validate()
			if tc.errs == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errs)
		})
	}
}

func TestMetaComment(t *testing.T) {
	var m Meta
	m.Comment(0x10, "entry")
	m.Comment(0x20, "guard")
	require.Equal(t, "entry", m.Comments[0x10])
	require.Equal(t, "guard", m.Comments[0x20])
}

func TestUnsupportedError(t *testing.T) {
	err := &UnsupportedError{Arch: ArchPPC64, Op: "Materialize"}
	require.Contains(t, err.Error(), "ppc64")
	require.Contains(t, err.Error(), "Materialize")
	require.PanicsWithError(t, err.Error(), func() {
		Unimplemented(nil, ArchPPC64, "Materialize")
	})
}
