package ppc64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
)

func TestCapabilitiesAbsent(t *testing.T) {
	be := New(backend.Options{})

	require.Equal(t, backend.ArchPPC64, be.Arch())
	require.Equal(t, 128, be.CacheLineSize())
	for _, f := range []backend.Feature{backend.FeatureFullJIT, backend.FeatureSmashable, backend.FeatureDisasm} {
		require.False(t, be.Supports(f))
	}

	// Probing for patchability is answered, not aborted.
	require.False(t, be.IsSmashable(0x1000, 5, 1))

	b := code.NewBlock(64)
	expected := &backend.UnsupportedError{Arch: backend.ArchPPC64, Op: "EmitUniqueStubs"}
	require.PanicsWithError(t, expected.Error(), func() {
		_, _ = be.EmitUniqueStubs(b)
	})
	require.PanicsWithError(t,
		(&backend.UnsupportedError{Arch: backend.ArchPPC64, Op: "SmashJmp"}).Error(),
		func() { be.SmashJmp(0, 0) })
}
