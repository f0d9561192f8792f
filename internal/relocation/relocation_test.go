package relocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoAdjusted(t *testing.T) {
	r, err := New(0x1000, 0x1100, 0x8000)
	require.NoError(t, err)

	require.Equal(t, uintptr(0x100), r.Size())
	require.Equal(t, uintptr(0x8100), r.DstEnd())

	// Inside the moved range: shifted by the move delta.
	require.Equal(t, uintptr(0x8000), r.Adjusted(0x1000))
	require.Equal(t, uintptr(0x80ff), r.Adjusted(0x10ff))

	// Outside: unchanged.
	require.Equal(t, uintptr(0x0fff), r.Adjusted(0x0fff))
	require.Equal(t, uintptr(0x1100), r.Adjusted(0x1100))
}

func TestNewRejectsInvertedRange(t *testing.T) {
	_, err := New(0x2000, 0x1000, 0x8000)
	require.Error(t, err)
}
