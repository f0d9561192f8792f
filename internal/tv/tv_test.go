package tv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecRef(t *testing.T) {
	var destroyed []*HeapObject
	dtors := DestructorTable{
		KindString: func(h *HeapObject) { destroyed = append(destroyed, h) },
		KindObject: func(h *HeapObject) { destroyed = append(destroyed, h) },
	}

	t.Run("uncounted type skipped without inspection", func(t *testing.T) {
		// Data is nil: the helper must not even look at the payload.
		DecRef(Value{Data: nil, Type: KindInt}, dtors)
	})

	t.Run("static sentinel untouched", func(t *testing.T) {
		obj := &HeapObject{Kind: KindString, Count: StaticValue}
		DecRef(Value{Data: obj, Type: KindString}, dtors)
		require.Equal(t, StaticValue, obj.Count)
		require.Empty(t, destroyed)
	})

	t.Run("uncounted sentinel untouched", func(t *testing.T) {
		obj := &HeapObject{Kind: KindString, Count: UncountedValue}
		DecRef(Value{Data: obj, Type: KindString}, dtors)
		require.Equal(t, UncountedValue, obj.Count)
		require.Empty(t, destroyed)
	})

	t.Run("count above one decrements", func(t *testing.T) {
		obj := &HeapObject{Kind: KindObject, Count: 3}
		DecRef(Value{Data: obj, Type: KindObject}, dtors)
		require.Equal(t, int32(2), obj.Count)
		require.Empty(t, destroyed)
	})

	t.Run("count of one releases exactly once", func(t *testing.T) {
		obj := &HeapObject{Kind: KindString, Count: 1}
		DecRef(Value{Data: obj, Type: KindString}, dtors)
		require.Equal(t, []*HeapObject{obj}, destroyed)
	})
}

func TestFreeLocals(t *testing.T) {
	var order []*HeapObject
	dtors := DestructorTable{
		KindString: func(h *HeapObject) { order = append(order, h) },
		KindArray:  func(h *HeapObject) { order = append(order, h) },
	}

	static := &HeapObject{Kind: KindString, Count: StaticValue}
	shared := &HeapObject{Kind: KindArray, Count: 2}
	dying1 := &HeapObject{Kind: KindString, Count: 1}
	dying2 := &HeapObject{Kind: KindArray, Count: 1}

	locals := []Value{
		{Data: dying1, Type: KindString},
		{Data: static, Type: KindString},
		{Data: nil, Type: KindInt},
		{Data: shared, Type: KindArray},
		{Data: dying2, Type: KindArray},
	}
	FreeLocals(locals, dtors)

	// Statics unchanged, counted values decremented exactly once, and the
	// values that sat at the release boundary destroyed in slot order.
	require.Equal(t, StaticValue, static.Count)
	require.Equal(t, int32(1), shared.Count)
	require.Equal(t, []*HeapObject{dying1, dying2}, order)
}

func TestLocalOffset(t *testing.T) {
	require.Equal(t, -16, LocalOffset(0))
	require.Equal(t, -112, LocalOffset(6))
}

func TestLayoutConstants(t *testing.T) {
	// These are encoded into machine code by the stub builders; changing
	// them breaks every compiled frame.
	require.Equal(t, 16, Size)
	require.Equal(t, 8, OffType)
	require.Equal(t, 12, RefCountOffset)
	require.True(t, RefCountThreshold < KindString)
	require.Negative(t, StaticValue)
	require.Negative(t, UncountedValue)
}
