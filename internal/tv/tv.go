// Package tv models the VM's typed-value layout and reference-count rules.
//
// The constants here are a wire contract: the unique-stub builders encode
// byte offsets and thresholds from this package directly into machine code,
// and the Go functions are the reference semantics those stubs implement.
package tv

// A typed value is 16 bytes: 8 bytes of payload followed by a one-byte type
// tag (the rest is padding). Heap objects carry their refcount at a fixed
// offset from the payload pointer.
const (
	Size           = 16
	OffData        = 0
	OffType        = 8
	RefCountOffset = 12
)

// DataType tags the payload of a typed value. Types at or below
// RefCountThreshold are never refcounted and must be skipped without
// inspecting the payload.
type DataType int8

const (
	KindUninit DataType = iota
	KindNull
	KindBool
	KindInt
	KindDouble
	KindString
	KindArray
	KindObject
	KindResource
)

// RefCountThreshold is the greatest non-refcounted type. The helpers compare
// with "type > threshold", not "type != 0", so new uncounted kinds slot in
// below the boundary without touching generated code.
const RefCountThreshold = KindDouble

// Reserved refcount sentinels. Static and uncounted heap objects carry a
// negative count so the signed "count >= 1" check skips them; this is why
// the stubs test against 1 rather than 0.
const (
	UncountedValue int32 = -128
	StaticValue    int32 = -127
)

// HeapObject is the header of a counted payload.
type HeapObject struct {
	Kind  DataType
	Count int32
}

// Counted reports whether the object participates in reference counting.
func (h *HeapObject) Counted() bool { return h.Count >= 1 }

// Value is one typed value slot, e.g. a local variable in a VM frame.
type Value struct {
	Data *HeapObject
	Type DataType
}

// Destructor releases a heap object whose refcount reached zero.
type Destructor func(*HeapObject)

// DestructorTable maps a refcounted type tag to its release routine. The
// stubs index it by sign-extended type byte; Go callers use Lookup.
type DestructorTable map[DataType]Destructor

// Lookup returns the destructor for t, or nil for uncounted types.
func (d DestructorTable) Lookup(t DataType) Destructor { return d[t] }

// DecRef decrements the refcount of the object behind v, releasing it
// through the destructor table when the count hits the release boundary.
// Static and uncounted sentinels are left untouched.
//
// This is the decrement-or-release primitive all free-locals helpers funnel
// into.
func DecRef(v Value, dtors DestructorTable) {
	if v.Type <= RefCountThreshold {
		return
	}
	obj := v.Data
	if !obj.Counted() {
		return
	}
	if obj.Count > 1 {
		obj.Count--
		return
	}
	if dtor := dtors.Lookup(v.Type); dtor != nil {
		dtor(obj)
	}
}

// FreeLocals releases a frame's locals in increasing address order. It is
// the reference semantics of the freeLocalsHelpers/freeManyLocalsHelper
// stub family.
func FreeLocals(locals []Value, dtors DestructorTable) {
	for _, v := range locals {
		DecRef(v, dtors)
	}
}

// LocalOffset returns the frame-pointer-relative byte offset of local i.
// Locals grow down from the frame pointer, so local 0 lives at -Size.
func LocalOffset(i int) int { return -(i + 1) * Size }
