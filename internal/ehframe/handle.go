package ehframe

import "sync/atomic"

// Handle is a reference-counted view of a finalized eh_frame buffer. The
// FDE's registration is released exactly once, when the count reaches zero.
// No finalizers: both sides of the lifetime are explicit.
type Handle struct {
	buf  []byte
	refs atomic.Int32
	drop func()
}

// Bytes returns the finalized eh_frame byte stream.
func (h *Handle) Bytes() []byte { return h.buf }

// Retain adds a reference and returns h for convenience.
func (h *Handle) Retain() *Handle {
	if h.refs.Add(1) <= 1 {
		panic(&ContractError{Op: "retain of released handle", State: "done"})
	}
	return h
}

// Release drops one reference. Dropping the last reference deregisters the
// FDE and frees the buffer.
func (h *Handle) Release() {
	switch n := h.refs.Add(-1); {
	case n == 0:
		if h.drop != nil {
			h.drop()
			h.drop = nil
		}
		h.buf = nil
	case n < 0:
		panic(&ContractError{Op: "release of released handle", State: "done"})
	}
}

// RegisterAndRelease finalizes the writer's buffer, registers the FDE (if
// one was written) with reg, and returns a handle holding one reference.
// A nil registry uses the process-wide default.
func (w *Writer) RegisterAndRelease(reg Registry) (*Handle, error) {
	w.contract("register_and_release", stateDone, stateCIEDone, stateEmpty)
	if reg == nil {
		reg = GlobalRegistry
	}

	h := &Handle{buf: w.buf}
	h.refs.Store(1)
	w.buf = nil
	w.state = stateReleased

	if w.fde != invalid {
		rec := Record{FDE: h.buf[w.fde:], Start: w.fdeStart, End: w.fdeEnd}
		if err := reg.Register(rec); err != nil {
			return nil, err
		}
		h.drop = func() { reg.Deregister(rec) }
	}
	return h, nil
}
