// Package relocation describes address ranges that moved between code
// blocks. An Info is produced and consumed within a single relocation pass;
// it is never persisted.
package relocation

import "fmt"

// Info maps one moved range of code from its source addresses to its
// destination.
type Info struct {
	SrcStart, SrcEnd uintptr
	DstStart         uintptr
}

func New(srcStart, srcEnd, dstStart uintptr) (*Info, error) {
	if srcEnd < srcStart {
		return nil, fmt.Errorf("relocation: inverted range [%#x, %#x)", srcStart, srcEnd)
	}
	return &Info{SrcStart: srcStart, SrcEnd: srcEnd, DstStart: dstStart}, nil
}

// Size returns the byte length of the moved range.
func (r *Info) Size() uintptr { return r.SrcEnd - r.SrcStart }

// DstEnd returns the end of the destination range.
func (r *Info) DstEnd() uintptr { return r.DstStart + r.Size() }

// Contains reports whether addr lies inside the moved source range.
func (r *Info) Contains(addr uintptr) bool {
	return addr >= r.SrcStart && addr < r.SrcEnd
}

// Adjusted maps a source address to its destination. Addresses outside the
// moved range are returned unchanged: code elsewhere keeps its targets
// unless they pointed into the move.
func (r *Info) Adjusted(addr uintptr) uintptr {
	if !r.Contains(addr) {
		return addr
	}
	return r.DstStart + (addr - r.SrcStart)
}
