// Package code provides the executable memory region every other component
// of the backend writes into: an append-only block with a monotonically
// advancing frontier.
//
// Blocks are either slice-backed (tests, scratch emission) or backed by an
// anonymous memory mapping which can be flipped read+execute once emission
// is done. Appending new code is single-threaded by contract; other threads
// may concurrently execute already-committed regions because the frontier
// only grows and nothing jumps to unpublished addresses.
package code

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Block is a fixed-capacity code region with a write cursor ("frontier").
//
// The frontier never decreases. In-place mutation of committed bytes is only
// legal through the smash protocol, which overwrites a bounded window of a
// previously emitted instruction.
type Block struct {
	buf      []byte
	frontier int
	mapped   bool
}

// NewBlock returns a slice-backed block of the given capacity.
func NewBlock(capacity int) *Block {
	return &Block{buf: make([]byte, capacity)}
}

// Map allocates an anonymous read+write mapping of the given size and wraps
// it in a block. Call MakeExecutable once emission is complete, and Close to
// release the mapping.
func Map(size int) (*Block, error) {
	b, err := mmapCodeRegion(size)
	if err != nil {
		return nil, fmt.Errorf("code: mmap of %d bytes failed: %w", size, err)
	}
	return &Block{buf: b, mapped: true}, nil
}

// Close releases the backing mapping, if any. The block is unusable after.
func (b *Block) Close() error {
	if !b.mapped {
		b.buf = nil
		return nil
	}
	err := munmapCodeRegion(b.buf)
	b.buf = nil
	return err
}

// MakeExecutable flips a mapped block to read+execute protection.
func (b *Block) MakeExecutable() error {
	if !b.mapped {
		return fmt.Errorf("code: block is not memory mapped")
	}
	return mprotectExec(b.buf)
}

// Base returns the address of the first byte of the block.
func (b *Block) Base() uintptr {
	if len(b.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.buf[0]))
}

// Frontier returns the address the next emitted byte will occupy.
func (b *Block) Frontier() uintptr { return b.Base() + uintptr(b.frontier) }

// FrontierOffset returns the frontier as an offset from the block base.
func (b *Block) FrontierOffset() int { return b.frontier }

// Capacity returns the total size of the block.
func (b *Block) Capacity() int { return len(b.buf) }

// Available returns the number of bytes left before the block is full.
func (b *Block) Available() int { return len(b.buf) - b.frontier }

// Contains reports whether addr falls inside the committed region.
func (b *Block) Contains(addr uintptr) bool {
	return addr >= b.Base() && addr < b.Frontier()
}

// Bytes returns the committed region. The slice aliases the block.
func (b *Block) Bytes() []byte { return b.buf[:b.frontier] }

// OverflowError reports an append that would exceed the block's capacity.
// Running out of translation cache is an integration defect at this layer,
// not a recoverable condition.
type OverflowError struct {
	Capacity, Frontier, Need int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("code: block overflow: frontier=%d need=%d capacity=%d",
		e.Frontier, e.Need, e.Capacity)
}

func (b *Block) append(n int) []byte {
	if b.frontier+n > len(b.buf) {
		panic(&OverflowError{Capacity: len(b.buf), Frontier: b.frontier, Need: n})
	}
	i := b.frontier
	b.frontier += n
	return b.buf[i : i+n : i+n]
}

// Emit appends p and returns the address of its first byte.
func (b *Block) Emit(p []byte) uintptr {
	addr := b.Frontier()
	copy(b.append(len(p)), p)
	return addr
}

// EmitByte appends a single byte.
func (b *Block) EmitByte(v byte) {
	b.append(1)[0] = v
}

// EmitUint32 appends v in little-endian byte order.
func (b *Block) EmitUint32(v uint32) {
	binary.LittleEndian.PutUint32(b.append(4), v)
}

// EmitUint64 appends v in little-endian byte order.
func (b *Block) EmitUint64(v uint64) {
	binary.LittleEndian.PutUint64(b.append(8), v)
}

// AlignFrontier advances the frontier to the next multiple of align,
// filling the gap with pad. align must be a power of two.
func (b *Block) AlignFrontier(align int, pad byte) {
	rem := int(b.Frontier()) & (align - 1)
	if rem == 0 {
		return
	}
	gap := b.append(align - rem)
	for i := range gap {
		gap[i] = pad
	}
}

// Slice returns an n-byte view of live code memory starting at addr.
//
// The caller must ensure addr points into a block that is still referenced;
// this is how the smash protocol and target read-backs touch committed
// instructions without widening the Block API into general memory writes.
func Slice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
