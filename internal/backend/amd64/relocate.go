package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/relocation"
)

// Relocate copies [start, end) to b's frontier and fixes the encodings that
// embed addresses: rel32 displacements of recorded smashable transfers and
// eight-byte address immediates. Targets inside the moved range follow the
// move; targets outside keep their absolute destination, which for rel32
// means a recomputed displacement.
//
// Meta is updated in place so it keeps describing the moved code.
func (t *Backend) Relocate(b *code.Block, start, end uintptr, meta *backend.Meta) (*relocation.Info, error) {
	if end < start {
		return nil, fmt.Errorf("amd64: relocate: inverted range [%#x, %#x)", start, end)
	}
	src := code.Slice(start, int(end-start))
	dst := b.Emit(src)
	info, err := relocation.New(start, end, dst)
	if err != nil {
		return nil, err
	}

	fixBranch := func(addrs []uintptr, instrLen, dispOff int) {
		for i, a := range addrs {
			if !info.Contains(a) {
				continue
			}
			target := readTarget(a, instrLen, dispOff)
			moved := info.Adjusted(a)
			smashDisp(moved, instrLen, dispOff, info.Adjusted(target))
			addrs[i] = moved
		}
	}
	fixBranch(meta.SmashableJmps, smashJmpLen, jmpDispOff)
	fixBranch(meta.SmashableCalls, smashCallLen, callDispOff)
	fixBranch(meta.SmashableJccs, smashJccLen, jccDispOff)

	for i, a := range meta.AddressImmediates {
		if !info.Contains(a) {
			continue
		}
		moved := info.Adjusted(a)
		imm := uintptr(binary.LittleEndian.Uint64(code.Slice(moved, 8)))
		binary.LittleEndian.PutUint64(code.Slice(moved, 8), uint64(info.Adjusted(imm)))
		meta.AddressImmediates[i] = moved
	}

	if len(meta.Comments) > 0 {
		moved := make(map[uintptr]string, len(meta.Comments))
		for a, text := range meta.Comments {
			moved[info.Adjusted(a)] = text
		}
		meta.Comments = moved
	}
	return info, nil
}
