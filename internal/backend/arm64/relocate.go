package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/vmfoundry/tcback/internal/backend"
	"github.com/vmfoundry/tcback/internal/code"
	"github.com/vmfoundry/tcback/internal/relocation"
)

// Relocate copies [start, end) to b's frontier and fixes embedded address
// literals. Every position-dependent encoding on this architecture is an
// absolute eight-byte literal (smashable targets and recorded address
// immediates); the pc-relative loads and branches inside each sequence use
// fixed small displacements and move cleanly.
//
// Meta is updated in place so it keeps describing the moved code.
func (t *Backend) Relocate(b *code.Block, start, end uintptr, meta *backend.Meta) (*relocation.Info, error) {
	if end < start {
		return nil, fmt.Errorf("arm64: relocate: inverted range [%#x, %#x)", start, end)
	}
	if start%8 != b.Frontier()%8 {
		// Literal alignment is baked into the copied byte offsets.
		b.AlignFrontier(8, 0)
		if start%8 != b.Frontier()%8 {
			b.Emit([]byte{0, 0, 0, 0})
		}
	}
	src := code.Slice(start, int(end-start))
	dst := b.Emit(src)
	info, err := relocation.New(start, end, dst)
	if err != nil {
		return nil, err
	}

	fixLiteral := func(addrs []uintptr, litDelta uintptr) {
		for i, a := range addrs {
			if !info.Contains(a) {
				continue
			}
			moved := info.Adjusted(a)
			lit := moved - litDelta
			target := uintptr(binary.LittleEndian.Uint64(code.Slice(lit, 8)))
			binary.LittleEndian.PutUint64(code.Slice(lit, 8), uint64(info.Adjusted(target)))
			addrs[i] = moved
		}
	}
	fixLiteral(meta.SmashableJmps, litOff)
	fixLiteral(meta.SmashableCalls, litOff)
	fixLiteral(meta.SmashableJccs, litOff)
	fixLiteral(meta.AddressImmediates, 0)

	if len(meta.Comments) > 0 {
		moved := make(map[uintptr]string, len(meta.Comments))
		for a, text := range meta.Comments {
			moved[info.Adjusted(a)] = text
		}
		meta.Comments = moved
	}
	return info, nil
}
