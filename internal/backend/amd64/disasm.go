package amd64

import (
	"io"

	"github.com/vmfoundry/tcback/internal/backend"
)

// DisasmRange writes an annotated listing of [begin, end) to w.
func (t *Backend) DisasmRange(w io.Writer, indent int, begin, end uintptr, meta *backend.Meta) {
	backend.HexListing(w, indent, begin, end, meta)
}
