package backend

import (
	"fmt"
	"io"
	"strings"

	"github.com/vmfoundry/tcback/internal/code"
)

// HexListing writes an annotated hex listing of [begin, end) to w. It is the
// shared fallback body of DisasmRange: addresses, raw bytes, and any
// metadata annotations that apply to the line.
func HexListing(w io.Writer, indent int, begin, end uintptr, meta *Meta) {
	const width = 16
	pad := strings.Repeat(" ", indent)
	for line := begin; line < end; line += width {
		n := int(end - line)
		if n > width {
			n = width
		}
		raw := code.Slice(line, n)
		fmt.Fprintf(w, "%s%#x:", pad, line)
		for _, v := range raw {
			fmt.Fprintf(w, " %02x", v)
		}
		if meta != nil {
			for _, note := range annotations(line, n, meta) {
				fmt.Fprintf(w, "  ; %s", note)
			}
		}
		fmt.Fprintln(w)
	}
}

func annotations(line uintptr, n int, meta *Meta) []string {
	var notes []string
	within := func(a uintptr) bool { return a >= line && a < line+uintptr(n) }
	for a, text := range meta.Comments {
		if within(a) {
			notes = append(notes, text)
		}
	}
	add := func(addrs []uintptr, kind string) {
		for _, a := range addrs {
			if within(a) {
				notes = append(notes, fmt.Sprintf("smashable %s @ %#x", kind, a))
			}
		}
	}
	add(meta.SmashableJmps, "jmp")
	add(meta.SmashableCalls, "call")
	add(meta.SmashableJccs, "jcc")
	for _, a := range meta.AddressImmediates {
		if within(a) {
			notes = append(notes, fmt.Sprintf("address immediate @ %#x", a))
		}
	}
	return notes
}
