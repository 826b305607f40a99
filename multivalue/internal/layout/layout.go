// Package layout computes where the spilled results of a multi-value
// call live in memory.
//
// Values are packed left to right. Each value starts at the next offset
// aligned to its natural alignment, and the total size is rounded up to
// the largest alignment seen so consecutive frames stay aligned.
package layout

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-multivalue/wasm"
)

// Slot is the placement of one spilled value.
type Slot struct {
	Type   wasm.ValType
	Offset uint32
	Size   uint32
	Align  uint32
}

// Layout is the packed placement of a sequence of values.
type Layout struct {
	Slots []Slot
	Size  uint32 // multiple of Align
	Align uint32 // largest slot alignment
}

// SizeAlign returns the byte size and natural alignment of a numeric
// value type. ok is false for any other type.
func SizeAlign(t wasm.ValType) (size, align uint32, ok bool) {
	switch t {
	case wasm.ValI32, wasm.ValF32:
		return 4, 4, true
	case wasm.ValI64, wasm.ValF64:
		return 8, 8, true
	}
	return 0, 0, false
}

// AlignUp rounds n up to a multiple of align. align must be a power of
// two; zero and one leave n unchanged.
func AlignUp(n, align uint32) uint32 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Compute lays out types in order. Types must be numeric; callers
// validate requests before computing layouts, so a non-numeric type
// panics.
func Compute(types []wasm.ValType) Layout {
	l := Layout{
		Slots: make([]Slot, 0, len(types)),
		Align: 1,
	}

	var offset uint32
	for _, t := range types {
		size, align, ok := SizeAlign(t)
		if !ok {
			panic(fmt.Sprintf("layout: unsupported value type %s", t))
		}
		offset = AlignUp(offset, align)
		l.Slots = append(l.Slots, Slot{Type: t, Offset: offset, Size: size, Align: align})
		offset += size
		if align > l.Align {
			l.Align = align
		}
	}

	l.Size = AlignUp(offset, l.Align)
	return l
}

// Padding returns the number of bytes inserted for alignment, including
// the tail padding.
func (l Layout) Padding() uint32 {
	var used uint32
	for _, s := range l.Slots {
		used += s.Size
	}
	return l.Size - used
}

// String renders the layout as "i32@0 f64@8 (16 bytes, align 8)".
func (l Layout) String() string {
	var b strings.Builder
	for i, s := range l.Slots {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s@%d", s.Type, s.Offset)
	}
	fmt.Fprintf(&b, " (%d bytes, align %d)", l.Size, l.Align)
	return b.String()
}
