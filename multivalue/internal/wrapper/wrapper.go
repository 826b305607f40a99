// Package wrapper synthesizes single-result functions that call a
// multi-value function and spill every result but the first to the
// shadow stack.
package wrapper

import (
	"fmt"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/codegen"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/layout"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/shadowstack"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// Plan describes one wrapper to synthesize.
type Plan struct {
	Name          string // used in error messages only
	Results       []wasm.ValType
	Layout        layout.Layout // placement of Results[1:]
	Pointer       shadowstack.Pointer
	Target        uint32
	FrameSize     uint32 // bytes reserved, at least Layout.Size
	CheckOverflow bool
}

// Function is a synthesized function ready to be appended to a module.
type Function struct {
	Type wasm.FuncType
	Body wasm.FuncBody
}

// Synthesize builds the wrapper for s. It reads m but does not modify it.
//
// The body reserves a frame, forwards the parameters to the target and
// then stores results N-1 down to 1. The operand stack holds the results
// in declaration order with the last one on top, so they must be
// consumed in reverse. Each value is parked in a temp local first because
// a store takes its address operand below the value. Result 0 remains on
// the stack through the release and becomes the return value.
func Synthesize(m *wasm.Module, s Plan) (Function, error) {
	ft := m.GetFuncType(s.Target)
	if ft == nil {
		return Function{}, errors.New(errors.PhaseSynthesize, errors.KindUnknownFunction).
			Function(s.Name).
			Detail("function index %d has no type", s.Target).
			Build()
	}
	if !ft.Equal(wasm.FuncType{Params: ft.Params, Results: s.Results}) {
		return Function{}, errors.New(errors.PhaseSynthesize, errors.KindResultMismatch).
			Function(s.Name).
			Type(formatTypes(ft.Results)).
			Detail("requested results %s", formatTypes(s.Results)).
			Build()
	}
	if len(s.Results) < 2 {
		return Function{}, errors.NotMultiValue(s.Name, len(s.Results))
	}
	if len(s.Layout.Slots) != len(s.Results)-1 {
		return Function{}, errors.New(errors.PhaseSynthesize, errors.KindInvalidInput).
			Function(s.Name).
			Detail("layout has %d slots for %d spilled results", len(s.Layout.Slots), len(s.Results)-1).
			Build()
	}
	if s.FrameSize < s.Layout.Size {
		return Function{}, errors.New(errors.PhaseSynthesize, errors.KindInvalidInput).
			Function(s.Name).
			Detail("frame of %d bytes cannot hold a %d byte layout", s.FrameSize, s.Layout.Size).
			Build()
	}

	numParams := uint32(len(ft.Params))
	locals := newLocalAllocator(numParams)
	base := locals.add(wasm.ValI32)
	temps := make(map[wasm.ValType]uint32)
	for _, slot := range s.Layout.Slots {
		if _, ok := temps[slot.Type]; !ok {
			temps[slot.Type] = locals.add(slot.Type)
		}
	}

	em := codegen.GetEmitter()
	defer codegen.PutEmitter(em)

	if s.CheckOverflow {
		shadowstack.Guard(em, s.Pointer, s.FrameSize)
	}
	shadowstack.Reserve(em, s.Pointer, s.FrameSize, base)

	for i := uint32(0); i < numParams; i++ {
		em.LocalGet(i)
	}
	em.Call(s.Target)

	for i := len(s.Results) - 1; i >= 1; i-- {
		slot := s.Layout.Slots[i-1]
		tmp := temps[slot.Type]
		em.LocalSet(tmp).LocalGet(base).LocalGet(tmp)
		if !em.Store(slot.Type, slot.Offset) {
			return Function{}, errors.UnknownValueType(s.Name, slot.Type.String())
		}
	}

	shadowstack.Release(em, s.Pointer, s.FrameSize)
	em.End()

	return Function{
		Type: wasm.FuncType{
			Params:  append([]wasm.ValType(nil), ft.Params...),
			Results: []wasm.ValType{s.Results[0]},
		},
		Body: wasm.FuncBody{
			Locals: locals.entries(),
			Code:   em.Copy(),
		},
	}, nil
}

// localAllocator hands out local indices after the parameters.
type localAllocator struct {
	types []wasm.ValType
	next  uint32
}

func newLocalAllocator(numParams uint32) *localAllocator {
	return &localAllocator{next: numParams}
}

func (a *localAllocator) add(t wasm.ValType) uint32 {
	idx := a.next
	a.next++
	a.types = append(a.types, t)
	return idx
}

// entries run-length encodes the declared locals.
func (a *localAllocator) entries() []wasm.LocalEntry {
	var out []wasm.LocalEntry
	for _, t := range a.types {
		if n := len(out); n > 0 && out[n-1].ValType == t {
			out[n-1].Count++
			continue
		}
		out = append(out, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return out
}

func formatTypes(types []wasm.ValType) string {
	return fmt.Sprint(types)
}
