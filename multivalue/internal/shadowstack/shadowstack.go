// Package shadowstack locates a module's shadow stack and emits the
// instruction sequences that reserve and release frames on it.
//
// The shadow stack grows downward. Its pointer global holds the lowest
// reserved address, so reserving subtracts and releasing adds.
package shadowstack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/codegen"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/layout"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// StackPointerName is the conventional name of the stack pointer global.
const StackPointerName = "__stack_pointer"

// Pointer identifies the stack pointer global and the memory it points
// into.
type Pointer struct {
	Global uint32
	Memory uint32
}

// Locate finds both the stack pointer and the memory.
func Locate(m *wasm.Module) (Pointer, error) {
	mem, err := FindMemory(m)
	if err != nil {
		return Pointer{}, err
	}
	global, err := Find(m)
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{Global: global, Memory: mem}, nil
}

// Find returns the index of the stack pointer global.
//
// A global named __stack_pointer wins, whether the name comes from an
// export, an import or the name section. Otherwise the module must
// define exactly one mutable i32 global initialised to a non-zero
// constant, which is what wasm-ld emits for a stripped binary.
func Find(m *wasm.Module) (uint32, error) {
	if idx, ok := namedStackPointer(m); ok {
		gt, _ := m.GlobalType(idx)
		if gt.ValType != wasm.ValI32 || !gt.Mutable {
			return 0, errors.MissingShadowStack(fmt.Sprintf(
				"global %d named %s is not a mutable i32", idx, StackPointerName))
		}
		return idx, nil
	}

	var candidates []uint32
	numImported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		if g.Type.ValType != wasm.ValI32 || !g.Type.Mutable {
			continue
		}
		if v, ok := constI32(g.Init); ok && v != 0 {
			candidates = append(candidates, numImported+uint32(i))
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return 0, errors.MissingShadowStack(fmt.Sprintf(
			"no global named %s and no mutable i32 global with a non-zero initializer", StackPointerName))
	default:
		return 0, errors.MissingShadowStack(fmt.Sprintf(
			"no global named %s and %d candidate globals %s", StackPointerName, len(candidates), formatIndices(candidates)))
	}
}

func namedStackPointer(m *wasm.Module) (uint32, bool) {
	for _, exp := range m.Exports {
		if exp.Kind == wasm.KindGlobal && exp.Name == StackPointerName {
			return exp.Idx, true
		}
	}

	var idx uint32
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindGlobal {
			continue
		}
		if imp.Name == StackPointerName {
			return idx, true
		}
		idx++
	}

	// A malformed name section only loses the debug names; fall back to
	// the structural rule.
	names, err := m.GlobalNames()
	if err != nil {
		return 0, false
	}
	matches := make([]uint32, 0, 1)
	for i, name := range names {
		if name == StackPointerName && int(i) < m.NumGlobals() {
			matches = append(matches, i)
		}
	}
	if len(matches) != 1 {
		return 0, false
	}
	return matches[0], true
}

// constI32 decodes an init expression of the form "i32.const v; end".
func constI32(init []byte) (int32, bool) {
	instrs, err := wasm.DecodeInstructions(init)
	if err != nil || len(instrs) != 2 {
		return 0, false
	}
	if instrs[0].Opcode != wasm.OpI32Const || instrs[1].Opcode != wasm.OpEnd {
		return 0, false
	}
	return instrs[0].Imm.(wasm.I32Imm).Value, true
}

func formatIndices(idx []uint32) string {
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// FindMemory returns the index of the module's only linear memory.
func FindMemory(m *wasm.Module) (uint32, error) {
	switch n := m.NumMemories(); n {
	case 0:
		return 0, errors.MissingMemory("module has no linear memory")
	case 1:
	default:
		return 0, errors.MissingMemory(fmt.Sprintf("module has %d memories, the target memory is ambiguous", n))
	}

	mt, ok := m.MemoryType(0)
	if !ok {
		return 0, errors.MissingMemory("memory 0 has no type")
	}
	if mt.Limits.Memory64 {
		return 0, errors.Unsupported(errors.PhaseResolve, "64-bit linear memory")
	}
	return 0, nil
}

// FrameSize returns the number of bytes reserved for a layout of the
// given size, rounded up to frameAlign. frameAlign must be a power of
// two; 0 and 1 mean no extra rounding.
func FrameSize(layoutSize, frameAlign uint32) uint32 {
	return layout.AlignUp(layoutSize, frameAlign)
}

// Guard traps when the stack pointer is below size, so the subtraction
// in Reserve cannot wrap around to the top of memory.
//
//	global.get sp; i32.const size; i32.lt_u; if; unreachable; end
func Guard(em *codegen.Emitter, ptr Pointer, size uint32) {
	em.GlobalGet(ptr.Global).
		I32Const(int32(size)).
		I32LtU().
		If(codegen.BlockVoid).
		Unreachable().
		End()
}

// Reserve moves the stack pointer down by size and keeps the new value,
// the frame base, in baseLocal.
//
//	global.get sp; i32.const size; i32.sub; local.tee base; global.set sp
func Reserve(em *codegen.Emitter, ptr Pointer, size, baseLocal uint32) {
	em.GlobalGet(ptr.Global).
		I32Const(int32(size)).
		I32Sub().
		LocalTee(baseLocal).
		GlobalSet(ptr.Global)
}

// Release moves the stack pointer back up by size. It leaves the operand
// stack as it found it.
//
//	global.get sp; i32.const size; i32.add; global.set sp
func Release(em *codegen.Emitter, ptr Pointer, size uint32) {
	em.GlobalGet(ptr.Global).
		I32Const(int32(size)).
		I32Add().
		GlobalSet(ptr.Global)
}
