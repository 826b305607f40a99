package wrapper

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/codegen"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/layout"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/shadowstack"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// moduleWith returns a module whose function 1 has the given signature.
// Function 0 is an import so index arithmetic is exercised.
func moduleWith(params, results []wasm.ValType) *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: params, Results: results},
		},
		Imports: []wasm.Import{{
			Module: "env", Name: "log",
			Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0},
		}},
		Funcs: []uint32{1},
		Code:  []wasm.FuncBody{{Code: []byte{wasm.OpUnreachable, wasm.OpEnd}}},
	}
}

func plan(results []wasm.ValType) Plan {
	l := layout.Compute(results[1:])
	return Plan{
		Name:      "f",
		Target:    1,
		Results:   results,
		Layout:    l,
		Pointer:   shadowstack.Pointer{Global: 0},
		FrameSize: l.Size,
	}
}

func TestSynthesize_AddAndDiff(t *testing.T) {
	i32 := wasm.ValI32
	m := moduleWith([]wasm.ValType{i32, i32}, []wasm.ValType{i32, i32})

	fn, err := Synthesize(m, plan([]wasm.ValType{i32, i32}))
	require.NoError(t, err)

	assert.Equal(t, wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}}, fn.Type)
	// base and the i32 temp share one entry
	assert.Equal(t, []wasm.LocalEntry{{Count: 2, ValType: i32}}, fn.Body.Locals)

	got, err := wasm.DecodeInstructions(fn.Body.Code)
	require.NoError(t, err)

	want := []wasm.Instruction{
		// reserve 4 bytes, base in local 2
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 4}},
		{Opcode: wasm.OpI32Sub},
		{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: 2}},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
		// forward and call
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 1}},
		// spill result 1 at offset 0
		{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: 3}},
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 2}},
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 3}},
		{Opcode: wasm.OpI32Store, Imm: wasm.MemoryImm{Align: 2, Offset: 0}},
		// release
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 4}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
		{Opcode: wasm.OpEnd},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestSynthesize_StoresInReverse(t *testing.T) {
	results := []wasm.ValType{wasm.ValF32, wasm.ValI32, wasm.ValF64, wasm.ValI64}
	m := moduleWith(nil, results)

	s := plan(results)
	fn, err := Synthesize(m, s)
	require.NoError(t, err)

	// locals: base i32 (0), i32 temp (1), f64 temp (2), i64 temp (3)
	assert.Equal(t, []wasm.LocalEntry{
		{Count: 2, ValType: wasm.ValI32},
		{Count: 1, ValType: wasm.ValF64},
		{Count: 1, ValType: wasm.ValI64},
	}, fn.Body.Locals)

	instrs, err := wasm.DecodeInstructions(fn.Body.Code)
	require.NoError(t, err)

	type store struct {
		op     byte
		temp   uint32
		offset uint64
	}
	var stores []store
	for i, instr := range instrs {
		imm, ok := instr.Imm.(wasm.MemoryImm)
		if !ok {
			continue
		}
		temp := instrs[i-1].Imm.(wasm.LocalImm).LocalIdx
		assert.Equal(t, wasm.OpLocalSet, instrs[i-3].Opcode)
		assert.Equal(t, temp, instrs[i-3].Imm.(wasm.LocalImm).LocalIdx)
		assert.Equal(t, uint32(0), instrs[i-2].Imm.(wasm.LocalImm).LocalIdx, "address must be the base local")
		stores = append(stores, store{op: instr.Opcode, temp: temp, offset: imm.Offset})
	}

	// layout of [i32 f64 i64]: 0, 8, 16
	want := []store{
		{op: wasm.OpI64Store, temp: 3, offset: 16},
		{op: wasm.OpF64Store, temp: 2, offset: 8},
		{op: wasm.OpI32Store, temp: 1, offset: 0},
	}
	assert.Equal(t, want, stores)
	assert.Equal(t, wasm.FuncType{Results: []wasm.ValType{wasm.ValF32}}, fn.Type)
}

func TestSynthesize_SharedTempForRepeatedType(t *testing.T) {
	results := []wasm.ValType{wasm.ValI64, wasm.ValF64, wasm.ValF64, wasm.ValF64}
	fn, err := Synthesize(moduleWith(nil, results), plan(results))
	require.NoError(t, err)

	assert.Equal(t, []wasm.LocalEntry{
		{Count: 1, ValType: wasm.ValI32},
		{Count: 1, ValType: wasm.ValF64},
	}, fn.Body.Locals)
}

func TestSynthesize_FrameSizeAndGuard(t *testing.T) {
	results := []wasm.ValType{wasm.ValI32, wasm.ValI32}
	s := plan(results)
	s.FrameSize = shadowstack.FrameSize(s.Layout.Size, 16)
	s.CheckOverflow = true

	fn, err := Synthesize(moduleWith(nil, results), s)
	require.NoError(t, err)

	instrs, err := wasm.DecodeInstructions(fn.Body.Code)
	require.NoError(t, err)

	guard := codegen.NewEmitter()
	shadowstack.Guard(guard, s.Pointer, 16)
	guardInstrs, err := wasm.DecodeInstructions(guard.Bytes())
	require.NoError(t, err)
	require.Greater(t, len(instrs), len(guardInstrs))
	assert.Equal(t, guardInstrs, instrs[:len(guardInstrs)])

	var consts []int32
	for _, instr := range instrs {
		if imm, ok := instr.Imm.(wasm.I32Imm); ok {
			consts = append(consts, imm.Value)
		}
	}
	assert.Equal(t, []int32{16, 16, 16}, consts, "guard, reserve and release use the frame size")
}

func TestSynthesize_Errors(t *testing.T) {
	i32, i64 := wasm.ValI32, wasm.ValI64

	t.Run("result mismatch", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32, i32})
		_, err := Synthesize(m, plan([]wasm.ValType{i32, i64}))
		assert.ErrorIs(t, err, errors.ErrResultMismatch)
	})

	t.Run("result count mismatch", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32, i32, i32})
		_, err := Synthesize(m, plan([]wasm.ValType{i32, i32}))
		assert.ErrorIs(t, err, errors.ErrResultMismatch)
	})

	t.Run("unknown target", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32, i32})
		s := plan([]wasm.ValType{i32, i32})
		s.Target = 9
		_, err := Synthesize(m, s)
		assert.ErrorIs(t, err, errors.ErrUnknownFunction)
	})

	t.Run("single result", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32})
		s := Plan{Name: "f", Target: 1, Results: []wasm.ValType{i32}}
		_, err := Synthesize(m, s)
		assert.ErrorIs(t, err, errors.ErrNotMultiValue)
	})

	t.Run("frame smaller than layout", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32, i64})
		s := plan([]wasm.ValType{i32, i64})
		s.FrameSize = 4
		_, err := Synthesize(m, s)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("layout arity", func(t *testing.T) {
		m := moduleWith(nil, []wasm.ValType{i32, i32, i32})
		s := plan([]wasm.ValType{i32, i32, i32})
		s.Layout = layout.Compute([]wasm.ValType{i32})
		_, err := Synthesize(m, s)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestSynthesize_DoesNotMutateModule(t *testing.T) {
	results := []wasm.ValType{wasm.ValI32, wasm.ValF64}
	m := moduleWith([]wasm.ValType{wasm.ValI64}, results)
	before := m.Encode()

	_, err := Synthesize(m, plan(results))
	require.NoError(t, err)
	assert.Equal(t, before, m.Encode())
}
