package multivalue_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-multivalue/wasm"
)

// stackTop is the initial stack pointer of test modules: the top of
// their single page of memory.
const stackTop = wasm.MemoryPageSize

var numeric = []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64}

type testFunc struct {
	name    string
	params  []wasm.ValType
	results []wasm.ValType
	body    []wasm.Instruction // without the final end
}

// newModule builds a module with one page of memory exported as
// "memory", a stack pointer global exported as __stack_pointer, and the
// given functions exported under their names.
func newModule(funcs ...testFunc) *wasm.Module {
	m := &wasm.Module{
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: stackTop}},
				{Opcode: wasm.OpEnd},
			}),
		}},
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
			{Name: "__stack_pointer", Kind: wasm.KindGlobal, Idx: 0},
		},
	}
	for _, f := range funcs {
		typeIdx := m.AddType(wasm.FuncType{Params: f.params, Results: f.results})
		code := append(append([]wasm.Instruction(nil), f.body...), wasm.Instruction{Opcode: wasm.OpEnd})
		idx := m.AddFunction(typeIdx, wasm.FuncBody{Code: wasm.EncodeInstructions(code)})
		m.Exports = append(m.Exports, wasm.Export{Name: f.name, Kind: wasm.KindFunc, Idx: idx})
	}
	return m
}

// passthrough returns a function that returns its parameters.
func passthrough(name string, types []wasm.ValType) testFunc {
	body := make([]wasm.Instruction, len(types))
	for i := range types {
		body[i] = wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: uint32(i)}}
	}
	return testFunc{name: name, params: types, results: types, body: body}
}

func addAndDiff() testFunc {
	i32 := wasm.ValI32
	get := func(i uint32) wasm.Instruction {
		return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: i}}
	}
	return testFunc{
		name:    "add_and_diff",
		params:  []wasm.ValType{i32, i32},
		results: []wasm.ValType{i32, i32},
		body: []wasm.Instruction{
			get(0), get(1), {Opcode: wasm.OpI32Add},
			get(0), get(1), {Opcode: wasm.OpI32Sub},
		},
	}
}

// sequences returns every sequence of numeric types of length n.
func sequences(n int) [][]wasm.ValType {
	if n == 0 {
		return [][]wasm.ValType{nil}
	}
	var out [][]wasm.ValType
	for _, prefix := range sequences(n - 1) {
		for _, t := range numeric {
			out = append(out, append(append([]wasm.ValType(nil), prefix...), t))
		}
	}
	return out
}

// sample returns a distinctive value of type t for position i, in
// wazero's uint64 encoding.
func sample(t wasm.ValType, i int) uint64 {
	switch t {
	case wasm.ValI32:
		return api.EncodeI32(int32(-1000 - i))
	case wasm.ValI64:
		return api.EncodeI64(0x0102030405060708 + int64(i))
	case wasm.ValF32:
		return api.EncodeF32(float32(i) + 0.5)
	case wasm.ValF64:
		return api.EncodeF64(-float64(i) - 0.25)
	}
	panic(fmt.Sprintf("no sample for %s", t))
}

// instance is an instantiated test module.
type instance struct {
	mod api.Module
	sp  api.Global
}

func instantiate(t *testing.T, bin []byte) *instance {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { _ = r.Close(ctx) })

	mod, err := r.Instantiate(ctx, bin)
	require.NoError(t, err)
	sp := mod.ExportedGlobal("__stack_pointer")
	require.NotNil(t, sp, "stack pointer is not exported")
	return &instance{mod: mod, sp: sp}
}

func (in *instance) stackPointer() uint32 {
	return uint32(in.sp.Get())
}

func (in *instance) call(t *testing.T, name string, params ...uint64) ([]uint64, error) {
	t.Helper()
	fn := in.mod.ExportedFunction(name)
	require.NotNil(t, fn, "export %s", name)
	return fn.Call(context.Background(), params...)
}

// read loads a value of type t from memory in wazero's uint64 encoding.
func (in *instance) read(t *testing.T, typ wasm.ValType, addr uint32) uint64 {
	t.Helper()
	mem := in.mod.Memory()
	switch typ {
	case wasm.ValI32, wasm.ValF32:
		v, ok := mem.ReadUint32Le(addr)
		require.True(t, ok, "read %s at %d out of range", typ, addr)
		return uint64(v)
	default:
		v, ok := mem.ReadUint64Le(addr)
		require.True(t, ok, "read %s at %d out of range", typ, addr)
		return v
	}
}
