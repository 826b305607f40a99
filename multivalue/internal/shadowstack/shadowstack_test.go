package shadowstack

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/codegen"
	"github.com/wippyai/wasm-multivalue/wasm"
)

func i32Init(v int32) []byte {
	return codegen.NewEmitter().I32Const(v).End().Copy()
}

func mutI32(v int32) wasm.Global {
	return wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: i32Init(v),
	}
}

func constGlobal(t wasm.ValType, init []byte) wasm.Global {
	return wasm.Global{Type: wasm.GlobalType{ValType: t}, Init: init}
}

func withMemory(m *wasm.Module) *wasm.Module {
	m.Memories = append(m.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: 1}})
	return m
}

func TestFind(t *testing.T) {
	named := &wasm.Module{
		Globals: []wasm.Global{mutI32(1024), mutI32(65536)},
	}
	named.CustomSections = append(named.CustomSections,
		globalNameSection(map[uint32]string{1: StackPointerName}))

	tests := []struct {
		name    string
		module  *wasm.Module
		want    uint32
		wantErr bool
	}{
		{
			name: "exported by name",
			module: &wasm.Module{
				Globals: []wasm.Global{mutI32(8), mutI32(66560)},
				Exports: []wasm.Export{{Name: StackPointerName, Kind: wasm.KindGlobal, Idx: 1}},
			},
			want: 1,
		},
		{
			name: "imported by name",
			module: &wasm.Module{
				Imports: []wasm.Import{
					{Module: "env", Name: "__memory_base", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
					{Module: "env", Name: StackPointerName, Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}}},
				},
			},
			want: 1,
		},
		{
			name:   "named in the name section",
			module: named,
			want:   1,
		},
		{
			name: "single mutable i32 with non-zero init",
			module: &wasm.Module{
				Globals: []wasm.Global{
					constGlobal(wasm.ValI32, i32Init(5)),
					mutI32(0),
					mutI32(66560),
				},
			},
			want: 2,
		},
		{
			name: "index counts imported globals",
			module: &wasm.Module{
				Imports: []wasm.Import{
					{Module: "env", Name: "g", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI64}}},
				},
				Globals: []wasm.Global{mutI32(66560)},
			},
			want: 1,
		},
		{
			name: "ambiguous candidates",
			module: &wasm.Module{
				Globals: []wasm.Global{mutI32(1024), mutI32(2048)},
			},
			wantErr: true,
		},
		{
			name: "no candidates",
			module: &wasm.Module{
				Globals: []wasm.Global{mutI32(0), constGlobal(wasm.ValI32, i32Init(9))},
			},
			wantErr: true,
		},
		{
			name: "named global of wrong type",
			module: &wasm.Module{
				Globals: []wasm.Global{{
					Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true},
					Init: codegen.NewEmitter().I64Const(1).End().Copy(),
				}},
				Exports: []wasm.Export{{Name: StackPointerName, Kind: wasm.KindGlobal, Idx: 0}},
			},
			wantErr: true,
		},
		{
			name: "non-constant init is not a candidate",
			module: &wasm.Module{
				Imports: []wasm.Import{
					{Module: "env", Name: "base", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
				},
				Globals: []wasm.Global{{
					Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
					Init: codegen.NewEmitter().GlobalGet(0).End().Copy(),
				}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(tt.module)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrMissingShadowStack)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// globalNameSection builds a name section holding only global names.
func globalNameSection(names map[uint32]string) wasm.CustomSection {
	var body []byte
	body = append(body, wasm.EncodeLEB128u(uint32(len(names)))...)
	for idx := uint32(0); len(names) > 0; idx++ {
		name, ok := names[idx]
		if !ok {
			continue
		}
		body = append(body, wasm.EncodeLEB128u(idx)...)
		body = append(body, wasm.EncodeLEB128u(uint32(len(name)))...)
		body = append(body, name...)
		delete(names, idx)
	}

	data := []byte{wasm.NameSubsectionGlobal}
	data = append(data, wasm.EncodeLEB128u(uint32(len(body)))...)
	data = append(data, body...)
	return wasm.CustomSection{Name: wasm.NameSectionName, Data: data, After: wasm.SectionData}
}

func TestFindMemory(t *testing.T) {
	t.Run("defined", func(t *testing.T) {
		idx, err := FindMemory(withMemory(&wasm.Module{}))
		require.NoError(t, err)
		assert.Zero(t, idx)
	})

	t.Run("imported", func(t *testing.T) {
		m := &wasm.Module{Imports: []wasm.Import{{
			Module: "env", Name: "memory",
			Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 2}}},
		}}}
		idx, err := FindMemory(m)
		require.NoError(t, err)
		assert.Zero(t, idx)
	})

	t.Run("none", func(t *testing.T) {
		_, err := FindMemory(&wasm.Module{})
		assert.ErrorIs(t, err, errors.ErrMissingMemory)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := FindMemory(withMemory(withMemory(&wasm.Module{})))
		assert.ErrorIs(t, err, errors.ErrMissingMemory)
	})

	t.Run("memory64", func(t *testing.T) {
		m := &wasm.Module{Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Memory64: true}}}}
		_, err := FindMemory(m)
		assert.ErrorIs(t, err, errors.ErrUnsupported)
	})
}

func TestLocate(t *testing.T) {
	m := withMemory(&wasm.Module{Globals: []wasm.Global{mutI32(66560)}})
	ptr, err := Locate(m)
	require.NoError(t, err)
	assert.Equal(t, Pointer{Global: 0, Memory: 0}, ptr)

	_, err = Locate(&wasm.Module{Globals: []wasm.Global{mutI32(66560)}})
	assert.ErrorIs(t, err, errors.ErrMissingMemory)
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, uint32(4), FrameSize(4, 0))
	assert.Equal(t, uint32(4), FrameSize(4, 1))
	assert.Equal(t, uint32(16), FrameSize(4, 16))
	assert.Equal(t, uint32(16), FrameSize(16, 16))
	assert.Equal(t, uint32(24), FrameSize(24, 8))
}

func TestReserveRelease(t *testing.T) {
	ptr := Pointer{Global: 3}

	em := codegen.NewEmitter()
	Reserve(em, ptr, 12, 5)
	Release(em, ptr, 12)

	got, err := wasm.DecodeInstructions(em.Bytes())
	require.NoError(t, err)

	want := []wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 3}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 12}},
		{Opcode: wasm.OpI32Sub},
		{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: 5}},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 3}},
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 3}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 12}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 3}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestGuard(t *testing.T) {
	em := codegen.NewEmitter()
	Guard(em, Pointer{Global: 0}, 8)

	got, err := wasm.DecodeInstructions(em.Bytes())
	require.NoError(t, err)

	ops := make([]byte, len(got))
	for i, instr := range got {
		ops[i] = instr.Opcode
	}
	assert.Equal(t, []byte{
		wasm.OpGlobalGet, wasm.OpI32Const, wasm.OpI32LtU, wasm.OpIf, wasm.OpUnreachable, wasm.OpEnd,
	}, ops)
}
