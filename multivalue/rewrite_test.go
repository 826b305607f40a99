package multivalue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wippyai/wasm-multivalue/wasm"
)

func TestRewriteExports(t *testing.T) {
	m := &wasm.Module{
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
			{Name: "a", Kind: wasm.KindFunc, Idx: 0},
			{Name: "b", Kind: wasm.KindFunc, Idx: 1},
			{Name: "c", Kind: wasm.KindFunc, Idx: 2},
		},
	}

	rewriteExports(m, []binding{{export: 3, wrapper: 7}, {export: 1, wrapper: 6}})

	assert.Equal(t, []wasm.Export{
		{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		{Name: "a", Kind: wasm.KindFunc, Idx: 6},
		{Name: "b", Kind: wasm.KindFunc, Idx: 1},
		{Name: "c", Kind: wasm.KindFunc, Idx: 7},
	}, m.Exports)
}

func TestOptionsValidate(t *testing.T) {
	for _, align := range []uint32{0, 1, 2, 8, 16, 65536} {
		assert.NoError(t, Options{FrameAlign: align}.validate(), "align %d", align)
	}
	for _, align := range []uint32{3, 12, 24, 131072} {
		assert.Error(t, Options{FrameAlign: align}.validate(), "align %d", align)
	}
}

func TestExportKindName(t *testing.T) {
	assert.Equal(t, "memory", exportKindName(wasm.KindMemory))
	assert.Equal(t, "global", exportKindName(wasm.KindGlobal))
	assert.Equal(t, "kind 0x05", exportKindName(5))
}
