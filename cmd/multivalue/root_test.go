package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-multivalue/wasm"
)

const inputPath = "/work/module.wasm"

type testState struct {
	fs     afero.Fs
	env    map[string]string
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newTestState(t *testing.T) *testState {
	t.Helper()
	ts := &testState{fs: afero.NewMemMapFs(), env: map[string]string{}}
	require.NoError(t, afero.WriteFile(ts.fs, inputPath, testModule().Encode(), 0o644))
	return ts
}

func (ts *testState) run(args ...string) int {
	lookup := func(key string) (string, bool) {
		v, ok := ts.env[key]
		return v, ok
	}
	return Execute(context.Background(), newGlobalState(ts.fs, args, lookup, &ts.stdout, &ts.stderr))
}

// testModule exports add_and_diff(a, b i32) (i32, i32) with a shadow
// stack at the top of one page.
func testModule() *wasm.Module {
	i32 := wasm.ValI32
	get := func(i uint32) wasm.Instruction {
		return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: i}}
	}
	m := &wasm.Module{
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{{
			Type: wasm.GlobalType{ValType: i32, Mutable: true},
			Init: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: wasm.MemoryPageSize}},
				{Opcode: wasm.OpEnd},
			}),
		}},
		Exports: []wasm.Export{{Name: "memory", Kind: wasm.KindMemory, Idx: 0}},
	}
	typeIdx := m.AddType(wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32, i32}})
	idx := m.AddFunction(typeIdx, wasm.FuncBody{Code: wasm.EncodeInstructions([]wasm.Instruction{
		get(0), get(1), {Opcode: wasm.OpI32Add},
		get(0), get(1), {Opcode: wasm.OpI32Sub},
		{Opcode: wasm.OpEnd},
	})})
	m.Exports = append(m.Exports, wasm.Export{Name: "add_and_diff", Kind: wasm.KindFunc, Idx: idx})
	return m
}

func readModule(t *testing.T, fs afero.Fs, path string) *wasm.Module {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	m, err := wasm.ParseModule(data)
	require.NoError(t, err)
	return m
}

func TestRun_DefaultOutput(t *testing.T) {
	ts := newTestState(t)

	code := ts.run(inputPath, "add_and_diff i32 i32")
	require.Equal(t, 0, code, ts.stderr.String())

	out := readModule(t, ts.fs, inputPath+OutputSuffix)
	idx, ok := out.ExportByName("add_and_diff")
	require.True(t, ok)
	assert.Equal(t, uint32(1), out.Exports[idx].Idx)
	assert.Equal(t, []wasm.ValType{wasm.ValI32}, out.GetFuncType(1).Results)

	assert.Contains(t, ts.stdout.String(), "wrapped add_and_diff: func 0 -> 1, frame 4 bytes")
	assert.Contains(t, ts.stdout.String(), "wrote "+inputPath+OutputSuffix)

	// The input is left as it was.
	in, err := afero.ReadFile(ts.fs, inputPath)
	require.NoError(t, err)
	assert.Equal(t, testModule().Encode(), in)
}

func TestRun_NoTemporaryFilesLeft(t *testing.T) {
	ts := newTestState(t)
	require.Equal(t, 0, ts.run(inputPath, "add_and_diff i32 i32"))

	entries, err := afero.ReadDir(ts.fs, "/work")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"module.wasm", "module.wasm" + OutputSuffix}, names)
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {inputPath}} {
		ts := newTestState(t)
		assert.Equal(t, 1, ts.run(args...))
		assert.Equal(t, usageLine+"\n", ts.stderr.String())
		assert.Empty(t, ts.stdout.String())
	}
}

func TestRun_Flags(t *testing.T) {
	t.Run("output", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run("-o", "/out/x.wasm", inputPath, "add_and_diff i32 i32"), ts.stderr.String())
		readModule(t, ts.fs, "/out/x.wasm")

		exists, err := afero.Exists(ts.fs, inputPath+OutputSuffix)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("dry run", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run("--dry-run", inputPath, "add_and_diff i32 i32"), ts.stderr.String())
		exists, err := afero.Exists(ts.fs, inputPath+OutputSuffix)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Contains(t, ts.stdout.String(), "not written")
	})

	t.Run("name wrappers and stack pointer export", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run("--name-wrappers", "--export-stack-pointer", inputPath, "add_and_diff i32 i32"),
			ts.stderr.String())

		out := readModule(t, ts.fs, inputPath+OutputSuffix)
		_, ok := out.ExportByName("__stack_pointer")
		assert.True(t, ok)
		names, err := out.FuncNames()
		require.NoError(t, err)
		assert.Equal(t, "add_and_diff_multivalue_shim", names[1])
	})

	t.Run("verify", func(t *testing.T) {
		ts := newTestState(t)
		assert.Equal(t, 0, ts.run("--verify", "-v", inputPath, "add_and_diff i32 i32"), ts.stderr.String())
		assert.Contains(t, ts.stderr.String(), "module verified")
	})
}

func TestRun_Environment(t *testing.T) {
	t.Run("frame align", func(t *testing.T) {
		ts := newTestState(t)
		ts.env["MULTIVALUE_FRAME_ALIGN"] = "16"
		require.Equal(t, 0, ts.run(inputPath, "add_and_diff i32 i32"), ts.stderr.String())
		assert.Contains(t, ts.stdout.String(), "frame 16 bytes")
	})

	t.Run("flag wins", func(t *testing.T) {
		ts := newTestState(t)
		ts.env["MULTIVALUE_FRAME_ALIGN"] = "16"
		require.Equal(t, 0, ts.run("--frame-align", "8", inputPath, "add_and_diff i32 i32"), ts.stderr.String())
		assert.Contains(t, ts.stdout.String(), "frame 8 bytes")
	})

	t.Run("malformed value", func(t *testing.T) {
		ts := newTestState(t)
		ts.env["MULTIVALUE_FRAME_ALIGN"] = "sixteen"
		assert.Equal(t, 1, ts.run(inputPath, "add_and_diff i32 i32"))
		assert.Contains(t, ts.stderr.String(), "invalid_input")
	})

	t.Run("log level", func(t *testing.T) {
		ts := newTestState(t)
		ts.env["MULTIVALUE_LOG_LEVEL"] = "loud"
		assert.Equal(t, 1, ts.run(inputPath, "add_and_diff i32 i32"))
		assert.Contains(t, ts.stderr.String(), "log level")
	})
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing input", []string{"/work/nope.wasm", "f i32 i32"}, "io_failure"},
		{"unknown export", []string{inputPath, "nope i32 i32"}, "unknown_function"},
		{"bad type", []string{inputPath, "add_and_diff i32 i8"}, "unknown_value_type"},
		{"single result", []string{inputPath, "add_and_diff i32"}, "not_multi_value"},
		{"wrong results", []string{inputPath, "add_and_diff i32 f32"}, "result_mismatch"},
		{"bad frame align", []string{"--frame-align", "6", inputPath, "add_and_diff i32 i32"}, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestState(t)
			assert.Equal(t, 1, ts.run(tt.args...))
			assert.Contains(t, ts.stderr.String(), tt.want)

			exists, err := afero.Exists(ts.fs, inputPath+OutputSuffix)
			require.NoError(t, err)
			assert.False(t, exists, "no output on error")
		})
	}
}
