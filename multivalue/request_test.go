package multivalue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue"
	"github.com/wippyai/wasm-multivalue/wasm"
)

func TestParseRequest(t *testing.T) {
	i32, i64, f32, f64 := wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64

	tests := []struct {
		name    string
		arg     string
		want    multivalue.Request
		wantErr *errors.Error
	}{
		{
			name: "two results",
			arg:  "add_and_diff i32 i32",
			want: multivalue.Request{Name: "add_and_diff", Results: []wasm.ValType{i32, i32}},
		},
		{
			name: "all types",
			arg:  "f f64 i64 f32 i32",
			want: multivalue.Request{Name: "f", Results: []wasm.ValType{f64, i64, f32, i32}},
		},
		{
			name: "any whitespace",
			arg:  "  f\ti32 \n f64  ",
			want: multivalue.Request{Name: "f", Results: []wasm.ValType{i32, f64}},
		},
		{name: "empty", arg: "", wantErr: errors.ErrInvalidInput},
		{name: "blank", arg: " \t ", wantErr: errors.ErrInvalidInput},
		{name: "name only", arg: "f", wantErr: errors.ErrNotMultiValue},
		{name: "one type", arg: "f i32", wantErr: errors.ErrNotMultiValue},
		{name: "narrow int", arg: "f i32 i16", wantErr: errors.ErrUnknownValueType},
		{name: "reference type", arg: "f i32 externref", wantErr: errors.ErrUnknownValueType},
		{name: "case sensitive", arg: "f I32 i32", wantErr: errors.ErrUnknownValueType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := multivalue.ParseRequest(tt.arg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequest_ErrorNamesFunction(t *testing.T) {
	_, err := multivalue.ParseRequest("compute i32 ptr")
	require.Error(t, err)

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "compute", e.Function)
	assert.Equal(t, "ptr", e.Type)
}

func TestParseRequests(t *testing.T) {
	reqs, err := multivalue.ParseRequests([]string{"a i32 i32", "b f32 f64 i64"})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "a", reqs[0].Name)
	assert.Equal(t, []wasm.ValType{wasm.ValF32, wasm.ValF64, wasm.ValI64}, reqs[1].Results)

	_, err = multivalue.ParseRequests([]string{"a i32 i32", "b i32"})
	assert.ErrorIs(t, err, errors.ErrNotMultiValue)
}

func TestRequest_String(t *testing.T) {
	req := multivalue.Request{Name: "f", Results: []wasm.ValType{wasm.ValI64, wasm.ValF32}}
	assert.Equal(t, "f i64 f32", req.String())

	back, err := multivalue.ParseRequest(req.String())
	require.NoError(t, err)
	assert.Equal(t, req, back)
}
