package multivalue

import (
	"strings"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// Request asks for one exported multi-value function to be wrapped.
// Results must list the function's declared result types in order.
type Request struct {
	Name    string
	Results []wasm.ValType
}

// String renders the request in the form ParseRequest accepts.
func (r Request) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	for _, t := range r.Results {
		b.WriteByte(' ')
		b.WriteString(t.String())
	}
	return b.String()
}

// ParseRequest parses "name type type ...". Tokens are separated by any
// whitespace and each type is one of i32, i64, f32 or f64. At least two
// types are required.
func ParseRequest(arg string) (Request, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return Request{}, errors.InvalidInput(errors.PhaseParse, "empty function request")
	}

	req := Request{Name: fields[0]}
	for _, tok := range fields[1:] {
		t, ok := wasm.ParseValType(tok)
		if !ok {
			return Request{}, errors.UnknownValueType(req.Name, tok)
		}
		req.Results = append(req.Results, t)
	}
	if len(req.Results) < 2 {
		return Request{}, errors.NotMultiValue(req.Name, len(req.Results))
	}
	return req, nil
}

// ParseRequests parses every argument, stopping at the first error.
func ParseRequests(args []string) ([]Request, error) {
	reqs := make([]Request, 0, len(args))
	for _, arg := range args {
		req, err := ParseRequest(arg)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
