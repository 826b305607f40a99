package multivalue

import "github.com/wippyai/wasm-multivalue/wasm"

// binding repoints one export at its wrapper.
type binding struct {
	export  int // index into Module.Exports
	wrapper uint32
}

// rewriteExports overwrites each export's function index in place. The
// export keeps its name and position; callers checked that every bound
// export is a function export.
func rewriteExports(m *wasm.Module, bindings []binding) {
	for _, b := range bindings {
		m.Exports[b.export].Idx = b.wrapper
	}
}
