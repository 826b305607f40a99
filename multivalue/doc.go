// Package multivalue rewrites WebAssembly modules so that exported
// functions returning several values can be called by hosts that only
// understand a single result.
//
// # Overview
//
// For every requested export the transform appends a wrapper function
// with the same parameters and only the first result type, then points
// the export at the wrapper. The original function stays in the module
// unchanged. Results 1..N-1 are written to linear memory in a frame
// carved out of the module's shadow stack, the downward-growing stack
// that LLVM and wasm-ld maintain through the __stack_pointer global.
//
// # Usage
//
//	reqs, err := multivalue.ParseRequests([]string{"add_and_diff i32 i32"})
//	if err != nil {
//	    return err
//	}
//	out, res, err := multivalue.Transform(wasmBytes, reqs, multivalue.Options{})
//
// # Reading the spilled values
//
// A wrapper releases its frame before returning, so after the call the
// stack pointer is back at its previous value sp. The spilled values sit
// just below it:
//
//	addr(i) = sp - FrameSize + Layout.Slots[i-1].Offset
//
// Hosts must read them before making another call into the module.
// Result.Wrapped carries the layout and frame size of every wrapper.
//
// # Wrapper body
//
//	global.get $sp  i32.const F  i32.sub  local.tee $base  global.set $sp
//	local.get 0 ... local.get P-1
//	call $original
//	;; for i = N-1 down to 1
//	local.set $tmp_i  local.get $base  local.get $tmp_i  T_i.store offset_i
//	global.get $sp  i32.const F  i32.add  global.set $sp
//	end
//
// # Batch semantics
//
// Requests are resolved, laid out and synthesized before the module is
// touched. Any error aborts the whole batch and leaves the module as it
// was. A name requested twice, or two names bound to one function, is
// rejected as a duplicate.
package multivalue
