// Package engine runs transformed modules on wazero.
//
// The transform leaves a module whose wrapped exports return one value
// and park the rest on the shadow stack. This package closes the loop
// on the host side:
//
//	WazeroEngine   - owns a wazero runtime; Verify compiles a module
//	WazeroInstance - an instantiated module; Call returns every result
//
// Verify is what the command line tool runs on its output. It only
// compiles, so modules that import WASI or other host functions can be
// checked without providing those imports.
//
// # Reading spilled results
//
// WazeroInstance.Call reads the stack pointer through the exported
// __stack_pointer global right after the wrapper returns and loads each
// spilled value at sp - FrameSize + offset. Modules that do not export
// the global should be transformed with ExportStackPointer set.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use. WazeroInstance is NOT: the
// spilled values of one call are overwritten by the next.
package engine
