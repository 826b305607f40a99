// Package wasmmultivalue rewrites multi-value WebAssembly exports for
// hosts that only understand a single result.
//
// Many embedders still assume every export returns at most one value.
// Modules compiled with multi-value returns enabled cannot be called by
// them. The transform adds, for each named export, a wrapper that keeps
// the first result on the operand stack and stores the rest on the
// module's shadow stack, then rebinds the export to the wrapper.
//
// # Architecture Overview
//
//	wasmmultivalue/
//	├── multivalue/      Request parsing and the batch transform
//	│   └── internal/
//	│       ├── layout/      Spill slot placement
//	│       ├── shadowstack/ Stack pointer and memory discovery, frame code
//	│       ├── wrapper/     Wrapper function synthesis
//	│       └── codegen/     Fluent instruction emitter
//	├── wasm/            Core module model: decode, encode, validate, names
//	├── engine/          wazero integration: verification and calling wrappers
//	├── errors/          Structured error types
//	└── cmd/multivalue/  Command line tool
//
// # Quick Start
//
//	reqs, err := multivalue.ParseRequests([]string{"add_and_diff i32 i32"})
//	if err != nil {
//	    return err
//	}
//	out, res, err := multivalue.Transform(input, reqs, multivalue.Options{ExportStackPointer: true})
//	if err != nil {
//	    return err
//	}
//
//	eng, _ := engine.NewWazeroEngine(ctx)
//	defer eng.Close(ctx)
//	inst, err := eng.Instantiate(ctx, out, res)
//	// All results of add_and_diff, read back from the shadow stack.
//	vals, err := inst.Call(ctx, "add_and_diff", 7, 3)
//
// # Error Handling
//
// Errors carry the phase that failed and a kind that can be matched with
// errors.Is against the sentinels in the errors package.
//
// # Logging
//
// The multivalue and engine packages log through zap. Both default to a
// no-op logger; install one with SetLogger.
package wasmmultivalue
