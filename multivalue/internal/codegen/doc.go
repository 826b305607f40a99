// Package codegen provides WASM bytecode emission for the multi-value
// wrapper synthesizer.
//
// The Emitter is a fluent builder over raw instruction bytes. The shadow
// stack allocator and the wrapper synthesizer both write into the same
// Emitter, so a wrapper body is assembled in one pass and in execution
// order.
//
// This package is internal to the multivalue transformer.
package codegen
