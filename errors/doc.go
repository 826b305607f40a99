// Package errors provides structured error types for the multi-value transform.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the offending function and type names, a location path,
// and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResolve, errors.KindResultMismatch).
//		Function("add_and_diff").
//		Type("[i32 i32]").
//		Detail("requested results [i32 i64]").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownFunction("missing")
//	err := errors.NotMultiValue("f", 1)
//
// Match by kind with the sentinels, whatever the phase:
//
//	if errors.Is(err, errors.ErrMissingShadowStack) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
