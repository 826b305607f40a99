package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse      Phase = "parse"      // binary decoding, request parsing
	PhaseValidate   Phase = "validate"   // module validation
	PhaseResolve    Phase = "resolve"    // export and convention lookup
	PhaseLayout     Phase = "layout"     // result layout computation
	PhaseSynthesize Phase = "synthesize" // wrapper generation
	PhaseRewrite    Phase = "rewrite"    // export rebinding
	PhaseIO         Phase = "io"         // reading input, writing output
	PhaseVerify     Phase = "verify"     // engine compilation of the output
)

// Kind categorizes the error
type Kind string

const (
	KindUnknownFunction    Kind = "unknown_function"
	KindNotAFunctionExport Kind = "not_a_function_export"
	KindUnknownValueType   Kind = "unknown_value_type"
	KindNotMultiValue      Kind = "not_multi_value"
	KindMissingShadowStack Kind = "missing_shadow_stack"
	KindMissingMemory      Kind = "missing_memory"
	KindValidationFailed   Kind = "validation_failed"
	KindIOFailure          Kind = "io_failure"
	KindDuplicateRequest   Kind = "duplicate_request"
	KindResultMismatch     Kind = "result_mismatch"
	KindInvalidInput       Kind = "invalid_input"
	KindUnsupported        Kind = "unsupported"
)

// Sentinels match any error of their Kind regardless of phase:
//
//	if errors.Is(err, errors.ErrUnknownFunction) { ... }
var (
	ErrUnknownFunction    = &Error{Kind: KindUnknownFunction}
	ErrNotAFunctionExport = &Error{Kind: KindNotAFunctionExport}
	ErrUnknownValueType   = &Error{Kind: KindUnknownValueType}
	ErrNotMultiValue      = &Error{Kind: KindNotMultiValue}
	ErrMissingShadowStack = &Error{Kind: KindMissingShadowStack}
	ErrMissingMemory      = &Error{Kind: KindMissingMemory}
	ErrValidationFailed   = &Error{Kind: KindValidationFailed}
	ErrIOFailure          = &Error{Kind: KindIOFailure}
	ErrDuplicateRequest   = &Error{Kind: KindDuplicateRequest}
	ErrResultMismatch     = &Error{Kind: KindResultMismatch}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Function string
	Type     string
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Function != "" || e.Type != "" {
		b.WriteString(": ")
		if e.Function != "" && e.Type != "" {
			b.WriteString("function ")
			b.WriteString(e.Function)
			b.WriteString(", type ")
			b.WriteString(e.Type)
		} else if e.Function != "" {
			b.WriteString("function ")
			b.WriteString(e.Function)
		} else {
			b.WriteString("type ")
			b.WriteString(e.Type)
		}
	}

	if e.Detail != "" {
		if e.Function != "" || e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a
// phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path, e.g. the input file or export name
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Function sets the offending function name
func (b *Builder) Function(name string) *Builder {
	b.err.Function = name
	return b
}

// Type sets the offending type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// UnknownFunction reports a requested name with no export.
func UnknownFunction(name string) *Error {
	return &Error{
		Phase:    PhaseResolve,
		Kind:     KindUnknownFunction,
		Function: name,
		Detail:   "no export with this name",
	}
}

// NotAFunctionExport reports an export that is not a function.
func NotAFunctionExport(name, kind string) *Error {
	return &Error{
		Phase:    PhaseResolve,
		Kind:     KindNotAFunctionExport,
		Function: name,
		Detail:   fmt.Sprintf("export is a %s", kind),
	}
}

// UnknownValueType reports a type token outside {i32, i64, f32, f64}.
func UnknownValueType(function, token string) *Error {
	return &Error{
		Phase:    PhaseParse,
		Kind:     KindUnknownValueType,
		Function: function,
		Type:     token,
		Detail:   "expected one of i32, i64, f32, f64",
		Value:    token,
	}
}

// NotMultiValue reports a request naming fewer than two result types.
func NotMultiValue(function string, count int) *Error {
	return &Error{
		Phase:    PhaseParse,
		Kind:     KindNotMultiValue,
		Function: function,
		Detail:   fmt.Sprintf("%d result type(s) given, at least 2 required", count),
		Value:    count,
	}
}

// MissingShadowStack reports that no stack pointer global was found.
func MissingShadowStack(detail string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindMissingShadowStack,
		Detail: detail,
	}
}

// MissingMemory reports that no single linear memory was found.
func MissingMemory(detail string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindMissingMemory,
		Detail: detail,
	}
}

// ValidationFailed wraps a validator diagnostic.
func ValidationFailed(cause error) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindValidationFailed,
		Detail: "module failed validation",
		Cause:  cause,
	}
}

// IOFailure wraps a read or write error for path.
func IOFailure(op, path string, cause error) *Error {
	return &Error{
		Phase:  PhaseIO,
		Kind:   KindIOFailure,
		Path:   []string{path},
		Detail: op,
		Cause:  cause,
	}
}

// DuplicateRequest reports a function named twice, directly or through
// two exports sharing one function.
func DuplicateRequest(function, detail string) *Error {
	return &Error{
		Phase:    PhaseResolve,
		Kind:     KindDuplicateRequest,
		Function: function,
		Detail:   detail,
	}
}

// ResultMismatch reports requested result types that differ from the
// function's declared results.
func ResultMismatch(function, requested, declared string) *Error {
	return &Error{
		Phase:    PhaseResolve,
		Kind:     KindResultMismatch,
		Function: function,
		Type:     declared,
		Detail:   fmt.Sprintf("requested results %s", requested),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
