package multivalue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/layout"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/shadowstack"
	"github.com/wippyai/wasm-multivalue/multivalue/internal/wrapper"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// ShimSuffix is appended to an export name to name its wrapper in the
// name section.
const ShimSuffix = "_multivalue_shim"

// maxFrameAlign bounds Options.FrameAlign to one wasm page.
const maxFrameAlign = wasm.MemoryPageSize

// Layout is the placement of the spilled results, relative to the frame base.
type Layout = layout.Layout

// Slot is the placement of one spilled result.
type Slot = layout.Slot

// Options configures a transform.
type Options struct {
	// FrameAlign rounds each reserved frame up to a multiple of this
	// power of two. 0 and 1 reserve exactly the layout size; 16 keeps
	// the stack pointer at the alignment wasm32 C ABIs assume.
	FrameAlign uint32

	// CheckOverflow makes wrappers trap instead of wrapping the stack
	// pointer below zero.
	CheckOverflow bool

	// NameWrappers records "<export>_multivalue_shim" for each wrapper
	// in the name section.
	NameWrappers bool

	// ExportStackPointer exports the stack pointer global as
	// __stack_pointer when the module does not export it already, so a
	// host can locate the spilled values.
	ExportStackPointer bool

	// SkipValidation skips structural validation of the input in Transform.
	SkipValidation bool
}

func (o Options) validate() error {
	if o.FrameAlign > maxFrameAlign || o.FrameAlign&(o.FrameAlign-1) != 0 {
		return errors.InvalidInput(errors.PhaseParse,
			fmt.Sprintf("frame alignment %d is not a power of two up to %d", o.FrameAlign, maxFrameAlign))
	}
	return nil
}

// Wrapped describes one rewritten export.
type Wrapped struct {
	Name      string
	Results   []wasm.ValType
	Layout    Layout
	Original  uint32 // function index the export used to bind
	Wrapper   uint32 // function index the export binds now
	FrameSize uint32
}

// Result summarizes a committed transform.
type Result struct {
	Wrapped      []Wrapped
	StackPointer uint32 // global index
	Memory       uint32
}

// State is a step of the transform.
type State int

const (
	StateResolving State = iota
	StateLayingOut
	StateSynthesizing
	StateRewriting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateLayingOut:
		return "laying_out"
	case StateSynthesizing:
		return "synthesizing"
	case StateRewriting:
		return "rewriting"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// target is a request resolved against the module.
type target struct {
	req       Request
	export    int
	funcIdx   uint32
	layout    layout.Layout
	frameSize uint32
	fn        wrapper.Function
}

// transformer drives one batch. Every step before Rewriting only reads
// the module, so a failure leaves it untouched.
type transformer struct {
	m       *wasm.Module
	opts    Options
	log     *zap.Logger
	ptr     shadowstack.Pointer
	targets []target
	state   State

	exportPointer bool
}

// TransformModule wraps each requested export in place. Either every
// request is applied or, on error, the module is left unmodified.
func TransformModule(m *wasm.Module, reqs []Request, opts Options) (*Result, error) {
	t := &transformer{
		m:     m,
		opts:  opts,
		log:   Logger(),
		state: StateResolving,
	}
	return t.run(reqs)
}

func (t *transformer) run(reqs []Request) (*Result, error) {
	steps := []struct {
		state State
		fn    func() error
	}{
		{StateResolving, func() error { return t.resolve(reqs) }},
		{StateLayingOut, t.layOut},
		{StateSynthesizing, t.synthesize},
	}
	for _, step := range steps {
		t.enter(step.state)
		if err := step.fn(); err != nil {
			return nil, t.fail(err)
		}
	}

	t.enter(StateRewriting)
	res := t.rewrite()
	t.enter(StateCommitted)
	return res, nil
}

func (t *transformer) enter(s State) {
	t.log.Debug("multivalue transform state",
		zap.Stringer("from", t.state),
		zap.Stringer("to", s))
	t.state = s
}

func (t *transformer) fail(err error) error {
	t.log.Debug("multivalue transform failed",
		zap.Stringer("state", t.state),
		zap.Error(err))
	t.state = StateFailed
	return err
}

func (t *transformer) resolve(reqs []Request) error {
	if err := t.opts.validate(); err != nil {
		return err
	}
	if len(reqs) == 0 {
		return errors.InvalidInput(errors.PhaseResolve, "no functions requested")
	}

	byName := make(map[string]bool, len(reqs))
	byFunc := make(map[uint32]string, len(reqs))
	for _, req := range reqs {
		if byName[req.Name] {
			return errors.DuplicateRequest(req.Name, "requested more than once")
		}
		byName[req.Name] = true

		exp, ok := t.m.ExportByName(req.Name)
		if !ok {
			return errors.UnknownFunction(req.Name)
		}
		e := t.m.Exports[exp]
		if e.Kind != wasm.KindFunc {
			return errors.NotAFunctionExport(req.Name, exportKindName(e.Kind))
		}
		if other, dup := byFunc[e.Idx]; dup {
			return errors.DuplicateRequest(req.Name,
				fmt.Sprintf("export %q binds the same function %d", other, e.Idx))
		}
		byFunc[e.Idx] = req.Name

		t.targets = append(t.targets, target{req: req, export: exp, funcIdx: e.Idx})
	}

	ptr, err := shadowstack.Locate(t.m)
	if err != nil {
		return err
	}
	t.ptr = ptr

	if t.opts.NameWrappers {
		if _, err := t.m.FuncNames(); err != nil {
			return errors.New(errors.PhaseResolve, errors.KindInvalidInput).
				Detail("cannot name wrappers").
				Cause(err).
				Build()
		}
	}

	if t.opts.ExportStackPointer {
		exported, err := t.pointerExported()
		if err != nil {
			return err
		}
		t.exportPointer = !exported
	}

	t.log.Debug("resolved shadow stack",
		zap.Uint32("global", ptr.Global),
		zap.Uint32("memory", ptr.Memory))
	return nil
}

func (t *transformer) layOut() error {
	for i := range t.targets {
		tg := &t.targets[i]
		req := tg.req

		if len(req.Results) < 2 {
			return errors.NotMultiValue(req.Name, len(req.Results))
		}
		for _, r := range req.Results {
			if !r.IsNumeric() {
				return errors.UnknownValueType(req.Name, r.String())
			}
		}

		ft := t.m.GetFuncType(tg.funcIdx)
		if ft == nil {
			return errors.New(errors.PhaseLayout, errors.KindUnknownFunction).
				Function(req.Name).
				Detail("function %d has no type", tg.funcIdx).
				Build()
		}
		if !ft.Equal(wasm.FuncType{Params: ft.Params, Results: req.Results}) {
			return errors.ResultMismatch(req.Name, fmt.Sprint(req.Results), fmt.Sprint(ft.Results))
		}

		tg.layout = layout.Compute(req.Results[1:])
		tg.frameSize = shadowstack.FrameSize(tg.layout.Size, t.opts.FrameAlign)
	}
	return nil
}

func (t *transformer) synthesize() error {
	for i := range t.targets {
		tg := &t.targets[i]
		fn, err := wrapper.Synthesize(t.m, wrapper.Plan{
			Name:          tg.req.Name,
			Target:        tg.funcIdx,
			Results:       tg.req.Results,
			Layout:        tg.layout,
			Pointer:       t.ptr,
			FrameSize:     tg.frameSize,
			CheckOverflow: t.opts.CheckOverflow,
		})
		if err != nil {
			return err
		}
		tg.fn = fn
	}
	return nil
}

// rewrite appends the wrappers and rebinds the exports. Nothing in it
// can fail once the earlier steps have passed.
func (t *transformer) rewrite() *Result {
	res := &Result{
		StackPointer: t.ptr.Global,
		Memory:       t.ptr.Memory,
		Wrapped:      make([]Wrapped, 0, len(t.targets)),
	}
	bindings := make([]binding, 0, len(t.targets))
	names := make(map[uint32]string)

	for _, tg := range t.targets {
		typeIdx := t.m.AddType(tg.fn.Type)
		funcIdx := t.m.AddFunction(typeIdx, tg.fn.Body)
		bindings = append(bindings, binding{export: tg.export, wrapper: funcIdx})
		names[funcIdx] = tg.req.Name + ShimSuffix

		res.Wrapped = append(res.Wrapped, Wrapped{
			Name:      tg.req.Name,
			Results:   tg.req.Results,
			Layout:    tg.layout,
			Original:  tg.funcIdx,
			Wrapper:   funcIdx,
			FrameSize: tg.frameSize,
		})

		t.log.Debug("wrapped export",
			zap.String("name", tg.req.Name),
			zap.Uint32("original", tg.funcIdx),
			zap.Uint32("wrapper", funcIdx),
			zap.Uint32("frame_size", tg.frameSize),
			zap.Stringer("layout", tg.layout))
	}

	rewriteExports(t.m, bindings)

	if t.exportPointer {
		t.m.Exports = append(t.m.Exports, wasm.Export{
			Name: shadowstack.StackPointerName,
			Kind: wasm.KindGlobal,
			Idx:  t.ptr.Global,
		})
	}

	if t.opts.NameWrappers {
		// The name section was parsed during resolution.
		if err := t.m.SetFuncNames(names); err != nil {
			t.log.Warn("wrapper names not recorded", zap.Error(err))
		}
	}
	return res
}

// pointerExported reports whether the stack pointer is already exported
// under its conventional name. Another item holding that name is an error.
func (t *transformer) pointerExported() (bool, error) {
	idx, ok := t.m.ExportByName(shadowstack.StackPointerName)
	if !ok {
		return false, nil
	}
	e := t.m.Exports[idx]
	if e.Kind != wasm.KindGlobal || e.Idx != t.ptr.Global {
		return false, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
			Detail("export %q does not refer to the stack pointer global %d", shadowstack.StackPointerName, t.ptr.Global).
			Build()
	}
	return true, nil
}

func exportKindName(kind byte) string {
	switch kind {
	case wasm.KindFunc:
		return "function"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	default:
		return fmt.Sprintf("kind 0x%02x", kind)
	}
}

// Transform decodes a binary module, wraps the requested exports and
// encodes the result.
func Transform(data []byte, reqs []Request, opts Options) ([]byte, *Result, error) {
	m, err := wasm.ParseModule(data)
	if err != nil {
		return nil, nil, errors.New(errors.PhaseParse, errors.KindValidationFailed).
			Detail("decode module").
			Cause(err).
			Build()
	}
	if !opts.SkipValidation {
		if err := m.Validate(); err != nil {
			return nil, nil, errors.ValidationFailed(err)
		}
	}

	res, err := TransformModule(m, reqs, opts)
	if err != nil {
		return nil, nil, err
	}
	return m.Encode(), res, nil
}
