package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue"
	"github.com/wippyai/wasm-multivalue/wasm"
)

// stackPointerExport is the export a host reads the shadow stack through.
const stackPointerExport = "__stack_pointer"

// WazeroEngine compiles and runs transformed modules with wazero.
type WazeroEngine struct {
	runtime wazero.Runtime
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// Interpreter selects wazero's interpreter instead of the compiler.
	// Compilation is faster to start, which suits one-shot verification.
	Interpreter bool

	// EnableThreads accepts modules built for the threads proposal, whose
	// shadow stack lives in shared memory.
	EnableThreads bool
}

// NewWazeroEngine creates a new engine with default configuration.
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()

	if cfg != nil {
		if cfg.Interpreter {
			runtimeCfg = wazero.NewRuntimeConfigInterpreter()
		}
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.EnableThreads {
			runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
		}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return &WazeroEngine{runtime: runtime}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Verify compiles a module without instantiating it, so modules with
// unresolved imports can still be checked.
func (e *WazeroEngine) Verify(ctx context.Context, bin []byte) error {
	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return errors.Wrap(errors.PhaseVerify, errors.KindValidationFailed, err, "engine rejected module")
	}
	defer compiled.Close(ctx)

	Logger().Debug("module verified",
		zap.Int("size", len(bin)),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return nil
}

// Instantiate runs a transformed module. Wrapped exports called through
// the returned instance yield all of their results.
func (e *WazeroEngine) Instantiate(ctx context.Context, bin []byte, res *multivalue.Result) (*WazeroInstance, error) {
	mod, err := e.runtime.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVerify, errors.KindValidationFailed, err, "instantiate module")
	}

	inst := &WazeroInstance{
		module:  mod,
		wrapped: make(map[string]multivalue.Wrapped),
	}
	if res != nil {
		for _, w := range res.Wrapped {
			inst.wrapped[w.Name] = w
		}
	}
	if len(inst.wrapped) > 0 {
		inst.sp = mod.ExportedGlobal(stackPointerExport)
		if inst.sp == nil {
			_ = mod.Close(ctx)
			return nil, errors.New(errors.PhaseVerify, errors.KindMissingShadowStack).
				Detail("%s is not exported; transform with ExportStackPointer", stackPointerExport).
				Build()
		}
	}
	return inst, nil
}

// WazeroInstance is a running module. It is not safe for concurrent use:
// spilled results live on the shared shadow stack until the next call.
type WazeroInstance struct {
	module  api.Module
	sp      api.Global
	wrapped map[string]multivalue.Wrapped
}

// Module returns the underlying wazero module.
func (i *WazeroInstance) Module() api.Module {
	return i.module
}

// Call invokes an export. For a wrapped export the spilled results are
// read back from the shadow stack and appended to the first one, so the
// caller sees the original multi-value signature. Values use wazero's
// uint64 encoding.
func (i *WazeroInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.UnknownFunction(name)
	}

	out, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	w, ok := i.wrapped[name]
	if !ok {
		return out, nil
	}
	spilled, err := i.readSpilled(w)
	if err != nil {
		return nil, err
	}
	return append(out, spilled...), nil
}

// readSpilled loads a wrapper's spilled results from just below the
// stack pointer, where the wrapper released its frame.
func (i *WazeroInstance) readSpilled(w multivalue.Wrapped) ([]uint64, error) {
	mem := i.module.Memory()
	if mem == nil {
		return nil, errors.MissingMemory("instance has no memory")
	}
	base := uint32(i.sp.Get()) - w.FrameSize

	out := make([]uint64, 0, len(w.Layout.Slots))
	for _, slot := range w.Layout.Slots {
		addr := base + slot.Offset
		var (
			v  uint64
			ok bool
		)
		switch slot.Type {
		case wasm.ValI32, wasm.ValF32:
			var v32 uint32
			v32, ok = mem.ReadUint32Le(addr)
			v = uint64(v32)
		default:
			v, ok = mem.ReadUint64Le(addr)
		}
		if !ok {
			return nil, errors.New(errors.PhaseVerify, errors.KindInvalidInput).
				Function(w.Name).
				Detail("spilled %s at %d is out of bounds", slot.Type, addr).
				Build()
		}
		out = append(out, v)
	}
	return out, nil
}

func (i *WazeroInstance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

// Decode converts wazero-encoded values to Go values by type: int32,
// int64, float32 or float64.
func Decode(types []wasm.ValType, values []uint64) ([]any, error) {
	if len(types) != len(values) {
		return nil, fmt.Errorf("have %d values for %d types", len(values), len(types))
	}
	out := make([]any, len(values))
	for i, v := range values {
		switch types[i] {
		case wasm.ValI32:
			out[i] = api.DecodeI32(v)
		case wasm.ValI64:
			out[i] = int64(v)
		case wasm.ValF32:
			out[i] = api.DecodeF32(v)
		case wasm.ValF64:
			out[i] = api.DecodeF64(v)
		default:
			return nil, errors.UnknownValueType("", types[i].String())
		}
	}
	return out, nil
}
