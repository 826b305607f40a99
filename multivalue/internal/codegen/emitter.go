package codegen

import (
	"bytes"
	"sync"

	"github.com/wippyai/wasm-multivalue/wasm"
)

// Block types accepted by Block, Loop and If.
const (
	BlockVoid = wasm.BlockTypeVoid
	BlockI32  = wasm.BlockTypeI32
	BlockI64  = wasm.BlockTypeI64
	BlockF32  = wasm.BlockTypeF32
	BlockF64  = wasm.BlockTypeF64
)

// Emitter builds a function body as raw bytecode. Every method returns
// the emitter so sequences read in execution order.
type Emitter struct {
	buf bytes.Buffer
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// NewEmitterWithCapacity creates an emitter with a preallocated buffer.
func NewEmitterWithCapacity(n int) *Emitter {
	e := &Emitter{}
	e.buf.Grow(n)
	return e
}

var emitterPool = sync.Pool{
	New: func() any { return NewEmitter() },
}

// GetEmitter returns a reset emitter from the pool.
func GetEmitter() *Emitter {
	return emitterPool.Get().(*Emitter)
}

// PutEmitter returns e to the pool. Bytes obtained from e must not be
// used afterwards; take a Copy first.
func PutEmitter(e *Emitter) {
	if e == nil {
		return
	}
	e.Reset()
	emitterPool.Put(e)
}

// Bytes returns the emitted bytecode. The slice aliases the internal
// buffer until the next write.
func (e *Emitter) Bytes() []byte { return e.buf.Bytes() }

// Copy returns an independent copy of the emitted bytecode.
func (e *Emitter) Copy() []byte {
	return append([]byte(nil), e.buf.Bytes()...)
}

// Len returns the number of bytes emitted.
func (e *Emitter) Len() int { return e.buf.Len() }

// Reset discards everything emitted.
func (e *Emitter) Reset() { e.buf.Reset() }

// Raw appends pre-encoded bytecode.
func (e *Emitter) Raw(b []byte) *Emitter {
	e.buf.Write(b)
	return e
}

// EmitInstr appends a decoded instruction.
func (e *Emitter) EmitInstr(instr wasm.Instruction) *Emitter {
	e.buf.Write(wasm.EncodeInstruction(instr))
	return e
}

func (e *Emitter) op(op byte) *Emitter {
	e.buf.WriteByte(op)
	return e
}

func (e *Emitter) opU32(op byte, v uint32) *Emitter {
	e.buf.WriteByte(op)
	wasm.WriteLEB128u(&e.buf, v)
	return e
}

func (e *Emitter) block(op byte, bt int64) *Emitter {
	e.buf.WriteByte(op)
	wasm.WriteLEB128s64(&e.buf, bt)
	return e
}

func (e *Emitter) memOp(op byte, align, offset uint32) *Emitter {
	e.buf.WriteByte(op)
	wasm.WriteLEB128u(&e.buf, align)
	wasm.WriteLEB128u(&e.buf, offset)
	return e
}

// Control flow

func (e *Emitter) Unreachable() *Emitter        { return e.op(wasm.OpUnreachable) }
func (e *Emitter) Nop() *Emitter                { return e.op(wasm.OpNop) }
func (e *Emitter) Block(bt int64) *Emitter      { return e.block(wasm.OpBlock, bt) }
func (e *Emitter) Loop(bt int64) *Emitter       { return e.block(wasm.OpLoop, bt) }
func (e *Emitter) If(bt int64) *Emitter         { return e.block(wasm.OpIf, bt) }
func (e *Emitter) Else() *Emitter               { return e.op(wasm.OpElse) }
func (e *Emitter) End() *Emitter                { return e.op(wasm.OpEnd) }
func (e *Emitter) Br(depth uint32) *Emitter     { return e.opU32(wasm.OpBr, depth) }
func (e *Emitter) BrIf(depth uint32) *Emitter   { return e.opU32(wasm.OpBrIf, depth) }
func (e *Emitter) Return() *Emitter             { return e.op(wasm.OpReturn) }
func (e *Emitter) Call(funcIdx uint32) *Emitter { return e.opU32(wasm.OpCall, funcIdx) }
func (e *Emitter) Drop() *Emitter               { return e.op(wasm.OpDrop) }

// Variables

func (e *Emitter) LocalGet(idx uint32) *Emitter  { return e.opU32(wasm.OpLocalGet, idx) }
func (e *Emitter) LocalSet(idx uint32) *Emitter  { return e.opU32(wasm.OpLocalSet, idx) }
func (e *Emitter) LocalTee(idx uint32) *Emitter  { return e.opU32(wasm.OpLocalTee, idx) }
func (e *Emitter) GlobalGet(idx uint32) *Emitter { return e.opU32(wasm.OpGlobalGet, idx) }
func (e *Emitter) GlobalSet(idx uint32) *Emitter { return e.opU32(wasm.OpGlobalSet, idx) }

// Constants

func (e *Emitter) I32Const(v int32) *Emitter {
	e.buf.WriteByte(wasm.OpI32Const)
	wasm.WriteLEB128s(&e.buf, v)
	return e
}

func (e *Emitter) I64Const(v int64) *Emitter {
	e.buf.WriteByte(wasm.OpI64Const)
	wasm.WriteLEB128s64(&e.buf, v)
	return e
}

func (e *Emitter) F32Const(v float32) *Emitter {
	e.buf.WriteByte(wasm.OpF32Const)
	wasm.WriteFloat32(&e.buf, v)
	return e
}

func (e *Emitter) F64Const(v float64) *Emitter {
	e.buf.WriteByte(wasm.OpF64Const)
	wasm.WriteFloat64(&e.buf, v)
	return e
}

// Memory. align is the log2 alignment hint.

func (e *Emitter) I32Load(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpI32Load, align, offset)
}
func (e *Emitter) I64Load(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpI64Load, align, offset)
}
func (e *Emitter) F32Load(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpF32Load, align, offset)
}
func (e *Emitter) F64Load(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpF64Load, align, offset)
}
func (e *Emitter) I32Store(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpI32Store, align, offset)
}
func (e *Emitter) I64Store(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpI64Store, align, offset)
}
func (e *Emitter) F32Store(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpF32Store, align, offset)
}
func (e *Emitter) F64Store(align, offset uint32) *Emitter {
	return e.memOp(wasm.OpF64Store, align, offset)
}

// Store emits the full-width store for t at its natural alignment. It
// reports false, emitting nothing, for non-numeric types.
func (e *Emitter) Store(t wasm.ValType, offset uint32) bool {
	op, ok := wasm.StoreOpcode(t)
	if !ok {
		return false
	}
	e.memOp(op, wasm.NaturalAlignLog2(t), offset)
	return true
}

// Load emits the full-width load for t at its natural alignment. It
// reports false, emitting nothing, for non-numeric types.
func (e *Emitter) Load(t wasm.ValType, offset uint32) bool {
	op, ok := wasm.LoadOpcode(t)
	if !ok {
		return false
	}
	e.memOp(op, wasm.NaturalAlignLog2(t), offset)
	return true
}

// Arithmetic and comparison

func (e *Emitter) I32Add() *Emitter { return e.op(wasm.OpI32Add) }
func (e *Emitter) I32Sub() *Emitter { return e.op(wasm.OpI32Sub) }
func (e *Emitter) I32Mul() *Emitter { return e.op(wasm.OpI32Mul) }
func (e *Emitter) I32Eqz() *Emitter { return e.op(wasm.OpI32Eqz) }
func (e *Emitter) I32Eq() *Emitter  { return e.op(wasm.OpI32Eq) }
func (e *Emitter) I32Ne() *Emitter  { return e.op(wasm.OpI32Ne) }
func (e *Emitter) I32LtU() *Emitter { return e.op(wasm.OpI32LtU) }
func (e *Emitter) I64Add() *Emitter { return e.op(wasm.OpI64Add) }
func (e *Emitter) I64Sub() *Emitter { return e.op(wasm.OpI64Sub) }
func (e *Emitter) I64Mul() *Emitter { return e.op(wasm.OpI64Mul) }
