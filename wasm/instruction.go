package wasm

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-multivalue/wasm/internal/binary"
)

// Instruction is a decoded WebAssembly instruction.
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int64 // -64 void, -1..-4 single value, >= 0 type index
}

// BranchImm holds the label index for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds the memarg of loads and stores. Align is the log2
// alignment hint.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm holds the memory index for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the raw bits of an f32.const so NaN payloads survive.
type F32Imm struct {
	Bits uint32
}

// Value returns the constant as a float32.
func (i F32Imm) Value() float32 { return math.Float32frombits(i.Bits) }

// F64Imm holds the raw bits of an f64.const so NaN payloads survive.
type F64Imm struct {
	Bits uint64
}

// Value returns the constant as a float64.
func (i F64Imm) Value() float64 { return math.Float64frombits(i.Bits) }

// SelectTypeImm holds the value types of a typed select.
type SelectTypeImm struct {
	Types []ValType
}

// RefNullImm holds the reference type of ref.null.
type RefNullImm struct {
	Type ValType
}

// RefFuncImm holds the function index of ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// MiscImm holds the sub-opcode and index operands of 0xFC instructions.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// GetCallTarget returns the call target if this is a direct call.
func (i Instruction) GetCallTarget() (uint32, bool) {
	if i.Opcode == OpCall {
		if imm, ok := i.Imm.(CallImm); ok {
			return imm.FuncIdx, true
		}
	}
	return 0, false
}

// miscOperandCount returns how many index operands follow a 0xFC sub-opcode.
func miscOperandCount(sub uint32) (int, bool) {
	switch {
	case sub <= MiscI64TruncSatF64U:
		return 0, true
	case sub == MiscMemoryInit, sub == MiscMemoryCopy, sub == MiscTableInit, sub == MiscTableCopy:
		return 2, true
	case sub == MiscDataDrop, sub == MiscMemoryFill, sub == MiscElemDrop,
		sub == MiscTableGrow, sub == MiscTableSize, sub == MiscTableFill:
		return 1, true
	}
	return 0, false
}

func isLoadStore(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

// DecodeInstructions decodes a sequence of instructions from raw bytes.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	instrs := make([]Instruction, 0, len(code)/2)

	for r.Len() > 0 {
		pos := r.Position()
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, fmt.Errorf("instruction at offset %d: %w", pos, err)
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	instr := Instruction{Opcode: op}

	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn,
		op == OpDrop, op == OpSelect, op == OpRefIsNull:

	case op == OpBlock, op == OpLoop, op == OpIf:
		bt, err := r.ReadS33()
		if err != nil {
			return instr, err
		}
		instr.Imm = BlockImm{Type: bt}

	case op == OpBr, op == OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: idx}

	case op == OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, fmt.Errorf("br_table count %d exceeds body size", count)
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case op == OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case op == OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case op == OpSelectType:
		types, err := readValTypes(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = SelectTypeImm{Types: types}

	case op == OpLocalGet, op == OpLocalSet, op == OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case op == OpGlobalGet, op == OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case op == OpTableGet, op == OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case isLoadStore(op):
		imm, err := readMemArg(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = imm

	case op == OpMemorySize, op == OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryIdxImm{MemIdx: idx}

	case op == OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: v}

	case op == OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: v}

	case op == OpF32Const:
		bits, err := r.ReadU32LE()
		if err != nil {
			return instr, err
		}
		instr.Imm = F32Imm{Bits: bits}

	case op == OpF64Const:
		bits, err := r.ReadU64LE()
		if err != nil {
			return instr, err
		}
		instr.Imm = F64Imm{Bits: bits}

	case op >= opNumericFirst && op <= opNumericLast:

	case op == OpRefNull:
		t, err := readValType(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = RefNullImm{Type: t}

	case op == OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefFuncImm{FuncIdx: idx}

	case op == OpPrefixMisc:
		sub, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		n, ok := miscOperandCount(sub)
		if !ok {
			return instr, fmt.Errorf("%w: 0xFC sub-opcode %d", ErrUnsupported, sub)
		}
		imm := MiscImm{SubOpcode: sub}
		for i := 0; i < n; i++ {
			v, err := r.ReadU32()
			if err != nil {
				return instr, err
			}
			imm.Operands = append(imm.Operands, v)
		}
		instr.Imm = imm

	default:
		return instr, fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, op)
	}

	return instr, nil
}

// memArgMemIdxFlag marks a memarg that carries an explicit memory index
// (multi-memory encoding).
const memArgMemIdxFlag = 1 << 6

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var imm MemoryImm
	if align&memArgMemIdxFlag != 0 {
		align &^= memArgMemIdxFlag
		if imm.MemIdx, err = r.ReadU32(); err != nil {
			return MemoryImm{}, err
		}
	}
	imm.Align = align
	if imm.Offset, err = r.ReadU64(); err != nil {
		return MemoryImm{}, err
	}
	return imm, nil
}

// EncodeInstructions encodes instructions to bytecode.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for _, instr := range instrs {
		encodeInstruction(w, instr)
	}
	return w.Bytes()
}

// EncodeInstruction encodes a single instruction.
func EncodeInstruction(instr Instruction) []byte {
	w := binary.NewWriter()
	encodeInstruction(w, instr)
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, instr Instruction) {
	w.Byte(instr.Opcode)

	switch imm := instr.Imm.(type) {
	case nil:
	case BlockImm:
		w.WriteS64(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case SelectTypeImm:
		writeValTypes(w, imm.Types)
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case TableImm:
		w.WriteU32(imm.TableIdx)
	case MemoryImm:
		if imm.MemIdx != 0 {
			w.WriteU32(imm.Align | memArgMemIdxFlag)
			w.WriteU32(imm.MemIdx)
		} else {
			w.WriteU32(imm.Align)
		}
		w.WriteU64(imm.Offset)
	case MemoryIdxImm:
		w.WriteU32(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(imm.Bits)
	case F64Imm:
		w.WriteU64LE(imm.Bits)
	case RefNullImm:
		w.Byte(byte(imm.Type))
	case RefFuncImm:
		w.WriteU32(imm.FuncIdx)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, v := range imm.Operands {
			w.WriteU32(v)
		}
	}
}
