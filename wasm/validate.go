package wasm

import "fmt"

// Validate checks the module for structural validity: every index is in
// range, section counts agree, and every function body decodes into a
// well-nested instruction sequence whose immediates reference existing
// items. It does not type-check the operand stack.
func (m *Module) Validate() error {
	checks := []func() error{
		m.validateTypeIndices,
		m.validateFunctionIndices,
		m.validateTableIndices,
		m.validateMemoryIndices,
		m.validateGlobals,
		m.validateExports,
		m.validateStart,
		m.validateDataCount,
		m.validateCodeCount,
		m.validateMemoryLimits,
		m.validateBodies,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d references invalid type index %d", i, typeIdx)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d (%s.%s) references invalid type index %d",
				i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumFuncs())

	for i, elem := range m.Elements {
		for j, funcIdx := range elem.FuncIdxs {
			if funcIdx >= numFuncs {
				return fmt.Errorf("element %d, entry %d references invalid function index %d", i, j, funcIdx)
			}
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx >= numFuncs {
			return fmt.Errorf("export %d (%s) references invalid function index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateTableIndices() error {
	numTables := uint32(m.NumTables())
	for i, elem := range m.Elements {
		isPassive := elem.Flags&0x01 != 0
		if !isPassive && elem.TableIdx >= numTables {
			return fmt.Errorf("element %d references invalid table index %d", i, elem.TableIdx)
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindTable && exp.Idx >= numTables {
			return fmt.Errorf("export %d (%s) references invalid table index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateMemoryIndices() error {
	numMemories := uint32(m.NumMemories())
	for i, data := range m.Data {
		if data.Flags != 1 && data.MemIdx >= numMemories {
			return fmt.Errorf("data segment %d references invalid memory index %d", i, data.MemIdx)
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindMemory && exp.Idx >= numMemories {
			return fmt.Errorf("export %d (%s) references invalid memory index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateGlobals() error {
	numGlobals := uint32(m.NumGlobals())
	for i, exp := range m.Exports {
		if exp.Kind == KindGlobal && exp.Idx >= numGlobals {
			return fmt.Errorf("export %d (%s) references invalid global index %d", i, exp.Name, exp.Idx)
		}
	}
	for i, g := range m.Globals {
		if len(g.Init) == 0 || g.Init[len(g.Init)-1] != OpEnd {
			return fmt.Errorf("global %d has malformed init expression", i)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool, len(m.Exports))
	for i, exp := range m.Exports {
		if seen[exp.Name] {
			return fmt.Errorf("duplicate export name %q at index %d", exp.Name, i)
		}
		seen[exp.Name] = true
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	funcType := m.GetFuncType(*m.Start)
	if funcType == nil {
		return fmt.Errorf("start function %d has no type", *m.Start)
	}
	if len(funcType.Params) != 0 || len(funcType.Results) != 0 {
		return fmt.Errorf("start function must have signature [] -> [], got [%d params] -> [%d results]",
			len(funcType.Params), len(funcType.Results))
	}
	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && *m.DataCount != uint32(len(m.Data)) {
		return fmt.Errorf("data count section declares %d segments, but data section has %d",
			*m.DataCount, len(m.Data))
	}
	return nil
}

func (m *Module) validateCodeCount() error {
	if len(m.Code) != len(m.Funcs) {
		return fmt.Errorf("code section has %d entries but function section has %d",
			len(m.Code), len(m.Funcs))
	}
	return nil
}

func (m *Module) validateMemoryLimits() error {
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory && imp.Desc.Memory != nil {
			if err := validateMemoryType(imp.Desc.Memory, i, true); err != nil {
				return err
			}
		}
	}
	for i := range m.Memories {
		if err := validateMemoryType(&m.Memories[i], i, false); err != nil {
			return err
		}
	}
	return nil
}

func validateMemoryType(mem *MemoryType, idx int, isImport bool) error {
	prefix := "memory"
	if isImport {
		prefix = "imported memory"
	}
	if mem.Limits.Shared && mem.Limits.Max == nil {
		return fmt.Errorf("%s %d: shared memory must have maximum limit", prefix, idx)
	}
	if mem.Limits.Memory64 {
		return nil
	}
	if mem.Limits.Min > MemoryMaxPages32 {
		return fmt.Errorf("%s %d: min pages %d exceeds maximum %d", prefix, idx, mem.Limits.Min, MemoryMaxPages32)
	}
	if mem.Limits.Max != nil && *mem.Limits.Max > MemoryMaxPages32 {
		return fmt.Errorf("%s %d: max pages %d exceeds maximum %d", prefix, idx, *mem.Limits.Max, MemoryMaxPages32)
	}
	return nil
}

func (m *Module) validateBodies() error {
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		if err := m.validateBody(funcIdx, &m.Code[i]); err != nil {
			return fmt.Errorf("function %d: %w", funcIdx, err)
		}
	}
	return nil
}

// bodyContext carries the index-space sizes a function body is checked against.
type bodyContext struct {
	numLocals   uint64
	numFuncs    uint32
	numTypes    uint32
	numTables   uint32
	numMemories uint32
	numGlobals  uint32
	numData     uint32
	numElems    uint32
	hasDataCnt  bool
}

func (m *Module) validateBody(funcIdx uint32, body *FuncBody) error {
	ft := m.GetFuncType(funcIdx)
	if ft == nil {
		return fmt.Errorf("no type")
	}

	ctx := bodyContext{
		numLocals:   uint64(len(ft.Params)),
		numFuncs:    uint32(m.NumFuncs()),
		numTypes:    uint32(len(m.Types)),
		numTables:   uint32(m.NumTables()),
		numMemories: uint32(m.NumMemories()),
		numGlobals:  uint32(m.NumGlobals()),
		numData:     uint32(len(m.Data)),
		numElems:    uint32(len(m.Elements)),
		hasDataCnt:  m.DataCount != nil,
	}
	for _, l := range body.Locals {
		ctx.numLocals += uint64(l.Count)
	}

	instrs, err := DecodeInstructions(body.Code)
	if err != nil {
		return err
	}

	// The function body itself is the outermost control frame.
	depth := 1
	var ifFrames []bool
	ifFrames = append(ifFrames, false)

	for pc, instr := range instrs {
		if depth == 0 {
			return fmt.Errorf("instruction %d after final end", pc)
		}
		switch instr.Opcode {
		case OpBlock, OpLoop, OpIf:
			bt := instr.Imm.(BlockImm).Type
			if bt >= 0 && uint64(bt) >= uint64(ctx.numTypes) {
				return fmt.Errorf("instruction %d: block type index %d out of range", pc, bt)
			}
			depth++
			ifFrames = append(ifFrames, instr.Opcode == OpIf)
		case OpElse:
			if !ifFrames[len(ifFrames)-1] {
				return fmt.Errorf("instruction %d: else without matching if", pc)
			}
			ifFrames[len(ifFrames)-1] = false
		case OpEnd:
			depth--
			ifFrames = ifFrames[:len(ifFrames)-1]
		default:
			if err := m.validateImmediates(&ctx, depth, instr); err != nil {
				return fmt.Errorf("instruction %d (0x%02x): %w", pc, instr.Opcode, err)
			}
		}
	}

	if depth != 0 {
		return fmt.Errorf("unbalanced control structure: %d unclosed frames", depth)
	}
	return nil
}

func (m *Module) validateImmediates(ctx *bodyContext, depth int, instr Instruction) error {
	switch imm := instr.Imm.(type) {
	case BranchImm:
		if int(imm.LabelIdx) >= depth {
			return fmt.Errorf("branch depth %d exceeds nesting %d", imm.LabelIdx, depth)
		}
	case BrTableImm:
		if int(imm.Default) >= depth {
			return fmt.Errorf("branch depth %d exceeds nesting %d", imm.Default, depth)
		}
		for _, l := range imm.Labels {
			if int(l) >= depth {
				return fmt.Errorf("branch depth %d exceeds nesting %d", l, depth)
			}
		}
	case CallImm:
		if imm.FuncIdx >= ctx.numFuncs {
			return fmt.Errorf("call to unknown function %d", imm.FuncIdx)
		}
	case CallIndirectImm:
		if imm.TypeIdx >= ctx.numTypes {
			return fmt.Errorf("unknown type %d", imm.TypeIdx)
		}
		if imm.TableIdx >= ctx.numTables {
			return fmt.Errorf("unknown table %d", imm.TableIdx)
		}
	case LocalImm:
		if uint64(imm.LocalIdx) >= ctx.numLocals {
			return fmt.Errorf("unknown local %d", imm.LocalIdx)
		}
	case GlobalImm:
		if imm.GlobalIdx >= ctx.numGlobals {
			return fmt.Errorf("unknown global %d", imm.GlobalIdx)
		}
		if instr.Opcode == OpGlobalSet {
			gt, _ := m.GlobalType(imm.GlobalIdx)
			if !gt.Mutable {
				return fmt.Errorf("global.set on immutable global %d", imm.GlobalIdx)
			}
		}
	case TableImm:
		if imm.TableIdx >= ctx.numTables {
			return fmt.Errorf("unknown table %d", imm.TableIdx)
		}
	case MemoryImm:
		if imm.MemIdx >= ctx.numMemories {
			return fmt.Errorf("unknown memory %d", imm.MemIdx)
		}
	case MemoryIdxImm:
		if imm.MemIdx >= ctx.numMemories {
			return fmt.Errorf("unknown memory %d", imm.MemIdx)
		}
	case RefFuncImm:
		if imm.FuncIdx >= ctx.numFuncs {
			return fmt.Errorf("ref.func of unknown function %d", imm.FuncIdx)
		}
	case MiscImm:
		return validateMisc(ctx, imm)
	}
	return nil
}

func validateMisc(ctx *bodyContext, imm MiscImm) error {
	switch imm.SubOpcode {
	case MiscMemoryInit, MiscDataDrop:
		if !ctx.hasDataCnt {
			return fmt.Errorf("data index used without data count section")
		}
		if imm.Operands[0] >= ctx.numData {
			return fmt.Errorf("unknown data segment %d", imm.Operands[0])
		}
		if imm.SubOpcode == MiscMemoryInit && imm.Operands[1] >= ctx.numMemories {
			return fmt.Errorf("unknown memory %d", imm.Operands[1])
		}
	case MiscMemoryCopy, MiscMemoryFill:
		for _, mem := range imm.Operands {
			if mem >= ctx.numMemories {
				return fmt.Errorf("unknown memory %d", mem)
			}
		}
	case MiscTableInit:
		if imm.Operands[0] >= ctx.numElems {
			return fmt.Errorf("unknown element segment %d", imm.Operands[0])
		}
		if imm.Operands[1] >= ctx.numTables {
			return fmt.Errorf("unknown table %d", imm.Operands[1])
		}
	case MiscElemDrop:
		if imm.Operands[0] >= ctx.numElems {
			return fmt.Errorf("unknown element segment %d", imm.Operands[0])
		}
	case MiscTableCopy, MiscTableGrow, MiscTableSize, MiscTableFill:
		for _, t := range imm.Operands {
			if t >= ctx.numTables {
				return fmt.Errorf("unknown table %d", t)
			}
		}
	}
	return nil
}
