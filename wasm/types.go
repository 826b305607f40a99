package wasm

// Module is a parsed WebAssembly module.
//
// All cross references are indices into the module's index spaces, never
// pointers, so appending functions, types or exports never invalidates an
// existing reference. Imported items precede defined items in every index
// space.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for defined functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element

	// DataCount holds the count from the DataCount section (ID 12).
	DataCount *uint32

	Code []FuncBody
	Data []DataSegment

	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// ValType is a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether v is one of the four scalar number types.
func (v ValType) IsNumeric() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64:
		return true
	}
	return false
}

func (v ValType) isSupported() bool {
	return v.IsNumeric() || v == ValFuncRef || v == ValExtern
}

// ParseValType maps a textual value type name to its encoding.
func ParseValType(s string) (ValType, bool) {
	switch s {
	case "i32":
		return ValI32, true
	case "i64":
		return ValI64, true
	case "f32":
		return ValF32, true
	case "f64":
		return ValF64, true
	}
	return 0, false
}

// Import is an imported function, table, memory, or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc, KindTable, KindMemory or KindGlobal.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table with element type and size limits.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory with size limits.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// GlobalType describes a global variable's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global with its raw constant init expression.
type Global struct {
	Type GlobalType
	Init []byte // Raw init expression bytes including the end opcode
}

// Export binds a name to an item of the given kind.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element is an element segment.
// Flags determine the format:
//   - 0: active, tableIdx=0, offset expr, vec(funcidx)
//   - 1: passive, elemkind, vec(funcidx)
//   - 2: active, tableIdx, offset expr, elemkind, vec(funcidx)
//   - 3: declarative, elemkind, vec(funcidx)
//   - 4: active, tableIdx=0, offset expr, vec(expr)
//   - 5: passive, reftype, vec(expr)
//   - 6: active, tableIdx, offset expr, reftype, vec(expr)
//   - 7: declarative, reftype, vec(expr)
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	ElemKind byte
	Type     ValType
}

// FuncBody holds a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // Raw code bytes including the final end opcode
}

// LocalEntry is a run of locals sharing one type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment is a data segment.
// Flags: 0 active memory 0, 1 passive, 2 active with explicit memory.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// CustomSection is a named custom section. After records the ID of the
// last known section that preceded it in the input so re-encoding keeps
// its placement; SectionCustom (0) means it came before every known one.
type CustomSection struct {
	Name  string
	Data  []byte
	After byte
}

func (m *Module) countImports(kind byte) int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			count++
		}
	}
	return count
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int { return m.countImports(KindFunc) }

// NumImportedGlobals returns the number of imported globals.
func (m *Module) NumImportedGlobals() int { return m.countImports(KindGlobal) }

// NumImportedTables returns the number of imported tables.
func (m *Module) NumImportedTables() int { return m.countImports(KindTable) }

// NumImportedMemories returns the number of imported memories.
func (m *Module) NumImportedMemories() int { return m.countImports(KindMemory) }

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int { return m.NumImportedFuncs() + len(m.Funcs) }

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int { return m.NumImportedGlobals() + len(m.Globals) }

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() int { return m.NumImportedMemories() + len(m.Memories) }

// NumTables returns the size of the table index space.
func (m *Module) NumTables() int { return m.NumImportedTables() + len(m.Tables) }

// GetFuncType returns the type of a function by its index, or nil when
// the index or its type index is out of range.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	numImported := uint32(m.NumImportedFuncs())
	if funcIdx < numImported {
		for i := range m.Imports {
			if m.Imports[i].Desc.Kind != KindFunc {
				continue
			}
			if funcIdx == 0 {
				return m.typeAt(m.Imports[i].Desc.TypeIdx)
			}
			funcIdx--
		}
		return nil
	}
	localIdx := funcIdx - numImported
	if int(localIdx) >= len(m.Funcs) {
		return nil
	}
	return m.typeAt(m.Funcs[localIdx])
}

func (m *Module) typeAt(typeIdx uint32) *FuncType {
	if int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// GlobalType returns the type of the global at idx.
func (m *Module) GlobalType(idx uint32) (GlobalType, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal {
			continue
		}
		if n == idx {
			if imp.Desc.Global == nil {
				return GlobalType{}, false
			}
			return *imp.Desc.Global, true
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Globals) {
		return GlobalType{}, false
	}
	return m.Globals[local].Type, true
}

// DefinedGlobal returns the module-defined global at global index idx, or
// nil when idx is out of range or refers to an import.
func (m *Module) DefinedGlobal(idx uint32) *Global {
	n := uint32(m.NumImportedGlobals())
	if idx < n || int(idx-n) >= len(m.Globals) {
		return nil
	}
	return &m.Globals[idx-n]
}

// MemoryType returns the type of the memory at idx.
func (m *Module) MemoryType(idx uint32) (MemoryType, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindMemory {
			continue
		}
		if n == idx {
			if imp.Desc.Memory == nil {
				return MemoryType{}, false
			}
			return *imp.Desc.Memory, true
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Memories) {
		return MemoryType{}, false
	}
	return m.Memories[local], true
}

// ExportByName returns the index into m.Exports of the named export.
func (m *Module) ExportByName(name string) (int, bool) {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// AddType adds a function type and returns its index, reusing an
// existing equal type.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if typesEqual(t, ft) {
			return uint32(i)
		}
	}
	idx := uint32(len(m.Types))
	m.Types = append(m.Types, ft)
	return idx
}

// AddFunction appends a defined function and returns its index in the
// function index space. Existing indices are unaffected.
func (m *Module) AddFunction(typeIdx uint32, body FuncBody) uint32 {
	idx := uint32(m.NumFuncs())
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, body)
	return idx
}

func typesEqual(a, b FuncType) bool {
	return valTypesEqual(a.Params, b.Params) && valTypesEqual(a.Results, b.Results)
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two function types have identical signatures.
func (ft FuncType) Equal(other FuncType) bool {
	return typesEqual(ft, other)
}
