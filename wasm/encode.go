package wasm

import (
	"github.com/wippyai/wasm-multivalue/wasm/internal/binary"
)

// Encode encodes the module to WebAssembly binary format.
//
// Known sections are written in canonical order. Custom sections are
// written directly after the known section they followed when parsed.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()

	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	m.writeCustomSections(w, SectionCustom)

	for _, id := range []byte{
		SectionType, SectionImport, SectionFunction, SectionTable, SectionMemory,
		SectionGlobal, SectionExport, SectionStart, SectionElement, SectionDataCount,
		SectionCode, SectionData,
	} {
		if data, ok := m.encodeSection(id); ok {
			writeSection(w, id, data)
		}
		m.writeCustomSections(w, id)
	}

	return w.Bytes()
}

func (m *Module) writeCustomSections(w *binary.Writer, after byte) {
	for _, cs := range m.CustomSections {
		if cs.After != after {
			continue
		}
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, sec.Bytes())
	}
}

func (m *Module) encodeSection(id byte) ([]byte, bool) {
	sec := binary.NewWriter()

	switch id {
	case SectionType:
		if len(m.Types) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(FuncTypeByte)
			writeValTypes(sec, ft.Params)
			writeValTypes(sec, ft.Results)
		}

	case SectionImport:
		if len(m.Imports) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				sec.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				writeTableType(sec, *imp.Desc.Table)
			case KindMemory:
				writeLimits(sec, imp.Desc.Memory.Limits)
			case KindGlobal:
				writeGlobalType(sec, *imp.Desc.Global)
			}
		}

	case SectionFunction:
		if len(m.Funcs) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			sec.WriteU32(typeIdx)
		}

	case SectionTable:
		if len(m.Tables) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(sec, t)
		}

	case SectionMemory:
		if len(m.Memories) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(sec, mem.Limits)
		}

	case SectionGlobal:
		if len(m.Globals) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(sec, g.Type)
			sec.WriteBytes(g.Init)
		}

	case SectionExport:
		if len(m.Exports) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}

	case SectionStart:
		if m.Start == nil {
			return nil, false
		}
		sec.WriteU32(*m.Start)

	case SectionElement:
		if len(m.Elements) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Elements)))
		for _, elem := range m.Elements {
			writeElement(sec, elem)
		}

	case SectionDataCount:
		if m.DataCount == nil {
			return nil, false
		}
		sec.WriteU32(*m.DataCount)

	case SectionCode:
		if len(m.Code) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Code)))
		body := binary.NewWriter()
		for _, fb := range m.Code {
			body.Reset()
			body.WriteU32(uint32(len(fb.Locals)))
			for _, local := range fb.Locals {
				body.WriteU32(local.Count)
				body.Byte(byte(local.ValType))
			}
			body.WriteBytes(fb.Code)
			sec.WriteU32(uint32(body.Len()))
			sec.WriteBytes(body.Bytes())
		}

	case SectionData:
		if len(m.Data) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			sec.WriteU32(d.Flags)
			if d.Flags == 2 {
				sec.WriteU32(d.MemIdx)
			}
			if d.Flags != 1 {
				sec.WriteBytes(d.Offset)
			}
			sec.WriteU32(uint32(len(d.Init)))
			sec.WriteBytes(d.Init)
		}

	default:
		return nil, false
	}

	return sec.Bytes(), true
}

func writeElement(w *binary.Writer, elem Element) {
	w.WriteU32(elem.Flags)

	hasTableIdx := elem.Flags&0x02 != 0 && elem.Flags&0x01 == 0
	hasOffset := elem.Flags&0x01 == 0
	usesExprs := elem.Flags&0x04 != 0

	if hasTableIdx {
		w.WriteU32(elem.TableIdx)
	}
	if hasOffset {
		w.WriteBytes(elem.Offset)
	}
	if elem.Flags&0x03 != 0 {
		if usesExprs {
			w.Byte(byte(elem.Type))
		} else {
			w.Byte(elem.ElemKind)
		}
	}

	if usesExprs {
		w.WriteU32(uint32(len(elem.Exprs)))
		for _, expr := range elem.Exprs {
			w.WriteBytes(expr)
		}
		return
	}
	w.WriteU32(uint32(len(elem.FuncIdxs)))
	for _, idx := range elem.FuncIdxs {
		w.WriteU32(idx)
	}
}

func writeSection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(data)))
	w.WriteBytes(data)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	if l.Memory64 {
		flags |= LimitsMemory64
	}
	w.Byte(flags)

	if l.Memory64 {
		w.WriteU64(l.Min)
		if l.Max != nil {
			w.WriteU64(*l.Max)
		}
		return
	}
	w.WriteU32(uint32(l.Min))
	if l.Max != nil {
		w.WriteU32(uint32(*l.Max))
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}
