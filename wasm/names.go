package wasm

import (
	"fmt"
	"sort"

	"github.com/wippyai/wasm-multivalue/wasm/internal/binary"
)

// NameSectionName is the name of the custom section carrying debug names.
const NameSectionName = "name"

type nameSubsection struct {
	data []byte
	id   byte
}

func (m *Module) nameSection() (*CustomSection, bool) {
	for i := range m.CustomSections {
		if m.CustomSections[i].Name == NameSectionName {
			return &m.CustomSections[i], true
		}
	}
	return nil, false
}

func parseNameSubsections(data []byte) ([]nameSubsection, error) {
	r := binary.NewReader(data)
	var subs []nameSubsection
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("name subsection %d: %w", id, err)
		}
		subs = append(subs, nameSubsection{id: id, data: payload})
	}
	return subs, nil
}

func parseNameMap(data []byte) (map[uint32]string, error) {
	r := binary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string, min(count, 4096))
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadName()
		if err != nil {
			return nil, err
		}
		names[idx] = name
	}
	return names, nil
}

func encodeNameMap(names map[uint32]string) []byte {
	indices := make([]uint32, 0, len(names))
	for idx := range names {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	w := binary.NewWriter()
	w.WriteU32(uint32(len(indices)))
	for _, idx := range indices {
		w.WriteU32(idx)
		w.WriteName(names[idx])
	}
	return w.Bytes()
}

func (m *Module) nameMap(sub byte) (map[uint32]string, error) {
	cs, ok := m.nameSection()
	if !ok {
		return map[uint32]string{}, nil
	}
	subs, err := parseNameSubsections(cs.Data)
	if err != nil {
		return nil, fmt.Errorf("name section: %w", err)
	}
	for _, s := range subs {
		if s.id == sub {
			names, err := parseNameMap(s.data)
			if err != nil {
				return nil, fmt.Errorf("name section: subsection %d: %w", sub, err)
			}
			return names, nil
		}
	}
	return map[uint32]string{}, nil
}

// FuncNames returns the function names recorded in the name section.
// A module without a name section yields an empty map.
func (m *Module) FuncNames() (map[uint32]string, error) {
	return m.nameMap(NameSubsectionFunction)
}

// GlobalNames returns the global names recorded in the name section
// (extended-name-section subsection 7).
func (m *Module) GlobalNames() (map[uint32]string, error) {
	return m.nameMap(NameSubsectionGlobal)
}

// SetFuncNames merges names into the function-name subsection, creating
// the name section when the module has none. Other subsections are kept.
func (m *Module) SetFuncNames(names map[uint32]string) error {
	if len(names) == 0 {
		return nil
	}

	cs, ok := m.nameSection()
	if !ok {
		m.CustomSections = append(m.CustomSections, CustomSection{
			Name:  NameSectionName,
			After: SectionData,
		})
		cs = &m.CustomSections[len(m.CustomSections)-1]
	}

	subs, err := parseNameSubsections(cs.Data)
	if err != nil {
		return fmt.Errorf("name section: %w", err)
	}

	merged := make(map[uint32]string)
	pos := -1
	for i, s := range subs {
		if s.id == NameSubsectionFunction {
			existing, err := parseNameMap(s.data)
			if err != nil {
				return fmt.Errorf("name section: function names: %w", err)
			}
			merged = existing
			pos = i
			break
		}
	}
	for idx, name := range names {
		merged[idx] = name
	}

	fn := nameSubsection{id: NameSubsectionFunction, data: encodeNameMap(merged)}
	switch {
	case pos >= 0:
		subs[pos] = fn
	default:
		// Subsections are ordered by id; the function map follows the
		// module name.
		insert := 0
		for insert < len(subs) && subs[insert].id < NameSubsectionFunction {
			insert++
		}
		subs = append(subs[:insert], append([]nameSubsection{fn}, subs[insert:]...)...)
	}

	w := binary.NewWriter()
	for _, s := range subs {
		w.Byte(s.id)
		w.WriteU32(uint32(len(s.data)))
		w.WriteBytes(s.data)
	}
	cs.Data = w.Bytes()
	return nil
}
