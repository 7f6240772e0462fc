package module

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
)

var ErrTableBounds = errors.New("index outside table")

// RelocKind selects the shape of a relocation table.
type RelocKind uint8

const (
	KindRel RelocKind = iota
	KindRela
)

func (kind RelocKind) EntrySize() uint64 {
	if kind == KindRela {
		return RelaSize
	}
	return RelSize
}

// Tag is the DT_PLTREL value naming this kind.
func (kind RelocKind) Tag() elf.DynTag {
	if kind == KindRela {
		return elf.DT_RELA
	}
	return elf.DT_REL
}

func (kind RelocKind) String() string {
	if kind == KindRela {
		return "RELA"
	}
	return "REL"
}

// Reloc is one decoded relocation entry. Addend is always zero for KindRel.
type Reloc struct {
	Kind   RelocKind
	Offset uint64
	Info   uint64
	Addend int64
}

func (reloc Reloc) Type() uint32 { return elf.R_TYPE64(reloc.Info) }

func (reloc Reloc) SymbolIndex() uint32 { return elf.R_SYM64(reloc.Info) }

// Value is what the entry resolves to for a symbol at address.
func (reloc Reloc) Value(address uint64) uint64 {
	if reloc.Kind == KindRela {
		return address + uint64(reloc.Addend)
	}
	return address
}

// Apply patches the word at base+Offset: REL entries accumulate onto the
// stored value, RELA entries replace it with address+addend.
func (reloc Reloc) Apply(memory memmod.Memory, base, address uint64) error {
	target := base + reloc.Offset
	if reloc.Kind == KindRela {
		return memmod.WriteUint64(memory, target, address+uint64(reloc.Addend))
	}
	stored, err := memmod.ReadUint64(memory, target)
	if err != nil {
		return err
	}
	return memmod.WriteUint64(memory, target, stored+address)
}

// Relocations is a relocation table of a single kind.
type Relocations struct {
	Kind    RelocKind
	Address uint64
	Size    uint64
	// Stride overrides the entry size when non-zero.
	Stride uint64
}

func (table Relocations) stride() uint64 {
	if table.Stride != 0 {
		return table.Stride
	}
	return table.Kind.EntrySize()
}

// Len is the number of whole entries in the table.
func (table Relocations) Len() uint64 {
	if table.Address == 0 {
		return 0
	}
	return table.Size / table.stride()
}

// Entry decodes entry index.
func (table Relocations) Entry(memory memmod.Memory, index uint64) (Reloc, error) {
	if index >= table.Len() {
		return Reloc{}, fmt.Errorf("%s entry %d of %d: %w", table.Kind, index, table.Len(), ErrTableBounds)
	}
	raw, err := memory.Slice(table.Address+index*table.stride(), table.Kind.EntrySize())
	if err != nil {
		return Reloc{}, fmt.Errorf("read %s entry %d: %w", table.Kind, index, err)
	}
	reloc := Reloc{
		Kind:   table.Kind,
		Offset: binary.LittleEndian.Uint64(raw[0:]),
		Info:   binary.LittleEndian.Uint64(raw[8:]),
	}
	if table.Kind == KindRela {
		reloc.Addend = int64(binary.LittleEndian.Uint64(raw[16:]))
	}
	return reloc, nil
}

// ApplyRelative applies the RELATIVE entries among the first count entries
// of table against base. It returns how many were applied.
func ApplyRelative(memory memmod.Memory, arch Arch, base uint64, table Relocations, count uint64) (int, error) {
	if count > table.Len() {
		return 0, fmt.Errorf("%s relative count %d exceeds table of %d: %w", table.Kind, count, table.Len(), ErrTableBounds)
	}
	applied := 0
	for i := uint64(0); i < count; i++ {
		reloc, err := table.Entry(memory, i)
		if err != nil {
			return applied, err
		}
		if reloc.Type() != arch.Relative {
			continue
		}
		if err := reloc.Apply(memory, base, base); err != nil {
			return applied, fmt.Errorf("apply %s relative at %#x: %w", table.Kind, reloc.Offset, err)
		}
		applied++
	}
	return applied, nil
}
