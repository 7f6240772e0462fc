package module

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
)

// Symbol is a dynamic symbol table entry together with its index.
type Symbol struct {
	Index uint32
	elf.Sym64
}

func (symbol Symbol) Bind() elf.SymBind { return elf.ST_BIND(symbol.Info) }

func (symbol Symbol) Type() elf.SymType { return elf.ST_TYPE(symbol.Info) }

func (symbol Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(symbol.Other) }

// Local reports STB_LOCAL binding.
func (symbol Symbol) Local() bool { return symbol.Bind() == elf.STB_LOCAL }

// Weak tests the STB_WEAK bit of the binding.
func (symbol Symbol) Weak() bool { return symbol.Bind()&elf.STB_WEAK == elf.STB_WEAK }

// Defined reports whether the symbol can satisfy a lookup: undefined and
// common entries cannot.
func (symbol Symbol) Defined() bool {
	section := elf.SectionIndex(symbol.Shndx)
	return section != elf.SHN_UNDEF && section != elf.SHN_COMMON
}

// Hash is the System V ELF symbol hash.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

// Symbol decodes entry index of the dynamic symbol table.
func (object *Object) Symbol(memory memmod.Memory, index uint32) (Symbol, error) {
	if object.NChain != 0 && uint64(index) >= object.NChain {
		return Symbol{}, fmt.Errorf("symbol %d of %d: %w", index, object.NChain, ErrTableBounds)
	}
	raw, err := memory.Slice(object.Symtab+uint64(index)*SymSize, SymSize)
	if err != nil {
		return Symbol{}, fmt.Errorf("read symbol %d: %w", index, err)
	}
	le := binary.LittleEndian
	return Symbol{
		Index: index,
		Sym64: elf.Sym64{
			Name:  le.Uint32(raw[0:]),
			Info:  raw[4],
			Other: raw[5],
			Shndx: le.Uint16(raw[6:]),
			Value: le.Uint64(raw[8:]),
			Size:  le.Uint64(raw[16:]),
		},
	}, nil
}

func (object *Object) stringAt(memory memmod.Memory, offset uint64) (string, bool) {
	if offset >= object.StrSize {
		return "", false
	}
	table, err := memory.Slice(object.Strtab, object.StrSize)
	if err != nil {
		return "", false
	}
	end := bytes.IndexByte(table[offset:], 0)
	if end < 0 {
		return "", false
	}
	return string(table[offset : offset+uint64(end)]), true
}

// SymbolName returns the name of symbol from the string table. ok is false
// when the name lies outside the table or is not terminated.
func (object *Object) SymbolName(memory memmod.Memory, symbol Symbol) (string, bool) {
	return object.stringAt(memory, uint64(symbol.Name))
}

// GetSymbolByName walks the hash chain for name and returns the first
// defined symbol with exactly that name. Undefined and common entries never
// match.
func (object *Object) GetSymbolByName(memory memmod.Memory, name string) (Symbol, bool, error) {
	if object.NBucket == 0 {
		return Symbol{}, false, nil
	}
	bucket := uint64(Hash(name)) % object.NBucket
	index, err := memmod.ReadUint32(memory, object.HashBucket+4*bucket)
	if err != nil {
		return Symbol{}, false, fmt.Errorf("read hash bucket %d: %w", bucket, err)
	}

	for steps := uint64(0); index != 0; steps++ {
		if uint64(index) >= object.NChain || steps >= object.NChain {
			return Symbol{}, false, fmt.Errorf("hash chain entry %d of %d: %w", index, object.NChain, ErrTableBounds)
		}
		symbol, err := object.Symbol(memory, index)
		if err != nil {
			return Symbol{}, false, err
		}
		if symbol.Defined() {
			if candidate, ok := object.SymbolName(memory, symbol); ok && candidate == name {
				return symbol, true, nil
			}
		}
		index, err = memmod.ReadUint32(memory, object.HashChain+4*uint64(index))
		if err != nil {
			return Symbol{}, false, fmt.Errorf("read hash chain: %w", err)
		}
	}
	return Symbol{}, false, nil
}

// SymbolAddress is the absolute address of a symbol defined by object.
func (object *Object) SymbolAddress(symbol Symbol) uint64 {
	return object.Base + symbol.Value
}
