// Package modimg produces module images an rtld.Linker can discover: either
// synthesized from a symbol and relocation description, or adapted from an
// ELF shared object by appending a MOD0 header.
package modimg

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/samber/lo"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

// Fixed offsets of a synthesized image, counted from its base.
const (
	HeaderOffset = 0x10
	StubOffset   = 0x100
	DataOffset   = memmod.PageSize
	ObjectSize   = 0x100
)

// SectionDefined is the section index given to symbols the image defines.
const SectionDefined elf.SectionIndex = 1

// Symbol describes one dynamic symbol.
type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	Section    elf.SectionIndex
}

func (symbol Symbol) info() byte { return elf.ST_INFO(symbol.Bind, symbol.Type) }

// Reloc describes one relocation. Offset is counted from the image base.
// For REL entries the addend is stored in the target word.
type Reloc struct {
	Kind   module.RelocKind
	Offset uint64
	Type   uint32
	Symbol uint32
	Addend int64
}

type pltEntry struct {
	symbol uint32
	stub   uint64
}

// Builder accumulates the contents of a synthesized image.
type Builder struct {
	Arch module.Arch
	// Kind is the table used by Define/Import helpers and for the PLT.
	Kind module.RelocKind
	// PLTKind overrides the DT_PLTREL kind when set.
	PLTKind *module.RelocKind

	Magic     uint32
	Soname    string
	Init      uint64
	Fini      uint64
	BSSSize   uint64
	NoBuckets bool
	// Extra entries are appended after the generated dynamic section.
	Extra []elf.Dyn64

	symbols []Symbol
	relocs  []Reloc
	plt     []pltEntry
	data    []byte
}

func NewBuilder(arch module.Arch) *Builder {
	return &Builder{
		Arch:    arch,
		Kind:    module.KindRela,
		Magic:   module.Magic,
		symbols: []Symbol{{}},
	}
}

// AddSymbol appends symbol to the dynamic symbol table and returns its index.
func (b *Builder) AddSymbol(symbol Symbol) uint32 {
	b.symbols = append(b.symbols, symbol)
	return uint32(len(b.symbols) - 1)
}

// Define adds a global object symbol at value.
func (b *Builder) Define(name string, value uint64) uint32 {
	return b.AddSymbol(Symbol{
		Name:    name,
		Value:   value,
		Size:    8,
		Bind:    elf.STB_GLOBAL,
		Type:    elf.STT_OBJECT,
		Section: SectionDefined,
	})
}

// Import adds an undefined global reference to name.
func (b *Builder) Import(name string) uint32 {
	return b.AddSymbol(Symbol{
		Name:    name,
		Bind:    elf.STB_GLOBAL,
		Section: elf.SHN_UNDEF,
	})
}

// Word reserves an 8-byte data word holding value and returns its offset.
func (b *Builder) Word(value uint64) uint64 {
	offset := DataOffset + uint64(len(b.data))
	b.data = binary.LittleEndian.AppendUint64(b.data, value)
	return offset
}

// Variable reserves an 8-byte data word and defines name on it.
func (b *Builder) Variable(name string, value uint64) uint64 {
	offset := b.Word(value)
	b.Define(name, offset)
	return offset
}

// AddReloc appends a relocation entry.
func (b *Builder) AddReloc(reloc Reloc) {
	b.relocs = append(b.relocs, reloc)
}

// Pointer reserves a data word and a RELATIVE relocation making it point at
// target once the image is relocated.
func (b *Builder) Pointer(target uint64) uint64 {
	offset := b.Word(0)
	b.AddReloc(Reloc{Kind: b.Kind, Offset: offset, Type: b.Arch.Relative, Addend: int64(target)})
	return offset
}

// Slot reserves a data word bound to symbol through a relocation of type t.
func (b *Builder) Slot(t uint32, symbol uint32, addend int64) uint64 {
	offset := b.Word(0)
	b.AddReloc(Reloc{Kind: b.Kind, Offset: offset, Type: t, Symbol: symbol, Addend: addend})
	return offset
}

// GlobDat reserves a GOT data word bound to symbol.
func (b *Builder) GlobDat(symbol uint32) uint64 {
	return b.Slot(b.Arch.GlobDat, symbol, 0)
}

// PLT adds a JUMP_SLOT entry for symbol and returns its PLT index. The slot
// initially holds StubOffset.
func (b *Builder) PLT(symbol uint32) int {
	return b.PLTWithStub(symbol, StubOffset)
}

// PLTWithStub is PLT with an explicit initial slot value.
func (b *Builder) PLTWithStub(symbol uint32, stub uint64) int {
	b.plt = append(b.plt, pltEntry{symbol: symbol, stub: stub})
	return len(b.plt) - 1
}

func (b *Builder) pltKind() module.RelocKind {
	if b.PLTKind != nil {
		return *b.PLTKind
	}
	return b.Kind
}

// Build lays out the image.
//
// Layout: one RX code page holding the header pointer, the MOD0 header and
// the PLT stub; the data pages (RW) holding data words, the GOT and the BSS
// including the module object; then the read-only pages holding the dynamic
// section and the symbol, string, hash and relocation tables.
func (b *Builder) Build() (*Image, error) {
	if b.Arch.Name == "" {
		return nil, fmt.Errorf("modimg: no architecture")
	}
	le := binary.LittleEndian

	// Data segment.
	data := append([]byte(nil), b.data...)
	gotOffset := DataOffset + uint64(len(data))
	data = append(data, make([]byte, 8*(3+len(b.plt)))...)
	pltSlots := make([]uint64, len(b.plt))
	for i, entry := range b.plt {
		pltSlots[i] = gotOffset + 8*uint64(3+i)
		le.PutUint64(data[pltSlots[i]-DataOffset:], entry.stub)
	}
	objectOffset := DataOffset + uint64(len(data))
	bssEnd := objectOffset + ObjectSize + b.BSSSize
	dataSize := memmod.AlignUp(bssEnd - DataOffset)
	data = append(data, make([]byte, dataSize-uint64(len(data)))...)

	for _, reloc := range b.relocs {
		if reloc.Kind != module.KindRel {
			continue
		}
		if reloc.Offset < DataOffset || reloc.Offset+8 > DataOffset+dataSize {
			return nil, fmt.Errorf("modimg: REL target %#x outside data", reloc.Offset)
		}
		le.PutUint64(data[reloc.Offset-DataOffset:], uint64(reloc.Addend))
	}

	roOffset := DataOffset + dataSize
	var ro []byte
	place := func(raw []byte) uint64 {
		for len(ro)%8 != 0 {
			ro = append(ro, 0)
		}
		offset := roOffset + uint64(len(ro))
		ro = append(ro, raw...)
		return offset
	}

	// String table.
	strtab := []byte{0}
	nameOffset := func(name string) uint32 {
		if name == "" {
			return 0
		}
		offset := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		return offset
	}
	names := lo.Map(b.symbols, func(symbol Symbol, _ int) uint32 { return nameOffset(symbol.Name) })
	var sonameIndex uint32
	if b.Soname != "" {
		sonameIndex = nameOffset(b.Soname)
	}

	// Symbol table.
	symtab := make([]byte, 0, module.SymSize*len(b.symbols))
	for i, symbol := range b.symbols {
		entry := make([]byte, module.SymSize)
		le.PutUint32(entry[0:], names[i])
		entry[4] = symbol.info()
		entry[5] = byte(symbol.Visibility)
		le.PutUint16(entry[6:], uint16(symbol.Section))
		le.PutUint64(entry[8:], symbol.Value)
		le.PutUint64(entry[16:], symbol.Size)
		symtab = append(symtab, entry...)
	}

	// Hash table.
	nbucket := uint32(len(b.symbols))
	if b.NoBuckets {
		nbucket = 0
	}
	nchain := uint32(len(b.symbols))
	hash := make([]byte, 8+4*int(nbucket)+4*int(nchain))
	le.PutUint32(hash[0:], nbucket)
	le.PutUint32(hash[4:], nchain)
	if nbucket != 0 {
		buckets := hash[8 : 8+4*nbucket]
		chains := hash[8+4*nbucket:]
		for i := 1; i < len(b.symbols); i++ {
			bucket := module.Hash(b.symbols[i].Name) % nbucket
			le.PutUint32(chains[4*i:], le.Uint32(buckets[4*bucket:]))
			le.PutUint32(buckets[4*bucket:], uint32(i))
		}
	}

	dynamicSize := module.DynSize * (32 + len(b.Extra))
	dynamicOffset := place(make([]byte, dynamicSize))
	symtabOffset := place(symtab)
	strtabOffset := place(strtab)
	hashOffset := place(hash)

	var dynamic []elf.Dyn64
	add := func(tag elf.DynTag, value uint64) {
		dynamic = append(dynamic, elf.Dyn64{Tag: int64(tag), Val: value})
	}
	add(elf.DT_HASH, hashOffset)
	add(elf.DT_STRTAB, strtabOffset)
	add(elf.DT_SYMTAB, symtabOffset)
	add(elf.DT_STRSZ, uint64(len(strtab)))
	add(elf.DT_SYMENT, module.SymSize)

	for _, kind := range []module.RelocKind{module.KindRel, module.KindRela} {
		relocs := lo.Filter(b.relocs, func(reloc Reloc, _ int) bool { return reloc.Kind == kind })
		if len(relocs) == 0 {
			continue
		}
		relative, rest := lo.FilterReject(relocs, func(reloc Reloc, _ int) bool { return reloc.Type == b.Arch.Relative })
		table := encodeRelocs(kind, append(relative, rest...))
		address := place(table)
		if kind == module.KindRel {
			add(elf.DT_REL, address)
			add(elf.DT_RELSZ, uint64(len(table)))
			add(elf.DT_RELENT, module.RelSize)
			add(elf.DT_RELCOUNT, uint64(len(relative)))
		} else {
			add(elf.DT_RELA, address)
			add(elf.DT_RELASZ, uint64(len(table)))
			add(elf.DT_RELAENT, module.RelaSize)
			add(elf.DT_RELACOUNT, uint64(len(relative)))
		}
	}

	pltKind := b.pltKind()
	if len(b.plt) > 0 {
		entries := make([]Reloc, len(b.plt))
		for i, entry := range b.plt {
			entries[i] = Reloc{Kind: pltKind, Offset: pltSlots[i], Type: b.Arch.JumpSlot, Symbol: entry.symbol}
		}
		table := encodeRelocs(pltKind, entries)
		add(elf.DT_JMPREL, place(table))
		add(elf.DT_PLTRELSZ, uint64(len(table)))
	}
	add(elf.DT_PLTREL, uint64(pltKind.Tag()))
	add(elf.DT_PLTGOT, gotOffset)

	if b.Init != 0 {
		add(elf.DT_INIT, b.Init)
	}
	if b.Fini != 0 {
		add(elf.DT_FINI, b.Fini)
	}
	if b.Soname != "" {
		add(elf.DT_SONAME, uint64(sonameIndex))
	}
	dynamic = append(dynamic, b.Extra...)
	dynamic = append(dynamic, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	if len(dynamic)*module.DynSize > dynamicSize {
		return nil, fmt.Errorf("modimg: dynamic section overflow")
	}
	for i, entry := range dynamic {
		raw := ro[dynamicOffset-roOffset+uint64(i*module.DynSize):]
		le.PutUint64(raw[0:], uint64(entry.Tag))
		le.PutUint64(raw[8:], entry.Val)
	}

	// Code page.
	text := make([]byte, memmod.PageSize)
	le.PutUint32(text[module.HeaderPointerOffset:], HeaderOffset)
	header := module.Header{
		Magic:              b.Magic,
		DynamicOffset:      uint32(dynamicOffset - HeaderOffset),
		BSSStartOffset:     uint32(objectOffset - HeaderOffset),
		BSSEndOffset:       uint32(bssEnd - HeaderOffset),
		ModuleObjectOffset: uint32(objectOffset - HeaderOffset),
	}
	header.Encode(text[HeaderOffset:])

	ro = append(ro, make([]byte, memmod.AlignUp(uint64(len(ro)))-uint64(len(ro)))...)

	return &Image{
		Arch: b.Arch,
		Segments: []Segment{
			{Offset: 0, Data: text, State: svc.MemoryStateCode, Permission: svc.PermissionRX},
			{Offset: DataOffset, Data: data, State: svc.MemoryStateCodeData, Permission: svc.PermissionRW},
			{Offset: roOffset, Data: ro, State: svc.MemoryStateCode, Permission: svc.PermissionRead},
		},
		HeaderOffset:  HeaderOffset,
		DynamicOffset: dynamicOffset,
		GOTOffset:     gotOffset,
		ObjectOffset:  objectOffset,
		PLTSlots:      pltSlots,
	}, nil
}

func encodeRelocs(kind module.RelocKind, relocs []Reloc) []byte {
	le := binary.LittleEndian
	size := int(kind.EntrySize())
	out := make([]byte, size*len(relocs))
	for i, reloc := range relocs {
		raw := out[i*size:]
		le.PutUint64(raw[0:], reloc.Offset)
		le.PutUint64(raw[8:], elf.R_INFO(reloc.Symbol, reloc.Type))
		if kind == module.KindRela {
			le.PutUint64(raw[16:], uint64(reloc.Addend))
		}
	}
	return out
}
