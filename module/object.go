// Package module models the runtime descriptors of position-independent
// images mapped into an address space: the MOD0 header, the Module Object
// built from the dynamic section, its relocation and symbol tables, and the
// intrusive list that orders objects.
package module

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
)

var (
	ErrEntrySize  = errors.New("dynamic entry size mismatch")
	ErrPLTRelType = errors.New("DT_PLTREL names neither DT_REL nor DT_RELA")
)

// Object is the runtime descriptor of one module. Address is where its
// storage lives inside the module image; it identifies the module to the PLT
// trampoline through GOT slot 1.
type Object struct {
	link Link
	arch Arch

	Address uint64
	Base    uint64
	Dynamic uint64

	// Non-PLT relocations. RelCount and RelaCount entries at the head of
	// each table are RELATIVE fixups applied by Relocate.
	Rel       Relocations
	Rela      Relocations
	RelCount  uint64
	RelaCount uint64

	// PLT relocations; the kind comes from DT_PLTREL.
	PLT Relocations

	Symtab     uint64
	Strtab     uint64
	StrSize    uint64
	HashBucket uint64
	HashChain  uint64
	NBucket    uint64
	NChain     uint64

	GOT     uint64
	GOTStub uint64

	Init uint64
	Fini uint64

	SonameIndex uint64
	HasSoname   bool
}

// NewObject returns an unlinked object whose storage is at address.
func NewObject(address uint64) *Object {
	object := &Object{Address: address}
	object.link.next = &object.link
	object.link.prev = &object.link
	object.link.object = object
	return object
}

// Arch is the architecture the object was initialized for.
func (object *Object) Arch() Arch { return object.arch }

// IsRela reports whether the PLT table uses RELA entries.
func (object *Object) IsRela() bool { return object.PLT.Kind == KindRela }

// Linked reports whether the object is a member of some list.
func (object *Object) Linked() bool {
	return object.link.next != nil && object.link.next != &object.link
}

// WalkDynamic calls fn for every dynamic entry at address up to DT_NULL.
func WalkDynamic(memory memmod.Memory, address uint64, fn func(tag elf.DynTag, value uint64) error) error {
	for entry := address; ; entry += DynSize {
		tag, err := memmod.ReadUint64(memory, entry)
		if err != nil {
			return fmt.Errorf("read dynamic entry at %#x: %w", entry, err)
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			return nil
		}
		value, err := memmod.ReadUint64(memory, entry+8)
		if err != nil {
			return fmt.Errorf("read dynamic entry at %#x: %w", entry, err)
		}
		if err := fn(elf.DynTag(tag), value); err != nil {
			return err
		}
	}
}

// Initialize populates the object from the dynamic section at dynamic. Every
// field it manages is overwritten; the list link is left alone.
func (object *Object) Initialize(memory memmod.Memory, arch Arch, base, dynamic uint64) error {
	*object = Object{
		link:    object.link,
		arch:    arch,
		Address: object.Address,
		Base:    base,
		Dynamic: dynamic,
		Rel:     Relocations{Kind: KindRel},
		Rela:    Relocations{Kind: KindRela},
		PLT:     Relocations{Kind: KindRel},
	}

	return WalkDynamic(memory, dynamic, func(tag elf.DynTag, value uint64) error {
		switch tag {
		case elf.DT_PLTRELSZ:
			object.PLT.Size = value
		case elf.DT_PLTGOT:
			object.GOT = base + value
		case elf.DT_HASH:
			table := base + value
			nbucket, err := memmod.ReadUint32(memory, table)
			if err != nil {
				return fmt.Errorf("read hash header: %w", err)
			}
			nchain, err := memmod.ReadUint32(memory, table+4)
			if err != nil {
				return fmt.Errorf("read hash header: %w", err)
			}
			object.NBucket = uint64(nbucket)
			object.NChain = uint64(nchain)
			object.HashBucket = table + 8
			object.HashChain = table + 8 + 4*uint64(nbucket)
		case elf.DT_STRTAB:
			object.Strtab = base + value
		case elf.DT_SYMTAB:
			object.Symtab = base + value
		case elf.DT_REL:
			object.Rel.Address = base + value
		case elf.DT_RELA:
			object.Rela.Address = base + value
		case elf.DT_RELSZ:
			object.Rel.Size = value
		case elf.DT_RELASZ:
			object.Rela.Size = value
		case elf.DT_RELENT:
			if value != RelSize {
				return fmt.Errorf("%w: DT_RELENT=%d", ErrEntrySize, value)
			}
		case elf.DT_RELAENT:
			if value != RelaSize {
				return fmt.Errorf("%w: DT_RELAENT=%d", ErrEntrySize, value)
			}
		case elf.DT_SYMENT:
			if value != SymSize {
				return fmt.Errorf("%w: DT_SYMENT=%d", ErrEntrySize, value)
			}
		case elf.DT_STRSZ:
			object.StrSize = value
		case elf.DT_INIT:
			object.Init = base + value
		case elf.DT_FINI:
			object.Fini = base + value
		case elf.DT_PLTREL:
			switch elf.DynTag(value) {
			case elf.DT_REL:
				object.PLT.Kind = KindRel
			case elf.DT_RELA:
				object.PLT.Kind = KindRela
			default:
				return fmt.Errorf("%w: %d", ErrPLTRelType, value)
			}
		case elf.DT_JMPREL:
			object.PLT.Address = base + value
		case elf.DT_RELACOUNT:
			object.RelaCount = value
		case elf.DT_RELCOUNT:
			object.RelCount = value
		case elf.DT_SONAME:
			object.SonameIndex = value
			object.HasSoname = true
		}
		return nil
	})
}

// Relocate applies the RELATIVE fixups counted by DT_RELCOUNT and
// DT_RELACOUNT. It must run before anything reads pointers out of the image.
func (object *Object) Relocate(memory memmod.Memory) (int, error) {
	rel, err := ApplyRelative(memory, object.arch, object.Base, object.Rel, object.RelCount)
	if err != nil {
		return rel, err
	}
	rela, err := ApplyRelative(memory, object.arch, object.Base, object.Rela, object.RelaCount)
	return rel + rela, err
}

// Name returns the DT_SONAME of the module, or "" when it has none.
func (object *Object) Name(memory memmod.Memory) string {
	if !object.HasSoname {
		return ""
	}
	name, ok := object.stringAt(memory, object.SonameIndex)
	if !ok {
		return ""
	}
	return name
}
