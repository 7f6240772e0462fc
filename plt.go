package rtld

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
)

// GOT slots reserved for the lazy-binding trampoline.
const (
	gotObjectSlot     = 1
	gotTrampolineSlot = 2
)

// ResolveSymbols binds the GLOB_DAT and ABS64 entries of the non-PLT tables
// and prepares the PLT. With lazy set every JUMP_SLOT is pointed at the
// module's PLT stub; otherwise each is resolved now and only unresolved slots
// fall back to the stub. GOT slots 1 and 2 receive the object address and the
// trampoline entry point.
func (linker *Linker) ResolveSymbols(object *module.Object, lazy bool) {
	linker.resolveGOTEntries(object, object.Rel, object.RelCount)
	linker.resolveGOTEntries(object, object.Rela, object.RelaCount)
	linker.resolvePLTEntries(object, lazy)

	if object.GOT != 0 {
		linker.must(memmod.WriteUint64(linker.memory, object.GOT+8*gotObjectSlot, object.Address))
		linker.must(memmod.WriteUint64(linker.memory, object.GOT+8*gotTrampolineSlot, linker.trampoline))
	}
}

func (linker *Linker) resolveGOTEntries(object *module.Object, table module.Relocations, start uint64) {
	for i := start; i < table.Len(); i++ {
		reloc, err := table.Entry(linker.memory, i)
		linker.must(err)
		if !object.Arch().IsGOTType(reloc.Type()) {
			continue
		}

		symbol := linker.symbol(object, reloc.SymbolIndex())
		address, ok := linker.TryResolveSymbol(object, symbol)
		if !ok {
			if linker.debugFlag {
				linker.warnUnresolved(object, symbol)
			}
			continue
		}
		linker.must(reloc.Apply(linker.memory, object.Base, address))
		linker.metrics.Relocations.WithLabelValues("absolute").Inc()
	}
}

func (linker *Linker) resolvePLTEntries(object *module.Object, lazy bool) {
	table := object.PLT
	for i := uint64(0); i < table.Len(); i++ {
		reloc, err := table.Entry(linker.memory, i)
		linker.must(err)
		if reloc.Type() != object.Arch().JumpSlot {
			continue
		}

		target := object.Base + reloc.Offset
		stored, err := memmod.ReadUint64(linker.memory, target)
		linker.must(err)
		stub := object.Base + stored

		if object.GOTStub == 0 {
			object.GOTStub = stub
		} else if object.GOTStub != stub {
			linker.fatal(FatalTrampolineMismatch, fmt.Errorf(
				"plt slot %d at %#x points at stub %#x, expected %#x", i, target, stub, object.GOTStub))
		}

		if lazy {
			linker.must(memmod.WriteUint64(linker.memory, target, stub))
			continue
		}

		symbol := linker.symbol(object, reloc.SymbolIndex())
		address, ok := linker.TryResolveSymbol(object, symbol)
		if !ok {
			if linker.debugFlag {
				linker.warnUnresolved(object, symbol)
			}
			linker.must(memmod.WriteUint64(linker.memory, target, stub))
			continue
		}
		linker.must(reloc.Apply(linker.memory, object.Base, address))
		linker.metrics.Relocations.WithLabelValues("jump_slot").Inc()
	}
}

// LazyBindSymbol is the body of the PLT trampoline: it resolves PLT entry
// index of the module whose object is at objectAddress and returns the value
// to store in the slot. An unresolved symbol is reported and yields 0.
func (linker *Linker) LazyBindSymbol(objectAddress, index uint64) uint64 {
	object, ok := linker.objects[objectAddress]
	if !ok {
		linker.fatal(FatalUnknownModule, fmt.Errorf("no module object at %#x", objectAddress))
	}

	reloc, err := object.PLT.Entry(linker.memory, index)
	if err != nil {
		linker.fatal(FatalPLTIndex, err)
	}

	symbol := linker.symbol(object, reloc.SymbolIndex())
	address, ok := linker.TryResolveSymbol(object, symbol)
	linker.metrics.LazyBinds.Inc()
	if !ok {
		linker.warnUnresolved(object, symbol)
		return 0
	}

	level.Debug(linker.logger).Log("msg", "lazy bind", "object", hex(objectAddress), "index", index, "address", hex(address))
	if object.IsRela() {
		if address == 0 {
			return 0
		}
		return reloc.Value(address)
	}
	return address
}
