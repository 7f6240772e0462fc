package rtld

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

// RelocateSelf applies the loader's own RELATIVE fixups. Only the dynamic
// section and the relocation tables are read; no symbol is looked up.
func (linker *Linker) RelocateSelf(base, dynamic uint64) {
	rel := module.Relocations{Kind: module.KindRel}
	rela := module.Relocations{Kind: module.KindRela}
	var relCount, relaCount uint64

	err := module.WalkDynamic(linker.memory, dynamic, func(tag elf.DynTag, value uint64) error {
		switch tag {
		case elf.DT_REL:
			rel.Address = base + value
		case elf.DT_RELENT:
			rel.Stride = value
		case elf.DT_RELCOUNT:
			relCount = value
		case elf.DT_RELA:
			rela.Address = base + value
		case elf.DT_RELAENT:
			rela.Stride = value
		case elf.DT_RELACOUNT:
			relaCount = value
		}
		return nil
	})
	linker.must(err)

	rel.Size = relCount * strideOf(rel)
	rela.Size = relaCount * strideOf(rela)

	applied, err := module.ApplyRelative(linker.memory, linker.arch, base, rel, relCount)
	linker.must(err)
	n, err := module.ApplyRelative(linker.memory, linker.arch, base, rela, relaCount)
	linker.must(err)
	applied += n

	linker.metrics.Relocations.WithLabelValues("relative").Add(float64(applied))
	level.Debug(linker.logger).Log("msg", "relocated loader", "base", hex(base), "relative", applied)
}

func strideOf(table module.Relocations) uint64 {
	if table.Stride != 0 {
		return table.Stride
	}
	return table.Kind.EntrySize()
}

// Bootstrap relocates the loader, discovers every module mapped in the
// address space, publishes the loader state into them, resolves their
// imports and runs their constructors.
//
// base is the loader's own image base. dynamic is its dynamic section; when
// zero the loader is hosted outside the address space and self-relocation is
// skipped.
func (linker *Linker) Bootstrap(base, dynamic uint64) {
	if dynamic != 0 {
		linker.RelocateSelf(base, dynamic)
		linker.linkSelf(base, dynamic)
	}

	linker.Discover(base)

	for object := range linker.autoLoad.Discovery() {
		linker.bindStateSymbols(object)
	}
	for object := range linker.autoLoad.Discovery() {
		linker.ResolveSymbols(object, !linker.eager)
	}

	linker.CallInitializers()
}

// linkSelf links the loader's own object first, so it heads the discovery
// order. Its relocations were already applied by RelocateSelf.
func (linker *Linker) linkSelf(base, dynamic uint64) {
	var address uint64
	if header, err := module.ReadHeader(linker.memory, base); err == nil {
		address = header.ObjectAddress()
	}

	self := module.NewObject(address)
	linker.must(self.Initialize(linker.memory, linker.arch, base, dynamic))
	linker.link(self)
	linker.self = self
}

// Discover walks the address space from 0 and loads every read-execute code
// region other than the one at selfBase as a module.
func (linker *Linker) Discover(selfBase uint64) {
	var last uint64
	for {
		info, _, err := linker.kernel.QueryMemory(last)
		if err != nil {
			linker.fatal(FatalQueryMemory, fmt.Errorf("query memory at %#x: %w", last, err))
		}

		perm := info.Permission & (svc.PermissionRead | svc.PermissionWrite | svc.PermissionExecute)
		if perm == svc.PermissionRX && info.State == svc.MemoryStateCode && info.Address != selfBase {
			linker.Load(info.Address)
		}

		end := info.End()
		if end <= last {
			return
		}
		last = end
	}
}

// Load reads the module header at base, clears its BSS, builds and relocates
// its object and links it into the auto-load list.
func (linker *Linker) Load(base uint64) *module.Object {
	object := linker.open(base)
	linker.link(object)
	linker.metrics.ModulesDiscovered.Inc()
	return object
}

// LoadManual loads the image at base after bootstrap and links it into the
// manual-load list. Its imports are resolved against the auto-load list and
// its constructor runs immediately.
func (linker *Linker) LoadManual(base uint64) *module.Object {
	object := linker.open(base)
	linker.must(linker.manualLoad.PushFront(object))
	linker.register(object)

	linker.bindStateSymbols(object)
	linker.ResolveSymbols(object, !linker.eager)
	if object.Init != 0 && linker.invoke != nil {
		linker.invoke(object.Init)
	}
	return object
}

func (linker *Linker) open(base uint64) *module.Object {
	header, err := module.ReadHeader(linker.memory, base)
	linker.must(err)
	linker.must(header.ClearBSS(linker.memory))

	object := module.NewObject(header.ObjectAddress())
	linker.must(object.Initialize(linker.memory, linker.arch, base, header.DynamicAddress()))
	applied, err := object.Relocate(linker.memory)
	linker.must(err)

	linker.metrics.Relocations.WithLabelValues("relative").Add(float64(applied))
	level.Debug(linker.logger).Log(
		"msg", "loaded module",
		"base", hex(base),
		"object", hex(object.Address),
		"name", object.Name(linker.memory),
		"relative", applied,
	)
	return object
}

func (linker *Linker) link(object *module.Object) {
	linker.must(linker.autoLoad.PushFront(object))
	linker.register(object)
}

// bindStateSymbols writes the configured process-wide state addresses into
// the data objects named by the well-known symbols the module defines.
func (linker *Linker) bindStateSymbols(object *module.Object) {
	bindings := []struct {
		name    string
		address uint64
	}{
		{SymbolAutoLoadList, linker.state.AutoLoadList},
		{SymbolManualLoadList, linker.state.ManualLoadList},
		{SymbolRoDebugFlag, linker.state.DebugFlag},
		{SymbolLookupGlobalAuto, linker.state.LookupGlobalAuto},
		{SymbolLookupGlobalManual, linker.state.LookupGlobalManual},
	}

	for _, binding := range bindings {
		if binding.address == 0 {
			continue
		}
		symbol, ok := linker.lookupIn(object, binding.name)
		if !ok || symbol.Local() {
			continue
		}
		linker.must(memmod.WriteUint64(linker.memory, object.SymbolAddress(symbol), binding.address))
		level.Debug(linker.logger).Log("msg", "published loader state", "symbol", binding.name, "address", hex(binding.address))
	}
}

func hex(value uint64) string {
	return fmt.Sprintf("%#x", value)
}
