package rtld

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/rtld/module"
)

func (linker *Linker) lookupIn(object *module.Object, name string) (module.Symbol, bool) {
	symbol, ok, err := object.GetSymbolByName(linker.memory, name)
	linker.must(err)
	return symbol, ok
}

func (linker *Linker) symbol(object *module.Object, index uint32) module.Symbol {
	symbol, err := object.Symbol(linker.memory, index)
	linker.must(err)
	return symbol
}

// LookupGlobalAuto searches the auto-load list in discovery order and returns
// the address of the first non-local definition of name, or 0.
func (linker *Linker) LookupGlobalAuto(name string) uint64 {
	for object := range linker.autoLoad.Discovery() {
		symbol, ok := linker.lookupIn(object, name)
		if ok && !symbol.Local() {
			return object.SymbolAddress(symbol)
		}
	}
	return 0
}

// TryResolveSymbol finds the definition a reference from object should bind
// to. Non-default visibility restricts the search to object itself, where a
// weak reference with no definition resolves to 0. Default visibility
// searches the auto-load list, then the manual lookup hook.
func (linker *Linker) TryResolveSymbol(object *module.Object, symbol module.Symbol) (uint64, bool) {
	name, ok := object.SymbolName(linker.memory, symbol)
	if !ok {
		return 0, false
	}

	if symbol.Visibility() != elf.STV_DEFAULT {
		if target, ok := linker.lookupIn(object, name); ok {
			linker.metrics.SymbolsResolved.WithLabelValues("local").Inc()
			return object.SymbolAddress(target), true
		}
		if symbol.Weak() {
			linker.metrics.SymbolsResolved.WithLabelValues("weak").Inc()
			return 0, true
		}
		return 0, false
	}

	if address := linker.LookupGlobalAuto(name); address != 0 {
		linker.metrics.SymbolsResolved.WithLabelValues("global").Inc()
		return address, true
	}
	if linker.manualLookup != nil {
		if address := linker.manualLookup(name); address != 0 {
			linker.metrics.SymbolsResolved.WithLabelValues("manual").Inc()
			return address, true
		}
	}
	return 0, false
}

// LookupExport returns the address of an exported definition of name, or 0.
// The auto-load list is searched first, then the manual-load list, then the
// manual lookup hook.
func (linker *Linker) LookupExport(name string) uint64 {
	if address := linker.LookupGlobalAuto(name); address != 0 {
		return address
	}
	for object := range linker.manualLoad.Discovery() {
		symbol, ok := linker.lookupIn(object, name)
		if ok && !symbol.Local() {
			return object.SymbolAddress(symbol)
		}
	}
	if linker.manualLookup != nil {
		return linker.manualLookup(name)
	}
	return 0
}

func (linker *Linker) warnUnresolved(object *module.Object, symbol module.Symbol) {
	name, ok := object.SymbolName(linker.memory, symbol)
	if !ok {
		name = fmt.Sprintf("#%d", symbol.Index)
	}
	linker.metrics.SymbolsUnresolved.Inc()
	linker.kernel.OutputDebugString(fmt.Sprintf("[rtld] warning: unresolved symbol = '%s'", name))
}
