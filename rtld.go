// Package rtld is the relocation and symbol-resolution core of a process
// bootstrap loader. It discovers position-independent module images in an
// address space, applies their ASLR fixups, links them into the auto-load
// list and resolves their GOT and PLT references.
//
// A Linker runs single-threaded and to completion; it is not safe for
// concurrent use.
package rtld

import (
	"errors"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

// Names of the process-wide objects a module can ask the loader to publish.
const (
	SymbolAutoLoadList       = "_ZN2nn2ro6detail15g_pAutoLoadListE"
	SymbolManualLoadList     = "_ZN2nn2ro6detail17g_pManualLoadListE"
	SymbolRoDebugFlag        = "_ZN2nn2ro6detail14g_pRoDebugFlagE"
	SymbolLookupGlobalAuto   = "_ZN2nn2ro6detail34g_pLookupGlobalAutoFunctionPointerE"
	SymbolLookupGlobalManual = "_ZN2nn2ro6detail36g_pLookupGlobalManualFunctionPointerE"
)

var (
	ErrNilKernel = errors.New("rtld: nil kernel")
	ErrNilMemory = errors.New("rtld: nil memory")
)

// LookupFunc resolves a symbol name to an absolute address, or 0.
type LookupFunc func(name string) uint64

// StateAddresses are the addresses, in the emulated address space, of the
// process-wide objects written into modules that define the matching
// well-known symbols. Zero addresses are not published.
type StateAddresses struct {
	AutoLoadList       uint64
	ManualLoadList     uint64
	DebugFlag          uint64
	LookupGlobalAuto   uint64
	LookupGlobalManual uint64
}

// Config configures a Linker.
type Config struct {
	// Arch defaults to module.AArch64.
	Arch      module.Arch
	DebugFlag bool
	// Eager resolves PLT slots at load time instead of pointing them at the
	// lazy-binding trampoline.
	Eager bool
	// Trampoline is the entry point of the lazy-resolver stub, written to
	// GOT slot 2 of every module.
	Trampoline   uint64
	ManualLookup LookupFunc
	State        StateAddresses

	// Invoke calls a module entry point (DT_INIT, DT_FINI).
	Invoke func(entry uint64)
	// ExceptionHandler is the user exception handler, if any.
	ExceptionHandler func(kind uint32)
	// Halt is called on unrecoverable errors. It must not return.
	Halt HaltFunc

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Linker holds the process-wide loader state: the auto-load and manual-load
// lists, the debug flag, the manual lookup hook and the exception-handler
// handshake.
type Linker struct {
	kernel  svc.Kernel
	memory  memmod.Memory
	arch    module.Arch
	logger  log.Logger
	metrics *Metrics

	autoLoad   module.List
	manualLoad module.List

	debugFlag             bool
	manualLookup          LookupFunc
	exceptionHandlerReady bool
	exceptionHandler      func(kind uint32)

	eager      bool
	trampoline uint64
	state      StateAddresses
	invoke     func(entry uint64)
	halt       HaltFunc

	objects     map[uint64]*module.Object
	self        *module.Object
	initialized bool
	finalized   bool
}

// New returns a Linker reading and patching images through memory and using
// kernel for memory queries, diagnostics and breaks.
func New(kernel svc.Kernel, memory memmod.Memory, cfg Config) (*Linker, error) {
	if kernel == nil {
		return nil, ErrNilKernel
	}
	if memory == nil {
		return nil, ErrNilMemory
	}
	if cfg.Arch.Name == "" {
		cfg.Arch = module.AArch64
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Halt == nil {
		cfg.Halt = spin
	}
	return &Linker{
		kernel:           kernel,
		memory:           memory,
		arch:             cfg.Arch,
		logger:           log.With(cfg.Logger, "component", "rtld"),
		metrics:          NewMetrics(cfg.Registerer),
		debugFlag:        cfg.DebugFlag,
		manualLookup:     cfg.ManualLookup,
		exceptionHandler: cfg.ExceptionHandler,
		eager:            cfg.Eager,
		trampoline:       cfg.Trampoline,
		state:            cfg.State,
		invoke:           cfg.Invoke,
		halt:             cfg.Halt,
		objects:          make(map[uint64]*module.Object),
	}, nil
}

// AutoLoad is the list of modules found by discovery.
func (linker *Linker) AutoLoad() *module.List { return &linker.autoLoad }

// ManualLoad is the list of modules loaded explicitly after bootstrap.
func (linker *Linker) ManualLoad() *module.List { return &linker.manualLoad }

// Self is the loader's own module object, or nil before Bootstrap or when
// bootstrapping without a loader image.
func (linker *Linker) Self() *module.Object { return linker.self }

func (linker *Linker) Memory() memmod.Memory { return linker.memory }

func (linker *Linker) Metrics() *Metrics { return linker.metrics }

func (linker *Linker) DebugFlag() bool { return linker.debugFlag }

func (linker *Linker) SetDebugFlag(enabled bool) { linker.debugFlag = enabled }

// SetManualLookup installs the hook tried after the auto-load search fails.
func (linker *Linker) SetManualLookup(lookup LookupFunc) { linker.manualLookup = lookup }

// Object returns the module whose object storage is at address.
func (linker *Linker) Object(address uint64) (*module.Object, bool) {
	object, ok := linker.objects[address]
	return object, ok
}

func (linker *Linker) register(object *module.Object) {
	if object.Address != 0 {
		linker.objects[object.Address] = object
	}
}
