package svc

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Querier answers memory-region queries. memmod.AddressSpace implements it.
type Querier interface {
	QueryMemory(address uint64) (MemoryInfo, uint32, error)
}

// Host is a Kernel running on top of an emulated address space. Debug
// strings and breaks are reported through the logger; the On hooks let the
// embedder observe the calls.
type Host struct {
	Memory Querier
	Logger log.Logger

	OnDebugString         func(message string)
	OnBreak               func(reason BreakReason, address, size uint64)
	OnExit                func()
	OnReturnFromException func(result uint32)
}

// NewHost returns a Host over memory. A nil logger discards output.
func NewHost(memory Querier, logger log.Logger) *Host {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Host{Memory: memory, Logger: logger}
}

func (host *Host) QueryMemory(address uint64) (MemoryInfo, uint32, error) {
	if host.Memory == nil {
		return MemoryInfo{}, 0, ErrInvalidAddress
	}
	return host.Memory.QueryMemory(address)
}

func (host *Host) OutputDebugString(message string) {
	level.Info(host.Logger).Log("msg", message)
	if host.OnDebugString != nil {
		host.OnDebugString(message)
	}
}

func (host *Host) Break(reason BreakReason, address, size uint64) {
	level.Error(host.Logger).Log("msg", "break", "reason", uint32(reason), "address", address, "size", size)
	if host.OnBreak != nil {
		host.OnBreak(reason, address, size)
	}
}

func (host *Host) ExitProcess() {
	level.Info(host.Logger).Log("msg", "exit process")
	if host.OnExit != nil {
		host.OnExit()
	}
}

func (host *Host) ReturnFromException(result uint32) {
	level.Warn(host.Logger).Log("msg", "return from exception", "result", result)
	if host.OnReturnFromException != nil {
		host.OnReturnFromException(result)
	}
}
