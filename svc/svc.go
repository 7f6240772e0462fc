// Package svc describes the kernel services the runtime linker consumes.
package svc

import (
	"errors"
	"fmt"
)

// MemoryState is the kernel's classification of a memory region.
type MemoryState uint32

const (
	MemoryStateFree MemoryState = iota
	MemoryStateIo
	MemoryStateStatic
	MemoryStateCode
	MemoryStateCodeData
	MemoryStateNormal
	MemoryStateShared
	MemoryStateAlias
	MemoryStateAliasCode
	MemoryStateAliasCodeData
	MemoryStateIpc
	MemoryStateStack
	MemoryStateThreadLocal
	MemoryStateTransfered
	MemoryStateSharedTransfered
	MemoryStateSharedCode
	MemoryStateInaccessible
	MemoryStateNonSecureIpc
	MemoryStateNonDeviceIpc
	MemoryStateKernel
	MemoryStateGeneratedCode
	MemoryStateCodeOut
	MemoryStateCoverage
)

var memoryStateNames = [...]string{
	"Free", "Io", "Static", "Code", "CodeData", "Normal", "Shared", "Alias",
	"AliasCode", "AliasCodeData", "Ipc", "Stack", "ThreadLocal", "Transfered",
	"SharedTransfered", "SharedCode", "Inaccessible", "NonSecureIpc",
	"NonDeviceIpc", "Kernel", "GeneratedCode", "CodeOut", "Coverage",
}

func (state MemoryState) String() string {
	if int(state) < len(memoryStateNames) {
		return memoryStateNames[state]
	}
	return fmt.Sprintf("MemoryState(%d)", uint32(state))
}

// MemoryPermission is a bit set of region access rights.
type MemoryPermission uint32

const (
	PermissionRead    MemoryPermission = 1 << 0
	PermissionWrite   MemoryPermission = 1 << 1
	PermissionExecute MemoryPermission = 1 << 2

	PermissionNone MemoryPermission = 0
	PermissionRW                    = PermissionRead | PermissionWrite
	PermissionRX                    = PermissionRead | PermissionExecute
)

func (perm MemoryPermission) Read() bool    { return perm&PermissionRead != 0 }
func (perm MemoryPermission) Write() bool   { return perm&PermissionWrite != 0 }
func (perm MemoryPermission) Execute() bool { return perm&PermissionExecute != 0 }

func (perm MemoryPermission) String() string {
	out := []byte("---")
	if perm.Read() {
		out[0] = 'r'
	}
	if perm.Write() {
		out[1] = 'w'
	}
	if perm.Execute() {
		out[2] = 'x'
	}
	return string(out)
}

// MemoryAttribute is a bit set of region attributes.
type MemoryAttribute uint32

const (
	AttributeLocked MemoryAttribute = 1 << iota
	AttributeIpcLocked
	AttributeDeviceShared
	AttributeUncached
)

// MemoryInfo is the result of a memory-region query.
type MemoryInfo struct {
	Address        uint64
	Size           uint64
	State          MemoryState
	Attribute      MemoryAttribute
	Permission     MemoryPermission
	DeviceRefCount uint32
	IpcRefCount    uint32
}

// End returns the first address past the region. It wraps to zero for a
// region reaching the top of the address space.
func (info MemoryInfo) End() uint64 {
	return info.Address + info.Size
}

// BreakReason is passed to Break.
type BreakReason uint32

const (
	BreakReasonPanic BreakReason = iota
	BreakReasonAssert
	BreakReasonUser
	BreakReasonPreLoadDll
	BreakReasonPostLoadDll
	BreakReasonPreUnloadDll
	BreakReasonPostUnloadDll
	BreakReasonCppException

	BreakReasonNotificationOnlyFlag BreakReason = 0x80000000
)

// ResultUnhandledException is returned from an exception nobody handled.
const ResultUnhandledException uint32 = 0xF801

var ErrInvalidAddress = errors.New("svc: invalid memory address")

// Kernel is the set of system calls the linker needs. Break and ExitProcess
// do not return on real hardware; implementations used in tests may.
type Kernel interface {
	QueryMemory(address uint64) (MemoryInfo, uint32, error)
	OutputDebugString(message string)
	Break(reason BreakReason, address, size uint64)
	// ExitProcess is called by the process start sequence once the entry
	// point returns. The linker itself never calls it.
	ExitProcess()
	ReturnFromException(result uint32)
}
