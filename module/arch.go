package module

import (
	"debug/elf"
	"fmt"
	"strings"
)

// Sizes of the ELF64 structures found in a dynamic image.
const (
	DynSize  = 16
	RelSize  = 16
	RelaSize = 24
	SymSize  = 24
)

// Arch maps the relocation classes the linker understands to the type
// numbers used by one machine.
type Arch struct {
	Name     string
	Machine  elf.Machine
	Relative uint32
	Abs64    uint32
	Abs32    uint32
	GlobDat  uint32
	JumpSlot uint32
}

var (
	AArch64 = Arch{
		Name:     "aarch64",
		Machine:  elf.EM_AARCH64,
		Relative: uint32(elf.R_AARCH64_RELATIVE),
		Abs64:    uint32(elf.R_AARCH64_ABS64),
		Abs32:    uint32(elf.R_AARCH64_ABS32),
		GlobDat:  uint32(elf.R_AARCH64_GLOB_DAT),
		JumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
	}
	X86_64 = Arch{
		Name:     "x86_64",
		Machine:  elf.EM_X86_64,
		Relative: uint32(elf.R_X86_64_RELATIVE),
		Abs64:    uint32(elf.R_X86_64_64),
		Abs32:    uint32(elf.R_X86_64_32),
		GlobDat:  uint32(elf.R_X86_64_GLOB_DAT),
		JumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
	}
)

// IsGOTType reports whether relocations of type t take a symbol address
// outside the PLT.
func (arch Arch) IsGOTType(t uint32) bool {
	return t == arch.Abs64 || t == arch.Abs32 || t == arch.GlobDat
}

// ArchByName returns the Arch called name ("aarch64", "arm64", "x86_64", "amd64").
func ArchByName(name string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aarch64", "arm64":
		return AArch64, nil
	case "x86_64", "amd64", "x86-64":
		return X86_64, nil
	default:
		return Arch{}, fmt.Errorf("unsupported architecture: %s", name)
	}
}

// ArchByMachine returns the Arch for an ELF machine.
func ArchByMachine(machine elf.Machine) (Arch, error) {
	switch machine {
	case elf.EM_AARCH64:
		return AArch64, nil
	case elf.EM_X86_64:
		return X86_64, nil
	default:
		return Arch{}, fmt.Errorf("unsupported ELF machine: %s", machine)
	}
}
