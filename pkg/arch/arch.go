// Package arch holds the architecture vocabulary shared by the object
// decoder, the resolver and the execution engine: architecture and object
// kind tags, the instruction semantic types the engine special-cases, and
// the engine-facing register index space.
package arch

import "runtime"

// ArchType is the instruction-set architecture of an object.
type ArchType uint8

const (
	Unsupported ArchType = iota
	X86_64
	AArch64
)

func (a ArchType) String() string {
	switch a {
	case X86_64:
		return "x86_64"
	case AArch64:
		return "arm64"
	default:
		return "unsupported"
	}
}

// Host returns the architecture this process runs on.
func Host() ArchType {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64
	case "arm64":
		return AArch64
	default:
		return Unsupported
	}
}

// ObjectKind tags the format and linkage of an object file. It is fixed at
// construction and selects the section/symbol/relocation parsing rules.
type ObjectKind uint8

const (
	MachOReloc ObjectKind = iota
	MachOExe
	ELFReloc
	ELFExe
	COFFReloc
	COFFExe
)

func (k ObjectKind) String() string {
	switch k {
	case MachOReloc:
		return "macho-reloc"
	case MachOExe:
		return "macho-exe"
	case ELFReloc:
		return "elf-reloc"
	case ELFExe:
		return "elf-exe"
	case COFFReloc:
		return "coff-reloc"
	case COFFExe:
		return "coff-exe"
	default:
		return "unknown"
	}
}

// Relocatable reports whether the kind is a relocatable object rather than
// a linked executable.
func (k ObjectKind) Relocatable() bool {
	return k == MachOReloc || k == ELFReloc || k == COFFReloc
}

// InsnType is the coarse semantic class of one decoded instruction. The
// execution engine uses it to special-case control flow and the memory
// reference shapes it must synthesize itself; everything else runs as
// InsnHardware.
type InsnType uint8

const (
	// common
	InsnAbort    InsnType = iota // invalid opcode, traps on execution
	InsnHardware                 // emulated opaquely by the engine
	InsnCondJump                 // short conditional branch

	// arm64
	InsnA64Return
	InsnA64Syscall
	InsnA64Call
	InsnA64CallReg
	InsnA64Jump
	InsnA64JumpReg
	InsnA64Adr
	InsnA64Adrp
	InsnA64LdrSwl
	InsnA64LdrWl
	InsnA64LdrXl
	InsnA64LdrSl
	InsnA64LdrDl
	InsnA64LdrQl

	// x86_64
	InsnX64Return
	InsnX64Syscall
	InsnX64Call
	InsnX64CallReg
	InsnX64CallMem
	InsnX64Jump
	InsnX64JumpCond
	InsnX64JumpReg
	InsnX64JumpMem
	InsnX64Mov8RM
	InsnX64Mov8MR
	InsnX64Mov8MI
	InsnX64Mov16RM
	InsnX64Mov16MR
	InsnX64Mov16MI
	InsnX64Mov32RM
	InsnX64Mov32MR
	InsnX64Mov32MI
	InsnX64Mov64RM
	InsnX64Mov64MR
	InsnX64Mov64MI32
	InsnX64Lea32
	InsnX64Lea64
	InsnX64MovapsRM
	InsnX64MovapsMR
	InsnX64MovupsRM
	InsnX64MovupsMR
	InsnX64MovapdRM
	InsnX64MovapdMR
	InsnX64MovupdRM
	InsnX64MovupdMR
	InsnX64Cmp8MI
	InsnX64Cmp8MI8
	InsnX64Cmp16MI
	InsnX64Cmp16MI8
	InsnX64Cmp32MI
	InsnX64Cmp32MI8
	InsnX64Cmp64MI32
	InsnX64Cmp64MI8
	InsnX64Cmp8RM
	InsnX64Cmp16RM
	InsnX64Cmp32RM
	InsnX64Cmp64RM
	InsnX64Cmp8MR
	InsnX64Cmp16MR
	InsnX64Cmp32MR
	InsnX64Cmp64MR
	InsnX64Movsx16RM8
	InsnX64Movsx16RM16
	InsnX64Movsx16RM32
	InsnX64Movsx32RM8
	InsnX64Movsx32RM16
	InsnX64Movsx32RM32
	InsnX64Movsx64RM8
	InsnX64Movsx64RM16
	InsnX64Movsx64RM32
	InsnX64Movzx16RM8
	InsnX64Movzx16RM16
	InsnX64Movzx32RM8
	InsnX64Movzx32RM16
	InsnX64Movzx64RM8
	InsnX64Movzx64RM16
	InsnX64Test8MI
	InsnX64Test8MR
	InsnX64Test16MI
	InsnX64Test16MR
	InsnX64Test32MI
	InsnX64Test32MR
	InsnX64Test64MI32
	InsnX64Test64MR
	InsnX64Cmov16RM
	InsnX64Cmov32RM
	InsnX64Cmov64RM

	InsnTypeMax
)

// IsA64Branch reports whether t transfers control on arm64.
func (t InsnType) IsA64Branch() bool {
	switch t {
	case InsnCondJump, InsnA64Return, InsnA64Call, InsnA64CallReg,
		InsnA64Jump, InsnA64JumpReg:
		return true
	}
	return false
}

// IsX64MemRef reports whether t is one of the x86-64 memory reference
// shapes the engine synthesizes around (moves, compares, tests, extends
// and conditional moves with a memory operand).
func (t InsnType) IsX64MemRef() bool {
	return InsnX64CallMem == t || InsnX64JumpMem == t ||
		(InsnX64Mov8RM <= t && t <= InsnX64Cmov64RM && t != InsnX64Lea32 && t != InsnX64Lea64)
}

// CondX64 names an x86-64 branch condition for long conditional jumps
// carried through the operand replay table.
type CondX64 uint8

const (
	CondJae CondX64 = iota
	CondJa
	CondJbe
	CondJb
	CondJe
	CondJge
	CondJg
	CondJle
	CondJl
	CondJne
	CondJno
	CondJnp
	CondJns
	CondJo
	CondJp
	CondJs
	CondJrcxz
	CondJecxz
	CondX64End
)

// MinInsnLen is the minimum instruction granularity used to advance past
// undecodable bytes.
func MinInsnLen(a ArchType) int {
	if a == AArch64 {
		return 4
	}
	return 1
}
