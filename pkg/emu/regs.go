//go:build unicorn

package emu

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/objrun/objrun/pkg/arch"
)

// ucReg maps an engine register index to the emulator's identifier, or
// INVALID when the register has no emulator counterpart.
func ucReg(a arch.ArchType, r arch.Reg) int {
	if a == arch.AArch64 {
		return ucRegA64(r)
	}
	return ucRegX64(r)
}

func ucRegA64(r arch.Reg) int {
	switch r {
	case arch.RegA64SP:
		return uc.ARM64_REG_SP
	case arch.RegA64WZR:
		return uc.ARM64_REG_WZR
	case arch.RegA64XZR:
		return uc.ARM64_REG_XZR
	}
	cls, n, ok := r.A64Class()
	if !ok {
		return uc.ARM64_REG_INVALID
	}
	switch cls {
	case 'x':
		switch n {
		case 29:
			return uc.ARM64_REG_X29
		case 30:
			return uc.ARM64_REG_X30
		default:
			return uc.ARM64_REG_X0 + n
		}
	case 'w':
		return uc.ARM64_REG_W0 + n
	case 'b':
		return uc.ARM64_REG_B0 + n
	case 'h':
		return uc.ARM64_REG_H0 + n
	case 's':
		return uc.ARM64_REG_S0 + n
	case 'd':
		return uc.ARM64_REG_D0 + n
	case 'q':
		return uc.ARM64_REG_Q0 + n
	case 'v':
		return uc.ARM64_REG_V0 + n
	}
	return uc.ARM64_REG_INVALID
}

var x64UCRegs = buildX64UCRegs()

func buildX64UCRegs() []int {
	t := make([]int, arch.RegMax-arch.RegX64RIP)
	set := func(r arch.Reg, id int) { t[r-arch.RegX64RIP] = id }

	set(arch.RegX64RIP, uc.X86_REG_RIP)
	set(arch.RegX64RFLAGS, uc.X86_REG_RFLAGS)
	for i, id := range []int{
		uc.X86_REG_RAX, uc.X86_REG_RBX, uc.X86_REG_RCX, uc.X86_REG_RDX,
		uc.X86_REG_RSI, uc.X86_REG_RDI, uc.X86_REG_RBP, uc.X86_REG_RSP,
		uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
		uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
	} {
		set(arch.RegX64RAX+arch.Reg(i), id)
	}
	for i, id := range []int{
		uc.X86_REG_EAX, uc.X86_REG_EBX, uc.X86_REG_ECX, uc.X86_REG_EDX,
		uc.X86_REG_ESI, uc.X86_REG_EDI, uc.X86_REG_EBP, uc.X86_REG_ESP,
		uc.X86_REG_R8D, uc.X86_REG_R9D, uc.X86_REG_R10D, uc.X86_REG_R11D,
		uc.X86_REG_R12D, uc.X86_REG_R13D, uc.X86_REG_R14D, uc.X86_REG_R15D,
	} {
		set(arch.RegX64EAX+arch.Reg(i), id)
	}
	for i, id := range []int{
		uc.X86_REG_AX, uc.X86_REG_BX, uc.X86_REG_CX, uc.X86_REG_DX,
		uc.X86_REG_SI, uc.X86_REG_DI, uc.X86_REG_BP, uc.X86_REG_SP,
		uc.X86_REG_R8W, uc.X86_REG_R9W, uc.X86_REG_R10W, uc.X86_REG_R11W,
		uc.X86_REG_R12W, uc.X86_REG_R13W, uc.X86_REG_R14W, uc.X86_REG_R15W,
	} {
		set(arch.RegX64AX+arch.Reg(i), id)
	}
	for i, id := range []int{
		uc.X86_REG_AL, uc.X86_REG_BL, uc.X86_REG_CL, uc.X86_REG_DL,
		uc.X86_REG_AH, uc.X86_REG_BH, uc.X86_REG_CH, uc.X86_REG_DH,
		uc.X86_REG_SIL, uc.X86_REG_DIL, uc.X86_REG_BPL, uc.X86_REG_SPL,
		uc.X86_REG_R8B, uc.X86_REG_R9B, uc.X86_REG_R10B, uc.X86_REG_R11B,
		uc.X86_REG_R12B, uc.X86_REG_R13B, uc.X86_REG_R14B, uc.X86_REG_R15B,
	} {
		set(arch.RegX64AL+arch.Reg(i), id)
	}
	for i, id := range []int{
		uc.X86_REG_CS, uc.X86_REG_SS, uc.X86_REG_DS,
		uc.X86_REG_ES, uc.X86_REG_FS, uc.X86_REG_GS,
	} {
		set(arch.RegX64CS+arch.Reg(i), id)
	}
	for i := 0; i < 16; i++ {
		set(arch.X64XMM(i), uc.X86_REG_XMM0+i)
	}
	for i := 0; i < 8; i++ {
		set(arch.RegX64ST0+arch.Reg(i), uc.X86_REG_ST0+i)
		set(arch.RegX64MM0+arch.Reg(i), uc.X86_REG_MM0+i)
	}
	set(arch.RegX64Zero, uc.X86_REG_INVALID)
	return t
}

func ucRegX64(r arch.Reg) int {
	if r < arch.RegX64RIP || r >= arch.RegMax {
		return uc.X86_REG_INVALID
	}
	return x64UCRegs[r-arch.RegX64RIP]
}

// regFile is the engine register accessor with a sticky error so
// operand plumbing in the interpreter stays linear; callers check err
// once per dispatched instruction.
type regFile struct {
	mu   uc.Unicorn
	arch arch.ArchType
	err  error
}

func (f *regFile) get(r arch.Reg) uint64 {
	if f.err != nil {
		return 0
	}
	if r == arch.RegX64Zero || r == arch.RegA64WZR || r == arch.RegA64XZR {
		return 0
	}
	id := ucReg(f.arch, r)
	if id == 0 {
		f.err = errors.Errorf("register %d has no engine counterpart", r)
		return 0
	}
	v, err := f.mu.RegRead(id)
	if err != nil {
		f.err = errors.Wrapf(err, "failed to read register %d", r)
	}
	return v
}

func (f *regFile) set(r arch.Reg, v uint64) {
	if f.err != nil {
		return
	}
	if r == arch.RegX64Zero || r == arch.RegA64WZR || r == arch.RegA64XZR {
		return
	}
	id := ucReg(f.arch, r)
	if id == 0 {
		f.err = errors.Errorf("register %d has no engine counterpart", r)
		return
	}
	if err := f.mu.RegWrite(id, v); err != nil {
		f.err = errors.Wrapf(err, "failed to write register %d", r)
	}
}

// take returns and clears the sticky error.
func (f *regFile) take() error {
	err := f.err
	f.err = nil
	return err
}
