package object

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/objrun/objrun/pkg/arch"
)

var x64RegMap = buildX64RegMap()

func buildX64RegMap() map[x86asm.Reg]arch.Reg {
	m := map[x86asm.Reg]arch.Reg{
		x86asm.AL:  arch.RegX64AL,
		x86asm.CL:  arch.RegX64CL,
		x86asm.DL:  arch.RegX64DL,
		x86asm.BL:  arch.RegX64BL,
		x86asm.AH:  arch.RegX64AH,
		x86asm.CH:  arch.RegX64CH,
		x86asm.DH:  arch.RegX64DH,
		x86asm.BH:  arch.RegX64BH,
		x86asm.SPB: arch.RegX64SPL,
		x86asm.BPB: arch.RegX64BPL,
		x86asm.SIB: arch.RegX64SIL,
		x86asm.DIB: arch.RegX64DIL,

		x86asm.AX: arch.RegX64AX,
		x86asm.CX: arch.RegX64CX,
		x86asm.DX: arch.RegX64DX,
		x86asm.BX: arch.RegX64BX,
		x86asm.SP: arch.RegX64SP,
		x86asm.BP: arch.RegX64BP,
		x86asm.SI: arch.RegX64SI,
		x86asm.DI: arch.RegX64DI,

		x86asm.EAX: arch.RegX64EAX,
		x86asm.ECX: arch.RegX64ECX,
		x86asm.EDX: arch.RegX64EDX,
		x86asm.EBX: arch.RegX64EBX,
		x86asm.ESP: arch.RegX64ESP,
		x86asm.EBP: arch.RegX64EBP,
		x86asm.ESI: arch.RegX64ESI,
		x86asm.EDI: arch.RegX64EDI,

		x86asm.RAX: arch.RegX64RAX,
		x86asm.RCX: arch.RegX64RCX,
		x86asm.RDX: arch.RegX64RDX,
		x86asm.RBX: arch.RegX64RBX,
		x86asm.RSP: arch.RegX64RSP,
		x86asm.RBP: arch.RegX64RBP,
		x86asm.RSI: arch.RegX64RSI,
		x86asm.RDI: arch.RegX64RDI,

		x86asm.IP:  arch.RegX64RIP,
		x86asm.EIP: arch.RegX64RIP,
		x86asm.RIP: arch.RegX64RIP,

		x86asm.ES: arch.RegX64ES,
		x86asm.CS: arch.RegX64CS,
		x86asm.SS: arch.RegX64SS,
		x86asm.DS: arch.RegX64DS,
		x86asm.FS: arch.RegX64FS,
		x86asm.GS: arch.RegX64GS,
	}
	for i := 0; i < 8; i++ {
		m[x86asm.R8B+x86asm.Reg(i)] = arch.RegX64R8B + arch.Reg(i)
		m[x86asm.R8W+x86asm.Reg(i)] = arch.RegX64R8W + arch.Reg(i)
		m[x86asm.R8L+x86asm.Reg(i)] = arch.RegX64R8D + arch.Reg(i)
		m[x86asm.R8+x86asm.Reg(i)] = arch.RegX64R8 + arch.Reg(i)
		m[x86asm.F0+x86asm.Reg(i)] = arch.RegX64ST0 + arch.Reg(i)
		m[x86asm.M0+x86asm.Reg(i)] = arch.RegX64MM0 + arch.Reg(i)
	}
	for i := 0; i < 16; i++ {
		m[x86asm.X0+x86asm.Reg(i)] = arch.X64XMM(i)
	}
	return m
}

// mapX64Reg converts a decoder register into the engine index space. An
// absent or exotic register maps onto the pseudo zero register.
func mapX64Reg(r x86asm.Reg) arch.Reg {
	if r == 0 {
		return arch.RegX64Zero
	}
	if v, ok := x64RegMap[r]; ok {
		return v
	}
	return arch.RegX64Zero
}
