package arch

// Reg is the engine-facing register index. Decoders map their native
// register identifiers into this space once, at classification time, so
// the engine never re-invokes a disassembler to learn operand registers.
type Reg uint16

const RegNone Reg = 0

// arm64 register blocks. Each block is contiguous so table construction
// can index by register number.
const (
	RegA64X0    Reg = regA64XBase
	regA64XBase Reg = 1   // x0..x28
	RegA64FP    Reg = 30  // x29
	RegA64LR    Reg = 31  // x30
	RegA64SP    Reg = 32  // sp
	regA64WBase Reg = 33  // w0..w30
	RegA64WZR   Reg = 64  // wzr
	RegA64XZR   Reg = 65  // xzr
	regA64BBase Reg = 66  // b0..b31
	regA64HBase Reg = 98  // h0..h31
	regA64SBase Reg = 130 // s0..s31
	regA64DBase Reg = 162 // d0..d31
	regA64QBase Reg = 194 // q0..q31
	regA64VBase Reg = 226 // v0..v31
	regA64End   Reg = 258
)

// A64X returns the Reg for general register xN (0..30) with x29/x30
// folded onto FP/LR, matching the AAPCS numbering.
func A64X(n int) Reg {
	switch {
	case n < 0 || n > 30:
		return RegNone
	case n == 29:
		return RegA64FP
	case n == 30:
		return RegA64LR
	default:
		return regA64XBase + Reg(n)
	}
}

// A64W returns the Reg for wN (0..30).
func A64W(n int) Reg {
	if n < 0 || n > 30 {
		return RegNone
	}
	return regA64WBase + Reg(n)
}

// x86-64 register block, starting after the arm64 space so the two
// architectures never alias inside one replay table.
const (
	RegX64RIP Reg = regA64End + iota
	RegX64RFLAGS
	RegX64RAX
	RegX64RBX
	RegX64RCX
	RegX64RDX
	RegX64RSI
	RegX64RDI
	RegX64RBP
	RegX64RSP
	RegX64R8
	RegX64R9
	RegX64R10
	RegX64R11
	RegX64R12
	RegX64R13
	RegX64R14
	RegX64R15
	RegX64EAX
	RegX64EBX
	RegX64ECX
	RegX64EDX
	RegX64ESI
	RegX64EDI
	RegX64EBP
	RegX64ESP
	RegX64R8D
	RegX64R9D
	RegX64R10D
	RegX64R11D
	RegX64R12D
	RegX64R13D
	RegX64R14D
	RegX64R15D
	RegX64AX
	RegX64BX
	RegX64CX
	RegX64DX
	RegX64SI
	RegX64DI
	RegX64BP
	RegX64SP
	RegX64R8W
	RegX64R9W
	RegX64R10W
	RegX64R11W
	RegX64R12W
	RegX64R13W
	RegX64R14W
	RegX64R15W
	RegX64AL
	RegX64BL
	RegX64CL
	RegX64DL
	RegX64AH
	RegX64BH
	RegX64CH
	RegX64DH
	RegX64SIL
	RegX64DIL
	RegX64BPL
	RegX64SPL
	RegX64R8B
	RegX64R9B
	RegX64R10B
	RegX64R11B
	RegX64R12B
	RegX64R13B
	RegX64R14B
	RegX64R15B
	RegX64CS
	RegX64SS
	RegX64DS
	RegX64ES
	RegX64FS
	RegX64GS
	RegX64XMM0 // xmm0..xmm15 contiguous
)

const (
	regX64XMMEnd = RegX64XMM0 + 16
	RegX64ST0    = regX64XMMEnd // st0..st7 contiguous
	regX64STEnd  = RegX64ST0 + 8
	RegX64MM0    = regX64STEnd // mm0..mm7 contiguous
	regX64MMEnd  = RegX64MM0 + 8
	RegX64Zero   = regX64MMEnd // pseudo zero register
	RegMax       = RegX64Zero + 1
)

// X64XMM returns the Reg for xmmN (0..15).
func X64XMM(n int) Reg {
	if n < 0 || n > 15 {
		return RegNone
	}
	return RegX64XMM0 + Reg(n)
}

// A64Class splits an arm64 Reg back into its width class letter and
// register number. SP, WZR and XZR are not part of a numbered block and
// report false; x29/x30 classify as x registers.
func (r Reg) A64Class() (byte, int, bool) {
	switch {
	case r >= regA64XBase && r < RegA64FP:
		return 'x', int(r - regA64XBase), true
	case r == RegA64FP:
		return 'x', 29, true
	case r == RegA64LR:
		return 'x', 30, true
	case r >= regA64WBase && r < RegA64WZR:
		return 'w', int(r - regA64WBase), true
	case r >= regA64BBase && r < regA64HBase:
		return 'b', int(r - regA64BBase), true
	case r >= regA64HBase && r < regA64SBase:
		return 'h', int(r - regA64HBase), true
	case r >= regA64SBase && r < regA64DBase:
		return 's', int(r - regA64SBase), true
	case r >= regA64DBase && r < regA64QBase:
		return 'd', int(r - regA64DBase), true
	case r >= regA64QBase && r < regA64VBase:
		return 'q', int(r - regA64QBase), true
	case r >= regA64VBase && r < regA64End:
		return 'v', int(r - regA64VBase), true
	}
	return 0, 0, false
}

// IsSegment reports whether r is an x86-64 segment register whose use an
// instruction must flag for the engine.
func (r Reg) IsSegment() bool {
	switch r {
	case RegX64DS, RegX64FS, RegX64GS, RegX64SS:
		return true
	}
	return false
}

// a64RegNames maps the lowercase assembler spelling of every arm64
// register to its Reg. Built once; decoders resolve names through it so
// the mapping stays a table rather than per-decoder branching.
var a64RegNames = buildA64RegNames()

func buildA64RegNames() map[string]Reg {
	m := make(map[string]Reg, 300)
	for i := 0; i <= 28; i++ {
		m[nameN("x", i)] = regA64XBase + Reg(i)
	}
	m["x29"] = RegA64FP
	m["fp"] = RegA64FP
	m["x30"] = RegA64LR
	m["lr"] = RegA64LR
	m["sp"] = RegA64SP
	m["wsp"] = RegA64SP
	for i := 0; i <= 30; i++ {
		m[nameN("w", i)] = regA64WBase + Reg(i)
	}
	m["wzr"] = RegA64WZR
	m["xzr"] = RegA64XZR
	for i := 0; i <= 31; i++ {
		m[nameN("b", i)] = regA64BBase + Reg(i)
		m[nameN("h", i)] = regA64HBase + Reg(i)
		m[nameN("s", i)] = regA64SBase + Reg(i)
		m[nameN("d", i)] = regA64DBase + Reg(i)
		m[nameN("q", i)] = regA64QBase + Reg(i)
		m[nameN("v", i)] = regA64VBase + Reg(i)
	}
	return m
}

func nameN(prefix string, n int) string {
	if n < 10 {
		return prefix + string(rune('0'+n))
	}
	return prefix + string(rune('0'+n/10)) + string(rune('0'+n%10))
}

// A64RegByName resolves an arm64 register by its assembler name,
// ignoring any SIMD arrangement suffix (".16b", ".4s", ...).
func A64RegByName(name string) (Reg, bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			name = name[:i]
			break
		}
	}
	r, ok := a64RegNames[name]
	return r, ok
}
