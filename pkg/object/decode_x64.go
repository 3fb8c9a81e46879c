package object

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/objrun/objrun/pkg/arch"
)

// decodeTextX64 walks a text section instruction by instruction. x86-64
// relocations land somewhere inside the instruction bytes, so the binding
// scan probes every interior offset that can start a 4-byte field.
func (o *Object) decodeTextX64(text *TextSection, rsyms map[uint32]*relocSym) error {
	content := o.sectionBytes(text.Index)
	if content == nil {
		return errors.Errorf("text section %d has no content", text.Index)
	}
	for off := uint32(0); off < text.Size; {
		iinfo := InsnInfo{RVA: text.FRVA + off, Reloc: -1}
		code := content[off:text.Size]
		inst, err := x86asm.Decode(code, 64)
		length := inst.Len
		if err != nil {
			// a dangling prefix run makes the decoder give up; fold the
			// prefixes into the instruction that follows them
			if n := prefixRun(code); n > 0 && n < len(code) {
				if inst2, err2 := x86asm.Decode(code[n:], 64); err2 == nil {
					inst = inst2
					length = n + inst2.Len
					err = nil
				}
			}
		}
		if err != nil {
			iinfo.Type = arch.InsnAbort
			iinfo.Len = 1
			text.Insns = append(text.Insns, iinfo)
			off++
			continue
		}
		iinfo.Len = uint8(length)
		var cond arch.CondX64
		var hasCond bool
		iinfo.Type, cond, hasCond = classifyX64(&inst)
		iinfo.SegFlag = segmentRef(&inst)
		for i := 1; i+4 <= length; i++ {
			rsym := rsyms[iinfo.RVA+uint32(i)]
			if rsym == nil {
				continue
			}
			if err := o.bindReloc(&iinfo, rsym); err != nil {
				return err
			}
			break
		}
		if iinfo.Type != arch.InsnHardware {
			opc := string(content[off : off+uint32(length)])
			if _, ok := o.metas[opc]; !ok {
				o.metas[opc] = encodeX64Operands(&inst, cond, hasCond)
			}
		}
		text.Insns = append(text.Insns, iinfo)
		off += uint32(length)
	}
	return nil
}

// prefixRun returns the number of leading legacy/REX prefix bytes of code.
func prefixRun(code []byte) int {
	n := 0
	for n < len(code) {
		switch b := code[n]; {
		case b == 0xf0 || b == 0xf2 || b == 0xf3, // lock / rep
			b == 0x2e || b == 0x36 || b == 0x3e || b == 0x26, // segment
			b == 0x64 || b == 0x65, // fs / gs
			b == 0x66 || b == 0x67: // operand / address size
			n++
		case b&0xf0 == 0x40: // rex
			n++
		default:
			return n
		}
	}
	return n
}

func x64FirstOpcodeByte(inst *x86asm.Inst) byte {
	return byte(inst.Opcode >> 24)
}

// regWidth returns the bit width of a general purpose register, 0 for
// anything else.
func regWidth(r x86asm.Reg) int {
	switch {
	case x86asm.AL <= r && r <= x86asm.R15B:
		return 8
	case x86asm.AX <= r && r <= x86asm.R15W:
		return 16
	case x86asm.EAX <= r && r <= x86asm.R15L:
		return 32
	case x86asm.RAX <= r && r <= x86asm.R15:
		return 64
	}
	return 0
}

// argShape summarizes the argument layout the classifier dispatches on.
type argShape struct {
	mem     *x86asm.Mem
	memPos  int
	reg     x86asm.Reg // first non-segment register argument
	regPos  int
	imm     bool
	rel     bool
	numArgs int
}

func shapeOf(inst *x86asm.Inst) argShape {
	s := argShape{memPos: -1, regPos: -1}
	for i, a := range inst.Args {
		if a == nil {
			break
		}
		s.numArgs++
		switch v := a.(type) {
		case x86asm.Mem:
			if s.memPos < 0 {
				m := v
				s.mem = &m
				s.memPos = i
			}
		case x86asm.Reg:
			if s.regPos < 0 {
				s.reg = v
				s.regPos = i
			}
		case x86asm.Imm:
			s.imm = true
		case x86asm.Rel:
			s.rel = true
		}
	}
	return s
}

var x64JccConds = map[x86asm.Op]arch.CondX64{
	x86asm.JO:    arch.CondJo,
	x86asm.JNO:   arch.CondJno,
	x86asm.JB:    arch.CondJb,
	x86asm.JAE:   arch.CondJae,
	x86asm.JE:    arch.CondJe,
	x86asm.JNE:   arch.CondJne,
	x86asm.JBE:   arch.CondJbe,
	x86asm.JA:    arch.CondJa,
	x86asm.JS:    arch.CondJs,
	x86asm.JNS:   arch.CondJns,
	x86asm.JP:    arch.CondJp,
	x86asm.JNP:   arch.CondJnp,
	x86asm.JL:    arch.CondJl,
	x86asm.JGE:   arch.CondJge,
	x86asm.JLE:   arch.CondJle,
	x86asm.JG:    arch.CondJg,
	x86asm.JRCXZ: arch.CondJrcxz,
	x86asm.JECXZ: arch.CondJecxz,
}

var x64CmovConds = map[x86asm.Op]arch.CondX64{
	x86asm.CMOVO:  arch.CondJo,
	x86asm.CMOVNO: arch.CondJno,
	x86asm.CMOVB:  arch.CondJb,
	x86asm.CMOVAE: arch.CondJae,
	x86asm.CMOVE:  arch.CondJe,
	x86asm.CMOVNE: arch.CondJne,
	x86asm.CMOVBE: arch.CondJbe,
	x86asm.CMOVA:  arch.CondJa,
	x86asm.CMOVS:  arch.CondJs,
	x86asm.CMOVNS: arch.CondJns,
	x86asm.CMOVP:  arch.CondJp,
	x86asm.CMOVNP: arch.CondJnp,
	x86asm.CMOVL:  arch.CondJl,
	x86asm.CMOVGE: arch.CondJge,
	x86asm.CMOVLE: arch.CondJle,
	x86asm.CMOVG:  arch.CondJg,
}

// classifyX64 maps a decoded instruction to its semantic class. Only the
// memory-operand shapes the execution engine must synthesize itself get a
// dedicated class; register-only forms run on the emulator as
// InsnHardware.
func classifyX64(inst *x86asm.Inst) (arch.InsnType, arch.CondX64, bool) {
	s := shapeOf(inst)

	if cond, ok := x64JccConds[inst.Op]; ok {
		if inst.Len > 5 {
			return arch.InsnX64JumpCond, cond, true
		}
		return arch.InsnCondJump, cond, true
	}
	if cond, ok := x64CmovConds[inst.Op]; ok {
		if s.mem == nil || s.memPos != 1 {
			return arch.InsnHardware, 0, false
		}
		switch regWidth(s.reg) {
		case 16:
			return arch.InsnX64Cmov16RM, cond, true
		case 32:
			return arch.InsnX64Cmov32RM, cond, true
		case 64:
			return arch.InsnX64Cmov64RM, cond, true
		}
		return arch.InsnHardware, 0, false
	}

	switch inst.Op {
	case x86asm.INT, x86asm.INTO, x86asm.ICEBP, x86asm.UD2:
		return arch.InsnAbort, 0, false
	case x86asm.RET:
		return arch.InsnX64Return, 0, false
	case x86asm.SYSCALL:
		return arch.InsnX64Syscall, 0, false
	case x86asm.CALL:
		switch {
		case s.rel:
			return arch.InsnX64Call, 0, false
		case s.mem != nil:
			return arch.InsnX64CallMem, 0, false
		default:
			return arch.InsnX64CallReg, 0, false
		}
	case x86asm.JMP:
		switch {
		case s.rel:
			return arch.InsnX64Jump, 0, false
		case s.mem != nil:
			return arch.InsnX64JumpMem, 0, false
		default:
			return arch.InsnX64JumpReg, 0, false
		}
	case x86asm.LEA:
		switch regWidth(s.reg) {
		case 32:
			return arch.InsnX64Lea32, 0, false
		case 64:
			return arch.InsnX64Lea64, 0, false
		}
	case x86asm.MOV:
		if s.mem == nil {
			break
		}
		if s.memPos == 0 {
			if s.imm {
				switch inst.DataSize {
				case 8:
					return arch.InsnX64Mov8MI, 0, false
				case 16:
					return arch.InsnX64Mov16MI, 0, false
				case 32:
					return arch.InsnX64Mov32MI, 0, false
				case 64:
					return arch.InsnX64Mov64MI32, 0, false
				}
				break
			}
			switch regWidth(s.reg) {
			case 8:
				return arch.InsnX64Mov8MR, 0, false
			case 16:
				return arch.InsnX64Mov16MR, 0, false
			case 32:
				return arch.InsnX64Mov32MR, 0, false
			case 64:
				return arch.InsnX64Mov64MR, 0, false
			}
			break
		}
		switch regWidth(s.reg) {
		case 8:
			return arch.InsnX64Mov8RM, 0, false
		case 16:
			return arch.InsnX64Mov16RM, 0, false
		case 32:
			return arch.InsnX64Mov32RM, 0, false
		case 64:
			return arch.InsnX64Mov64RM, 0, false
		}
	case x86asm.MOVAPS, x86asm.MOVUPS, x86asm.MOVAPD, x86asm.MOVUPD:
		if s.mem == nil {
			break
		}
		toMem := s.memPos == 0
		switch inst.Op {
		case x86asm.MOVAPS:
			if toMem {
				return arch.InsnX64MovapsMR, 0, false
			}
			return arch.InsnX64MovapsRM, 0, false
		case x86asm.MOVUPS:
			if toMem {
				return arch.InsnX64MovupsMR, 0, false
			}
			return arch.InsnX64MovupsRM, 0, false
		case x86asm.MOVAPD:
			if toMem {
				return arch.InsnX64MovapdMR, 0, false
			}
			return arch.InsnX64MovapdRM, 0, false
		default:
			if toMem {
				return arch.InsnX64MovupdMR, 0, false
			}
			return arch.InsnX64MovupdRM, 0, false
		}
	case x86asm.CMP:
		if s.mem == nil {
			break
		}
		if s.memPos == 0 && s.imm {
			imm8 := x64FirstOpcodeByte(inst) == 0x83
			switch inst.DataSize {
			case 8:
				if imm8 {
					return arch.InsnX64Cmp8MI8, 0, false
				}
				return arch.InsnX64Cmp8MI, 0, false
			case 16:
				if imm8 {
					return arch.InsnX64Cmp16MI8, 0, false
				}
				return arch.InsnX64Cmp16MI, 0, false
			case 32:
				if imm8 {
					return arch.InsnX64Cmp32MI8, 0, false
				}
				return arch.InsnX64Cmp32MI, 0, false
			case 64:
				if imm8 {
					return arch.InsnX64Cmp64MI8, 0, false
				}
				return arch.InsnX64Cmp64MI32, 0, false
			}
			break
		}
		if s.memPos == 1 {
			switch regWidth(s.reg) {
			case 8:
				return arch.InsnX64Cmp8RM, 0, false
			case 16:
				return arch.InsnX64Cmp16RM, 0, false
			case 32:
				return arch.InsnX64Cmp32RM, 0, false
			case 64:
				return arch.InsnX64Cmp64RM, 0, false
			}
			break
		}
		switch regWidth(s.reg) {
		case 8:
			return arch.InsnX64Cmp8MR, 0, false
		case 16:
			return arch.InsnX64Cmp16MR, 0, false
		case 32:
			return arch.InsnX64Cmp32MR, 0, false
		case 64:
			return arch.InsnX64Cmp64MR, 0, false
		}
	case x86asm.TEST:
		if s.mem == nil || s.memPos != 0 {
			break
		}
		if s.imm {
			switch inst.DataSize {
			case 8:
				return arch.InsnX64Test8MI, 0, false
			case 16:
				return arch.InsnX64Test16MI, 0, false
			case 32:
				return arch.InsnX64Test32MI, 0, false
			case 64:
				return arch.InsnX64Test64MI32, 0, false
			}
			break
		}
		switch regWidth(s.reg) {
		case 8:
			return arch.InsnX64Test8MR, 0, false
		case 16:
			return arch.InsnX64Test16MR, 0, false
		case 32:
			return arch.InsnX64Test32MR, 0, false
		case 64:
			return arch.InsnX64Test64MR, 0, false
		}
	case x86asm.MOVSX:
		if s.mem == nil || s.memPos != 1 {
			break
		}
		switch w := regWidth(s.reg); {
		case w == 16 && inst.MemBytes == 1:
			return arch.InsnX64Movsx16RM8, 0, false
		case w == 16 && inst.MemBytes == 2:
			return arch.InsnX64Movsx16RM16, 0, false
		case w == 32 && inst.MemBytes == 1:
			return arch.InsnX64Movsx32RM8, 0, false
		case w == 32 && inst.MemBytes == 2:
			return arch.InsnX64Movsx32RM16, 0, false
		case w == 64 && inst.MemBytes == 1:
			return arch.InsnX64Movsx64RM8, 0, false
		case w == 64 && inst.MemBytes == 2:
			return arch.InsnX64Movsx64RM16, 0, false
		}
	case x86asm.MOVSXD:
		if s.mem == nil || s.memPos != 1 {
			break
		}
		switch regWidth(s.reg) {
		case 16:
			return arch.InsnX64Movsx16RM32, 0, false
		case 32:
			return arch.InsnX64Movsx32RM32, 0, false
		case 64:
			return arch.InsnX64Movsx64RM32, 0, false
		}
	case x86asm.MOVZX:
		if s.mem == nil || s.memPos != 1 {
			break
		}
		switch w := regWidth(s.reg); {
		case w == 16 && inst.MemBytes == 1:
			return arch.InsnX64Movzx16RM8, 0, false
		case w == 16 && inst.MemBytes == 2:
			return arch.InsnX64Movzx16RM16, 0, false
		case w == 32 && inst.MemBytes == 1:
			return arch.InsnX64Movzx32RM8, 0, false
		case w == 32 && inst.MemBytes == 2:
			return arch.InsnX64Movzx32RM16, 0, false
		case w == 64 && inst.MemBytes == 1:
			return arch.InsnX64Movzx64RM8, 0, false
		case w == 64 && inst.MemBytes == 2:
			return arch.InsnX64Movzx64RM16, 0, false
		}
	}
	return arch.InsnHardware, 0, false
}

// segmentRef reports whether the instruction addresses memory through a
// segment register the engine must honor.
func segmentRef(inst *x86asm.Inst) bool {
	for _, a := range inst.Args {
		switch v := a.(type) {
		case nil:
			return false
		case x86asm.Reg:
			if mapX64Reg(v).IsSegment() {
				return true
			}
		case x86asm.Mem:
			if mapX64Reg(v.Segment).IsSegment() {
				return true
			}
		}
	}
	return false
}

// encodeX64Operands flattens the arguments into the replay form: registers
// as engine indices (uint16), immediates and displacements as uint64.
// Memory arguments expand to base, scale, index, displacement, segment.
// The branch condition, if any, goes last.
func encodeX64Operands(inst *x86asm.Inst, cond arch.CondX64, hasCond bool) []byte {
	var out []byte
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Reg:
			out = binary.LittleEndian.AppendUint16(out, uint16(mapX64Reg(v)))
		case x86asm.Imm:
			out = binary.LittleEndian.AppendUint64(out, uint64(int64(v)))
		case x86asm.Rel:
			out = binary.LittleEndian.AppendUint64(out, uint64(int64(v)))
		case x86asm.Mem:
			out = binary.LittleEndian.AppendUint16(out, uint16(mapX64Reg(v.Base)))
			out = binary.LittleEndian.AppendUint64(out, uint64(v.Scale))
			out = binary.LittleEndian.AppendUint16(out, uint16(mapX64Reg(v.Index)))
			out = binary.LittleEndian.AppendUint64(out, uint64(v.Disp))
			out = binary.LittleEndian.AppendUint16(out, uint16(mapX64Reg(v.Segment)))
		}
	}
	if hasCond {
		out = binary.LittleEndian.AppendUint64(out, uint64(cond))
	}
	return out
}
