package object

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// decodeTextA64 walks a text section in 4-byte steps, classifying every
// instruction and binding the relocation (if any) at its exact rva.
// Undecodable words become abort records so a stray jump into them traps
// instead of running garbage.
func (o *Object) decodeTextA64(text *TextSection, rsyms map[uint32]*relocSym) error {
	content := o.sectionBytes(text.Index)
	if content == nil {
		return errors.Errorf("text section %d has no content", text.Index)
	}
	var results [1024]byte
	for off := uint32(0); off+4 <= text.Size; off += 4 {
		iinfo := InsnInfo{
			RVA:   text.FRVA + off,
			Len:   4,
			Reloc: -1,
		}
		word := binary.LittleEndian.Uint32(content[off:])
		instr, err := disassemble.Decompose(uint64(text.VM)+uint64(off), word, &results)
		if err != nil {
			iinfo.Type = arch.InsnAbort
			text.Insns = append(text.Insns, iinfo)
			continue
		}
		iinfo.Type = classifyA64(instr)
		if rsym := rsyms[iinfo.RVA]; rsym != nil {
			if err := o.bindReloc(&iinfo, rsym); err != nil {
				return err
			}
		}
		if iinfo.Type != arch.InsnHardware {
			opc := string(content[off : off+4])
			if _, ok := o.metas[opc]; !ok {
				o.metas[opc] = encodeA64Operands(instr, uint64(text.VM)+uint64(off))
			}
		}
		text.Insns = append(text.Insns, iinfo)
	}
	return nil
}

// classifyA64 maps a decoded instruction to the semantic class the
// execution engine dispatches on. Everything the engine can hand to the
// cpu emulator verbatim stays InsnHardware.
func classifyA64(instr *disassemble.Instruction) arch.InsnType {
	switch op := instr.Operation.String(); op {
	case "brk":
		return arch.InsnAbort
	case "tbz", "tbnz", "cbz", "cbnz":
		return arch.InsnCondJump
	case "ret":
		return arch.InsnA64Return
	case "svc":
		return arch.InsnA64Syscall
	case "b":
		return arch.InsnA64Jump
	case "br":
		return arch.InsnA64JumpReg
	case "bl":
		return arch.InsnA64Call
	case "blr":
		return arch.InsnA64CallReg
	case "adr":
		return arch.InsnA64Adr
	case "adrp":
		return arch.InsnA64Adrp
	case "ldrsw":
		if isA64Literal(instr) {
			return arch.InsnA64LdrSwl
		}
	case "ldr":
		if isA64Literal(instr) {
			switch destA64Class(instr) {
			case 'w':
				return arch.InsnA64LdrWl
			case 'x':
				return arch.InsnA64LdrXl
			case 's':
				return arch.InsnA64LdrSl
			case 'd':
				return arch.InsnA64LdrDl
			case 'q':
				return arch.InsnA64LdrQl
			}
		}
	default:
		if strings.HasPrefix(op, "b.") {
			return arch.InsnCondJump
		}
	}
	return arch.InsnHardware
}

// isA64Literal reports whether the load takes a pc-relative literal
// operand rather than a register base.
func isA64Literal(instr *disassemble.Instruction) bool {
	return len(instr.Operands) > 1 && instr.Operands[1].Class == disassemble.LABEL
}

// destA64Class returns the width class letter of the destination register.
func destA64Class(instr *disassemble.Instruction) byte {
	if len(instr.Operands) == 0 || len(instr.Operands[0].Registers) == 0 {
		return 0
	}
	name := instr.Operands[0].Registers[0].String()
	if name == "" {
		return 0
	}
	return name[0]
}

// encodeA64Operands flattens the instruction operands into the replay
// form: each register as its engine index (uint16), then the operand
// immediate (uint64) for non-register operand classes. Label immediates
// are stored relative to the instruction (page-relative for adrp) so the
// table replays identical opcode bytes at any load address.
func encodeA64Operands(instr *disassemble.Instruction, pc uint64) []byte {
	base := pc
	if instr.Operation.String() == "adrp" {
		base = pc &^ 0xfff
	}
	var out []byte
	for i := range instr.Operands {
		op := &instr.Operands[i]
		for _, r := range op.Registers {
			reg, ok := arch.A64RegByName(r.String())
			if !ok {
				continue
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(reg))
		}
		if op.Class != disassemble.REG {
			imm := op.Immediate
			if op.Class == disassemble.LABEL {
				imm -= base
			}
			out = binary.LittleEndian.AppendUint64(out, imm)
		}
	}
	return out
}
