package object

import (
	"github.com/objrun/objrun/pkg/arch"
)

// InsnInfo describes one decoded instruction: where it lives in the text
// coordinate space, how long it is, its semantic class, and which
// relocation record (if any) its operand resolves through.
type InsnInfo struct {
	RVA     uint32 // offset relative to the first text section
	Len     uint8
	Type    arch.InsnType
	SegFlag bool  // an x86-64 segment register participates
	Reloc   int32 // index into Object.relocs, -1 when none
}

// packed InsnInfo layout, low to high:
//
//	type:8 | len:5 | rflag:1 | segflag:1 | reloc:17 | rva:32
const (
	insnLenShift   = 8
	insnRFlagBit   = 1 << 13
	insnSegBit     = 1 << 14
	insnRelocShift = 15
	insnRelocMask  = 1<<17 - 1
	insnRVAShift   = 32

	// MaxRelocs is the largest relocation index the packed form can carry.
	MaxRelocs = insnRelocMask
)

// Pack encodes the record into the fixed-size cache representation.
func (i InsnInfo) Pack() uint64 {
	v := uint64(i.Type) | uint64(i.Len&0x1f)<<insnLenShift
	if i.SegFlag {
		v |= insnSegBit
	}
	if i.Reloc >= 0 {
		v |= insnRFlagBit
		v |= uint64(uint32(i.Reloc)&insnRelocMask) << insnRelocShift
	}
	return v | uint64(i.RVA)<<insnRVAShift
}

// UnpackInsn decodes a packed record.
func UnpackInsn(v uint64) InsnInfo {
	i := InsnInfo{
		RVA:     uint32(v >> insnRVAShift),
		Len:     uint8(v>>insnLenShift) & 0x1f,
		Type:    arch.InsnType(v & 0xff),
		SegFlag: v&insnSegBit != 0,
		Reloc:   -1,
	}
	if v&insnRFlagBit != 0 {
		i.Reloc = int32(v >> insnRelocShift & insnRelocMask)
	}
	return i
}

// HasReloc reports whether the instruction binds through a relocation
// record.
func (i InsnInfo) HasReloc() bool { return i.Reloc >= 0 }

// End returns the first rva past this instruction.
func (i InsnInfo) End() uint32 { return i.RVA + uint32(i.Len) }
