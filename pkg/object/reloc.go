package object

import (
	"debug/elf"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// Relocation type values live in per-format namespaces; a magic bit keeps
// them apart once mixed into one switch.
const (
	machoMagicBit = 0x10000
	elfMagicBit   = 0x20000
	coffMagicBit  = 0x40000
)

// Mach-O relocation types (r_type field values).
const (
	machoRelocX64Unsigned = 0
	machoRelocX64Signed   = 1
	machoRelocX64GOTLoad  = 3
	machoRelocX64GOT      = 4

	machoRelocARM64GOTLoadPage21 = 5
	machoRelocARM64Addend        = 10
)

func (o *Object) relocMagicBit() uint32 {
	switch o.kind {
	case arch.MachOReloc:
		return machoMagicBit
	case arch.ELFReloc:
		return elfMagicBit
	default:
		return coffMagicBit
	}
}

// relocSymKind decides whether a relocation binds to code or to data.
// GOT-flavored relocations always mean an address cell; a COFF pc-relative
// reference from a memory-touching instruction to a dll-import name does
// too.
func (o *Object) relocSymKind(iinfo *InsnInfo, rsym *relocSym) SymKind {
	rtype := rsym.rtype | o.relocMagicBit()
	switch o.arch {
	case arch.AArch64:
		switch rtype {
		case machoRelocARM64GOTLoadPage21 | machoMagicBit,
			uint32(307) | elfMagicBit, // R_AARCH64_GOTREL64, absent from debug/elf
			uint32(elf.R_AARCH64_GOT_LD_PREL19) | elfMagicBit,
			uint32(elf.R_AARCH64_ADR_GOT_PAGE) | elfMagicBit:
			return SymData
		}
	case arch.X86_64:
		switch rtype {
		case machoRelocX64GOT | machoMagicBit,
			machoRelocX64GOTLoad | machoMagicBit,
			uint32(elf.R_X86_64_GOTPCREL) | elfMagicBit,
			uint32(elf.R_X86_64_REX_GOTPCRELX) | elfMagicBit,
			coffRelocAMD64Addr64 | coffMagicBit:
			return SymData
		case coffRelocAMD64Rel32 | coffMagicBit:
			if iinfo.Type.IsX64MemRef() && rsym.undef &&
				len(rsym.name) > 6 && rsym.name[:6] == "__imp_" {
				return SymData
			}
			return SymFunc
		}
	}
	return SymFunc
}

func (o *Object) locateSymbol(name string, data bool) uintptr {
	if o.res == nil {
		return 0
	}
	return o.res.LocateSymbol(name, data)
}

// localTarget computes the live address of a symbol defined inside this
// object: its home section's content plus the symbol offset and the
// relocation addend. The second result reports whether the home section
// holds code.
func (o *Object) localTarget(rsym *relocSym) (uintptr, bool, error) {
	if !rsym.hasSym {
		return 0, false, errors.Errorf("symbol section/address of %q is missing for relocation", rsym.name)
	}
	sect := o.sectionByIndex(rsym.sect)
	if sect == nil {
		return 0, false, errors.Errorf("home section of %q is missing for relocation", rsym.name)
	}
	symoff := int64(rsym.symAddr) - int64(rsym.sectAddr) + rsym.addend
	if d := o.dynByIndex(sect.index); d != nil {
		return vmAddr(d.Buffer) + uintptr(symoff), sect.text, nil
	}
	content := o.sectionBytes(sect.index)
	if content == nil {
		return 0, false, errors.Errorf("content of section %q is missing for relocation", sect.name)
	}
	return vmAddr(content) + uintptr(symoff), sect.text, nil
}

// bindReloc resolves one text relocation and records it, sharing records
// between instructions binding to the same (target, kind) pair.
func (o *Object) bindReloc(iinfo *InsnInfo, rsym *relocSym) error {
	kind := o.relocSymKind(iinfo, rsym)
	var target uintptr
	if rsym.undef {
		target = o.locateSymbol(rsym.name, kind == SymData)
	} else {
		var err error
		if target, _, err = o.localTarget(rsym); err != nil {
			return err
		}
	}
	for i := range o.relocs {
		r := &o.relocs[i]
		if r.Target != target || r.Kind != kind {
			continue
		}
		// a page-offset load reaching an already-bound import means the
		// first encounter misread a data cell as code; rebind it
		if o.arch == arch.AArch64 && o.relocMagicBit() == coffMagicBit &&
			rsym.undef && rsym.rtype == coffRelocARM64PageOffset12L {
			r.Kind = SymData
			r.Target = o.locateSymbol(rsym.name, true)
		}
		iinfo.Reloc = int32(i)
		return nil
	}
	if len(o.relocs) >= MaxRelocs {
		return errors.Errorf("too many relocations, the limit is %d", MaxRelocs)
	}
	iinfo.Reloc = int32(len(o.relocs))
	o.relocs = append(o.relocs, RelocInfo{Name: rsym.name, Target: target, Kind: kind})
	return nil
}

// relocateData patches one relocation slot inside a data section and
// records a stub spot when the written word points into code.
func (o *Object) relocateData(index int, content []byte, offset uint64, rsym *relocSym) {
	var target uintptr
	var istext bool
	switch {
	case rsym.undef:
		target = o.locateSymbol(rsym.name, false)
	case rsym.name == "":
		if o.kind != arch.MachOReloc && o.kind != arch.MachOExe {
			return
		}
		if rsym.rtype != machoRelocX64Unsigned && rsym.rtype != machoRelocX64Signed {
			return
		}
		// the slot already holds the referenced section-space address;
		// map it into the live content
		if offset+8 > uint64(len(content)) {
			return
		}
		saddr := binary.LittleEndian.Uint64(content[offset:])
		for i := range o.sections {
			s := &o.sections[i]
			if s.addr <= saddr && saddr < s.addr+s.size {
				if c := o.sectionBytes(s.index); c != nil {
					target = vmAddr(c) + uintptr(saddr-s.addr)
				}
				break
			}
		}
		if target == 0 {
			return
		}
	default:
		var err error
		if target, istext, err = o.localTarget(rsym); err != nil {
			log.WithError(err).WithField("symbol", rsym.name).
				Error("failed to relocate data symbol")
			return
		}
	}

	rtype := rsym.rtype | o.relocMagicBit()
	switch o.arch {
	case arch.X86_64:
		switch rtype {
		case uint32(elf.R_X86_64_PC32) | elfMagicBit:
			// slot = target + addend - (content + offset); the addend is
			// already folded into target
			if offset+4 > uint64(len(content)) {
				relocRangeWarn(rsym.name, len(content), offset)
				return
			}
			rel32 := uint32(uint64(target) - uint64(vmAddr(content)) - offset)
			binary.LittleEndian.PutUint32(content[offset:], rel32)
			return
		case coffRelocAMD64Rel32 | coffMagicBit:
			if offset+4 > uint64(len(content)) {
				relocRangeWarn(rsym.name, len(content), offset)
				return
			}
			// the static addend sits in the slot itself, and the linker
			// formula subtracts the 4 bytes of the field: s + a - p - 4
			addend := binary.LittleEndian.Uint32(content[offset:])
			rel32 := uint32(uint64(target) + uint64(addend) - uint64(vmAddr(content)) - offset - 4)
			binary.LittleEndian.PutUint32(content[offset:], rel32)
			return
		case coffRelocAMD64Addr32NB | coffMagicBit:
			return
		}
	case arch.AArch64:
		if rtype == coffRelocARM64Addr32NB|coffMagicBit {
			return
		}
	}

	if offset+8 > uint64(len(content)) {
		relocRangeWarn(rsym.name, len(content), offset)
		return
	}
	binary.LittleEndian.PutUint64(content[offset:], uint64(target))
	if istext {
		o.stubs = append(o.stubs, StubSpot{
			Index:  index,
			Offset: uint32(offset),
			VM:     vmAddr(content) + uintptr(offset),
			Name:   rsym.name,
		})
	}
}

func relocRangeWarn(name string, max int, offset uint64) {
	log.WithFields(log.Fields{
		"symbol": name,
		"max":    max,
		"offset": offset,
	}).Warn("relocation write is out of range")
}
