package object

import (
	"bytes"

	"github.com/apex/log"
	macho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// Mach-O section flag bits the parser cares about.
const (
	machoSectTypeMask     = 0x000000ff
	machoSectZeroFill     = 0x1
	machoAttrPureInstrs   = 0x80000000
	machoAttrSomeInstrs   = 0x00000400
	machoSectInstructions = machoAttrPureInstrs | machoAttrSomeInstrs
)

// machoFormat drives Mach-O relocatable objects and executables through
// go-macho. Section indices are the 1-based ordinals symbols and
// relocations use on this format.
type machoFormat struct {
	o *Object
	f *macho.File
}

func newMachOFormat(o *Object) (*machoFormat, error) {
	f, err := macho.NewFile(bytes.NewReader(o.buf))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse mach-o")
	}
	switch f.CPU {
	case types.CPUAmd64:
		o.arch = arch.X86_64
	case types.CPUArm64:
		o.arch = arch.AArch64
	}
	return &machoFormat{o: o, f: f}, nil
}

func (m *machoFormat) isText(s *types.Section) bool {
	return uint32(s.Flags)&machoSectInstructions != 0
}

func (m *machoFormat) isZeroFill(s *types.Section) bool {
	return uint32(s.Flags)&machoSectTypeMask == machoSectZeroFill
}

func (m *machoFormat) parseSections() error {
	o := m.o
	for i, s := range m.f.Sections {
		index := i + 1 // Mach-O ordinals are 1-based
		offset := int64(s.Offset)
		if m.isZeroFill(s) {
			offset = -1
		}
		o.noteSection(section{
			index:  index,
			name:   s.Name,
			addr:   s.Addr,
			size:   s.Size,
			offset: offset,
			text:   m.isText(s),
		})

		switch {
		case m.isText(s):
			if s.Size == 0 {
				continue
			}
			end := uint64(s.Offset) + s.Size
			if end > uint64(len(o.buf)) {
				return errors.Errorf("section %s content out of range", s.Name)
			}
			o.addText(index, uint32(s.Size), s.Addr, o.buf[s.Offset:end])
		case m.isZeroFill(s) || hasDynSuffix(s.Name):
			o.addDyn(index, s.Size)
		default:
			if s.Size == 0 || len(s.Relocs) == 0 {
				continue
			}
			content := o.sectionBytes(index)
			if content == nil {
				continue
			}
			for _, r := range s.Relocs {
				rsym := m.symbolOf(&r)
				if rsym == nil || rsym.fileSym {
					continue
				}
				o.relocateData(index, content, uint64(r.Addr), rsym)
			}
		}
	}
	return nil
}

// symbolOf joins one relocation with its symbol. Non-extern entries come
// back nameless; the data relocator resolves them by the address stored at
// the patch site.
func (m *machoFormat) symbolOf(r *types.Reloc) *relocSym {
	rsym := &relocSym{rtype: uint32(r.Type)}
	if !r.Extern || r.Scattered {
		return rsym
	}
	if m.f.Symtab == nil || int(r.Value) >= len(m.f.Symtab.Syms) {
		return rsym
	}
	sym := &m.f.Symtab.Syms[r.Value]
	rsym.name = sym.Name
	rsym.fileSym = sym.Type.IsDebugSym()
	rsym.undef = sym.Type.IsUndefinedSym()
	if rsym.undef {
		return rsym
	}
	if sym.Type.IsDefinedInSection() {
		if sect := m.o.sectionByIndex(int(sym.Sect)); sect != nil {
			rsym.hasSym = true
			rsym.sect = sect.index
			rsym.sectAddr = sect.addr
			rsym.symAddr = sym.Value
		}
	}
	return rsym
}

func (m *machoFormat) parseSymbols() error {
	o := m.o
	if m.f.Symtab == nil {
		return nil
	}
	for i := range m.f.Symtab.Syms {
		sym := &m.f.Symtab.Syms[i]
		if sym.Type.IsDebugSym() || sym.Type.IsUndefinedSym() ||
			sym.Type.IsIndirectSym() || !sym.Type.IsDefinedInSection() {
			continue
		}
		if skipSymbolName(sym.Name) {
			continue
		}
		sect := o.sectionByIndex(int(sym.Sect))
		if sect == nil {
			log.WithField("symbol", sym.Name).Debug("symbol points at a missing section")
			continue
		}
		kind := SymData
		if sect.text {
			kind = SymFunc
		}
		o.cacheSymbol(sym.Name, kind, sect.index, sym.Value-sect.addr)
	}
	return nil
}

func (m *machoFormat) textRelocs(text *TextSection) (map[uint32]*relocSym, error) {
	rsyms := make(map[uint32]*relocSym)
	if text.Index < 1 || text.Index > len(m.f.Sections) {
		return rsyms, nil
	}
	s := m.f.Sections[text.Index-1]
	var addend int64
	for _, r := range s.Relocs {
		rsym := m.symbolOf(&r)
		if rsym == nil {
			continue
		}
		if rsym.name == "" {
			// an addend entry precedes the relocation pair it amends:
			//   ARM64_RELOC_ADDEND, then PAGE21 / PAGEOFF12
			if m.o.arch == arch.AArch64 && r.Type == machoRelocARM64Addend {
				addend = int64(r.Value)
			}
			continue
		}
		if addend != 0 {
			rsym.addend = addend
			addend = 0
		}
		rsyms[text.FRVA+r.Addr] = rsym
	}
	return rsyms, nil
}
