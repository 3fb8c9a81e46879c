package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// elfFormat drives ELF relocatable objects and executables. All supported
// targets are 64-bit little endian, which keeps the raw RELA walk simple.
type elfFormat struct {
	o    *Object
	f    *elf.File
	syms []elf.Symbol // index 0 of the file's symtab (the null entry) removed
}

func newELFFormat(o *Object) (*elfFormat, error) {
	f, err := elf.NewFile(bytes.NewReader(o.buf))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse elf")
	}
	switch f.Machine {
	case elf.EM_X86_64:
		o.arch = arch.X86_64
	case elf.EM_AARCH64:
		o.arch = arch.AArch64
	}
	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrap(err, "failed to read elf symbols")
	}
	return &elfFormat{o: o, f: f, syms: syms}, nil
}

func (e *elfFormat) parseSections() error {
	o := e.o
	var vmrva sectionVMRVA
	for i, s := range e.f.Sections {
		offset := int64(s.Offset)
		if s.Type == elf.SHT_NOBITS {
			offset = -1
		}
		o.noteSection(section{
			index:  i,
			name:   s.Name,
			addr:   s.Addr,
			size:   s.Size,
			offset: offset,
			text:   s.Flags&elf.SHF_EXECINSTR != 0,
		})

		switch {
		case s.Flags&elf.SHF_EXECINSTR != 0 && s.Type == elf.SHT_PROGBITS:
			if s.Size == 0 {
				vmrva.commit(0)
				continue
			}
			t := o.addText(i, uint32(s.Size), vmrva.rva, o.buf[s.Offset:s.Offset+s.Size])
			t.VRVA = t.FRVA
			vmrva.commit(s.Size)
		case s.Type == elf.SHT_NOBITS || hasDynSuffix(s.Name):
			o.addDyn(i, s.Size)
			vmrva.commit(s.Size)
		default:
			commit := true
			if o.kind == arch.ELFReloc {
				var done bool
				done, commit = e.relocateDataSection(i, &s.SectionHeader)
				if done {
					if commit {
						vmrva.commit(s.Size)
					}
					continue
				}
			}
			if commit {
				vmrva.commit(s.Size)
			}
		}
	}
	return nil
}

// relocateDataSection applies the RELA list targeting data section index,
// if one exists. The second result mirrors the synthetic layout rule:
// non-PROGBITS sections do not advance the virtual rva.
func (e *elfFormat) relocateDataSection(index int, hdr *elf.SectionHeader) (bool, bool) {
	commit := hdr.Type == elf.SHT_PROGBITS
	rela := e.relaFor(index)
	if rela == nil || hdr.Size == 0 {
		return false, commit
	}
	content := e.o.sectionBytes(index)
	if content == nil {
		return false, commit
	}
	for _, r := range e.parseRelas(rela) {
		rsym := e.symbolOf(r.sym, r.typ)
		if rsym == nil || rsym.name == "" {
			continue
		}
		rsym.addend = r.addend
		e.o.relocateData(index, content, r.off, rsym)
	}
	return true, commit
}

// relaFor returns the SHT_RELA section whose target is section index.
func (e *elfFormat) relaFor(index int) *elf.Section {
	for _, s := range e.f.Sections {
		if s.Type == elf.SHT_RELA && int(s.Info) == index {
			return s
		}
	}
	return nil
}

type elfRela struct {
	off    uint64
	sym    uint32
	typ    uint32
	addend int64
}

// parseRelas walks the raw Elf64_Rela records of s. The stdlib applies
// relocations only to DWARF data, so the walk is done by hand.
func (e *elfFormat) parseRelas(s *elf.Section) []elfRela {
	if s.Offset == 0 || s.Size == 0 || s.Offset+s.Size > uint64(len(e.o.buf)) {
		return nil
	}
	raw := e.o.buf[s.Offset : s.Offset+s.Size]
	out := make([]elfRela, 0, len(raw)/24)
	for i := 0; i+24 <= len(raw); i += 24 {
		info := binary.LittleEndian.Uint64(raw[i+8:])
		out = append(out, elfRela{
			off:    binary.LittleEndian.Uint64(raw[i:]),
			sym:    uint32(info >> 32),
			typ:    uint32(info),
			addend: int64(binary.LittleEndian.Uint64(raw[i+16:])),
		})
	}
	return out
}

// symbolOf joins relocation symbol index n with its symbol-table entry.
// Section symbols carry no name of their own, so the home section's name
// stands in, matching how linkers report them.
func (e *elfFormat) symbolOf(n, rtype uint32) *relocSym {
	if n == 0 || int(n) > len(e.syms) {
		return nil
	}
	sym := &e.syms[n-1]
	rsym := &relocSym{
		name:  sym.Name,
		rtype: rtype,
		undef: sym.Section == elf.SHN_UNDEF,
	}
	if rsym.undef {
		return rsym
	}
	sect := e.o.sectionByIndex(int(sym.Section))
	if sect == nil {
		return rsym
	}
	if elf.ST_TYPE(sym.Info) == elf.STT_SECTION && rsym.name == "" {
		rsym.name = sect.name
	}
	rsym.hasSym = true
	rsym.sect = sect.index
	rsym.sectAddr = sect.addr
	rsym.symAddr = sym.Value
	return rsym
}

func (e *elfFormat) parseSymbols() error {
	o := e.o
	for i := range e.syms {
		sym := &e.syms[i]
		switch sym.Section {
		case elf.SHN_UNDEF, elf.SHN_COMMON, elf.SHN_ABS:
			continue
		}
		if skipSymbolName(sym.Name) {
			continue
		}
		var kind SymKind
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			kind = SymFunc
		case elf.STT_OBJECT:
			kind = SymData
		default:
			continue
		}
		sect := e.o.sectionByIndex(int(sym.Section))
		if sect == nil {
			log.WithField("symbol", sym.Name).Debug("symbol points at a missing section")
			continue
		}
		o.cacheSymbol(sym.Name, kind, sect.index, sym.Value-sect.addr)
	}
	return nil
}

func (e *elfFormat) textRelocs(text *TextSection) (map[uint32]*relocSym, error) {
	rsyms := make(map[uint32]*relocSym)
	rela := e.relaFor(text.Index)
	if rela == nil {
		return rsyms, nil
	}
	for _, r := range e.parseRelas(rela) {
		rsym := e.symbolOf(r.sym, r.typ)
		if rsym == nil || rsym.name == "" {
			continue
		}
		rsym.addend = r.addend
		// The linker-oriented addend of pc-relative forms bakes in the
		// distance to the end of the 4-byte field; execution rebinds
		// against live addresses, so fold it away.
		if e.o.arch == arch.X86_64 {
			if rsym.addend < -4 {
				rsym.addend = 0
			} else {
				rsym.addend += 4
			}
		}
		rsyms[text.FRVA+uint32(r.off)] = rsym
	}
	return rsyms, nil
}

func hasDynSuffix(name string) bool {
	return len(name) >= 3 && (name[len(name)-3:] == "bss" ||
		(len(name) >= 6 && name[len(name)-6:] == "common"))
}
