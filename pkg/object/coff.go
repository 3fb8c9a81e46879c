package object

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// COFF relocation types the pipeline special-cases. debug/pe stops at the
// section table, so these and the raw relocation records are handled here.
const (
	coffRelocAMD64Addr64   = 0x0001
	coffRelocAMD64Addr32NB = 0x0003
	coffRelocAMD64Rel32    = 0x0004

	coffRelocARM64Addr32NB      = 0x0002
	coffRelocARM64PageOffset12L = 0x0007
)

const (
	coffSectCode     = 0x00000020 // IMAGE_SCN_CNT_CODE
	coffSectUninit   = 0x00000080 // IMAGE_SCN_CNT_UNINITIALIZED_DATA
	coffSymClassFile = 103        // IMAGE_SYM_CLASS_FILE
	coffSymDTypeFunc = 2          // IMAGE_SYM_DTYPE_FUNCTION
)

// coffReloc is one raw relocation record of a section.
type coffReloc struct {
	va    uint32
	sym   uint32
	rtype uint16
}

// coffFormat drives COFF objects and PE images. Section indices are the
// 1-based section numbers symbols use.
type coffFormat struct {
	o *Object
	f *pe.File
}

func newCOFFFormat(o *Object) (*coffFormat, error) {
	f, err := pe.NewFile(bytes.NewReader(o.buf))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse coff")
	}
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		o.arch = arch.X86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		o.arch = arch.AArch64
	}
	return &coffFormat{o: o, f: f}, nil
}

// relocsOf parses the raw 10-byte relocation records of s.
func (c *coffFormat) relocsOf(s *pe.Section) []coffReloc {
	n := int(s.NumberOfRelocations)
	off := int(s.PointerToRelocations)
	if n == 0 || off <= 0 || off+n*10 > len(c.o.buf) {
		return nil
	}
	raw := c.o.buf[off : off+n*10]
	out := make([]coffReloc, 0, n)
	for i := 0; i < len(raw); i += 10 {
		out = append(out, coffReloc{
			va:    binary.LittleEndian.Uint32(raw[i:]),
			sym:   binary.LittleEndian.Uint32(raw[i+4:]),
			rtype: binary.LittleEndian.Uint16(raw[i+8:]),
		})
	}
	return out
}

func (c *coffFormat) parseSections() error {
	o := c.o
	for i, s := range c.f.Sections {
		index := i + 1 // COFF section numbers are 1-based
		offset := int64(s.Offset)
		if s.Characteristics&coffSectUninit != 0 {
			offset = -1
		}
		o.noteSection(section{
			index:  index,
			name:   s.Name,
			addr:   uint64(s.VirtualAddress),
			size:   uint64(s.Size),
			offset: offset,
			text:   s.Characteristics&coffSectCode != 0,
		})

		switch {
		case s.Characteristics&coffSectCode != 0:
			if s.Size == 0 {
				continue
			}
			end := uint64(s.Offset) + uint64(s.Size)
			if end > uint64(len(o.buf)) {
				return errors.Errorf("section %s content out of range", s.Name)
			}
			o.addText(index, s.Size, uint64(s.VirtualAddress), o.buf[s.Offset:end])
		case s.Characteristics&coffSectUninit != 0 || hasDynSuffix(s.Name):
			o.addDyn(index, uint64(s.VirtualSize))
		default:
			relocs := c.relocsOf(s)
			if s.Size == 0 || len(relocs) == 0 {
				continue
			}
			content := o.sectionBytes(index)
			if content == nil {
				continue
			}
			// text references into data need 4/8-byte aligned slots;
			// promote unaligned content to an owned buffer
			if vmAddr(content)&1 != 0 {
				d := o.addDyn(index, uint64(len(content)))
				copy(d.Buffer, content)
				content = d.Buffer
			}
			for _, r := range relocs {
				rsym := c.symbolOf(r.sym, uint32(r.rtype))
				if rsym == nil || rsym.fileSym {
					continue
				}
				o.relocateData(index, content, uint64(r.va-s.VirtualAddress), rsym)
			}
		}
	}
	return nil
}

// symbolOf joins relocation symbol index n with its symbol-table entry.
// The index is into the raw table, auxiliary records included.
func (c *coffFormat) symbolOf(n, rtype uint32) *relocSym {
	if int(n) >= len(c.f.COFFSymbols) {
		return nil
	}
	sym := &c.f.COFFSymbols[n]
	name, err := sym.FullName(c.f.StringTable)
	if err != nil {
		log.WithError(err).Debug("bad coff symbol name")
		return nil
	}
	rsym := &relocSym{
		name:    name,
		rtype:   rtype,
		undef:   sym.SectionNumber == 0,
		fileSym: sym.StorageClass == coffSymClassFile,
	}
	if rsym.undef || sym.SectionNumber < 0 {
		return rsym
	}
	if sect := c.o.sectionByIndex(int(sym.SectionNumber)); sect != nil {
		rsym.hasSym = true
		rsym.sect = sect.index
		rsym.sectAddr = sect.addr
		rsym.symAddr = sect.addr + uint64(sym.Value)
	}
	return rsym
}

func (c *coffFormat) parseSymbols() error {
	o := c.o
	for i := 0; i < len(c.f.COFFSymbols); i += 1 + int(c.f.COFFSymbols[i].NumberOfAuxSymbols) {
		sym := &c.f.COFFSymbols[i]
		if sym.SectionNumber <= 0 || sym.StorageClass == coffSymClassFile {
			continue
		}
		name, err := sym.FullName(c.f.StringTable)
		if err != nil || skipSymbolName(name) {
			continue
		}
		sect := o.sectionByIndex(int(sym.SectionNumber))
		if sect == nil {
			continue
		}
		if name == sect.name && sym.Value == 0 && sym.Type == 0 {
			continue // section definition symbol
		}
		kind := SymData
		if sym.Type>>4 == coffSymDTypeFunc || sect.text {
			kind = SymFunc
		}
		o.cacheSymbol(name, kind, sect.index, uint64(sym.Value))
	}
	return nil
}

func (c *coffFormat) textRelocs(text *TextSection) (map[uint32]*relocSym, error) {
	rsyms := make(map[uint32]*relocSym)
	if text.Index < 1 || text.Index > len(c.f.Sections) {
		return rsyms, nil
	}
	s := c.f.Sections[text.Index-1]
	for _, r := range c.relocsOf(s) {
		rsym := c.symbolOf(r.sym, uint32(r.rtype))
		if rsym == nil || rsym.name == "" {
			continue
		}
		rsyms[text.FRVA+(r.va-s.VirtualAddress)] = rsym
	}
	return rsyms, nil
}
