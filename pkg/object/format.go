package object

import (
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// format is the capability interface each object-file variant implements.
// The variant is selected once at construction from the object kind; all
// later passes go through it.
type format interface {
	// parseSections classifies every section (text / dynamic / data),
	// records text coordinates and applies data-section relocations for
	// relocatable objects.
	parseSections() error
	// parseSymbols fills the function and data symbol tables with live
	// in-image addresses.
	parseSymbols() error
	// textRelocs gathers the relocations targeting offsets inside t,
	// keyed by text-coordinate rva.
	textRelocs(t *TextSection) (map[uint32]*relocSym, error)
}

// relocSym is one relocation entry joined with its symbol, before the
// target address is computed.
type relocSym struct {
	name   string
	rtype  uint32
	addend int64
	undef  bool

	// local symbol home, valid when undef is false
	hasSym   bool
	sect     int
	sectAddr uint64
	symAddr  uint64
	fileSym  bool
}

func newFormat(o *Object) (format, error) {
	switch o.kind {
	case arch.ELFReloc, arch.ELFExe:
		return newELFFormat(o)
	case arch.MachOReloc, arch.MachOExe:
		return newMachOFormat(o)
	case arch.COFFReloc, arch.COFFExe:
		return newCOFFFormat(o)
	default:
		return nil, errors.Errorf("unknown object kind %d", o.kind)
	}
}

// noteSection records the low-level section view used later for symbol
// and relocation address arithmetic.
func (o *Object) noteSection(s section) {
	o.sections = append(o.sections, s)
}

// addText appends a text section and derives its stable file-rva
// coordinate from the first text section's content address.
func (o *Object) addText(index int, size uint32, vmrva uint64, content []byte) *TextSection {
	t := TextSection{
		Index: index,
		Size:  size,
		VMRVA: vmrva,
		VM:    vmAddr(content),
	}
	if len(o.texts) > 0 {
		t.FRVA = uint32(t.VM - o.texts[0].VM)
	}
	o.texts = append(o.texts, t)
	return &o.texts[len(o.texts)-1]
}

// addDyn promotes a zero-initialized section to a process-owned buffer.
func (o *Object) addDyn(index int, size uint64) *DynSection {
	o.dyns = append(o.dyns, DynSection{Index: index, Buffer: make([]byte, size)})
	return &o.dyns[len(o.dyns)-1]
}

// dynByIndex returns the dynamic section promoted from section index, or
// nil.
func (o *Object) dynByIndex(index int) *DynSection {
	for i := range o.dyns {
		if o.dyns[i].Index == index {
			return &o.dyns[i]
		}
	}
	return nil
}

// cacheSymbol records a parsed symbol under the right table, preferring
// the dynamic buffer when the home section was promoted.
func (o *Object) cacheSymbol(name string, kind SymKind, sectIndex int, delta uint64) {
	var content []byte
	if d := o.dynByIndex(sectIndex); d != nil {
		content = d.Buffer
	} else {
		content = o.sectionBytes(sectIndex)
	}
	if content == nil || delta > uint64(len(content)) {
		return
	}
	addr := vmAddr(content) + uintptr(delta)
	if kind == SymFunc {
		o.funcs[name] = addr
	} else {
		o.datas[name] = addr
	}
}

// skipSymbolName reports whether a symbol is an internal compiler
// temporary that never participates in resolution.
func skipSymbolName(name string) bool {
	if name == "" {
		return true
	}
	if len(name) >= 4 && name[:4] == "ltmp" {
		return true
	}
	if len(name) >= 3 && name[:3] == "l_." {
		return true
	}
	return false
}

// sectionVMRVA tracks the synthetic virtual layout used only to make
// dumps line up with static analysis tools.
type sectionVMRVA struct {
	rva uint64
}

func (v *sectionVMRVA) commit(size uint64) {
	if size == 0 {
		size = 8
	}
	v.rva = (v.rva + size + 7) &^ 7
}
