// Package object turns a compiled native object file (ELF/Mach-O/COFF,
// relocatable or executable) into an executable in-memory image: sections
// parsed, symbols indexed, every instruction classified for the execution
// engine and every relocation bound to a concrete host address.
package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

const (
	// IObjExt is the cached interpretable-object extension.
	IObjExt = ".io"
	// ObjExt is the plain relocatable object extension.
	ObjExt = ".o"
)

var (
	ErrUnsupportedArch = errors.New("unsupported architecture")
	ErrBadMagic        = errors.New("not an interpretable object cache")
	ErrVersionMismatch = errors.New("interpretable object cache version mismatch")
)

// Resolver is the symbol/module resolution surface the object layer
// depends on during relocation. Resolution never fails from the caller's
// point of view: an unresolvable name comes back as the process-abort
// address so a stray call traps deterministically.
type Resolver interface {
	// LocateSymbol resolves name globally. With data set the returned
	// address is a pointer-to-pointer slot unless the name is a simulated
	// platform global.
	LocateSymbol(name string, data bool) uintptr
	// LocateModule maps a host address back to the owning module path,
	// refreshing the process module list when refresh is set.
	LocateModule(addr uintptr, refresh bool) string
	// ResolveIn loads module (if needed) and resolves name against it
	// first, then globally.
	ResolveIn(module, name string, data bool) (uintptr, error)
}

// Object is one parsed compiled unit.
type Object struct {
	srcPath string
	path    string
	arch    arch.ArchType
	kind    arch.ObjectKind
	isCache bool

	// raw file buffer; owned and mutable since dynamic sections and
	// runtime constant patches write through it
	buf []byte

	res Resolver
	fmt format

	sections []section
	texts    []TextSection
	dyns     []DynSection

	funcs map[string]uintptr
	datas map[string]uintptr

	// operand replay table: raw opcode bytes -> encoded operands
	metas  map[string][]byte
	relocs []RelocInfo
	stubs  []StubSpot
}

// New parses the object file at path, which must be of the given kind.
// srcPath names the originating source and anchors where the cache
// container is written.
func New(srcPath, path string, kind arch.ObjectKind, res Resolver) (*Object, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return newFromBuffer(srcPath, path, kind, buf, res)
}

func newFromBuffer(srcPath, path string, kind arch.ObjectKind, buf []byte, res Resolver) (*Object, error) {
	o := &Object{
		srcPath: srcPath,
		path:    path,
		kind:    kind,
		buf:     buf,
		res:     res,
		funcs:   make(map[string]uintptr),
		datas:   make(map[string]uintptr),
		metas:   make(map[string][]byte),
	}
	var err error
	if o.fmt, err = newFormat(o); err != nil {
		return nil, err
	}
	if o.arch == arch.Unsupported {
		return nil, errors.Wrapf(ErrUnsupportedArch, "%s", path)
	}
	if err := o.fmt.parseSections(); err != nil {
		return nil, err
	}
	if err := o.fmt.parseSymbols(); err != nil {
		return nil, err
	}
	if err := o.decodeInsns(); err != nil {
		return nil, err
	}
	return o, nil
}

// Create sniffs the file format at path and constructs the matching
// object variant. A cache container restores the saved decode state;
// anything else goes through the full parse/classify pipeline.
func Create(srcPath, path string, res Resolver) (*Object, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(buf) < 8 {
		return nil, errors.Errorf("%s: too short to be an object file", path)
	}
	if binary.LittleEndian.Uint32(buf) == iobjMagic {
		return loadCache(path, buf, res)
	}
	kind, err := sniffKind(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return newFromBuffer(srcPath, path, kind, buf, res)
}

func sniffKind(buf []byte) (arch.ObjectKind, error) {
	switch {
	case bytes.HasPrefix(buf, []byte("\x7fELF")):
		// e_type at offset 16
		if binary.LittleEndian.Uint16(buf[16:]) == 1 { // ET_REL
			return arch.ELFReloc, nil
		}
		return arch.ELFExe, nil
	case binary.LittleEndian.Uint32(buf) == 0xfeedfacf:
		// filetype at offset 12: MH_OBJECT == 1
		if binary.LittleEndian.Uint32(buf[12:]) == 1 {
			return arch.MachOReloc, nil
		}
		return arch.MachOExe, nil
	case bytes.HasPrefix(buf, []byte("MZ")):
		return arch.COFFExe, nil
	default:
		machine := binary.LittleEndian.Uint16(buf)
		if machine == 0x8664 || machine == 0xaa64 { // AMD64 / ARM64 COFF
			return arch.COFFReloc, nil
		}
	}
	return 0, errors.New("unrecognized object file format")
}

// decodeInsns runs the per-architecture decode/classify/relocate pass
// over every text section.
func (o *Object) decodeInsns() error {
	for i := range o.texts {
		if err := o.decodeText(&o.texts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) decodeText(text *TextSection) error {
	rsyms, err := o.fmt.textRelocs(text)
	if err != nil {
		return err
	}
	if o.arch == arch.AArch64 {
		return o.decodeTextA64(text, rsyms)
	}
	return o.decodeTextX64(text, rsyms)
}

// Arch returns the object's architecture.
func (o *Object) Arch() arch.ArchType { return o.arch }

// Kind returns the format/linkage tag.
func (o *Object) Kind() arch.ObjectKind { return o.kind }

// Path returns the backing file path.
func (o *Object) Path() string { return o.path }

// SrcPath returns the originating source path.
func (o *Object) SrcPath() string { return o.srcPath }

// IsCache reports whether this object was restored from a cache
// container.
func (o *Object) IsCache() bool { return o.isCache }

// TextSections exposes the decoded code sections.
func (o *Object) TextSections() []TextSection { return o.texts }

// Relocs exposes the relocation table.
func (o *Object) Relocs() []RelocInfo { return o.relocs }

// StubSpots lists data words holding text-section pointers.
func (o *Object) StubSpots() []StubSpot { return o.stubs }

// RelocTarget returns the bound address of relocation record i.
func (o *Object) RelocTarget(i int32) uintptr {
	if i < 0 || int(i) >= len(o.relocs) {
		return 0
	}
	return o.relocs[i].Target
}

// MetaInfo returns the encoded operands for the instruction bytes opc, or
// nil for hardware instructions which carry none.
func (o *Object) MetaInfo(opc []byte) []byte { return o.metas[string(opc)] }

// LocateSymbol finds a symbol exported by this object.
func (o *Object) LocateSymbol(name string) uintptr {
	if t, ok := o.funcs[name]; ok {
		return t
	}
	return o.datas[name]
}

// MainEntry returns the address of the program entry, trying the
// platform-mangled alias before the plain name.
func (o *Object) MainEntry() uintptr {
	if t, ok := o.funcs["_main"]; ok {
		return t
	}
	return o.funcs["main"]
}

var ctorSections = []string{".init_array", "__mod_init_func", ".ctors", ".CRT$XCU"}
var dtorSections = []string{".fini_array", "__mod_term_func", ".dtors", ".CRT$XPU"}

// CtorEntries returns the addresses of the object's static constructors
// in declaration order.
func (o *Object) CtorEntries() []uintptr { return o.pointerSection(ctorSections) }

// DtorEntries returns the addresses of the object's static destructors.
func (o *Object) DtorEntries() []uintptr { return o.pointerSection(dtorSections) }

func (o *Object) pointerSection(names []string) []uintptr {
	var out []uintptr
	for i := range o.sections {
		s := &o.sections[i]
		match := false
		for _, n := range names {
			if s.name == n || strings.HasSuffix(s.name, n) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		content := o.sectionBytes(s.index)
		for off := 0; off+8 <= len(content); off += 8 {
			p := uintptr(binary.LittleEndian.Uint64(content[off:]))
			if p != 0 {
				out = append(out, p)
			}
		}
	}
	return out
}

// sectionBytes returns the live content of section index: the dynamic
// buffer when the section was promoted, otherwise a slice of the owned
// file buffer. Dynamic buffers always win since they are the
// authoritative storage after relocation.
func (o *Object) sectionBytes(index int) []byte {
	for i := range o.dyns {
		if o.dyns[i].Index == index {
			return o.dyns[i].Buffer
		}
	}
	for i := range o.sections {
		s := &o.sections[i]
		if s.index != index {
			continue
		}
		if s.offset < 0 || s.size == 0 {
			return nil
		}
		return o.buf[s.offset : s.offset+int64(s.size)]
	}
	return nil
}

func (o *Object) sectionByIndex(index int) *section {
	for i := range o.sections {
		if o.sections[i].index == index {
			return &o.sections[i]
		}
	}
	return nil
}

// Vm2Rva converts a host text address into the stable text coordinate
// space. The second result is the owning section, nil when vm is not
// inside any text section.
func (o *Object) Vm2Rva(vm uintptr) (uint32, *TextSection) {
	for i := range o.texts {
		if t := &o.texts[i]; t.Contains(vm) {
			return t.FRVA + uint32(vm-t.VM), t
		}
	}
	return 0, nil
}

// Rva2Vm is the inverse of Vm2Rva.
func (o *Object) Rva2Vm(rva uint32) uintptr {
	for i := range o.texts {
		t := &o.texts[i]
		if t.FRVA <= rva && rva < t.FRVA+t.Size {
			return t.VM + uintptr(rva-t.FRVA)
		}
	}
	return 0
}

// InsnAt returns the instruction record containing the host address vm.
func (o *Object) InsnAt(vm uintptr) *InsnInfo {
	rva, t := o.Vm2Rva(vm)
	if t == nil {
		return nil
	}
	return t.InsnAt(rva)
}

// Executable reports whether vm points into one of this object's text
// sections.
func (o *Object) Executable(vm uintptr) bool {
	_, t := o.Vm2Rva(vm)
	return t != nil
}

// Belong reports whether vm points anywhere into this object's memory:
// the file buffer or a dynamic section buffer.
func (o *Object) Belong(vm uintptr) bool {
	if len(o.buf) > 0 {
		base := vmAddr(o.buf)
		if base <= vm && vm < base+uintptr(len(o.buf)) {
			return true
		}
	}
	for i := range o.dyns {
		if o.dyns[i].Contains(vm) {
			return true
		}
	}
	return false
}

// CachePath returns where the cache container for this object lives.
func (o *Object) CachePath() string {
	if o.isCache {
		return o.path
	}
	src := o.srcPath
	if src == "" {
		src = o.path
	}
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(filepath.Dir(src), stem+IObjExt)
}

// Close serializes the cache container unless this object was itself
// restored from one. Cache generation is best effort.
func (o *Object) Close() {
	if o.isCache {
		return
	}
	if _, err := o.GenerateCache(); err != nil {
		log.WithError(err).WithField("path", o.CachePath()).
			Warn("failed to cache interpretable object")
	}
}

func (o *Object) String() string {
	return fmt.Sprintf("%s[%s/%s, %d text sections, %d relocs]",
		filepath.Base(o.path), o.kind, o.arch, len(o.texts), len(o.relocs))
}
