package object

import (
	"sort"
	"unsafe"
)

// SymKind distinguishes the two relocation target flavors: code entry
// points and data storage. Data targets resolve through one extra level
// of indirection (see Resolver).
type SymKind uint8

const (
	SymFunc SymKind = iota
	SymData
)

func (k SymKind) String() string {
	if k == SymData {
		return "data"
	}
	return "func"
}

// RelocInfo is one resolved cross-reference shared by every instruction
// that binds to the same (target, kind) pair.
type RelocInfo struct {
	Name   string
	Target uintptr
	Kind   SymKind
}

// TextSection is one code-bearing section of an object.
type TextSection struct {
	Index int    // section index in the object file
	Size  uint32 // byte size
	FRVA  uint32 // offset of this section's bytes from the first text section's
	VRVA  uint32 // ELF bookkeeping offset used while mapping relocation lists
	VMRVA uint64 // synthetic virtual rva, only meaningful in dumps
	VM    uintptr
	Insns []InsnInfo
}

// Contains reports whether the host address vm falls inside the section.
func (t *TextSection) Contains(vm uintptr) bool {
	return t.VM <= vm && vm < t.VM+uintptr(t.Size)
}

// InsnAt returns the instruction record containing vm, or nil when vm
// does not land inside a decoded instruction. Records are strictly
// ordered by rva so lookup is a binary search.
func (t *TextSection) InsnAt(rva uint32) *InsnInfo {
	n := len(t.Insns)
	i := sort.Search(n, func(i int) bool { return t.Insns[i].End() > rva })
	if i == n || t.Insns[i].RVA > rva {
		return nil
	}
	return &t.Insns[i]
}

// DynSection is a process-owned zero-initialized buffer standing in for a
// BSS/common section. Addresses inside it are local targets exactly like
// file-backed content.
type DynSection struct {
	Index  int
	Buffer []byte
}

// Contains reports whether vm points into the backing buffer.
func (d *DynSection) Contains(vm uintptr) bool {
	if len(d.Buffer) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&d.Buffer[0]))
	return base <= vm && vm < base+uintptr(len(d.Buffer))
}

// StubSpot marks a data word that holds a pointer into a text section;
// the execution engine redirects these through generated trampolines.
type StubSpot struct {
	Index  int     // section index
	Offset uint32  // offset within the section
	VM     uintptr // address of the pointer slot
	Name   string
}

// section is the parsed low-level view of one object-file section kept
// for symbol and relocation address arithmetic.
type section struct {
	index  int
	name   string
	addr   uint64 // virtual address from the object file
	size   uint64
	offset int64 // file offset of the content in Object.buf, -1 when absent
	text   bool
}

func vmAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
