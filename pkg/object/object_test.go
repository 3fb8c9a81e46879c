package object

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/objrun/objrun/pkg/arch"
)

// stubResolver satisfies Resolver with a fixed symbol table.
type stubResolver struct {
	symbols map[string]uintptr
	modules map[uintptr]string
	locates int
}

func (r *stubResolver) LocateSymbol(name string, data bool) uintptr {
	r.locates++
	return r.symbols[name]
}

func (r *stubResolver) LocateModule(addr uintptr, refresh bool) string {
	return r.modules[addr]
}

func (r *stubResolver) ResolveIn(module, name string, data bool) (uintptr, error) {
	return r.symbols[name], nil
}

func TestSniffKind(t *testing.T) {
	elfRel := append([]byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 1, 0)
	elfExe := append([]byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 2, 0)
	machoObj := make([]byte, 16)
	binary.LittleEndian.PutUint32(machoObj, 0xfeedfacf)
	binary.LittleEndian.PutUint32(machoObj[12:], 1)
	machoExe := make([]byte, 16)
	binary.LittleEndian.PutUint32(machoExe, 0xfeedfacf)
	binary.LittleEndian.PutUint32(machoExe[12:], 2)
	coffAmd := []byte{0x64, 0x86, 0, 0, 0, 0, 0, 0}
	coffArm := []byte{0x64, 0xaa, 0, 0, 0, 0, 0, 0}

	tests := []struct {
		name string
		buf  []byte
		want arch.ObjectKind
		err  bool
	}{
		{"elf-reloc", elfRel, arch.ELFReloc, false},
		{"elf-exe", elfExe, arch.ELFExe, false},
		{"macho-reloc", machoObj, arch.MachOReloc, false},
		{"macho-exe", machoExe, arch.MachOExe, false},
		{"coff-reloc-amd64", coffAmd, arch.COFFReloc, false},
		{"coff-reloc-arm64", coffArm, arch.COFFReloc, false},
		{"pe-exe", []byte("MZ\x90\x00"), arch.COFFExe, false},
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sniffKind(tt.buf)
			if tt.err {
				if err == nil {
					t.Fatalf("sniffKind = %v; want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("sniffKind = %v; want %v", got, tt.want)
			}
		})
	}
}

// elfSection describes one section of the synthetic relocatable object
// assembled by buildELFReloc.
type elfSection struct {
	name      string
	typ       uint32
	flags     uint64
	content   []byte
	size      uint64 // for SHT_NOBITS
	link      uint32
	info      uint32
	entsize   uint64
	nameIndex uint32
}

// buildELFReloc assembles a minimal x86-64 ET_REL object:
//
//	.text:  call puts; ret      (one extern relocation)
//	.data:  8 zero bytes
//	.bss:   16 bytes
//	main:   global, start of .text
func buildELFReloc() []byte {
	text := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}

	var rela bytes.Buffer
	binary.Write(&rela, binary.LittleEndian, uint64(1))            // r_offset
	binary.Write(&rela, binary.LittleEndian, uint64(1)<<32|uint64(4)) // sym 1, R_X86_64_PLT32
	binary.Write(&rela, binary.LittleEndian, int64(-4))            // r_addend

	var symtab bytes.Buffer
	writeSym := func(name uint32, info uint8, shndx uint16, value, size uint64) {
		binary.Write(&symtab, binary.LittleEndian, name)
		symtab.WriteByte(info)
		symtab.WriteByte(0)
		binary.Write(&symtab, binary.LittleEndian, shndx)
		binary.Write(&symtab, binary.LittleEndian, value)
		binary.Write(&symtab, binary.LittleEndian, size)
	}
	writeSym(0, 0, 0, 0, 0)          // null
	writeSym(1, 0x12, 0, 0, 0)       // puts: global func, undefined
	writeSym(6, 0x12, 1, 0, 6)       // main: global func in .text

	strtab := []byte("\x00puts\x00main\x00")
	shstrtab := []byte("\x00.text\x00.rela.text\x00.data\x00.symtab\x00.strtab\x00.bss\x00.shstrtab\x00")

	sections := []elfSection{
		{},
		{name: ".text", nameIndex: 1, typ: 1, flags: 6, content: text},
		{name: ".rela.text", nameIndex: 7, typ: 4, content: rela.Bytes(), link: 4, info: 1, entsize: 24},
		{name: ".data", nameIndex: 18, typ: 1, flags: 3, content: make([]byte, 8)},
		{name: ".symtab", nameIndex: 24, typ: 2, content: symtab.Bytes(), link: 5, info: 1, entsize: 24},
		{name: ".strtab", nameIndex: 32, typ: 3, content: strtab},
		{name: ".bss", nameIndex: 40, typ: 8, flags: 3, size: 16},
		{name: ".shstrtab", nameIndex: 45, typ: 3, content: shstrtab},
	}

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // ET_REL
	binary.Write(&buf, binary.LittleEndian, uint16(62)) // EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_phoff
	shoffPos := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff, patched below
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(64))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(64)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(len(sections)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(sections)-1)) // e_shstrndx

	offsets := make([]uint64, len(sections))
	for i := range sections {
		s := &sections[i]
		if s.typ == 8 || len(s.content) == 0 {
			offsets[i] = uint64(buf.Len())
			continue
		}
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		offsets[i] = uint64(buf.Len())
		buf.Write(s.content)
	}
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
	shoff := uint64(buf.Len())
	for i := range sections {
		s := &sections[i]
		size := uint64(len(s.content))
		if s.typ == 8 {
			size = s.size
		}
		binary.Write(&buf, binary.LittleEndian, s.nameIndex)
		binary.Write(&buf, binary.LittleEndian, s.typ)
		binary.Write(&buf, binary.LittleEndian, s.flags)
		binary.Write(&buf, binary.LittleEndian, uint64(0)) // sh_addr
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, size)
		binary.Write(&buf, binary.LittleEndian, s.link)
		binary.Write(&buf, binary.LittleEndian, s.info)
		binary.Write(&buf, binary.LittleEndian, uint64(1)) // sh_addralign
		binary.Write(&buf, binary.LittleEndian, s.entsize)
	}
	out := buf.Bytes()
	binary.LittleEndian.PutUint64(out[shoffPos:], shoff)
	return out
}

var testExternTarget [8]byte

func testResolver() *stubResolver {
	addr := uintptr(unsafe.Pointer(&testExternTarget[0]))
	return &stubResolver{
		symbols: map[string]uintptr{"puts": addr},
		modules: map[uintptr]string{addr: "/usr/lib/libc.so"},
	}
}

func TestELFRelocDecode(t *testing.T) {
	res := testResolver()
	o, err := newFromBuffer("main.c", "main.o", arch.ELFReloc, buildELFReloc(), res)
	if err != nil {
		t.Fatal(err)
	}
	if o.Arch() != arch.X86_64 {
		t.Fatalf("arch = %v; want x86_64", o.Arch())
	}
	texts := o.TextSections()
	if len(texts) != 1 {
		t.Fatalf("text sections = %d; want 1", len(texts))
	}
	insns := texts[0].Insns
	if len(insns) != 2 {
		t.Fatalf("instructions = %d; want 2", len(insns))
	}
	if insns[0].Type != arch.InsnX64Call || insns[0].Len != 5 {
		t.Errorf("insn[0] = %+v; want call of length 5", insns[0])
	}
	if insns[1].Type != arch.InsnX64Return || insns[1].Len != 1 {
		t.Errorf("insn[1] = %+v; want ret of length 1", insns[1])
	}
	if !insns[0].HasReloc() {
		t.Fatal("call carries no relocation")
	}
	relocs := o.Relocs()
	if len(relocs) != 1 {
		t.Fatalf("relocations = %d; want 1", len(relocs))
	}
	r := relocs[insns[0].Reloc]
	if r.Name != "puts" || r.Kind != SymFunc {
		t.Errorf("reloc = %+v; want puts/func", r)
	}
	if r.Target != res.symbols["puts"] {
		t.Errorf("reloc target = %#x; want %#x", r.Target, res.symbols["puts"])
	}
	if o.MainEntry() != o.Rva2Vm(0) {
		t.Errorf("main entry = %#x; want start of text %#x", o.MainEntry(), o.Rva2Vm(0))
	}
	if len(o.dyns) != 1 || len(o.dyns[0].Buffer) != 16 {
		t.Errorf("dynamic sections = %+v; want one 16-byte buffer", o.dyns)
	}
	if !o.Belong(vmAddr(o.dyns[0].Buffer)) {
		t.Error("dynamic buffer address does not belong to the object")
	}
}

func TestELFRelocDecodeDeterministic(t *testing.T) {
	res := testResolver()
	buf := buildELFReloc()
	a, err := newFromBuffer("main.c", "main.o", arch.ELFReloc, append([]byte(nil), buf...), res)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newFromBuffer("main.c", "main.o", arch.ELFReloc, append([]byte(nil), buf...), res)
	if err != nil {
		t.Fatal(err)
	}
	ai, bi := a.TextSections()[0].Insns, b.TextSections()[0].Insns
	if len(ai) != len(bi) {
		t.Fatalf("instruction counts differ: %d vs %d", len(ai), len(bi))
	}
	for i := range ai {
		if ai[i] != bi[i] {
			t.Errorf("insn %d differs: %+v vs %+v", i, ai[i], bi[i])
		}
	}
	if len(a.Relocs()) != len(b.Relocs()) {
		t.Fatalf("relocation counts differ")
	}
	for i := range a.Relocs() {
		if a.Relocs()[i].Name != b.Relocs()[i].Name || a.Relocs()[i].Kind != b.Relocs()[i].Kind {
			t.Errorf("reloc %d differs", i)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	if arch.Host() != arch.X86_64 {
		t.Skip("cache restore is host-arch checked")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	res := testResolver()
	o, err := newFromBuffer(src, filepath.Join(dir, "main.o"), arch.ELFReloc, buildELFReloc(), res)
	if err != nil {
		t.Fatal(err)
	}
	cachePath, err := o.GenerateCache()
	if err != nil {
		t.Fatal(err)
	}
	if cachePath != filepath.Join(dir, "main"+IObjExt) {
		t.Errorf("cache path = %s", cachePath)
	}

	restored, err := Create(src, cachePath, res)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.IsCache() {
		t.Fatal("restored object not flagged as cache")
	}
	oi, ri := o.TextSections()[0].Insns, restored.TextSections()[0].Insns
	if len(oi) != len(ri) {
		t.Fatalf("instruction counts differ: %d vs %d", len(oi), len(ri))
	}
	for i := range oi {
		if oi[i] != ri[i] {
			t.Errorf("insn %d differs after restore: %+v vs %+v", i, oi[i], ri[i])
		}
	}
	if len(o.Relocs()) != len(restored.Relocs()) {
		t.Fatalf("relocation counts differ: %d vs %d", len(o.Relocs()), len(restored.Relocs()))
	}
	for i := range o.Relocs() {
		a, b := o.Relocs()[i], restored.Relocs()[i]
		if a.Name != b.Name || a.Kind != b.Kind {
			t.Errorf("reloc %d differs: %+v vs %+v", i, a, b)
		}
	}
	// the extern target resolves through its module on restore
	if restored.Relocs()[0].Target != res.symbols["puts"] {
		t.Errorf("restored target = %#x; want %#x",
			restored.Relocs()[0].Target, res.symbols["puts"])
	}
	for k, v := range o.metas {
		if !bytes.Equal(restored.metas[k], v) {
			t.Errorf("replay entry %x differs", []byte(k))
		}
	}
}

func TestCacheVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	res := testResolver()
	o, err := newFromBuffer(src, filepath.Join(dir, "main.o"), arch.ELFReloc, buildELFReloc(), res)
	if err != nil {
		t.Fatal(err)
	}
	cachePath, err := o.GenerateCache()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(raw[4:], 0xdeadbeef)
	if err := os.WriteFile(cachePath, raw, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(src, cachePath, res); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("restore of stale cache = %v; want version mismatch", err)
	}
}
