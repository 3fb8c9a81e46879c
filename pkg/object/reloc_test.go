package object

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/objrun/objrun/pkg/arch"
)

func testObject(kind arch.ObjectKind, a arch.ArchType, res Resolver) *Object {
	return &Object{
		kind:  kind,
		arch:  a,
		res:   res,
		funcs: make(map[string]uintptr),
		datas: make(map[string]uintptr),
		metas: make(map[string][]byte),
	}
}

func TestRelocSymKind(t *testing.T) {
	tests := []struct {
		name string
		kind arch.ObjectKind
		a    arch.ArchType
		typ  arch.InsnType
		rsym relocSym
		want SymKind
	}{
		{
			name: "elf-arm64-got-page",
			kind: arch.ELFReloc, a: arch.AArch64,
			rsym: relocSym{rtype: uint32(elf.R_AARCH64_ADR_GOT_PAGE)},
			want: SymData,
		},
		{
			name: "elf-arm64-branch",
			kind: arch.ELFReloc, a: arch.AArch64,
			rsym: relocSym{rtype: uint32(elf.R_AARCH64_CALL26)},
			want: SymFunc,
		},
		{
			name: "elf-x64-gotpcrel",
			kind: arch.ELFReloc, a: arch.X86_64,
			rsym: relocSym{rtype: uint32(elf.R_X86_64_GOTPCREL)},
			want: SymData,
		},
		{
			name: "elf-x64-plt",
			kind: arch.ELFReloc, a: arch.X86_64,
			rsym: relocSym{rtype: uint32(elf.R_X86_64_PLT32)},
			want: SymFunc,
		},
		{
			name: "macho-x64-got-load",
			kind: arch.MachOReloc, a: arch.X86_64,
			rsym: relocSym{rtype: machoRelocX64GOTLoad},
			want: SymData,
		},
		{
			name: "coff-x64-addr64",
			kind: arch.COFFReloc, a: arch.X86_64,
			rsym: relocSym{rtype: coffRelocAMD64Addr64},
			want: SymData,
		},
		{
			name: "coff-x64-rel32-import-load",
			kind: arch.COFFReloc, a: arch.X86_64,
			typ:  arch.InsnX64Mov64RM,
			rsym: relocSym{rtype: coffRelocAMD64Rel32, undef: true, name: "__imp_GetStdHandle"},
			want: SymData,
		},
		{
			name: "coff-x64-rel32-plain-call",
			kind: arch.COFFReloc, a: arch.X86_64,
			typ:  arch.InsnX64Call,
			rsym: relocSym{rtype: coffRelocAMD64Rel32, undef: true, name: "puts"},
			want: SymFunc,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testObject(tt.kind, tt.a, nil)
			iinfo := InsnInfo{Type: tt.typ, Reloc: -1}
			if got := o.relocSymKind(&iinfo, &tt.rsym); got != tt.want {
				t.Errorf("relocSymKind = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestBindRelocDedup(t *testing.T) {
	target := uintptr(0x1000)
	res := &stubResolver{symbols: map[string]uintptr{"malloc": target}}
	o := testObject(arch.ELFReloc, arch.X86_64, res)

	first := InsnInfo{Type: arch.InsnX64Call, Reloc: -1}
	second := InsnInfo{Type: arch.InsnX64Call, Reloc: -1}
	rsym := relocSym{name: "malloc", undef: true, rtype: uint32(elf.R_X86_64_PLT32)}
	if err := o.bindReloc(&first, &rsym); err != nil {
		t.Fatal(err)
	}
	if err := o.bindReloc(&second, &rsym); err != nil {
		t.Fatal(err)
	}
	if len(o.relocs) != 1 {
		t.Fatalf("records = %d; want 1 shared record", len(o.relocs))
	}
	if first.Reloc != 0 || second.Reloc != 0 {
		t.Errorf("indices = %d, %d; want both 0", first.Reloc, second.Reloc)
	}

	// same target through a data-kind relocation is a distinct record
	third := InsnInfo{Type: arch.InsnX64Mov64RM, Reloc: -1}
	dsym := relocSym{name: "malloc", undef: true, rtype: uint32(elf.R_X86_64_GOTPCREL)}
	if err := o.bindReloc(&third, &dsym); err != nil {
		t.Fatal(err)
	}
	if len(o.relocs) != 2 {
		t.Fatalf("records = %d; want 2 after a data binding", len(o.relocs))
	}
	if o.relocs[1].Kind != SymData {
		t.Errorf("second record kind = %v; want data", o.relocs[1].Kind)
	}
}

func TestBindRelocZeroFillSection(t *testing.T) {
	o := testObject(arch.ELFReloc, arch.X86_64, nil)
	o.buf = make([]byte, 64)
	// the file claims coordinates for .bss, but the promoted buffer must win
	o.sections = []section{{index: 4, name: ".bss", size: 32, offset: 0}}
	d := o.addDyn(4, 32)

	read := InsnInfo{Type: arch.InsnX64Mov64RM, Reloc: -1}
	write := InsnInfo{Type: arch.InsnX64Mov64MR, Reloc: -1}
	rsym := relocSym{
		name: "counter", rtype: uint32(elf.R_X86_64_PC32),
		hasSym: true, sect: 4, symAddr: 16,
	}
	if err := o.bindReloc(&read, &rsym); err != nil {
		t.Fatal(err)
	}
	if err := o.bindReloc(&write, &rsym); err != nil {
		t.Fatal(err)
	}
	if len(o.relocs) != 1 {
		t.Fatalf("records = %d; want 1 shared record", len(o.relocs))
	}
	if read.Reloc != 0 || write.Reloc != 0 {
		t.Errorf("indices = %d, %d; want both 0", read.Reloc, write.Reloc)
	}
	r := o.relocs[0]
	if !d.Contains(r.Target) {
		t.Fatalf("target %#x is outside the promoted buffer", r.Target)
	}
	if want := vmAddr(d.Buffer) + 16; r.Target != want {
		t.Errorf("target = %#x; want buffer+16 = %#x", r.Target, want)
	}
	if base := vmAddr(o.buf); base <= r.Target && r.Target < base+64 {
		t.Errorf("target %#x landed in the file buffer", r.Target)
	}
}

func TestRelocateDataPC32(t *testing.T) {
	content := make([]byte, 32)
	target := vmAddr(content) + 20
	res := &stubResolver{symbols: map[string]uintptr{"table": target}}
	o := testObject(arch.ELFReloc, arch.X86_64, res)

	rsym := relocSym{name: "table", undef: true, rtype: uint32(elf.R_X86_64_PC32)}
	o.relocateData(3, content, 4, &rsym)
	if got := binary.LittleEndian.Uint32(content[4:]); got != 16 {
		t.Errorf("pc32 slot = %d; want 16", got)
	}
	if len(o.stubs) != 0 {
		t.Errorf("stub spots = %d; want none", len(o.stubs))
	}
}

func TestRelocateDataAbsoluteAndStub(t *testing.T) {
	o := testObject(arch.ELFReloc, arch.X86_64, nil)
	o.buf = make([]byte, 64)
	o.sections = []section{{index: 1, name: ".text", size: 32, offset: 0, text: true}}

	content := make([]byte, 16)
	rsym := relocSym{
		name: "handler", rtype: uint32(elf.R_X86_64_64),
		hasSym: true, sect: 1, symAddr: 8,
	}
	o.relocateData(2, content, 0, &rsym)

	want := uint64(vmAddr(o.buf)) + 8
	if got := binary.LittleEndian.Uint64(content); got != want {
		t.Errorf("slot = %#x; want %#x", got, want)
	}
	if len(o.stubs) != 1 {
		t.Fatalf("stub spots = %d; want 1 for a code pointer", len(o.stubs))
	}
	s := o.stubs[0]
	if s.Name != "handler" || s.Index != 2 || s.Offset != 0 || s.VM != vmAddr(content) {
		t.Errorf("stub spot = %+v", s)
	}
}

func TestRelocateDataOutOfRange(t *testing.T) {
	content := make([]byte, 8)
	res := &stubResolver{symbols: map[string]uintptr{"x": 0x4000}}
	o := testObject(arch.ELFReloc, arch.X86_64, res)
	rsym := relocSym{name: "x", undef: true, rtype: uint32(elf.R_X86_64_64)}
	o.relocateData(1, content, 4, &rsym) // 8-byte write at offset 4 cannot fit
	for _, b := range content {
		if b != 0 {
			t.Fatal("out-of-range relocation wrote into the buffer")
		}
	}
}
