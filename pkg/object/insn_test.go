package object

import (
	"testing"

	"github.com/objrun/objrun/pkg/arch"
)

func TestInsnPackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   InsnInfo
	}{
		{"hardware", InsnInfo{RVA: 0x10, Len: 4, Type: arch.InsnHardware, Reloc: -1}},
		{"abort", InsnInfo{RVA: 0, Len: 1, Type: arch.InsnAbort, Reloc: -1}},
		{"reloc0", InsnInfo{RVA: 8, Len: 4, Type: arch.InsnA64Adrp, Reloc: 0}},
		{"reloc-max", InsnInfo{RVA: 12, Len: 4, Type: arch.InsnA64Call, Reloc: MaxRelocs - 1}},
		{"segflag", InsnInfo{RVA: 0x20, Len: 7, Type: arch.InsnX64Mov64RM, SegFlag: true, Reloc: 3}},
		{"max-len", InsnInfo{RVA: 0xffffffff, Len: 15, Type: arch.InsnX64JumpCond, Reloc: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnpackInsn(tt.in.Pack())
			if got != tt.in {
				t.Errorf("round trip = %+v; want %+v", got, tt.in)
			}
		})
	}
}

func TestInsnPackRelocFlag(t *testing.T) {
	none := InsnInfo{RVA: 4, Len: 4, Type: arch.InsnHardware, Reloc: -1}
	if UnpackInsn(none.Pack()).HasReloc() {
		t.Error("packed record without relocation claims one")
	}
	with := InsnInfo{RVA: 4, Len: 4, Type: arch.InsnHardware, Reloc: 0}
	if !UnpackInsn(with.Pack()).HasReloc() {
		t.Error("packed record lost its relocation index")
	}
}

func TestInsnAt(t *testing.T) {
	text := &TextSection{
		Size: 20,
		Insns: []InsnInfo{
			{RVA: 0, Len: 5, Type: arch.InsnX64Call, Reloc: -1},
			{RVA: 5, Len: 1, Type: arch.InsnX64Return, Reloc: -1},
			{RVA: 6, Len: 7, Type: arch.InsnHardware, Reloc: -1},
			{RVA: 13, Len: 2, Type: arch.InsnCondJump, Reloc: -1},
		},
	}
	tests := []struct {
		rva  uint32
		want arch.InsnType
		miss bool
	}{
		{0, arch.InsnX64Call, false},
		{4, arch.InsnX64Call, false}, // interior byte
		{5, arch.InsnX64Return, false},
		{6, arch.InsnHardware, false},
		{12, arch.InsnHardware, false},
		{14, arch.InsnCondJump, false},
		{15, 0, true}, // past the last record
		{100, 0, true},
	}
	for _, tt := range tests {
		got := text.InsnAt(tt.rva)
		if tt.miss {
			if got != nil {
				t.Errorf("InsnAt(%d) = %+v; want miss", tt.rva, got)
			}
			continue
		}
		if got == nil {
			t.Errorf("InsnAt(%d) missed", tt.rva)
			continue
		}
		if got.Type != tt.want {
			t.Errorf("InsnAt(%d).Type = %v; want %v", tt.rva, got.Type, tt.want)
		}
	}
}

func TestInsnAtStrictOrdering(t *testing.T) {
	// records come out of the decoder strictly increasing; a sparse gap
	// must not resolve to the preceding record
	text := &TextSection{
		Size: 12,
		Insns: []InsnInfo{
			{RVA: 0, Len: 4, Reloc: -1},
			{RVA: 8, Len: 4, Reloc: -1},
		},
	}
	if got := text.InsnAt(5); got != nil {
		t.Errorf("InsnAt(5) = %+v; want miss inside the gap", got)
	}
	if got := text.InsnAt(8); got == nil || got.RVA != 8 {
		t.Errorf("InsnAt(8) = %+v; want the second record", got)
	}
}
