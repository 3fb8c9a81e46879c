package object

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/objrun/objrun/pkg/arch"
)

func decode64(t *testing.T, code []byte) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		t.Fatalf("decode %x: %v", code, err)
	}
	return inst
}

func TestClassifyX64(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want arch.InsnType
	}{
		{"call-rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, arch.InsnX64Call},
		{"call-reg", []byte{0xff, 0xd0}, arch.InsnX64CallReg},
		{"call-mem", []byte{0xff, 0x10}, arch.InsnX64CallMem},
		{"jmp-rel8", []byte{0xeb, 0x00}, arch.InsnX64Jump},
		{"jmp-reg", []byte{0xff, 0xe0}, arch.InsnX64JumpReg},
		{"jmp-mem", []byte{0xff, 0x20}, arch.InsnX64JumpMem},
		{"ret", []byte{0xc3}, arch.InsnX64Return},
		{"syscall", []byte{0x0f, 0x05}, arch.InsnX64Syscall},
		{"int-imm", []byte{0xcd, 0x03}, arch.InsnAbort},
		{"ud2", []byte{0x0f, 0x0b}, arch.InsnAbort},
		{"je-short", []byte{0x74, 0x00}, arch.InsnCondJump},
		{"je-near", []byte{0x0f, 0x84, 0x00, 0x00, 0x00, 0x00}, arch.InsnX64JumpCond},
		{"lea64", []byte{0x48, 0x8d, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.InsnX64Lea64},
		{"lea32", []byte{0x8d, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.InsnX64Lea32},
		{"mov64-rm", []byte{0x48, 0x8b, 0x00}, arch.InsnX64Mov64RM},
		{"mov32-rm", []byte{0x8b, 0x00}, arch.InsnX64Mov32RM},
		{"mov8-rm", []byte{0x8a, 0x00}, arch.InsnX64Mov8RM},
		{"mov64-mr", []byte{0x48, 0x89, 0x00}, arch.InsnX64Mov64MR},
		{"mov32-mi", []byte{0xc7, 0x00, 0x10, 0x00, 0x00, 0x00}, arch.InsnX64Mov32MI},
		{"mov8-mi", []byte{0xc6, 0x00, 0x05}, arch.InsnX64Mov8MI},
		{"mov64-mi32", []byte{0x48, 0xc7, 0x00, 0x10, 0x00, 0x00, 0x00}, arch.InsnX64Mov64MI32},
		{"mov-reg-reg", []byte{0x48, 0x89, 0xc3}, arch.InsnHardware},
		{"movaps-rm", []byte{0x0f, 0x28, 0x00}, arch.InsnX64MovapsRM},
		{"movaps-mr", []byte{0x0f, 0x29, 0x00}, arch.InsnX64MovapsMR},
		{"movups-rm", []byte{0x0f, 0x10, 0x00}, arch.InsnX64MovupsRM},
		{"movapd-mr", []byte{0x66, 0x0f, 0x29, 0x00}, arch.InsnX64MovapdMR},
		{"cmp32-mi", []byte{0x81, 0x38, 0x10, 0x00, 0x00, 0x00}, arch.InsnX64Cmp32MI},
		{"cmp32-mi8", []byte{0x83, 0x38, 0x07}, arch.InsnX64Cmp32MI8},
		{"cmp64-mi8", []byte{0x48, 0x83, 0x38, 0x07}, arch.InsnX64Cmp64MI8},
		{"cmp64-mi32", []byte{0x48, 0x81, 0x38, 0x10, 0x00, 0x00, 0x00}, arch.InsnX64Cmp64MI32},
		{"cmp32-rm", []byte{0x3b, 0x00}, arch.InsnX64Cmp32RM},
		{"cmp32-mr", []byte{0x39, 0x00}, arch.InsnX64Cmp32MR},
		{"cmp-reg-reg", []byte{0x39, 0xc8}, arch.InsnHardware},
		{"test8-mi", []byte{0xf6, 0x00, 0x01}, arch.InsnX64Test8MI},
		{"test32-mr", []byte{0x85, 0x00}, arch.InsnX64Test32MR},
		{"movzx32-rm8", []byte{0x0f, 0xb6, 0x00}, arch.InsnX64Movzx32RM8},
		{"movzx32-rm16", []byte{0x0f, 0xb7, 0x00}, arch.InsnX64Movzx32RM16},
		{"movsx32-rm8", []byte{0x0f, 0xbe, 0x00}, arch.InsnX64Movsx32RM8},
		{"movsx64-rm32", []byte{0x48, 0x63, 0x00}, arch.InsnX64Movsx64RM32},
		{"cmova32-rm", []byte{0x0f, 0x47, 0x00}, arch.InsnX64Cmov32RM},
		{"cmove64-rm", []byte{0x48, 0x0f, 0x44, 0x00}, arch.InsnX64Cmov64RM},
		{"cmov-reg-reg", []byte{0x0f, 0x44, 0xc8}, arch.InsnHardware},
		{"add-reg-reg", []byte{0x01, 0xc8}, arch.InsnHardware},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := decode64(t, tt.code)
			got, _, _ := classifyX64(&inst)
			if got != tt.want {
				t.Errorf("classifyX64(%x) = %v; want %v (op %v)", tt.code, got, tt.want, inst.Op)
			}
		})
	}
}

func TestClassifyX64Cond(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want arch.CondX64
	}{
		{"je", []byte{0x74, 0x00}, arch.CondJe},
		{"jne", []byte{0x75, 0x00}, arch.CondJne},
		{"ja-near", []byte{0x0f, 0x87, 0x00, 0x00, 0x00, 0x00}, arch.CondJa},
		{"jl", []byte{0x7c, 0x00}, arch.CondJl},
		{"jrcxz", []byte{0xe3, 0x00}, arch.CondJrcxz},
		{"cmovs", []byte{0x0f, 0x48, 0x00}, arch.CondJs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := decode64(t, tt.code)
			_, cond, hasCond := classifyX64(&inst)
			if !hasCond {
				t.Fatal("no condition reported")
			}
			if cond != tt.want {
				t.Errorf("cond = %v; want %v", cond, tt.want)
			}
		})
	}
}

func TestSegmentRef(t *testing.T) {
	// mov rax, fs:[rax]
	fs := decode64(t, []byte{0x64, 0x48, 0x8b, 0x00})
	if !segmentRef(&fs) {
		t.Error("fs-relative load not flagged")
	}
	plain := decode64(t, []byte{0x48, 0x8b, 0x00})
	if segmentRef(&plain) {
		t.Error("plain load flagged as segment reference")
	}
}

func TestPrefixRun(t *testing.T) {
	tests := []struct {
		code []byte
		want int
	}{
		{[]byte{0x48, 0x8b, 0x00}, 1},
		{[]byte{0xf0, 0x48, 0x01, 0x08}, 2},
		{[]byte{0x8b, 0x00}, 0},
		{[]byte{0x64, 0x66, 0x90}, 2},
	}
	for _, tt := range tests {
		if got := prefixRun(tt.code); got != tt.want {
			t.Errorf("prefixRun(%x) = %d; want %d", tt.code, got, tt.want)
		}
	}
}

func TestMapX64Reg(t *testing.T) {
	tests := []struct {
		in   x86asm.Reg
		want arch.Reg
	}{
		{x86asm.RAX, arch.RegX64RAX},
		{x86asm.R15, arch.RegX64R15},
		{x86asm.EAX, arch.RegX64EAX},
		{x86asm.R8L, arch.RegX64R8D},
		{x86asm.AX, arch.RegX64AX},
		{x86asm.AL, arch.RegX64AL},
		{x86asm.SPB, arch.RegX64SPL},
		{x86asm.RIP, arch.RegX64RIP},
		{x86asm.FS, arch.RegX64FS},
		{x86asm.X0, arch.X64XMM(0)},
		{x86asm.X15, arch.X64XMM(15)},
		{0, arch.RegX64Zero},
	}
	for _, tt := range tests {
		if got := mapX64Reg(tt.in); got != tt.want {
			t.Errorf("mapX64Reg(%v) = %d; want %d", tt.in, got, tt.want)
		}
	}
}
