package arch

import "testing"

func TestA64RegByName(t *testing.T) {
	tests := []struct {
		name string
		want Reg
	}{
		{"x0", RegA64X0},
		{"x28", RegA64X0 + 28},
		{"x29", RegA64FP},
		{"fp", RegA64FP},
		{"x30", RegA64LR},
		{"lr", RegA64LR},
		{"sp", RegA64SP},
		{"w0", A64W(0)},
		{"w30", A64W(30)},
		{"wzr", RegA64WZR},
		{"xzr", RegA64XZR},
		{"d7", regA64DBase + 7},
		{"q31", regA64QBase + 31},
		{"v2.16b", regA64VBase + 2},
		{"v10.4s", regA64VBase + 10},
	}
	for _, tt := range tests {
		got, ok := A64RegByName(tt.name)
		if !ok {
			t.Errorf("A64RegByName(%q) not found", tt.name)
			continue
		}
		if got != tt.want {
			t.Errorf("A64RegByName(%q) = %d; want %d", tt.name, got, tt.want)
		}
	}
	if _, ok := A64RegByName("x31"); ok {
		t.Error("x31 should not resolve")
	}
	if _, ok := A64RegByName("bogus"); ok {
		t.Error("bogus should not resolve")
	}
}

func TestRegBlocksDisjoint(t *testing.T) {
	seen := map[Reg]string{}
	for name, r := range a64RegNames {
		if prev, dup := seen[r]; dup {
			// aliases share an index on purpose
			alias := (name == "fp" && prev == "x29") || (name == "x29" && prev == "fp") ||
				(name == "lr" && prev == "x30") || (name == "x30" && prev == "lr") ||
				(name == "sp" && prev == "wsp") || (name == "wsp" && prev == "sp")
			if !alias {
				t.Errorf("registers %s and %s collide on %d", name, prev, r)
			}
		}
		seen[r] = name
	}
	if RegX64RIP <= regA64End-1 {
		t.Error("x86-64 block overlaps the arm64 block")
	}
}

func TestInsnTypeClasses(t *testing.T) {
	if !InsnX64Mov32RM.IsX64MemRef() {
		t.Error("mov32rm should be a memory reference type")
	}
	if InsnX64Lea64.IsX64MemRef() {
		t.Error("lea64 must not be treated as a memory reference")
	}
	if !InsnA64Call.IsA64Branch() {
		t.Error("bl should be a branch type")
	}
	if InsnA64Adrp.IsA64Branch() {
		t.Error("adrp is not a branch")
	}
}

func TestMinInsnLen(t *testing.T) {
	if got := MinInsnLen(AArch64); got != 4 {
		t.Errorf("arm64 min len = %d; want 4", got)
	}
	if got := MinInsnLen(X86_64); got != 1 {
		t.Errorf("x86-64 min len = %d; want 1", got)
	}
}

func TestA64Class(t *testing.T) {
	tests := []struct {
		r    Reg
		cls  byte
		n    int
		ok   bool
	}{
		{RegA64X0, 'x', 0, true},
		{RegA64X0 + 28, 'x', 28, true},
		{RegA64FP, 'x', 29, true},
		{RegA64LR, 'x', 30, true},
		{A64W(0), 'w', 0, true},
		{A64W(30), 'w', 30, true},
		{regA64DBase + 7, 'd', 7, true},
		{regA64QBase + 31, 'q', 31, true},
		{regA64VBase, 'v', 0, true},
		{RegA64SP, 0, 0, false},
		{RegA64WZR, 0, 0, false},
		{RegA64XZR, 0, 0, false},
		{RegX64RAX, 0, 0, false},
	}
	for _, tt := range tests {
		cls, n, ok := tt.r.A64Class()
		if ok != tt.ok || cls != tt.cls || n != tt.n {
			t.Errorf("A64Class(%d) = %c,%d,%v; want %c,%d,%v", tt.r, cls, n, ok, tt.cls, tt.n, tt.ok)
		}
	}
}
