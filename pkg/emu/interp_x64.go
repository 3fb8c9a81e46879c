//go:build unicorn

package emu

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
	"github.com/objrun/objrun/pkg/object"
)

// rflags bits the interpreter recomputes for cmp/test.
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11

	flagsArith = flagCF | flagPF | flagAF | flagZF | flagSF | flagOF
)

// x64Mem is one decoded memory operand from the replay table.
type x64Mem struct {
	base, index, seg arch.Reg
	scale, disp      uint64
}

func (m *metaReader) mem() x64Mem {
	var mm x64Mem
	mm.base = m.reg()
	mm.scale = m.u64()
	mm.index = m.reg()
	mm.disp = m.u64()
	mm.seg = m.reg()
	return mm
}

// interpretX64 replays one classified x86-64 instruction. Instructions
// whose memory operand carries no relocation never get here; the engine
// runs those directly.
func (e *Emu) interpretX64(cur *object.Object, insn *object.InsnInfo, pc uintptr, meta []byte) (uintptr, error) {
	m := metaReader{b: meta}
	next := pc + uintptr(insn.Len)

	switch t := insn.Type; t {
	case arch.InsnAbort:
		return 0, errors.Errorf("trapped invalid instruction at %#x", pc)

	case arch.InsnX64Return:
		sp := uintptr(e.regs.get(arch.RegX64RSP))
		if err := e.regs.take(); err != nil {
			return 0, err
		}
		ret := uintptr(load(sp, 8))
		sp += 8
		if m.rem() >= 8 {
			sp += uintptr(m.u64()) // ret imm16 releases the callee's arguments
		}
		e.regs.set(arch.RegX64RSP, uint64(sp))
		return ret, e.regs.take()

	case arch.InsnX64Syscall:
		return next, e.syscallX64()

	case arch.InsnX64Call, arch.InsnX64Jump:
		var target uintptr
		if insn.HasReloc() {
			target = cur.RelocTarget(insn.Reloc)
		} else {
			target = next + uintptr(m.u64())
		}
		return e.branchX64(cur, target, next, t == arch.InsnX64Call)

	case arch.InsnX64CallReg, arch.InsnX64JumpReg:
		target := uintptr(e.regs.get(m.reg()))
		if err := e.regs.take(); err != nil {
			return 0, err
		}
		return e.branchX64(cur, target, next, t == arch.InsnX64CallReg)

	case arch.InsnX64CallMem, arch.InsnX64JumpMem:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		target := uintptr(load(addr, 8))
		return e.branchX64(cur, target, next, t == arch.InsnX64CallMem)

	case arch.InsnX64JumpCond:
		rel := m.u64()
		taken, err := e.condX64(arch.CondX64(m.u64()))
		if err != nil {
			return 0, err
		}
		if !taken {
			return next, nil
		}
		if insn.HasReloc() {
			return cur.RelocTarget(insn.Reloc), nil
		}
		return next + uintptr(rel), nil

	case arch.InsnX64Lea32, arch.InsnX64Lea64:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		if t == arch.InsnX64Lea32 {
			e.set32(r, uint64(addr))
		} else {
			e.regs.set(r, uint64(addr))
		}
		return next, e.regs.take()
	}

	return e.memRefX64(cur, insn, pc, next, &m)
}

// memRefX64 replays the relocation-bound memory reference shapes:
// moves, compares, tests, extensions and conditional moves.
func (e *Emu) memRefX64(cur *object.Object, insn *object.InsnInfo, pc, next uintptr, m *metaReader) (uintptr, error) {
	switch t := insn.Type; t {
	case arch.InsnX64Mov8RM, arch.InsnX64Mov16RM, arch.InsnX64Mov32RM, arch.InsnX64Mov64RM:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << ((t - arch.InsnX64Mov8RM) / 3) // rm/mr/mi interleave per width
		v := load(addr, w)
		if t == arch.InsnX64Mov32RM {
			e.set32(r, v)
		} else {
			e.regs.set(r, v)
		}

	case arch.InsnX64Mov8MR, arch.InsnX64Mov16MR, arch.InsnX64Mov32MR, arch.InsnX64Mov64MR:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << ((t - arch.InsnX64Mov8MR) / 3)
		store(addr, w, e.regs.get(m.reg()))

	case arch.InsnX64Mov8MI, arch.InsnX64Mov16MI, arch.InsnX64Mov32MI, arch.InsnX64Mov64MI32:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << ((t - arch.InsnX64Mov8MI) / 3)
		store(addr, w, m.u64())

	case arch.InsnX64MovapsRM, arch.InsnX64MovapsMR,
		arch.InsnX64MovupsRM, arch.InsnX64MovupsMR,
		arch.InsnX64MovapdRM, arch.InsnX64MovapdMR,
		arch.InsnX64MovupdRM, arch.InsnX64MovupdMR:
		return 0, errors.Errorf("128-bit register transfer at %#x is not supported", pc)

	case arch.InsnX64Cmp8RM, arch.InsnX64Cmp16RM, arch.InsnX64Cmp32RM, arch.InsnX64Cmp64RM:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << (t - arch.InsnX64Cmp8RM)
		e.setArithFlags(subFlags(e.regs.get(r), load(addr, w), w))

	case arch.InsnX64Cmp8MR, arch.InsnX64Cmp16MR, arch.InsnX64Cmp32MR, arch.InsnX64Cmp64MR:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << (t - arch.InsnX64Cmp8MR)
		e.setArithFlags(subFlags(load(addr, w), e.regs.get(m.reg()), w))

	case arch.InsnX64Cmp8MI, arch.InsnX64Cmp8MI8,
		arch.InsnX64Cmp16MI, arch.InsnX64Cmp16MI8,
		arch.InsnX64Cmp32MI, arch.InsnX64Cmp32MI8,
		arch.InsnX64Cmp64MI32, arch.InsnX64Cmp64MI8:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := cmpMIWidth(t)
		e.setArithFlags(subFlags(load(addr, w), m.u64(), w))

	case arch.InsnX64Test8MI, arch.InsnX64Test16MI, arch.InsnX64Test32MI, arch.InsnX64Test64MI32:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << ((t - arch.InsnX64Test8MI) / 2)
		e.setArithFlags(testFlags(load(addr, w)&m.u64(), w))

	case arch.InsnX64Test8MR, arch.InsnX64Test16MR, arch.InsnX64Test32MR, arch.InsnX64Test64MR:
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		w := 1 << ((t - arch.InsnX64Test8MR) / 2)
		e.setArithFlags(testFlags(load(addr, w)&e.regs.get(m.reg()), w))

	case arch.InsnX64Movsx16RM8, arch.InsnX64Movsx16RM16, arch.InsnX64Movsx16RM32,
		arch.InsnX64Movsx32RM8, arch.InsnX64Movsx32RM16, arch.InsnX64Movsx32RM32,
		arch.InsnX64Movsx64RM8, arch.InsnX64Movsx64RM16, arch.InsnX64Movsx64RM32:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		src := 1 << ((t - arch.InsnX64Movsx16RM8) % 3)
		v := signExtend(load(addr, src), src)
		switch (t - arch.InsnX64Movsx16RM8) / 3 {
		case 1: // 32-bit destination
			e.set32(r, v)
		default:
			e.regs.set(r, v)
		}

	case arch.InsnX64Movzx16RM8, arch.InsnX64Movzx16RM16,
		arch.InsnX64Movzx32RM8, arch.InsnX64Movzx32RM16,
		arch.InsnX64Movzx64RM8, arch.InsnX64Movzx64RM16:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		src := 1 << ((t - arch.InsnX64Movzx16RM8) % 2)
		v := load(addr, src)
		switch (t - arch.InsnX64Movzx16RM8) / 2 {
		case 1:
			e.set32(r, v)
		default:
			e.regs.set(r, v)
		}

	case arch.InsnX64Cmov16RM, arch.InsnX64Cmov32RM, arch.InsnX64Cmov64RM:
		r := m.reg()
		addr, err := e.memAddrX64(cur, insn, pc, m.mem())
		if err != nil {
			return 0, err
		}
		taken, err := e.condX64(arch.CondX64(m.u64()))
		if err != nil {
			return 0, err
		}
		switch {
		case taken && t == arch.InsnX64Cmov32RM:
			e.set32(r, load(addr, 4))
		case taken:
			e.regs.set(r, load(addr, 1<<(t-arch.InsnX64Cmov16RM+1)))
		case t == arch.InsnX64Cmov32RM:
			// untaken cmov still zero extends a 32-bit destination
			e.set32(r, e.regs.get(r))
		}

	default:
		return 0, errors.Errorf("unhandled instruction class %d at %#x", t, pc)
	}
	return next, e.regs.take()
}

func cmpMIWidth(t arch.InsnType) int {
	switch t {
	case arch.InsnX64Cmp8MI, arch.InsnX64Cmp8MI8:
		return 1
	case arch.InsnX64Cmp16MI, arch.InsnX64Cmp16MI8:
		return 2
	case arch.InsnX64Cmp32MI, arch.InsnX64Cmp32MI8:
		return 4
	default:
		return 8
	}
}

// memAddrX64 materializes a memory operand address. A rip-based operand
// with a relocation resolves to the bound target directly; the addend
// was folded in at bind time.
func (e *Emu) memAddrX64(cur *object.Object, insn *object.InsnInfo, pc uintptr, mm x64Mem) (uintptr, error) {
	if mm.base == arch.RegX64RIP {
		if insn.HasReloc() {
			return cur.RelocTarget(insn.Reloc), nil
		}
		return pc + uintptr(insn.Len) + uintptr(mm.disp), nil
	}
	addr := mm.disp
	if mm.base != arch.RegX64Zero {
		addr += e.regs.get(mm.base)
	}
	if mm.index != arch.RegX64Zero && mm.scale != 0 {
		addr += e.regs.get(mm.index) * mm.scale
	}
	return uintptr(addr), e.regs.take()
}

// branchX64 transfers control, bridging to host code when the target is
// outside interpreted text. Host calls pass the System V integer
// argument registers plus two stack slots.
func (e *Emu) branchX64(cur *object.Object, target, next uintptr, call bool) (uintptr, error) {
	if target == 0 {
		return 0, errors.New("branch to nil address")
	}
	if e.interpTarget(cur, target) {
		if call {
			if err := e.push64(uint64(next)); err != nil {
				return 0, err
			}
		}
		return target, nil
	}

	sp := uintptr(e.regs.get(arch.RegX64RSP))
	stackArgs := sp
	if !call {
		stackArgs += 8 // tail jump: the caller's return address sits on top
	}
	args := [8]uint64{
		e.regs.get(arch.RegX64RDI), e.regs.get(arch.RegX64RSI),
		e.regs.get(arch.RegX64RDX), e.regs.get(arch.RegX64RCX),
		e.regs.get(arch.RegX64R8), e.regs.get(arch.RegX64R9),
		load(stackArgs, 8), load(stackArgs+8, 8),
	}
	if err := e.regs.take(); err != nil {
		return 0, err
	}
	ret, err := hostCall8(target, args)
	if err != nil {
		return 0, errors.Wrapf(err, "host call to %#x failed", target)
	}
	e.regs.set(arch.RegX64RAX, ret)
	if err := e.regs.take(); err != nil {
		return 0, err
	}
	if call {
		return next, nil
	}
	// consume the return address the tail-jumped frame would have used
	retAddr := uintptr(load(sp, 8))
	e.regs.set(arch.RegX64RSP, uint64(sp+8))
	return retAddr, e.regs.take()
}

func (e *Emu) push64(v uint64) error {
	sp := uintptr(e.regs.get(arch.RegX64RSP)) - 8
	if err := e.regs.take(); err != nil {
		return err
	}
	store(sp, 8, v)
	e.regs.set(arch.RegX64RSP, uint64(sp))
	return e.regs.take()
}

func (e *Emu) syscallX64() error {
	num := e.regs.get(arch.RegX64RAX)
	args := [6]uint64{
		e.regs.get(arch.RegX64RDI), e.regs.get(arch.RegX64RSI),
		e.regs.get(arch.RegX64RDX), e.regs.get(arch.RegX64R10),
		e.regs.get(arch.RegX64R8), e.regs.get(arch.RegX64R9),
	}
	if err := e.regs.take(); err != nil {
		return err
	}
	ret, err := doSyscall(num, args)
	if err != nil {
		return err
	}
	e.regs.set(arch.RegX64RAX, ret)
	return e.regs.take()
}

// set32 writes a 32-bit destination with the architectural zero
// extension of the upper half of the parent register.
func (e *Emu) set32(r arch.Reg, v uint64) {
	e.regs.set(x64Parent64(r), uint64(uint32(v)))
}

func x64Parent64(r arch.Reg) arch.Reg {
	if r >= arch.RegX64EAX && r <= arch.RegX64R15D {
		return arch.RegX64RAX + (r - arch.RegX64EAX)
	}
	return r
}

func (e *Emu) setArithFlags(f uint64) {
	old := e.regs.get(arch.RegX64RFLAGS)
	e.regs.set(arch.RegX64RFLAGS, old&^uint64(flagsArith)|f)
}

func widthMask(w int) uint64 {
	if w >= 8 {
		return ^uint64(0)
	}
	return 1<<(w*8) - 1
}

// subFlags computes the cmp (a - b) flag set for a w-byte operation.
func subFlags(a, b uint64, w int) uint64 {
	mask := widthMask(w)
	a &= mask
	b &= mask
	r := (a - b) & mask
	sign := uint64(1) << (w*8 - 1)

	var f uint64
	if b > a {
		f |= flagCF
	}
	if r == 0 {
		f |= flagZF
	}
	if r&sign != 0 {
		f |= flagSF
	}
	if (a^b)&(a^r)&sign != 0 {
		f |= flagOF
	}
	if (a^b^r)&0x10 != 0 {
		f |= flagAF
	}
	if bits.OnesCount8(uint8(r))%2 == 0 {
		f |= flagPF
	}
	return f
}

// testFlags computes the test (a & b) flag set; r is the and result.
func testFlags(r uint64, w int) uint64 {
	r &= widthMask(w)
	var f uint64
	if r == 0 {
		f |= flagZF
	}
	if r&(uint64(1)<<(w*8-1)) != 0 {
		f |= flagSF
	}
	if bits.OnesCount8(uint8(r))%2 == 0 {
		f |= flagPF
	}
	return f
}

// condX64 evaluates a branch condition against the live flags.
func (e *Emu) condX64(c arch.CondX64) (bool, error) {
	f := e.regs.get(arch.RegX64RFLAGS)
	if err := e.regs.take(); err != nil {
		return false, err
	}
	cf := f&flagCF != 0
	zf := f&flagZF != 0
	sf := f&flagSF != 0
	of := f&flagOF != 0
	pf := f&flagPF != 0

	switch c {
	case arch.CondJae:
		return !cf, nil
	case arch.CondJa:
		return !cf && !zf, nil
	case arch.CondJbe:
		return cf || zf, nil
	case arch.CondJb:
		return cf, nil
	case arch.CondJe:
		return zf, nil
	case arch.CondJge:
		return sf == of, nil
	case arch.CondJg:
		return !zf && sf == of, nil
	case arch.CondJle:
		return zf || sf != of, nil
	case arch.CondJl:
		return sf != of, nil
	case arch.CondJne:
		return !zf, nil
	case arch.CondJno:
		return !of, nil
	case arch.CondJnp:
		return !pf, nil
	case arch.CondJns:
		return !sf, nil
	case arch.CondJo:
		return of, nil
	case arch.CondJp:
		return pf, nil
	case arch.CondJs:
		return sf, nil
	case arch.CondJrcxz:
		rcx := e.regs.get(arch.RegX64RCX)
		return rcx == 0, e.regs.take()
	case arch.CondJecxz:
		rcx := e.regs.get(arch.RegX64RCX)
		return uint32(rcx) == 0, e.regs.take()
	}
	return false, errors.Errorf("unknown branch condition %d", c)
}

func signExtend(v uint64, w int) uint64 {
	switch w {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	}
	return v
}
