//go:build unicorn

package emu

import (
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
	"github.com/objrun/objrun/pkg/object"
)

// interpretA64 replays one classified arm64 instruction. Label operands
// in the table are pc-relative (page-relative for adrp); a relocation on
// the instruction overrides them with the bound target.
func (e *Emu) interpretA64(cur *object.Object, insn *object.InsnInfo, pc uintptr, meta []byte) (uintptr, error) {
	m := metaReader{b: meta}
	next := pc + 4

	switch insn.Type {
	case arch.InsnAbort:
		return 0, errors.Errorf("trapped invalid instruction at %#x", pc)

	case arch.InsnA64Return:
		r := arch.RegA64LR
		if m.rem() >= 2 {
			r = m.reg()
		}
		return uintptr(e.regs.get(r)), e.regs.take()

	case arch.InsnA64Syscall:
		return next, e.syscallA64()

	case arch.InsnA64Call, arch.InsnA64Jump:
		var target uintptr
		if insn.HasReloc() {
			target = cur.RelocTarget(insn.Reloc)
		} else {
			target = pc + uintptr(m.u64())
		}
		return e.branchA64(cur, target, next, insn.Type == arch.InsnA64Call)

	case arch.InsnA64CallReg, arch.InsnA64JumpReg:
		target := uintptr(e.regs.get(m.reg()))
		if err := e.regs.take(); err != nil {
			return 0, err
		}
		return e.branchA64(cur, target, next, insn.Type == arch.InsnA64CallReg)

	case arch.InsnA64Adr:
		r := m.reg()
		e.regs.set(r, uint64(pc)+m.u64())
		return next, e.regs.take()

	case arch.InsnA64Adrp:
		r := m.reg()
		e.regs.set(r, uint64(pc&^0xfff)+m.u64())
		return next, e.regs.take()

	case arch.InsnA64LdrWl, arch.InsnA64LdrXl, arch.InsnA64LdrSwl,
		arch.InsnA64LdrSl, arch.InsnA64LdrDl, arch.InsnA64LdrQl:
		r := m.reg()
		var addr uintptr
		if insn.HasReloc() {
			addr = cur.RelocTarget(insn.Reloc)
		} else {
			addr = pc + uintptr(m.u64())
		}
		switch insn.Type {
		case arch.InsnA64LdrWl, arch.InsnA64LdrSl:
			e.regs.set(r, load(addr, 4))
		case arch.InsnA64LdrXl, arch.InsnA64LdrDl:
			e.regs.set(r, load(addr, 8))
		case arch.InsnA64LdrSwl:
			e.regs.set(r, uint64(int64(int32(load(addr, 4)))))
		default:
			return 0, errors.Errorf("128-bit literal load at %#x is not supported", pc)
		}
		return next, e.regs.take()
	}
	return 0, errors.Errorf("unhandled instruction class %d at %#x", insn.Type, pc)
}

// branchA64 transfers control. Targets inside interpreted code continue
// in the dispatch loop; anything else is a host routine invoked through
// the native call bridge with the AAPCS register arguments.
func (e *Emu) branchA64(cur *object.Object, target, next uintptr, link bool) (uintptr, error) {
	if target == 0 {
		return 0, errors.New("branch to nil address")
	}
	if e.interpTarget(cur, target) {
		if link {
			e.regs.set(arch.RegA64LR, uint64(next))
		}
		return target, e.regs.take()
	}

	var args [8]uint64
	for i := range args {
		args[i] = e.regs.get(arch.A64X(i))
	}
	if err := e.regs.take(); err != nil {
		return 0, err
	}
	ret, err := hostCall8(target, args)
	if err != nil {
		return 0, errors.Wrapf(err, "host call to %#x failed", target)
	}
	e.regs.set(arch.A64X(0), ret)
	if err := e.regs.take(); err != nil {
		return 0, err
	}
	if link {
		return next, nil
	}
	// a tail jump out of interpreted code resumes at the caller
	lr := e.regs.get(arch.RegA64LR)
	return uintptr(lr), e.regs.take()
}

func (e *Emu) syscallA64() error {
	num := e.regs.get(arch.A64X(8))
	var args [6]uint64
	for i := range args {
		args[i] = e.regs.get(arch.A64X(i))
	}
	if err := e.regs.take(); err != nil {
		return err
	}
	ret, err := doSyscall(num, args)
	if err != nil {
		return err
	}
	e.regs.set(arch.A64X(0), ret)
	return e.regs.take()
}
