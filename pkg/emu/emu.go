//go:build unicorn

// Package emu executes a classified object through the unicorn cpu
// engine. Straight-line hardware instructions run on the engine in
// blocks; control flow, pc-relative material and relocation-bound
// memory references are replayed from the object's operand table so
// execution stays correct at the object's live load address.
package emu

import (
	"encoding/binary"
	"unsafe"

	"github.com/apex/log"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/objrun/objrun/pkg/arch"
	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/resolver"
)

const (
	pageSize     = 0x1000
	defStackSize = 0x800000

	// maxBlock caps how many hardware instructions one engine entry may
	// retire before control returns to the dispatch loop.
	maxBlock = 1024
)

// Config tunes one execution driver.
type Config struct {
	StackSize uint64
	Verbose   bool
}

// Emu drives one object (and anything it branches into) on the cpu
// engine. Not safe for concurrent use; one Emu is one call stack.
type Emu struct {
	mu   uc.Unicorn
	arch arch.ArchType
	obj  *object.Object
	res  *resolver.Loader
	conf *Config
	regs regFile

	stack  []byte
	topret []byte

	// host pages made visible to the engine, identity mapped
	mapped map[uint64]struct{}
}

// New builds an execution driver for obj. The object must match the
// host architecture since external calls land in host code.
func New(obj *object.Object, res *resolver.Loader, conf *Config) (*Emu, error) {
	if conf == nil {
		conf = &Config{}
	}
	if obj.Arch() != arch.Host() {
		return nil, errors.Errorf("cannot run %s code on a %s host", obj.Arch(), arch.Host())
	}
	e := &Emu{
		arch:   obj.Arch(),
		obj:    obj,
		res:    res,
		conf:   conf,
		topret: make([]byte, 16),
		mapped: make(map[uint64]struct{}),
	}

	var err error
	switch e.arch {
	case arch.AArch64:
		e.mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create unicorn instance")
		}
		if err := e.mu.SetCPUModel(uc.CPU_ARM64_MAX); err != nil {
			return nil, errors.Wrap(err, "failed to set cpu model")
		}
		if err := e.mu.RegWrite(uc.ARM64_REG_PSTATE, 0); err != nil {
			return nil, errors.Wrap(err, "failed to clear pstate")
		}
		// enable fp/simd at el0
		cpacr, err := e.mu.RegRead(uc.ARM64_REG_CPACR_EL1)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read cpacr_el1")
		}
		if err := e.mu.RegWrite(uc.ARM64_REG_CPACR_EL1, cpacr|0x300000); err != nil {
			return nil, errors.Wrap(err, "failed to write cpacr_el1")
		}
	case arch.X86_64:
		e.mu, err = uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create unicorn instance")
		}
	default:
		return nil, errors.Wrapf(object.ErrUnsupportedArch, "%s", e.arch)
	}
	e.regs = regFile{mu: e.mu, arch: e.arch}

	// the engine sees host memory lazily: any touch of an unmapped
	// address pulls the surrounding host page in, identity mapped, so
	// engine loads and stores are coherent with the process
	_, err = e.mu.HookAdd(uc.HOOK_MEM_READ_INVALID|uc.HOOK_MEM_WRITE_INVALID|uc.HOOK_MEM_FETCH_INVALID,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return e.mapHostPage(addr)
		}, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hook invalid memory access")
	}

	size := conf.StackSize
	if size == 0 {
		size = defStackSize
	}
	e.stack = make([]byte, size+pageSize)
	return e, nil
}

// Close releases the engine.
func (e *Emu) Close() error {
	return e.mu.Close()
}

// topReturn is the sentinel return address: control arriving here ends
// the dispatch loop.
func (e *Emu) topReturn() uintptr {
	return uintptr(unsafe.Pointer(&e.topret[0]))
}

func (e *Emu) mapHostPage(addr uint64) bool {
	page := addr &^ (pageSize - 1)
	if page == 0 {
		return false
	}
	if _, ok := e.mapped[page]; ok {
		return false
	}
	if err := e.mu.MemMapPtr(page, pageSize, uc.PROT_ALL, unsafe.Pointer(uintptr(page))); err != nil {
		log.WithError(err).Debugf("failed to map host page %#x", page)
		return false
	}
	e.mapped[page] = struct{}{}
	return true
}

// RunMain runs the object's static constructors, its entry point, and
// its destructors, returning the entry's result.
func (e *Emu) RunMain(args ...uint64) (uint64, error) {
	entry := e.obj.MainEntry()
	if entry == 0 {
		return 0, errors.Errorf("%s has no main entry", e.obj.Path())
	}
	for _, ctor := range e.obj.CtorEntries() {
		if _, err := e.Run(ctor); err != nil {
			return 0, errors.Wrap(err, "constructor failed")
		}
	}
	ret, err := e.Run(entry, args...)
	if err != nil {
		return ret, err
	}
	for _, dtor := range e.obj.DtorEntries() {
		if _, err := e.Run(dtor); err != nil {
			return ret, errors.Wrap(err, "destructor failed")
		}
	}
	return ret, nil
}

// Run executes the function at entry with up to the ABI's register
// argument count of integer arguments and returns its integer result.
func (e *Emu) Run(entry uintptr, args ...uint64) (uint64, error) {
	if entry == 0 {
		return 0, errors.New("nil entry address")
	}
	if err := e.initStack(args); err != nil {
		return 0, err
	}
	if err := e.execLoop(entry); err != nil {
		return 0, err
	}
	if e.arch == arch.AArch64 {
		return e.mu.RegRead(uc.ARM64_REG_X0)
	}
	return e.mu.RegRead(uc.X86_REG_RAX)
}

func (e *Emu) initStack(args []uint64) error {
	base := uintptr(unsafe.Pointer(&e.stack[0]))
	sp := (base + uintptr(len(e.stack))) &^ 15

	if e.arch == arch.AArch64 {
		if len(args) > 8 {
			return errors.Errorf("too many arguments: %d > 8 register slots", len(args))
		}
		for i, a := range args {
			e.regs.set(arch.A64X(i), a)
		}
		e.regs.set(arch.RegA64LR, uint64(e.topReturn()))
		e.regs.set(arch.RegA64SP, uint64(sp))
		return e.regs.take()
	}

	if len(args) > 6 {
		return errors.Errorf("too many arguments: %d > 6 register slots", len(args))
	}
	argRegs := []arch.Reg{
		arch.RegX64RDI, arch.RegX64RSI, arch.RegX64RDX,
		arch.RegX64RCX, arch.RegX64R8, arch.RegX64R9,
	}
	for i, a := range args {
		e.regs.set(argRegs[i], a)
	}
	sp -= 8
	store(sp, 8, uint64(e.topReturn()))
	e.regs.set(arch.RegX64RSP, uint64(sp))
	e.regs.set(arch.RegX64RFLAGS, 0x202)
	return e.regs.take()
}

// execLoop is the dispatcher: blocks of hardware instructions go to the
// engine, everything else is replayed from the operand table. cur
// follows control flow across interpreted objects.
func (e *Emu) execLoop(entry uintptr) error {
	cur := e.obj
	pc := entry
	for {
		if pc == e.topReturn() {
			return nil
		}
		insn := cur.InsnAt(pc)
		if insn == nil {
			if o, ok := e.res.Executable(pc); ok {
				cur = o
				insn = cur.InsnAt(pc)
			}
		}
		if insn == nil {
			return errors.Errorf("pc %#x left interpreted code", pc)
		}
		if e.conf.Verbose {
			log.Debugf("pc=%#x type=%d len=%d", pc, insn.Type, insn.Len)
		}

		var err error
		switch {
		case insn.Type == arch.InsnHardware:
			pc, err = e.step(pc, hardwareRun(cur, pc))
		case insn.Type == arch.InsnCondJump,
			insn.Type.IsX64MemRef() && !insn.HasReloc():
			// condition evaluation and plain memory traffic are exact
			// on the engine; one step, then re-dispatch
			pc, err = e.step(pc, 1)
		default:
			pc, err = e.interpret(cur, insn, pc)
		}
		if err != nil {
			return err
		}
		if err := e.regs.take(); err != nil {
			return err
		}
	}
}

// hardwareRun counts the consecutive hardware instructions starting at
// pc so the engine can retire them in one entry.
func hardwareRun(cur *object.Object, pc uintptr) int {
	n := 0
	for n < maxBlock {
		insn := cur.InsnAt(pc)
		if insn == nil || insn.Type != arch.InsnHardware {
			break
		}
		n++
		pc += uintptr(insn.Len)
	}
	if n == 0 {
		n = 1
	}
	return n
}

func (e *Emu) step(pc uintptr, count int) (uintptr, error) {
	e.mapHostPage(uint64(pc))
	opt := uc.UcOptions{Count: uint64(count)}
	if err := e.mu.StartWithOptions(uint64(pc), ^uint64(0), &opt); err != nil {
		return 0, errors.Wrapf(err, "cpu fault at %#x", pc)
	}
	reg := uc.ARM64_REG_PC
	if e.arch == arch.X86_64 {
		reg = uc.X86_REG_RIP
	}
	v, err := e.mu.RegRead(reg)
	return uintptr(v), errors.Wrap(err, "failed to read pc")
}

func (e *Emu) interpret(cur *object.Object, insn *object.InsnInfo, pc uintptr) (uintptr, error) {
	opc := unsafe.Slice((*byte)(unsafe.Pointer(pc)), int(insn.Len))
	meta := cur.MetaInfo(opc)
	if e.arch == arch.AArch64 {
		return e.interpretA64(cur, insn, pc, meta)
	}
	return e.interpretX64(cur, insn, pc, meta)
}

// interpTarget reports whether target stays inside interpreted code
// (this object, another loaded object, or the sentinel).
func (e *Emu) interpTarget(cur *object.Object, target uintptr) bool {
	if target == e.topReturn() {
		return true
	}
	if cur.Executable(target) {
		return true
	}
	_, ok := e.res.Executable(target)
	return ok
}

// load reads width bytes of host memory, zero extended.
func load(addr uintptr, width int) uint64 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), width)
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// store writes the low width bytes of v to host memory.
func store(addr uintptr, width int, v uint64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// metaReader walks one encoded operand record.
type metaReader struct {
	b []byte
}

func (m *metaReader) u16() uint16 {
	if len(m.b) < 2 {
		return 0
	}
	v := binary.LittleEndian.Uint16(m.b)
	m.b = m.b[2:]
	return v
}

func (m *metaReader) u64() uint64 {
	if len(m.b) < 8 {
		return 0
	}
	v := binary.LittleEndian.Uint64(m.b)
	m.b = m.b[8:]
	return v
}

func (m *metaReader) reg() arch.Reg { return arch.Reg(m.u16()) }

func (m *metaReader) rem() int { return len(m.b) }
