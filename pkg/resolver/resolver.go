// Package resolver implements the process-wide symbol and module
// resolution service behind the object pipeline and the execution engine:
// native libraries and interpretable objects register here, symbol lookups
// walk the interpreted modules, the loaded libraries and the host process,
// and every answer is memoized. Resolution never fails from the engine's
// point of view: a name nothing can satisfy resolves to the C abort
// address so a stray call traps instead of corrupting state.
package resolver

import (
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/rtlib"
)

// ErrNotFound reports a module-scoped lookup miss.
var ErrNotFound = errors.New("symbol not found")

const moduleMemoSize = 256

// symEntry is one memoized resolution. The addr field doubles as the
// storage slot data-symbol lookups hand out a pointer to, so its address
// must stay stable for the life of the Loader.
type symEntry struct {
	addr uintptr
}

type modEntry struct {
	base uintptr
	path string
}

// moduleHandle is one loaded module in load order: a native library
// handle or an interpretable object.
type moduleHandle struct {
	path string
	dl   uintptr
	obj  *object.Object
}

// Options configures a Loader.
type Options struct {
	// LibDir is the runtime support library directory shipped next to
	// the host program; lazily loaded library groups live in its
	// subdirectories.
	LibDir string
	// Runtime overrides the default module repository.
	Runtime *rtlib.Library
}

// Loader is the resolution service. Construct one, register the startup
// modules, then Seal it before handing it to concurrent engine threads;
// a sealed Loader serializes every operation.
type Loader struct {
	mu     sync.Mutex
	sealed atomic.Bool

	syms map[string]*symEntry

	// simulated process globals returned by address, never boxed
	globals map[uintptr]bool

	handles   []*moduleHandle
	handleIdx map[string]*moduleHandle
	imods     []*object.Object

	mods    []modEntry // sorted by base
	modMemo *lru.Cache[uintptr, string]

	rt     *rtlib.Library
	libDir string

	groupLoaded bool

	// native lookup, swappable in tests
	dlsym func(handle uintptr, name string) uintptr
}

// New constructs a Loader and registers the simulated platform globals.
func New(opts Options) (*Loader, error) {
	memo, err := lru.New[uintptr, string](moduleMemoSize)
	if err != nil {
		return nil, err
	}
	l := &Loader{
		syms:      make(map[string]*symEntry),
		globals:   make(map[uintptr]bool),
		handleIdx: make(map[string]*moduleHandle),
		modMemo:   memo,
		rt:        opts.Runtime,
		libDir:    opts.LibDir,
		dlsym:     dlSym,
	}
	if l.rt == nil {
		l.rt = rtlib.New()
	}
	l.registerGlobals()
	return l, nil
}

// Seal marks the end of single-threaded setup. Operations on a sealed
// Loader take the service lock.
func (l *Loader) Seal() { l.sealed.Store(true) }

func (l *Loader) lock() {
	if l.sealed.Load() {
		l.mu.Lock()
	}
}

func (l *Loader) unlock() {
	if l.sealed.Load() {
		l.mu.Unlock()
	}
}

// lockedView adapts the Loader for re-entrant use while the service lock
// is already held, such as object construction inside LoadLibrary.
type lockedView struct{ l *Loader }

func (v lockedView) LocateSymbol(name string, data bool) uintptr {
	if t := v.l.cachedLocked(name, data); t != 0 {
		return t
	}
	return v.l.lookupLocked(name, data)
}

func (v lockedView) LocateModule(addr uintptr, refresh bool) string {
	return v.l.locateModuleLocked(addr, refresh)
}

func (v lockedView) ResolveIn(module, name string, data bool) (uintptr, error) {
	return v.l.resolveInLocked(module, name, data)
}

// registerSimulated installs a simulated global: lookups return its
// address directly, bypassing the data-symbol boxing.
func (l *Loader) registerSimulated(name string, addr uintptr) {
	l.syms[name] = &symEntry{addr: addr}
	l.globals[addr] = true
}

// CacheSymbol pre-seeds a resolution so later lookups skip every tier;
// a name already memoized keeps its first answer.
func (l *Loader) CacheSymbol(name string, addr uintptr) {
	l.lock()
	defer l.unlock()
	if _, ok := l.syms[name]; !ok {
		l.syms[name] = &symEntry{addr: addr}
	}
}

// GlobalLocal reports whether vm is one of the simulated process globals.
func (l *Loader) GlobalLocal(vm uintptr) bool {
	l.lock()
	defer l.unlock()
	return l.globals[vm]
}

// LocateSymbol resolves name across the whole process. With data set the
// result is the address of the memoized slot holding the symbol address,
// except for simulated globals which come back directly.
func (l *Loader) LocateSymbol(name string, data bool) uintptr {
	l.lock()
	defer l.unlock()
	if t := l.cachedLocked(name, data); t != 0 {
		return t
	}
	return l.lookupLocked(name, data)
}

func (e *symEntry) value(data bool) uintptr {
	if data {
		return uintptr(unsafe.Pointer(&e.addr))
	}
	return e.addr
}

func (l *Loader) cachedLocked(name string, data bool) uintptr {
	e, ok := l.syms[name]
	if !ok {
		return 0
	}
	if l.globals[e.addr] {
		return e.addr
	}
	return e.value(data)
}

func (l *Loader) memoizeLocked(name string, target uintptr, data bool) uintptr {
	e := &symEntry{addr: target}
	l.syms[name] = e
	return e.value(data)
}

// lookupLocked runs the lookup tiers: interpreted modules, loaded
// libraries in load order, the host process, the module repository, and
// finally the abort substitution.
func (l *Loader) lookupLocked(name string, data bool) uintptr {
	if !l.groupLoaded && strings.Contains(name, "boost") {
		l.loadGroupLocked("boost")
	}

	var target uintptr
	for _, io := range l.imods {
		if target = io.LocateSymbol(name); target != 0 {
			break
		}
	}
	if target == 0 {
		for _, h := range l.handles {
			if h.dl == 0 {
				continue
			}
			if target = l.dlsym(h.dl, name); target != 0 {
				break
			}
		}
	}
	if target == 0 {
		target = l.dlsym(0, name)
	}
	if target == 0 {
		// the final chance: a repository module may export it
		if path := l.rt.Find(name); path != "" {
			if h, err := l.loadLibraryLocked(path); err == nil {
				if t, err := l.resolveHandleLocked(h, name, data); err == nil {
					return t
				}
			} else {
				log.WithError(err).WithField("path", path).Error("failed to load repository module")
			}
		}
	}
	if target == 0 {
		log.WithField("symbol", name).
			Error("failed to resolve symbol, redirecting it to abort")
		target = abortAddr()
	}
	return l.memoizeLocked(name, target, data)
}

// ResolveIn loads module if needed and resolves name against it before
// falling back to its dependencies.
func (l *Loader) ResolveIn(module, name string, data bool) (uintptr, error) {
	l.lock()
	defer l.unlock()
	return l.resolveInLocked(module, name, data)
}

func (l *Loader) resolveInLocked(module, name string, data bool) (uintptr, error) {
	h, err := l.loadLibraryLocked(module)
	if err != nil {
		return 0, err
	}
	return l.resolveHandleLocked(h, name, data)
}

func (l *Loader) resolveHandleLocked(h *moduleHandle, name string, data bool) (uintptr, error) {
	if t := l.cachedLocked(name, data); t != 0 {
		return t, nil
	}
	var target uintptr
	if h.obj != nil {
		target = h.obj.LocateSymbol(name)
	} else {
		target = l.dlsym(h.dl, name)
	}
	if target == 0 {
		return 0, errors.Wrapf(ErrNotFound, "%s in %s", name, h.path)
	}
	return l.memoizeLocked(name, target, data), nil
}

// LoadLibrary loads a native library or an interpretable object and
// registers it for the lookup tiers. Loading the same path twice is a
// no-op.
func (l *Loader) LoadLibrary(path string) error {
	l.lock()
	defer l.unlock()
	_, err := l.loadLibraryLocked(path)
	return err
}

func (l *Loader) loadLibraryLocked(path string) (*moduleHandle, error) {
	if h, ok := l.handleIdx[path]; ok {
		return h, nil
	}

	h := &moduleHandle{path: path}
	if strings.HasSuffix(path, object.ObjExt) || strings.HasSuffix(path, object.IObjExt) {
		obj, err := object.Create(path, path, lockedView{l})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load module %s", path)
		}
		h.obj = obj
		l.imods = append(l.imods, obj)
	} else {
		h.dl = dlOpen(path)
		if h.dl == 0 {
			return nil, errors.Errorf("failed to load library %s", path)
		}
	}
	log.WithField("path", path).Debug("loaded module")
	l.handles = append(l.handles, h)
	l.handleIdx[path] = h
	return h, nil
}

// loadGroupLocked loads a lazily shipped library group from the support
// library directory, at most once. Some group members only load after
// the rest of the group is present, so misses retry at the end.
func (l *Loader) loadGroupLocked(group string) {
	l.groupLoaded = true
	if l.libDir == "" {
		return
	}
	dir := filepath.Join(l.libDir, group)
	var deferred []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !sharedLib(d.Name()) {
			return nil
		}
		if runtime.GOOS == "linux" && lateGroupMember(d.Name()) {
			deferred = append(deferred, path)
			return nil
		}
		if _, err := l.loadLibraryLocked(path); err != nil {
			log.WithError(err).Warn("failed to load group library")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("dir", dir).Debug("no library group to load")
	}
	for _, path := range deferred {
		if _, err := l.loadLibraryLocked(path); err != nil {
			log.WithError(err).Warn("failed to load group library")
		}
	}
}

func sharedLib(name string) bool {
	switch runtime.GOOS {
	case "darwin":
		return strings.Contains(name, ".dylib")
	case "windows":
		return strings.Contains(name, ".dll")
	default:
		return strings.Contains(name, ".so")
	}
}

// lateGroupMember names group libraries whose own dependencies live in
// the same group, so they must load last.
func lateGroupMember(name string) bool {
	return strings.Contains(name, "boost_log") ||
		strings.Contains(name, "boost_locale") ||
		strings.Contains(name, "boost_fiber_numa")
}

// CacheObject registers an interpretable object the execution engine
// loaded itself.
func (l *Loader) CacheObject(obj *object.Object) {
	l.lock()
	defer l.unlock()
	if _, ok := l.handleIdx[obj.Path()]; ok {
		return
	}
	h := &moduleHandle{path: obj.Path(), obj: obj}
	l.handles = append(l.handles, h)
	l.handleIdx[obj.Path()] = h
	l.imods = append(l.imods, obj)
}

// Executable returns the interpreted module whose text covers vm.
func (l *Loader) Executable(vm uintptr) (*object.Object, bool) {
	l.lock()
	defer l.unlock()
	for _, io := range l.imods {
		if io.Executable(vm) {
			return io, true
		}
	}
	return nil, false
}

// Belong reports whether vm lies inside any interpreted module.
func (l *Loader) Belong(vm uintptr) bool {
	l.lock()
	defer l.unlock()
	for _, io := range l.imods {
		if io.Belong(vm) {
			return true
		}
	}
	return false
}

// LocateModule maps addr back to the owning module path. With refresh
// set the process module list reloads first. Unknown addresses map to
// the highest module below them; addresses below every module map to "".
func (l *Loader) LocateModule(addr uintptr, refresh bool) string {
	l.lock()
	defer l.unlock()
	return l.locateModuleLocked(addr, refresh)
}

func (l *Loader) locateModuleLocked(addr uintptr, refresh bool) string {
	if len(l.mods) == 0 || refresh {
		l.refreshModsLocked()
	}
	for _, io := range l.imods {
		if io.Belong(addr) {
			return io.CachePath()
		}
	}
	if !refresh {
		if path, ok := l.modMemo.Get(addr); ok {
			return path
		}
	}
	path := l.searchModsLocked(addr)
	if path != "" {
		l.modMemo.Add(addr, path)
	}
	return path
}

func (l *Loader) refreshModsLocked() {
	seen := make(map[uintptr]bool, len(l.mods))
	l.mods = l.mods[:0]
	iterateModules(func(base uintptr, path string) bool {
		if !seen[base] {
			seen[base] = true
			l.mods = append(l.mods, modEntry{base: base, path: path})
		}
		return false
	})
	sort.Slice(l.mods, func(i, j int) bool { return l.mods[i].base < l.mods[j].base })
	l.modMemo.Purge()
}

func (l *Loader) searchModsLocked(addr uintptr) string {
	lo, hi := 0, len(l.mods)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if mid+1 == len(l.mods) {
			return l.mods[mid].path
		}
		if l.mods[mid].base <= addr && addr < l.mods[mid+1].base {
			return l.mods[mid].path
		}
		if l.mods[mid].base > addr {
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return ""
}

// CacheAll writes the cache container of every interpreted module that
// was decoded from a plain object this run.
func (l *Loader) CacheAll() {
	l.lock()
	defer l.unlock()
	for _, io := range l.imods {
		if io.IsCache() {
			continue
		}
		if _, err := io.GenerateCache(); err != nil {
			log.WithError(err).WithField("path", io.Path()).
				Error("failed to cache interpretable object")
		}
	}
}
