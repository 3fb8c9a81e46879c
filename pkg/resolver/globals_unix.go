//go:build !windows

package resolver

import (
	"runtime"
	"unsafe"
)

// dsoHandle backs the __dso_handle references interpreted objects make;
// the host linker normally materializes it per image.
var dsoHandle uint64

func (l *Loader) registerGlobals() {
	dso := uintptr(unsafe.Pointer(&dsoHandle))
	l.registerSimulated("__dso_handle", dso)
	if runtime.GOOS == "darwin" {
		// Mach-O symbols carry the extra underscore
		l.registerSimulated("___dso_handle", dso)
	}

	// the std module initializer is a nop in current toolchains; calling
	// into a host copy with a mismatched runtime would be worse
	stdInit := "_ZGIW3std"
	if runtime.GOOS == "darwin" {
		stdInit = "__ZGIW3std"
	}
	l.syms[stdInit] = &symEntry{addr: nopAddr()}
}
