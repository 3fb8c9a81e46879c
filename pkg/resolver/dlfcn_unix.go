//go:build !windows

package resolver

/*
#cgo linux LDFLAGS: -ldl
#cgo CFLAGS: -D_GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>

static void *objrun_default_handle(void) { return RTLD_DEFAULT; }

static void *objrun_abort_addr(void) { return (void *)&abort; }

static void objrun_nop(void) {}
static void *objrun_nop_addr(void) { return (void *)&objrun_nop; }
*/
import "C"

import "unsafe"

// dlOpen loads a native library into the process, resolving its symbols
// eagerly so later lookups cannot fault mid-execution.
func dlOpen(path string) uintptr {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	return uintptr(C.dlopen(cs, C.RTLD_NOW|C.RTLD_GLOBAL))
}

// dlSym resolves name in one library, or process-wide when handle is 0.
func dlSym(handle uintptr, name string) uintptr {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	h := unsafe.Pointer(handle)
	if handle == 0 {
		h = C.objrun_default_handle()
	}
	return uintptr(C.dlsym(h, cs))
}

func dlClose(handle uintptr) {
	C.dlclose(unsafe.Pointer(handle))
}

// abortAddr is the terminal substitution target for unresolvable symbols.
func abortAddr() uintptr { return uintptr(C.objrun_abort_addr()) }

// nopAddr backs simulated symbols whose only job is to be callable.
func nopAddr() uintptr { return uintptr(C.objrun_nop_addr()) }
