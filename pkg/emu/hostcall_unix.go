//go:build unicorn && !windows

package emu

/*
#include <stdint.h>

typedef uint64_t (*objrun_fn8)(uint64_t, uint64_t, uint64_t, uint64_t,
                               uint64_t, uint64_t, uint64_t, uint64_t);

static uint64_t objrun_call8(uintptr_t fn,
        uint64_t a0, uint64_t a1, uint64_t a2, uint64_t a3,
        uint64_t a4, uint64_t a5, uint64_t a6, uint64_t a7) {
#if defined(__x86_64__)
	// calling through a variadic prototype keeps %al holding the vector
	// register count, which printf-family callees probe
	uint64_t (*vfn)(uint64_t, ...) = (uint64_t (*)(uint64_t, ...))fn;
	return vfn(a0, a1, a2, a3, a4, a5, a6, a7);
#else
	return ((objrun_fn8)fn)(a0, a1, a2, a3, a4, a5, a6, a7);
#endif
}
*/
import "C"

import (
	"golang.org/x/sys/unix"
)

// hostCall8 invokes the host routine at fn with up to eight integer
// arguments and returns its integer result. Floating point arguments
// and returns do not cross this bridge.
func hostCall8(fn uintptr, a [8]uint64) (uint64, error) {
	ret := C.objrun_call8(C.uintptr_t(fn),
		C.uint64_t(a[0]), C.uint64_t(a[1]), C.uint64_t(a[2]), C.uint64_t(a[3]),
		C.uint64_t(a[4]), C.uint64_t(a[5]), C.uint64_t(a[6]), C.uint64_t(a[7]))
	return uint64(ret), nil
}

// doSyscall forwards a guest syscall to the host kernel and returns the
// result in the kernel convention: negative errno on failure.
func doSyscall(num uint64, a [6]uint64) (uint64, error) {
	r1, _, errno := unix.RawSyscall6(uintptr(num),
		uintptr(a[0]), uintptr(a[1]), uintptr(a[2]),
		uintptr(a[3]), uintptr(a[4]), uintptr(a[5]))
	if errno != 0 {
		return uint64(-int64(errno)), nil
	}
	return uint64(r1), nil
}
