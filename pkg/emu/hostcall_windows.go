//go:build unicorn && windows

package emu

import "github.com/pkg/errors"

// The System V bridge does not exist on windows; external calls out of
// interpreted code need the win64 ABI shim, which is not implemented.
func hostCall8(fn uintptr, a [8]uint64) (uint64, error) {
	return 0, errors.New("host calls are not supported on windows")
}

func doSyscall(num uint64, a [6]uint64) (uint64, error) {
	return 0, errors.New("raw syscalls are not supported on windows")
}
