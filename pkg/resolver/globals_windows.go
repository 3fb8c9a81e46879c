//go:build windows

package resolver

import "unsafe"

// Simulated MSVC thread-local statics machinery. Interpreted objects
// reference these as data; handing back frozen values keeps their static
// initializer guards on the fast path.
var (
	tlsIndex    int32
	threadEpoch int32 = -0x80000000 // epoch_start
)

func (l *Loader) registerGlobals() {
	l.registerSimulated("_tls_index", uintptr(unsafe.Pointer(&tlsIndex)))
	l.registerSimulated("_Init_thread_epoch", uintptr(unsafe.Pointer(&threadEpoch)))
}
