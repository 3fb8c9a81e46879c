package resolver

/*
#include <mach-o/dyld.h>
*/
import "C"

import "unsafe"

// iterateModules walks the loaded images, calling fn once per image with
// its load address. fn returning true stops the walk.
func iterateModules(fn func(base uintptr, path string) bool) {
	count := int(C._dyld_image_count())
	for i := 0; i < count; i++ {
		hdr := C._dyld_get_image_header(C.uint32_t(i))
		name := C._dyld_get_image_name(C.uint32_t(i))
		if hdr == nil || name == nil {
			continue
		}
		if fn(uintptr(unsafe.Pointer(hdr)), C.GoString(name)) {
			return
		}
	}
}
