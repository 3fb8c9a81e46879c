//go:build windows

package resolver

import "golang.org/x/sys/windows"

func dlOpen(path string) uintptr {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_LIBRARY_SEARCH_DEFAULT_DIRS)
	if err != nil {
		return 0
	}
	return uintptr(h)
}

func dlSym(handle uintptr, name string) uintptr {
	if handle == 0 {
		// no process-wide search on this platform; walk the loaded
		// modules instead
		for _, dll := range []string{"ucrtbase.dll", "kernel32.dll"} {
			if h, err := windows.LoadLibrary(dll); err == nil {
				if p, err := windows.GetProcAddress(h, name); err == nil {
					return p
				}
			}
		}
		return 0
	}
	p, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil {
		return 0
	}
	return p
}

func dlClose(handle uintptr) {
	windows.FreeLibrary(windows.Handle(handle))
}

func abortAddr() uintptr {
	return dlSym(0, "abort")
}

func nopAddr() uintptr { return 0 }
