package resolver

import "golang.org/x/sys/windows"

// iterateModules walks the loaded modules of the process, calling fn once
// per module with its load address. fn returning true stops the walk.
func iterateModules(fn func(base uintptr, path string) bool) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE, 0)
	if err != nil {
		return
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(windows.SizeofModuleEntry32)
	if err := windows.Module32First(snap, &me); err != nil {
		return
	}
	for {
		if fn(me.ModBaseAddr, windows.UTF16ToString(me.ExePath[:])) {
			return
		}
		if err := windows.Module32Next(snap, &me); err != nil {
			return
		}
	}
}
