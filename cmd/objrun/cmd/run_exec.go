//go:build unicorn

package cmd

import (
	"unsafe"

	"github.com/objrun/objrun/pkg/emu"
	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/resolver"
)

// execute drives the object's entry on the cpu engine with a C-style
// argc/argv built from args.
func execute(obj *object.Object, loader *resolver.Loader, args []string) (uint64, error) {
	e, err := emu.New(obj, loader, &emu.Config{Verbose: Verbose})
	if err != nil {
		return 0, err
	}
	defer e.Close()

	argv := append([]string{obj.SrcPath()}, args...)
	bufs := make([][]byte, len(argv))
	ptrs := make([]uintptr, len(argv)+1)
	for i, a := range argv {
		bufs[i] = append([]byte(a), 0)
		ptrs[i] = uintptr(unsafe.Pointer(&bufs[i][0]))
	}
	return e.RunMain(uint64(len(argv)), uint64(uintptr(unsafe.Pointer(&ptrs[0]))))
}
