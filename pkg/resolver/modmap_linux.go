package resolver

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// iterateModules walks the file-backed mappings of the process, calling
// fn once per module with its lowest mapped address. fn returning true
// stops the walk.
func iterateModules(fn func(base uintptr, path string) bool) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return
	}
	defer f.Close()

	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if !strings.HasPrefix(path, "/") || seen[path] {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		seen[path] = true
		if fn(uintptr(base), path) {
			return
		}
	}
}
