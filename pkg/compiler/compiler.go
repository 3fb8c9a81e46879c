// Package compiler shells out to clang to turn a source file into a
// relocatable object the loader can consume. A fresh cache container
// next to the source short-circuits compilation entirely.
package compiler

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/rtlib"
)

// Options tune one compilation.
type Options struct {
	Clang    string   // compiler binary, "clang" when empty
	Opt      string   // optimization flag, "-O2" when empty
	Includes []string // extra include directories
	Runtime  *rtlib.Library
}

var cppExts = map[string]bool{
	".cc": true, ".cpp": true, ".cxx": true, ".c++": true, ".mm": true,
}

var cExts = map[string]bool{
	".c": true, ".m": true,
}

// IsSource reports whether path names a compilable source file rather
// than an object.
func IsSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return cppExts[ext] || cExts[ext]
}

// Compile produces a relocatable object for src and returns its path.
// When a cache container newer than the source exists the cache path is
// returned instead and clang never runs.
func Compile(src string, flags []string, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}
	if !IsSource(src) {
		return "", errors.Errorf("%s is not a source file", src)
	}
	if cache := CachePath(src); fresh(cache, src) {
		log.WithField("cache", cache).Debug("using interpretable object cache")
		return cache, nil
	}

	tmp, err := os.CreateTemp("", "objrun-*"+object.ObjExt)
	if err != nil {
		return "", errors.Wrap(err, "failed to create object output")
	}
	out := tmp.Name()
	tmp.Close()

	clang := opts.Clang
	if clang == "" {
		clang = "clang"
	}
	opt := opts.Opt
	if opt == "" {
		opt = "-O2"
	}

	args := []string{opt}
	if opt == "-O0" {
		// debug info carries source locations for crash reports
		args = append(args, "-g")
	}
	if cppExts[strings.ToLower(filepath.Ext(src))] {
		args = append(args, "-std=gnu++23")
	}
	args = append(args,
		"-Wno-deprecated-declarations",
		"-Wno-ignored-attributes",
		"-Wno-unknown-attributes",
	)
	for _, inc := range opts.Includes {
		args = append(args, "-I"+inc)
	}
	if opts.Runtime != nil {
		for _, m := range opts.Runtime.Modules() {
			args = append(args, "-I"+filepath.Join(rtlib.IncludeDir(), m))
		}
	}
	args = append(args, flags...)
	args = append(args, "-c", src, "-o", out)

	log.WithField("src", src).Debugf("compiling: %s %s", clang, strings.Join(args, " "))
	if msg, err := exec.Command(clang, args...).CombinedOutput(); err != nil {
		os.Remove(out)
		return "", errors.Wrapf(err, "failed to compile %s: %s", src, strings.TrimSpace(string(msg)))
	}
	return out, nil
}

// CachePath returns where the cache container for src lives: next to
// the source, same stem.
func CachePath(src string) string {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(filepath.Dir(src), stem+object.IObjExt)
}

// fresh reports whether cache exists and is at least as new as src.
func fresh(cache, src string) bool {
	ci, err := os.Stat(cache)
	if err != nil {
		return false
	}
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	return !ci.ModTime().Before(si.ModTime())
}
