package rtlib

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	macho "github.com/blacktop/go-macho"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BuildIndex scans a module's library directory, hashes every exported
// symbol of every object and shared library in it, and writes the
// symbols.hash index the resolver consults for lazy loading.
func BuildIndex(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read module directory %s", dir)
	}

	var mu sync.Mutex
	var files []fileIndex
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for _, e := range entries {
		if e.IsDir() || e.Name() == HashFile {
			continue
		}
		if !indexable(e.Name()) {
			continue
		}
		name := e.Name()
		eg.Go(func() error {
			names, err := exportedSymbols(filepath.Join(dir, name))
			if err != nil {
				return errors.Wrapf(err, "failed to index %s", name)
			}
			if len(names) == 0 {
				log.WithField("file", name).Warn("no exported symbols, skipping")
				return nil
			}
			hashes := hashNames(names)
			mu.Lock()
			files = append(files, fileIndex{name: name, hashes: hashes})
			mu.Unlock()
			log.WithFields(log.Fields{"file": name, "symbols": len(names)}).
				Debug("indexed library")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("nothing to index in %s", dir)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	out := filepath.Join(dir, HashFile)
	if err := os.WriteFile(out, marshalIndex(files), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", out)
	}
	return nil
}

func indexable(name string) bool {
	switch filepath.Ext(name) {
	case ".o", ".obj", ".dylib":
		return true
	}
	// versioned shared objects keep the .so in the middle
	return strings.HasSuffix(name, ".so") || strings.Contains(name, ".so.")
}

func hashNames(names []string) []uint32 {
	hashes := make([]uint32, 0, len(names))
	for _, n := range names {
		hashes = append(hashes, SymbolHash(n))
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	// aliases can collide into the same bucket
	out := hashes[:0]
	for i, h := range hashes {
		if i == 0 || h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

// exportedSymbols lists the defined external symbols of an ELF or Mach-O
// object or shared library.
func exportedSymbols(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, errors.New("too short to be a library")
	}
	switch {
	case bytes.HasPrefix(buf, []byte("\x7fELF")):
		return elfExports(buf)
	case binary.LittleEndian.Uint32(buf) == 0xfeedfacf:
		return machoExports(buf)
	case bytes.HasPrefix(buf, []byte("MZ")):
		return coffExports(buf)
	}
	switch binary.LittleEndian.Uint16(buf) {
	case 0x8664, 0xaa64: // AMD64 / ARM64 COFF object
		return coffExports(buf)
	}
	return nil, errors.New("unrecognized library format")
}

func elfExports(buf []byte) ([]string, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var syms []elf.Symbol
	if f.Type == elf.ET_DYN {
		syms, err = f.DynamicSymbols()
	} else {
		syms, err = f.Symbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	var names []string
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		if bind := elf.ST_BIND(s.Info); bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		names = append(names, s.Name)
	}
	return names, nil
}

func coffExports(buf []byte) ([]string, error) {
	f, err := pe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	const symClassExternal = 2 // IMAGE_SYM_CLASS_EXTERNAL
	var names []string
	for i := 0; i < len(f.COFFSymbols); i++ {
		s := &f.COFFSymbols[i]
		if s.SectionNumber > 0 && s.StorageClass == symClassExternal {
			name, err := s.FullName(f.StringTable)
			if err == nil && name != "" {
				names = append(names, name)
			}
		}
		i += int(s.NumberOfAuxSymbols)
	}
	return names, nil
}

func machoExports(buf []byte) ([]string, error) {
	f, err := macho.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	if f.Symtab == nil {
		return nil, nil
	}
	for _, s := range f.Symtab.Syms {
		if s.Name == "" || s.Type.IsDebugSym() || s.Type.IsUndefinedSym() {
			continue
		}
		if !s.Type.IsExternalSym() {
			continue
		}
		names = append(names, s.Name)
	}
	return names, nil
}
