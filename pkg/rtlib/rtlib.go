// Package rtlib manages the local module repository: third-party library
// bundles installed under the user's repo directory, each carrying a
// symbols.hash index so the resolver can locate and load the owning
// library lazily when a symbol would otherwise stay unresolved.
package rtlib

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// RepoName is the repository directory under the user's home.
	RepoName = ".objrun"
	// HashFile is the per-module symbol hash index file name.
	HashFile = "symbols.hash"
	// IncludePrefix namespaces module headers under include/.
	IncludePrefix = "objrun"
)

// RepoDir returns the module repository root.
func RepoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return RepoName
	}
	return filepath.Join(home, RepoName)
}

// LibDir returns the repository library root holding one directory per
// installed module.
func LibDir() string { return filepath.Join(RepoDir(), "lib") }

// IncludeDir returns the repository header root.
func IncludeDir() string { return filepath.Join(RepoDir(), "include", IncludePrefix) }

// ModuleLibDir returns the library directory of one installed module.
func ModuleLibDir(module string) string { return filepath.Join(LibDir(), module) }

type fileIndex struct {
	name   string
	hashes []uint32 // ascending
}

type moduleIndex struct {
	name  string
	files []fileIndex
}

// Library is the loaded view of the repository's symbol hash indexes.
type Library struct {
	root string

	mu      sync.Mutex
	loaded  bool
	modules []moduleIndex // sorted by module name
}

// New returns a Library over the default repository. Indexes load lazily
// on the first Find.
func New() *Library {
	return NewAt(RepoDir())
}

// NewAt returns a Library over a repository rooted at root.
func NewAt(root string) *Library {
	return &Library{root: root}
}

func (l *Library) libDir() string { return filepath.Join(l.root, "lib") }

// LoadAll reads every installed module's symbols.hash. A module without
// an index is skipped; a corrupt index is reported and skipped. Loading
// happens at most once.
func (l *Library) LoadAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked()
}

func (l *Library) loadLocked() {
	if l.loaded {
		return
	}
	l.loaded = true

	entries, err := os.ReadDir(l.libDir())
	if err != nil {
		return // no repository, nothing installed
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hashPath := filepath.Join(l.libDir(), e.Name(), HashFile)
		buf, err := os.ReadFile(hashPath)
		if err != nil {
			continue // index missing, module excluded from lazy loading
		}
		files, err := parseIndex(buf)
		if err != nil {
			log.WithError(err).WithField("path", hashPath).Error("failed to parse symbol hash index")
			continue
		}
		l.modules = append(l.modules, moduleIndex{name: e.Name(), files: files})
		log.WithField("module", e.Name()).Debug("loaded symbol hashes")
	}
	sort.Slice(l.modules, func(i, j int) bool { return l.modules[i].name < l.modules[j].name })
}

// Modules returns the names of the installed modules that carry an index.
func (l *Library) Modules() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked()
	names := make([]string, 0, len(l.modules))
	for _, m := range l.modules {
		names = append(names, m.name)
	}
	return names
}

// Find locates the installed library containing symbol and returns its
// full path, or "" when no index claims it.
func (l *Library) Find(symbol string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked()

	hash := SymbolHash(symbol)
	for _, m := range l.modules {
		for _, f := range m.files {
			i := sort.Search(len(f.hashes), func(i int) bool { return f.hashes[i] >= hash })
			if i < len(f.hashes) && f.hashes[i] == hash {
				return filepath.Join(l.libDir(), m.name, f.name)
			}
		}
	}
	return ""
}

// SymbolHash hashes a symbol name for the index. Windows import thunks
// carry a dllimport prefix the exporting library does not.
func SymbolHash(name string) uint32 {
	if runtime.GOOS == "windows" {
		name = strings.TrimPrefix(name, "__imp_")
	}
	return murmur3.StringSum32(name)
}

// The index is a protobuf map<string, bytes>: file name to its packed
// ascending little-endian symbol hashes.
const indexMapField = 1

func marshalIndex(files []fileIndex) []byte {
	var out []byte
	for _, f := range files {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, f.name)
		packed := make([]byte, 0, 4*len(f.hashes))
		for _, h := range f.hashes {
			packed = binary.LittleEndian.AppendUint32(packed, h)
		}
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, packed)

		out = protowire.AppendTag(out, indexMapField, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

func parseIndex(buf []byte) ([]fileIndex, error) {
	var files []fileIndex
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("malformed index tag")
		}
		buf = buf[n:]
		if num != indexMapField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.New("malformed index field")
			}
			buf = buf[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, errors.New("malformed index entry")
		}
		buf = buf[n:]

		f, err := parseIndexEntry(entry)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func parseIndexEntry(entry []byte) (fileIndex, error) {
	var f fileIndex
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return f, errors.New("malformed index entry tag")
		}
		entry = entry[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(entry)
			if n < 0 {
				return f, errors.New("malformed index entry name")
			}
			f.name = name
			entry = entry[n:]
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(entry)
			if n < 0 || len(packed)%4 != 0 {
				return f, errors.New("malformed index hash array")
			}
			f.hashes = make([]uint32, 0, len(packed)/4)
			for off := 0; off < len(packed); off += 4 {
				f.hashes = append(f.hashes, binary.LittleEndian.Uint32(packed[off:]))
			}
			entry = entry[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, entry)
			if n < 0 {
				return f, errors.New("malformed index entry field")
			}
			entry = entry[n:]
		}
	}
	return f, nil
}
