package rtlib

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeRepo(t *testing.T, module string, files []fileIndex) *Library {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "lib", module)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, HashFile), marshalIndex(files), 0644); err != nil {
		t.Fatal(err)
	}
	return &Library{root: root}
}

func TestIndexRoundTrip(t *testing.T) {
	in := []fileIndex{
		{name: "libcrypto.so", hashes: []uint32{1, 7, 0xdeadbeef}},
		{name: "libssl.so", hashes: []uint32{42}},
	}
	got, err := parseIndex(marshalIndex(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(in) {
		t.Fatalf("files = %d; want %d", len(got), len(in))
	}
	for i := range in {
		if got[i].name != in[i].name {
			t.Errorf("file %d name = %s; want %s", i, got[i].name, in[i].name)
		}
		if len(got[i].hashes) != len(in[i].hashes) {
			t.Fatalf("file %d hashes = %d; want %d", i, len(got[i].hashes), len(in[i].hashes))
		}
		for j, h := range in[i].hashes {
			if got[i].hashes[j] != h {
				t.Errorf("file %d hash %d = %#x; want %#x", i, j, got[i].hashes[j], h)
			}
		}
	}
}

func TestFind(t *testing.T) {
	names := []string{"SSL_new", "SSL_free", "EVP_DigestInit"}
	hashes := hashNames(names)
	l := writeRepo(t, "openssl", []fileIndex{{name: "libssl.so", hashes: hashes}})

	for _, n := range names {
		want := filepath.Join(l.root, "lib", "openssl", "libssl.so")
		if got := l.Find(n); got != want {
			t.Errorf("Find(%s) = %q; want %q", n, got, want)
		}
	}
	if got := l.Find("not_a_symbol_anyone_exports"); got != "" {
		t.Errorf("Find(miss) = %q; want empty", got)
	}
}

func TestFindMissingIndex(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "lib", "broken"), 0755); err != nil {
		t.Fatal(err)
	}
	l := &Library{root: root}
	if got := l.Find("anything"); got != "" {
		t.Errorf("module without an index resolved %q", got)
	}
	if mods := l.Modules(); len(mods) != 0 {
		t.Errorf("modules = %v; want none", mods)
	}
}

func TestHashNamesSortedUnique(t *testing.T) {
	hashes := hashNames([]string{"malloc", "free", "malloc", "calloc"})
	if len(hashes) != 3 {
		t.Fatalf("hashes = %d; want 3 after dedup", len(hashes))
	}
	if !sort.SliceIsSorted(hashes, func(i, j int) bool { return hashes[i] < hashes[j] }) {
		t.Error("hashes are not sorted")
	}
}

func TestIndexable(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"libfoo.so", true},
		{"libfoo.so.1.2", true},
		{"libfoo.dylib", true},
		{"main.o", true},
		{"main.obj", true},
		{"readme.md", false},
		{"symbols.hash", false},
	}
	for _, tt := range tests {
		if got := indexable(tt.name); got != tt.want {
			t.Errorf("indexable(%s) = %v; want %v", tt.name, got, tt.want)
		}
	}
}
