package compiler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsSource(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"main.cc", true},
		{"main.cpp", true},
		{"main.CPP", true},
		{"main.c", true},
		{"lib.o", false},
		{"lib.io", false},
		{"lib.so", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsSource(tt.path); got != tt.want {
			t.Errorf("IsSource(%q) = %v; want %v", tt.path, got, tt.want)
		}
	}
}

func TestCachePath(t *testing.T) {
	if got := CachePath("/tmp/demo/main.cc"); got != "/tmp/demo/main.io" {
		t.Errorf("CachePath = %q; want /tmp/demo/main.io", got)
	}
}

func TestCompileUsesFreshCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.cc")
	cache := filepath.Join(dir, "main.io")

	old := time.Now().Add(-time.Hour)
	if err := os.WriteFile(src, []byte("int main(){return 0;}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(src, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cache, []byte("stale-proof"), 0o644); err != nil {
		t.Fatal(err)
	}

	// clang must never run: point it at something that cannot succeed
	got, err := Compile(src, nil, &Options{Clang: filepath.Join(dir, "no-such-clang")})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != cache {
		t.Errorf("Compile = %q; want the cache %q", got, cache)
	}
}

func TestCompileStaleCacheRecompiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.cc")
	cache := filepath.Join(dir, "main.io")

	if err := os.WriteFile(cache, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(cache, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("int main(){return 0;}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Compile(src, nil, &Options{Clang: filepath.Join(dir, "no-such-clang")}); err == nil {
		t.Fatal("stale cache short-circuited compilation")
	}
}

func TestCompileRejectsNonSource(t *testing.T) {
	if _, err := Compile("lib.o", nil, nil); err == nil {
		t.Fatal("expected an error for a non-source input")
	}
}
