package utils

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(filepath.Join(dir, "nope")) {
		t.Error("Exists reported a missing file")
	}
	if !Exists(dir) {
		t.Error("Exists missed an existing directory")
	}
}

func TestIsASCII(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"plain_symbol$42", true},
		{"", true},
		{"naïve", false},
		{"tab\there", false},
	}
	for _, tt := range tests {
		if got := IsASCII(tt.in); got != tt.want {
			t.Errorf("IsASCII(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"a", "b", "a", "c", "b"})
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Unique = %v; want %v", got, want)
	}
}
