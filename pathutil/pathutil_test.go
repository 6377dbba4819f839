package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJoin(t *testing.T) {
	cases := []struct{ dir, name, want string }{
		{"/a", "b", "/a/b"},
		{"/a/", "b", "/a/b"},
		{"/", "b", "/b"},
		{"/a", "", "/a"},
		{"", "b", "b"},
	}
	for _, c := range cases {
		if got := Join(c.dir, c.name); got != c.want {
			t.Errorf("Join(%q, %q) = %q, want %q", c.dir, c.name, got, c.want)
		}
	}
}

func TestIsPrefixDir(t *testing.T) {
	cases := []struct {
		prefix, candidate string
		want              bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a/b/", true},
		{"/a/b", "/a", false},
		{"/a", "/ab", false},
	}
	for _, c := range cases {
		if got := IsPrefixDir(c.prefix, c.candidate); got != c.want {
			t.Errorf("IsPrefixDir(%q, %q) = %v, want %v", c.prefix, c.candidate, got, c.want)
		}
	}
}

func TestSameFSObject(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.Mkdir(a, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(b, 0o755); err != nil {
		t.Fatal(err)
	}

	ka, _, err := Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	kb, _, err := Stat(b)
	if err != nil {
		t.Fatal(err)
	}
	if SameFSObject(ka, kb) {
		t.Fatal("distinct directories compared equal")
	}

	ka2, isDir, err := Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	if !isDir {
		t.Fatal("expected directory")
	}
	if !SameFSObject(ka, ka2) {
		t.Fatal("same directory statted twice compared unequal")
	}
}

func TestBasename(t *testing.T) {
	if got := Basename("/a/b/c"); got != "c" {
		t.Errorf("Basename = %q, want c", got)
	}
}
