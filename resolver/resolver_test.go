package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nsfim/nsfim/fimerrors"
	"github.com/nsfim/nsfim/pathutil"
)

// fakeProcRoot builds a directory tree standing in for a target process's
// /proc/<pid>/root: since Recover now takes the root path directly rather
// than a pid, a plain temp directory exercises exactly the same WalkDir
// code path production uses against the real mount-namespace view.
func fakeProcRoot(t *testing.T) (root string) {
	t.Helper()
	root = filepath.Join(t.TempDir(), "root")
	if err := os.MkdirAll(filepath.Join(root, "sub/deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRecoverSuccess(t *testing.T) {
	root := fakeProcRoot(t)
	target := filepath.Join(root, "sub/deep")

	key, isDir, err := pathutil.Stat(target)
	if err != nil || !isDir {
		t.Fatalf("Stat(%q) = %v, %v, %v", target, key, isDir, err)
	}

	found, err := Recover(root, key)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if found != target {
		t.Fatalf("Recover found %q, want %q", found, target)
	}
}

func TestRecoverNotFound(t *testing.T) {
	root := fakeProcRoot(t)
	_, err := Recover(root, pathutil.FileKey{Ino: 999999999, Dev: 999999999})
	if !errors.Is(err, fimerrors.ErrRecoverNotFound) {
		t.Fatalf("Recover err = %v, want fimerrors.ErrRecoverNotFound", err)
	}
}

func TestFileKeyIdentity(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	key, isDir, err := pathutil.Stat(target)
	if err != nil || !isDir {
		t.Fatalf("Stat(%q) = %v, %v, %v", target, key, isDir, err)
	}

	// A key built from the same directory statted again must compare
	// equal, which is the property Recover relies on to match across the
	// /proc/<pid>/root walk.
	key2, _, err := pathutil.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if !pathutil.SameFSObject(key, key2) {
		t.Fatal("expected repeated stat of the same directory to match")
	}
}
