// Package walker implements the bounded-depth, ignore-aware directory
// traversal spec.md §4.4 describes. It is the Go-idiomatic replacement for
// the teacher's nftw-based traverse_tree/traverse_root callbacks in
// lib/argustree.c: physical traversal only (no symlink following, so it
// can't be led in circles), ignore-list pruning, and a depth cap — built on
// filepath.WalkDir the same way the teacher's own AddWith and
// backend_recursive.go emulate recursive watches on platforms without
// native kernel support.
//
// The C source parks the current session and root-stat in file-static
// variables (watch_, rootstat_) because nftw's callback has no user-data
// slot. Walk takes a closure instead, so the caller's state is captured
// normally rather than stashed in package-level scratch.
package walker

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/nsfim/nsfim/fimerrors"
)

// Policy controls which entries Walk visits and how far it descends.
type Policy struct {
	// OnlyDirectories skips non-directory entries unless IsRoot reports
	// them as a configured root path.
	OnlyDirectories bool
	// Ignores is a set of basenames that prune an entire subtree.
	Ignores map[string]struct{}
	// MaxDepth is the maximum depth relative to the walk's starting
	// directory; 0 means unlimited.
	MaxDepth int
	// IsRoot reports whether path is itself one of the session's
	// configured root paths, used to keep a non-directory root even when
	// OnlyDirectories is set.
	IsRoot func(path string) bool
}

// VisitFunc is called for every directory Walk keeps (and, when
// OnlyDirectories is false, for every file Walk keeps). It returns a non-nil
// error only for a path whose kernel watch install failed; returning a
// non-nil error aborts the walk for that root, matching spec.md's "other
// errors abort the walk for that root only."
type VisitFunc func(path string, isDir bool) error

// Walk performs a depth-first, physical (symlink-unaware) traversal of
// root under policy, calling visit for every kept entry. ENOENT races
// (the entry vanished between being listed and being stat'd) are recorded
// via onVanish, if non-nil, and traversal continues — matching the
// teacher's "directory probably deleted before we could watch" handling.
func Walk(root string, policy Policy, visit VisitFunc, onVanish func(path string, err error)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if isVanished(err) {
				if onVanish != nil {
					onVanish(path, fimerrors.ErrTransientVanish)
				}
				if path == root {
					return nil
				}
				return fs.SkipDir
			}
			return err
		}

		if path != root {
			if depth := relDepth(root, path); policy.MaxDepth > 0 && depth > policy.MaxDepth {
				return fs.SkipDir
			}
			if _, ignored := policy.Ignores[d.Name()]; ignored {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		isDir := d.IsDir()
		if !isDir && d.Type()&fs.ModeSymlink != 0 {
			// Physical traversal: never follow symlinks, matching FTW_PHYS.
			return nil
		}

		if policy.OnlyDirectories && !isDir {
			if policy.IsRoot == nil || !policy.IsRoot(path) {
				return nil
			}
		}

		return visit(path, isDir)
	})
}

// relDepth returns the number of path separators between root and path,
// i.e. the nftw ftwbuf->level equivalent.
func relDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	if rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func isVanished(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
