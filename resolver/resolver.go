// Package resolver implements spec.md §4.5, the root-recovery resolver
// invoked when a root path is renamed away (MOVE_SELF on its descriptor)
// and follow-moves is enabled. It is the Go replacement for the teacher's
// find_replace_root_path/traverse_root pair in lib/argustree.c, which parks
// the watch and root stat in file-static scratch (watch_, rootstat_,
// foundpath_) for nftw's callback to read; Recover takes the wanted
// (inode, device) pair as a parameter instead.
package resolver

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/nsfim/nsfim/fimerrors"
	"github.com/nsfim/nsfim/pathutil"
)

// ProcRoot returns the mount-namespace-relative filesystem root for pid,
// the path space every session's cached paths live in.
func ProcRoot(pid int) string {
	return fmt.Sprintf("/proc/%d/root", pid)
}

// Recover walks root physically, looking for the directory whose (inode,
// device) matches want. On success it returns the new absolute path,
// still rooted at root — the same path space the rest of the session's
// cached paths live in, per spec.md step 3 ("compute the new absolute
// path as /proc/<pid>/root + (entry path suffix)"). Callers pass
// ProcRoot(pid) in production; tests can point root at any directory,
// since the walk itself has no /proc dependency. Not finding the inode
// returns fimerrors.ErrRecoverNotFound, which is not itself an error the
// caller should escalate; spec.md step 5 says the caller may tombstone
// the root instead.
func Recover(root string, want pathutil.FileKey) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if found != "" {
			return fs.SkipAll
		}
		if err != nil {
			// Tolerate races under the target's mount namespace: skip the
			// entry that failed and continue the walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		key, isDir, statErr := pathutil.Stat(path)
		if statErr != nil || !isDir {
			return nil
		}
		if pathutil.SameFSObject(key, want) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && found == "" {
		return "", err
	}
	if found == "" {
		return "", fimerrors.ErrRecoverNotFound
	}

	// The match is returned as WalkDir produced it; a match that does not
	// start with root is reported as not found.
	if !strings.HasPrefix(found, root) {
		return "", fimerrors.ErrRecoverNotFound
	}
	return found, nil
}
