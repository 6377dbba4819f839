// Package session implements spec.md §4.3, a single logical watch
// subscription: root paths, their recursive expansion, configuration
// flags, and an owner-supplied sink. It is the Go analogue of the
// teacher's arguswatch struct and the operations in lib/argustree.c
// (validate_root_paths, watch_path, watch_path_recursive, watch_subtree,
// rewrite_cached_paths, remove_subtree, find_replace_root_path), rebuilt
// around a single kernel inotify handle per session via
// golang.org/x/sys/unix — the same syscalls the teacher package
// (fsnotify/fsnotify) uses in backend_inotify.go.
//
// A Session has no internal locking beyond what's needed for safe
// concurrent reads from an inspector API (spec.md §5: "readers outside the
// loop... must treat reads as snapshots"). All mutation is expected to come
// from exactly one event loop goroutine, per spec.md's concurrency model.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/fimerrors"
	"github.com/nsfim/nsfim/internal/logging"
	"github.com/nsfim/nsfim/pathutil"
	"github.com/nsfim/nsfim/resolver"
	"github.com/nsfim/nsfim/sink"
	"github.com/nsfim/nsfim/walker"
	"github.com/nsfim/nsfim/watchcache"
	"github.com/nsfim/nsfim/watchop"
)

// watchEntry is one (descriptor, path) pair. spec.md's data model keeps
// "descriptors[i]" and "paths[i]" as twin parallel sequences; Design Note
// "Parallel arrays" calls that a source-language artifact rather than a
// design requirement, so this rework keeps a single slice of records
// instead.
type watchEntry struct {
	wd   uint32
	path string
}

// rootEntry mirrors spec.md's RootEntry: a configured root path plus the
// (inode, device) pair used to detect duplicates and to drive root
// recovery. tomb marks a root that has been renamed away and not (yet)
// recovered; tombstoned roots are never removed from the slice, so every
// other root's index stays stable.
type rootEntry struct {
	path string
	tomb bool
	stat pathutil.FileKey
}

// Config holds the owner-supplied configuration for a session: the root
// set and the four policy flags spec.md's data model names
// (only-directories, recursive, follow-moves, max-depth), plus the events
// the owner wants observed.
type Config struct {
	// ID optionally overrides the generated subject id.
	ID string
	// Roots is the ordered set of root paths to watch.
	Roots []string
	// Ignores is a set of basenames that prune traversal, spec.md's
	// "ignore list".
	Ignores []string
	// OnlyDirectories restricts watches to directories.
	OnlyDirectories bool
	// Recursive expands each root into its full subtree.
	Recursive bool
	// FollowMoves enables root-recovery on MOVE_SELF instead of dropping
	// the root.
	FollowMoves bool
	// MaxDepth bounds recursive expansion; 0 means unlimited.
	MaxDepth int
	// EventMask is the set of kernel events the owner wants observed, in
	// addition to the mandatory internal mask the session always adds for
	// its own cache coherence.
	EventMask watchop.Op
	// PendingRenameDeadline bounds how long an unmatched MOVED_FROM waits
	// for its MOVED_TO pair before the event loop treats it as a move out
	// of the tree. Defaults to 50ms if zero or negative.
	PendingRenameDeadline time.Duration
	// RootFS overrides the filesystem root-recovery searches under;
	// defaults to resolver.ProcRoot(pid). Tests point it at a fixture
	// directory so root recovery doesn't have to walk a real process's
	// mount namespace.
	RootFS string
}

// Session is one logical watch subscription, spec.md's WatchSession.
type Session struct {
	id  string
	pid int

	mu        sync.RWMutex
	cfg       Config
	ignores   map[string]struct{}
	fd        int
	roots     []rootEntry
	liveRoots int
	expansion []watchEntry

	cache    *watchcache.Cache
	slot     int
	sk       sink.Sink
	logger   *logging.Logger
	procRoot string
}

// New constructs a session bound to the given cache and target pid, and
// installs it into the cache at a stable slot. It does not touch the
// kernel — call Build to validate roots and install watches.
func New(cache *watchcache.Cache, pid int, cfg Config, sk sink.Sink, logger *logging.Logger) (*Session, error) {
	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("%w: no root paths configured", fimerrors.ErrConfigInvalid)
	}
	if cfg.PendingRenameDeadline <= 0 {
		cfg.PendingRenameDeadline = 50 * time.Millisecond
	}

	id := cfg.ID
	if id == "" {
		id = fmt.Sprintf("%d-%s", pid, uuid.NewString())
	}

	ignores := make(map[string]struct{}, len(cfg.Ignores))
	for _, ig := range cfg.Ignores {
		ignores[ig] = struct{}{}
	}

	procRoot := cfg.RootFS
	if procRoot == "" {
		procRoot = resolver.ProcRoot(pid)
	}

	s := &Session{
		id:       id,
		pid:      pid,
		cfg:      cfg,
		ignores:  ignores,
		fd:       -1,
		sk:       sk,
		logger:   logger.Sublogger("session." + id),
		cache:    cache,
		procRoot: procRoot,
	}
	s.slot = cache.Install(s)
	return s, nil
}

// ID returns the session's stable identifier (pid + subject id).
func (s *Session) ID() string { return s.id }

// PID returns the target process id this session is bound to.
func (s *Session) PID() int { return s.pid }

// Slot returns the session's index in the process-wide cache.
func (s *Session) Slot() int { return s.slot }

// FD returns the session's inotify file descriptor, or -1 if the session
// has not been built (or has been closed).
func (s *Session) FD() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fd
}

// DescriptorIndex implements watchcache.Entry.
func (s *Session) DescriptorIndex(wd uint32) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, e := range s.expansion {
		if e.wd == wd {
			return i, true
		}
	}
	return -1, false
}

// PathForDescriptor resolves a watch descriptor to its cached path. It is
// the single source of truth §3 describes: every reader, including the
// event loop, goes through this instead of reconstructing paths itself.
func (s *Session) PathForDescriptor(wd uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.expansion {
		if e.wd == wd {
			return e.path, true
		}
	}
	return "", false
}

// ExpansionPaths returns a snapshot of every currently-watched path. Safe
// to call from outside the owning event loop; spec.md requires only that
// such reads be treated as snapshots.
func (s *Session) ExpansionPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.expansion))
	for i, e := range s.expansion {
		out[i] = e.path
	}
	return out
}

// RootPaths returns a snapshot of every non-tombstoned root path.
func (s *Session) RootPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roots))
	for _, r := range s.roots {
		if !r.tomb {
			out = append(out, r.path)
		}
	}
	return out
}

// LiveRoots reports how many configured roots have not been tombstoned.
func (s *Session) LiveRoots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveRoots
}

// Config returns a copy of the session's configuration.
func (s *Session) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Build validates the configured roots (existence, only-directories,
// duplicate (inode, device) rejection per invariant I4), opens the kernel
// inotify handle, and installs the initial watch set. It returns the
// number of watches installed. A failed build leaves the session installed
// in the cache but without a live kernel handle; callers should Close it.
func (s *Session) Build() (int, error) {
	entries, err := s.validateRoots(s.cfg.Roots)
	if err != nil {
		return 0, err
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return 0, classifyInitError(err)
	}

	s.mu.Lock()
	s.fd = fd
	s.roots = entries
	s.liveRoots = len(entries)
	s.expansion = nil
	s.mu.Unlock()

	installed, err := s.installRoots()
	if err != nil {
		s.mu.Lock()
		_ = unix.Close(s.fd)
		s.fd = -1
		s.mu.Unlock()
		return 0, err
	}
	return installed, nil
}

// Rebuild tears down every kernel watch, clears the expansion, re-validates
// the current (non-tombstoned) roots, and reinstalls watches from scratch.
// It is idempotent and safe to invoke at any loop iteration, per spec.md
// §7. Roots already tombstoned are skipped; a root that fails
// re-validation (e.g. it vanished) is tombstoned in place instead of
// failing the rebuild, so every root keeps its index.
func (s *Session) Rebuild() (int, error) {
	s.mu.Lock()
	for _, e := range s.expansion {
		_, _ = unix.InotifyRmWatch(s.fd, e.wd)
	}
	s.expansion = nil
	liveRoots := make([]string, 0, len(s.roots))
	for _, r := range s.roots {
		if !r.tomb {
			liveRoots = append(liveRoots, r.path)
		}
	}
	s.mu.Unlock()

	entries, err := s.validateRootsTolerant(liveRoots)

	s.mu.Lock()
	next, live := 0, 0
	for i := range s.roots {
		if s.roots[i].tomb {
			continue
		}
		s.roots[i] = entries[next]
		next++
		if !s.roots[i].tomb {
			live++
		}
	}
	s.liveRoots = live
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("rebuild: %v", err)
	}

	return s.installRoots()
}

// installRoots walks (or single-watches) every live, non-tombstoned root
// and returns the total number of watches installed.
func (s *Session) installRoots() (int, error) {
	s.mu.RLock()
	roots := make([]string, 0, len(s.roots))
	for _, r := range s.roots {
		if !r.tomb {
			roots = append(roots, r.path)
		}
	}
	s.mu.RUnlock()

	installed := 0
	for _, root := range roots {
		n, err := s.watchRoot(root)
		installed += n
		if err != nil {
			return installed, err
		}
	}
	return installed, nil
}

// watchRoot installs watches for one root path, recursively if the
// session's policy calls for it, matching the teacher's watch_subtree
// dispatch between watch_path_recursive and watch_path.
func (s *Session) watchRoot(root string) (int, error) {
	before := s.expansionLen()

	if !s.cfg.Recursive {
		if err := s.watchPath(root); err != nil {
			return s.expansionLen() - before, err
		}
		return s.expansionLen() - before, nil
	}

	s.mu.RLock()
	policy := walker.Policy{
		OnlyDirectories: s.cfg.OnlyDirectories,
		Ignores:         s.ignores,
		MaxDepth:        s.cfg.MaxDepth,
		IsRoot:          s.isRootPath,
	}
	s.mu.RUnlock()

	err := walker.Walk(root, policy, func(path string, isDir bool) error {
		return s.watchPath(path)
	}, func(path string, verr error) {
		s.logger.Debugf("walk: %s: %v (directory probably deleted before we could watch)", path, verr)
	})
	return s.expansionLen() - before, err
}

func (s *Session) expansionLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.expansion)
}

// watchPath installs a single kernel watch for path and appends it to the
// expansion, matching the teacher's watch_path. It is idempotent: a path
// already present in the expansion is a no-op, resolving the Design Note
// "Open question" in favor of deduplication rather than installing a
// second kernel watch.
func (s *Session) watchPath(path string) error {
	s.mu.Lock()
	if s.shouldIgnore(path) {
		s.mu.Unlock()
		return nil
	}
	for _, e := range s.expansion {
		if e.path == path {
			s.mu.Unlock()
			return nil
		}
	}
	flags := s.computeFlags(path)
	fd := s.fd
	s.mu.Unlock()

	wd, err := unix.InotifyAddWatch(fd, path, flags)
	if err != nil {
		// By the time we add a watch the directory may already have been
		// deleted or renamed; tolerate ENOENT and carry on, matching the
		// teacher's watch_path comment verbatim in spirit.
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		if errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("%w: %v", fimerrors.ErrResourceExhausted, err)
		}
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return fmt.Errorf("%w: %v", fimerrors.ErrPermissionDenied, err)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.expansion {
		if e.wd == uint32(wd) {
			s.logger.Debugf("watch descriptor %d already in cache (%s)", wd, path)
			break
		}
	}
	s.expansion = append(s.expansion, watchEntry{wd: uint32(wd), path: path})
	return nil
}

// shouldIgnore mirrors the teacher's should_ignore_path: keep directories
// unconditionally; for non-directories, keep only when OnlyDirectories is
// unset and the path is itself one of the configured roots. Must be called
// with s.mu held.
func (s *Session) shouldIgnore(path string) bool {
	_, isDir, err := pathutil.Stat(path)
	if err != nil {
		return true
	}
	if isDir {
		return false
	}
	if s.cfg.OnlyDirectories {
		return true
	}
	return !s.isRootPathLocked(path)
}

// isRootPath is safe to call without holding s.mu (it takes its own
// read lock) so it can be passed as walker.Policy.IsRoot.
func (s *Session) isRootPath(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRootPathLocked(path)
}

func (s *Session) isRootPathLocked(path string) bool {
	for _, r := range s.roots {
		if !r.tomb && r.path == path {
			return true
		}
	}
	return false
}

// computeFlags builds the raw inotify mask for path: the owner's requested
// events, the mandatory internal mask spec.md's data model names
// (CREATE|MOVED_FROM|MOVED_TO|DELETE_SELF), IN_ONLYDIR when configured, and
// IN_MOVE_SELF when path is itself a root. Must be called with s.mu held.
func (s *Session) computeFlags(path string) uint32 {
	flags := uint32(unix.IN_CREATE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF)
	flags |= s.cfg.EventMask.KernelMask()
	if s.cfg.OnlyDirectories {
		flags |= unix.IN_ONLYDIR
	}
	if s.isRootPathLocked(path) {
		flags |= unix.IN_MOVE_SELF
	}
	return flags
}

// AddSubtree walks path under the session's policy, installing watches for
// every directory discovered. It tolerates ENOENT races (the directory
// vanished mid-walk). The event loop calls this only for recursive
// sessions; a non-recursive session has nothing to add when a new
// directory appears under its root, since it never watches anything but
// the literal configured roots.
func (s *Session) AddSubtree(path string) error {
	_, err := s.watchRoot(path)
	return err
}

// RemoveSubtree removes every expansion entry whose path is prefix-bounded
// by path (spec.md's is_prefix_dir), returning the number removed. If any
// kernel removal fails, it returns fimerrors.ErrRemoveFailed alongside the
// count of entries it did manage to remove, signaling the caller to
// rebuild rather than trust the partial result — Design Note "Error
// recovery escalation" calls out the teacher's single -1 sentinel as
// conflating "some removed, rebuild anyway" with "nothing happened"; this
// keeps the count so callers can log how much was lost.
func (s *Session) RemoveSubtree(path string) (int, error) {
	// The caller's path may alias a string stored inside s.expansion
	// itself (e.g. a pending-rename path derived from a cache entry), so
	// copy defensively before mutating the slice it might point into.
	pn := strings.Clone(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.expansion[:0]
	removed := 0
	var firstErr error
	for _, e := range s.expansion {
		if pathutil.IsPrefixDir(pn, e.path) {
			if _, err := unix.InotifyRmWatch(s.fd, e.wd); err != nil {
				// When we have multiple renamers in flight,
				// inotify_rm_watch can legitimately fail because the
				// kernel already dropped the watch. Record it but keep
				// removing the rest of the subtree from our own cache.
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			removed++
			continue
		}
		remaining = append(remaining, e)
	}
	s.expansion = remaining

	if firstErr != nil {
		return removed, fmt.Errorf("%w: %v", fimerrors.ErrRemoveFailed, firstErr)
	}
	return removed, nil
}

// RewritePaths splices every expansion entry whose path is prefix-bounded
// by oldDir onto newDir, leaving descriptors unchanged. Used to fix up the
// cache after a rename within the watched tree.
func (s *Session) RewritePaths(oldDir, newDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.expansion {
		if pathutil.IsPrefixDir(oldDir, e.path) {
			s.expansion[i].path = newDir + e.path[len(oldDir):]
		}
	}
}

// RootPathsContain reports whether path is one of the session's
// non-tombstoned roots. Unlike isRootPath it is meant for callers outside
// the package (the event loop) deciding whether a DELETE_SELF/MOVE_SELF
// applies to a root rather than an ordinary expansion entry.
func (s *Session) RootPathsContain(path string) bool {
	return s.isRootPath(path)
}

// RenameRoot updates the RootEntry matching oldPath in place to newPath,
// used when a root is the subject of a correlated in-tree rename (a
// MOVED_FROM/MOVED_TO pair sharing a cookie, as opposed to the
// MOVE_SELF-only case RecoverRoot handles).
func (s *Session) RenameRoot(oldPath, newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.roots {
		if !s.roots[i].tomb && s.roots[i].path == oldPath {
			s.roots[i].path = newPath
			return
		}
	}
}

// RemoveRoot tombstones the RootEntry matching path, preserving every other
// root's index, and decrements the live-root counter.
func (s *Session) RemoveRoot(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.roots {
		if !s.roots[i].tomb && s.roots[i].path == path {
			s.roots[i].tomb = true
			s.liveRoots--
			return
		}
	}
}

// RecoverRoot re-locates a vanished root by inode lookup under s.procRoot
// (resolver.Recover) and, on success, rewrites the RootEntry's path and
// every cached expansion entry under it in place. A recover-not-found is
// returned to the caller unwrapped so it can decide whether to tombstone
// the root instead (spec.md §4.5 step 5: "not finding the inode is not an
// error").
func (s *Session) RecoverRoot(oldPath string) error {
	s.mu.RLock()
	idx := -1
	var want pathutil.FileKey
	for i, r := range s.roots {
		if !r.tomb && r.path == oldPath {
			idx = i
			want = r.stat
			break
		}
	}
	s.mu.RUnlock()

	if idx == -1 {
		return fmt.Errorf("%w: root %s not found", fimerrors.ErrConfigInvalid, oldPath)
	}

	newPath, err := resolver.Recover(s.procRoot, want)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.roots[idx].path = newPath
	s.mu.Unlock()
	s.RewritePaths(oldPath, newPath)
	return nil
}

// Sink returns the owner-supplied sink, used by the event loop.
func (s *Session) Sink() sink.Sink { return s.sk }

// PendingRenameDeadline returns the configured deadline for unmatched
// MOVED_FROM events.
func (s *Session) PendingRenameDeadline() time.Duration {
	return s.cfg.PendingRenameDeadline
}

// FollowMoves reports whether root-recovery is enabled for this session.
func (s *Session) FollowMoves() bool {
	return s.cfg.FollowMoves
}

// Recursive reports whether the session expands its roots recursively.
func (s *Session) Recursive() bool {
	return s.cfg.Recursive
}

// RequestedMask returns the raw kernel mask the owner asked to observe
// (without the mandatory internal bits), used by the event loop to decide
// whether an event should reach the sink.
func (s *Session) RequestedMask() uint32 {
	return s.cfg.EventMask.KernelMask()
}

// Close tears down every kernel watch, closes the inotify handle, and
// tombstones the session's cache slot. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return fimerrors.ErrClosed
	}
	for _, e := range s.expansion {
		_, _ = unix.InotifyRmWatch(s.fd, e.wd)
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.expansion = nil
	if s.cache != nil {
		s.cache.MarkEmpty(s.slot)
	}
	return err
}

// validateRoots validates a fresh root set for Build: empty sets and
// missing paths are fatal (ConfigInvalid), matching spec.md's error table.
func (s *Session) validateRoots(paths []string) ([]rootEntry, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: empty root set", fimerrors.ErrConfigInvalid)
	}
	entries := make([]rootEntry, 0, len(paths))
	seen := make([]pathutil.FileKey, 0, len(paths))
	for _, p := range paths {
		key, isDir, err := pathutil.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: root %s: %v", fimerrors.ErrConfigInvalid, p, err)
		}
		if s.cfg.OnlyDirectories && !isDir {
			return nil, fmt.Errorf("%w: root %s is not a directory", fimerrors.ErrConfigInvalid, p)
		}
		for _, k := range seen {
			if pathutil.SameFSObject(k, key) {
				return nil, fmt.Errorf("%w: duplicate root %s", fimerrors.ErrConfigInvalid, p)
			}
		}
		seen = append(seen, key)
		entries = append(entries, rootEntry{path: p, stat: key})
	}
	return entries, nil
}

// validateRootsTolerant is Rebuild's variant of validateRoots: a root that
// no longer validates (vanished, turned into a file under
// only-directories) is skipped with a tombstone rather than failing the
// whole rebuild, since spec.md requires rebuild to "skip tombstones" and
// never abort outright.
func (s *Session) validateRootsTolerant(paths []string) ([]rootEntry, error) {
	entries := make([]rootEntry, 0, len(paths))
	seen := make([]pathutil.FileKey, 0, len(paths))
	var lastErr error
	for _, p := range paths {
		key, isDir, err := pathutil.Stat(p)
		if err != nil {
			lastErr = fmt.Errorf("root %s: %w", p, err)
			entries = append(entries, rootEntry{path: p, tomb: true})
			continue
		}
		if s.cfg.OnlyDirectories && !isDir {
			lastErr = fmt.Errorf("root %s is not a directory", p)
			entries = append(entries, rootEntry{path: p, tomb: true})
			continue
		}
		dup := false
		for _, k := range seen {
			if pathutil.SameFSObject(k, key) {
				dup = true
				break
			}
		}
		if dup {
			lastErr = fmt.Errorf("duplicate root %s", p)
			entries = append(entries, rootEntry{path: p, tomb: true})
			continue
		}
		seen = append(seen, key)
		entries = append(entries, rootEntry{path: p, stat: key})
	}
	return entries, lastErr
}

// classifyInitError maps inotify_init1 failures onto spec.md's error
// kinds: ENFILE/EMFILE mean the kernel watch/instance limit was reached.
func classifyInitError(err error) error {
	if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
		return fmt.Errorf("%w: %v", fimerrors.ErrResourceExhausted, err)
	}
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: %v", fimerrors.ErrPermissionDenied, err)
	}
	return fmt.Errorf("inotify_init1: %w", err)
}
