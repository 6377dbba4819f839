// Package eventloop implements spec.md §4.6, the single goroutine that
// multiplexes every session's inotify file descriptor, translates raw
// kernel events into cache mutations and sink observations, and owns the
// pending-rename correlation table.
//
// It is grounded directly on the teacher's Watcher.readEvents in
// backend_inotify.go: the same raw-buffer unsafe.Pointer cast to
// *unix.InotifyEvent, the same IN_IGNORED/IN_Q_OVERFLOW/IN_DELETE_SELF/
// IN_MOVE_SELF handling, and the same directory-rename path-rewrite idea
// (there done inline with strings.Replace over every watch; here delegated
// to session.RewritePaths). Two things differ deliberately, both called
// out in SPEC_FULL.md: the loop multiplexes many sessions' descriptors
// with unix.Poll instead of owning exactly one inotify fd per Watcher, and
// a MOVED_FROM with no matching MOVED_TO is resolved against an explicit
// deadline timer instead of the teacher's unbounded ring buffer, so a
// rename that never completes doesn't hold state forever.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/fimerrors"
	"github.com/nsfim/nsfim/internal/logging"
	"github.com/nsfim/nsfim/pathutil"
	"github.com/nsfim/nsfim/session"
	"github.com/nsfim/nsfim/sink"
	"github.com/nsfim/nsfim/watchcache"
)

// readBufSize matches the teacher's 4096-event scratch buffer; it's sized
// generously enough that a single Read rarely needs a second pass.
const readBufSize = unix.SizeofInotifyEvent * 4096

// pendingMove is a MOVED_FROM waiting for its MOVED_TO pair, correlated by
// the kernel's rename cookie.
type pendingMove struct {
	cookie  uint32
	dirPath string
	name    string
	wasDir  bool
	sess    *session.Session
	expiry  time.Time
}

// Loop multiplexes every registered session's inotify descriptor and turns
// raw kernel events into sink observations and cache mutations.
type Loop struct {
	cache    *watchcache.Cache
	logger   *logging.Logger
	sessions map[int]*session.Session // fd -> session
	pending  []pendingMove
	lastPoll []unix.PollFd
	buf      [readBufSize]byte
}

// New constructs an empty Loop bound to cache.
func New(cache *watchcache.Cache, logger *logging.Logger) *Loop {
	return &Loop{
		cache:    cache,
		logger:   logger.Sublogger("eventloop"),
		sessions: make(map[int]*session.Session),
	}
}

// Register adds a built session to the loop's poll set. The session must
// already have a live inotify descriptor (i.e. Build succeeded).
func (l *Loop) Register(s *session.Session) error {
	fd := s.FD()
	if fd < 0 {
		return fmt.Errorf("%w: session has no live descriptor", fimerrors.ErrConfigInvalid)
	}
	l.sessions[fd] = s
	return nil
}

// Unregister removes a session from the poll set; it does not close the
// session's descriptor, which remains the caller's responsibility.
func (l *Loop) Unregister(s *session.Session) {
	delete(l.sessions, s.FD())
}

// Run blocks, servicing every registered session's descriptor, until ctx
// is canceled. ctx is the "control handle" spec.md's concurrency model
// describes: the loop's only suspension point is the poll call below, and
// cancellation is checked at every iteration so Run returns promptly.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		timeout := l.pollTimeout()
		n, err := l.poll(ctx, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		l.expirePending()

		if n == 0 {
			continue
		}

		for fd, s := range l.sessions {
			if !l.fdReady(fd) {
				continue
			}
			if err := l.drain(s); err != nil {
				l.logger.Errorf("session %s: %v", s.ID(), err)
			}
		}
	}
}

func (l *Loop) poll(ctx context.Context, timeout time.Duration) (int, error) {
	if len(l.sessions) == 0 {
		// Nothing to watch; wait for either the timeout or cancellation,
		// so an idle Run still returns promptly once ctx is done.
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return 0, nil
	}

	fds := make([]unix.PollFd, 0, len(l.sessions))
	for fd := range l.sessions {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		return 0, err
	}

	l.lastPoll = fds
	return n, nil
}

func (l *Loop) fdReady(fd int) bool {
	for _, pfd := range l.lastPoll {
		if int(pfd.Fd) == fd {
			return pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		}
	}
	return false
}

// pollTimeout returns how long poll should block: indefinitely-ish (one
// second, to keep ctx cancellation responsive) unless a pending rename is
// due to expire sooner.
func (l *Loop) pollTimeout() time.Duration {
	const idle = time.Second
	if len(l.pending) == 0 {
		return idle
	}
	soonest := l.pending[0].expiry
	for _, p := range l.pending[1:] {
		if p.expiry.Before(soonest) {
			soonest = p.expiry
		}
	}
	d := time.Until(soonest)
	if d < 0 {
		return 0
	}
	if d > idle {
		return idle
	}
	return d
}

// expirePending flushes every pending MOVED_FROM whose deadline has
// passed, emitting it to its session's sink as an IN_MOVED_FROM
// observation when the owner asked for moves (the entry left the tree; no
// MOVED_TO ever arrived) and, for a directory in a recursive session,
// removing its subtree from the session's cache, matching spec.md's
// "unmatched MOVED_FROM" resolution.
func (l *Loop) expirePending() {
	if len(l.pending) == 0 {
		return
	}
	now := time.Now()
	remaining := l.pending[:0]
	for _, p := range l.pending {
		if now.Before(p.expiry) {
			remaining = append(remaining, p)
			continue
		}
		full := pathutil.Join(p.dirPath, p.name)
		if unix.IN_MOVED_FROM&p.sess.RequestedMask() != 0 {
			p.sess.Sink().Observe(sink.Event{
				SessionID:     p.sess.ID(),
				DirectoryPath: p.dirPath,
				FileName:      p.name,
				Mask:          unix.IN_MOVED_FROM,
				IsDir:         p.wasDir,
			})
		}
		if p.wasDir && p.sess.Recursive() {
			if _, err := p.sess.RemoveSubtree(full); err != nil {
				l.logger.Warnf("expire rename: RemoveSubtree(%s): %v", full, err)
				l.scheduleRebuild(p.sess)
			}
		}
	}
	l.pending = remaining
}

// drain reads every event currently buffered on s's inotify descriptor and
// dispatches each one, matching the teacher's readEvents loop body.
func (l *Loop) drain(s *session.Session) error {
	for {
		n, err := unix.Read(s.FD(), l.buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil
			}
			return err
		}
		if n < unix.SizeofInotifyEvent {
			return fmt.Errorf("short read from inotify fd %d: %d bytes", s.FD(), n)
		}

		var offset uint32
		for offset <= uint32(n)-unix.SizeofInotifyEvent {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&l.buf[offset]))
			mask := uint32(raw.Mask)
			nameLen := uint32(raw.Len)
			var name string
			if nameLen > 0 {
				bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&l.buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
				name = strings.TrimRight(string(bytes), "\x00")
			}
			debugEvent(l.logger, uint32(raw.Wd), mask, raw.Cookie, name)
			l.handle(s, uint32(raw.Wd), mask, raw.Cookie, name)
			offset += unix.SizeofInotifyEvent + nameLen
		}

		if n < len(l.buf) {
			return nil
		}
	}
}

// handle dispatches one decoded event for session s.
func (l *Loop) handle(s *session.Session, wd uint32, mask uint32, cookie uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		l.logger.Warnf("session %s: %v, rebuilding", s.ID(), fimerrors.ErrOverflow)
		l.scheduleRebuild(s)
		return
	}

	dirPath, ok := s.PathForDescriptor(wd)
	if !ok {
		// Expected during rebuild races: the kernel can still have events
		// queued for a descriptor we've already forgotten.
		l.logger.Debugf("session %s: %v (wd=%d)", s.ID(), fimerrors.ErrUnknownDescriptor, wd)
		return
	}

	if mask&unix.IN_IGNORED != 0 {
		return
	}

	isDir := mask&unix.IN_ISDIR != 0
	fullPath := dirPath
	if name != "" {
		fullPath = pathutil.Join(dirPath, name)
	}

	switch {
	case mask&unix.IN_DELETE_SELF != 0:
		l.handleDeleteSelf(s, dirPath)
		return

	case mask&unix.IN_MOVE_SELF != 0:
		l.handleMoveSelf(s, dirPath)
		return

	case mask&unix.IN_MOVED_FROM != 0:
		l.handleMovedFrom(s, dirPath, name, isDir, cookie)
		return

	case mask&unix.IN_MOVED_TO != 0:
		l.handleMovedTo(s, dirPath, name, isDir, cookie, mask)
		return

	case mask&unix.IN_CREATE != 0:
		if isDir && s.Recursive() {
			if err := s.AddSubtree(fullPath); err != nil {
				l.logger.Warnf("AddSubtree(%s): %v", fullPath, err)
			}
		}
	}

	if mask&s.RequestedMask() == 0 {
		// Mandatory-internal-mask-only event (e.g. plain CREATE on a
		// non-recursive session with no Create subscription); the cache
		// bookkeeping above already ran, nothing more to observe.
		return
	}

	s.Sink().Observe(sink.Event{
		SessionID:     s.ID(),
		DirectoryPath: dirPath,
		FileName:      name,
		Mask:          mask,
		IsDir:         isDir,
	})
}

// handleDeleteSelf mirrors the teacher's "inotify will automatically
// remove the watch on deletes; just need to clean our state here": the
// kernel drops the watch for us, so we only prune the cache entry.
func (l *Loop) handleDeleteSelf(s *session.Session, path string) {
	if s.Recursive() {
		if _, err := s.RemoveSubtree(path); err != nil {
			l.logger.Warnf("RemoveSubtree(%s) on DELETE_SELF: %v", path, err)
			l.scheduleRebuild(s)
		}
		return
	}
	if _, err := s.RemoveSubtree(path); err != nil {
		l.logger.Warnf("RemoveSubtree(%s) on DELETE_SELF: %v", path, err)
		l.scheduleRebuild(s)
	}
	if s.RootPathsContain(path) {
		s.RemoveRoot(path)
	}
}

// handleMoveSelf mirrors fim-inotify's root-recovery path: only
// IN_MOVE_SELF is delivered for a renamed watch target (no paired
// MOVED_TO), so the only way to find where it went is to search for it by
// inode under /proc/<pid>/root, and only when follow-moves is enabled.
func (l *Loop) handleMoveSelf(s *session.Session, path string) {
	if !s.RootPathsContain(path) {
		// A non-root directory was moved out from under us; the kernel
		// keeps delivering on the same descriptor at its new location
		// under a different parent, which our cache no longer reflects
		// correctly. Treat it the same as DELETE_SELF: drop it and let a
		// subsequent CREATE (if any) re-add it.
		l.handleDeleteSelf(s, path)
		return
	}

	if !s.FollowMoves() {
		s.RemoveRoot(path)
		if _, err := s.RemoveSubtree(path); err != nil {
			l.logger.Warnf("RemoveSubtree(%s) on MOVE_SELF: %v", path, err)
			l.scheduleRebuild(s)
		}
		return
	}

	if err := s.RecoverRoot(path); err != nil {
		if errors.Is(err, fimerrors.ErrRecoverNotFound) {
			l.logger.Warnf("root %s moved out of reach, tombstoning", path)
			s.RemoveRoot(path)
			return
		}
		l.logger.Warnf("RecoverRoot(%s): %v", path, err)
		s.RemoveRoot(path)
		return
	}
}

// handleMovedFrom parks the event as a pending move awaiting its MOVED_TO
// pair, per spec.md's explicit deadline rather than the teacher's
// unbounded cookie ring.
func (l *Loop) handleMovedFrom(s *session.Session, dirPath, name string, isDir bool, cookie uint32) {
	l.pending = append(l.pending, pendingMove{
		cookie:  cookie,
		dirPath: dirPath,
		name:    name,
		wasDir:  isDir,
		sess:    s,
		expiry:  time.Now().Add(s.PendingRenameDeadline()),
	})
}

// handleMovedTo looks for a pending MOVED_FROM sharing cookie. A match
// means an in-tree rename: the cache is rewritten in place rather than
// removed-and-readded, preserving watch descriptors exactly as the
// teacher's recurse-rename block does. No match means a file moved in from
// outside the tree, which is observationally identical to a Create.
func (l *Loop) handleMovedTo(s *session.Session, dirPath, name string, isDir bool, cookie uint32, mask uint32) {
	for i, p := range l.pending {
		if p.cookie != cookie || p.sess != s {
			continue
		}
		l.pending = append(l.pending[:i], l.pending[i+1:]...)

		oldPath := pathutil.Join(p.dirPath, p.name)
		newPath := pathutil.Join(dirPath, name)

		if isDir && s.Recursive() {
			s.RewritePaths(oldPath, newPath)
		}
		if s.RootPathsContain(oldPath) {
			s.RenameRoot(oldPath, newPath)
		}

		if mask&s.RequestedMask() != 0 {
			s.Sink().Observe(sink.Event{
				SessionID:     s.ID(),
				DirectoryPath: dirPath,
				FileName:      name,
				Mask:          unix.IN_MOVED_TO,
				IsDir:         isDir,
			})
		}
		return
	}

	// No pending MOVED_FROM: this is a move-in from outside the tree,
	// which spec.md's transition table resolves by treating it exactly
	// like a Create. If it's a new directory under a recursive session,
	// watch it like one too.
	if isDir && s.Recursive() {
		if err := s.AddSubtree(pathutil.Join(dirPath, name)); err != nil {
			l.logger.Warnf("AddSubtree(%s) on MOVED_TO: %v", pathutil.Join(dirPath, name), err)
		}
	}

	if unix.IN_CREATE&s.RequestedMask() != 0 {
		s.Sink().Observe(sink.Event{
			SessionID:     s.ID(),
			DirectoryPath: dirPath,
			FileName:      name,
			Mask:          unix.IN_CREATE,
			IsDir:         isDir,
		})
	}
}

// scheduleRebuild rebuilds s immediately. It's synchronous because the
// loop is single-threaded per spec.md's concurrency model: nothing else
// touches s concurrently.
func (l *Loop) scheduleRebuild(s *session.Session) {
	if _, err := s.Rebuild(); err != nil {
		l.logger.Errorf("rebuild session %s: %v", s.ID(), err)
	}
}
