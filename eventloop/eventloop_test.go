package eventloop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/internal/fimtest"
	"github.com/nsfim/nsfim/internal/logging"
	"github.com/nsfim/nsfim/session"
	"github.com/nsfim/nsfim/watchcache"
	"github.com/nsfim/nsfim/watchop"
)

// startLoop registers s and runs loop in the background, returning a stop
// func that cancels the loop and waits for Run to return. Every rename
// scenario below needs this same setup, so it's factored out rather than
// repeated per test.
func startLoop(t *testing.T, cache *watchcache.Cache, logger *logging.Logger, s *session.Session) (loop *Loop, stop func()) {
	t.Helper()
	loop = New(cache, logger)
	if err := loop.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = loop.Run(ctx); close(done) }()
	return loop, func() { cancel(); <-done }
}

// TestMain verifies that Run's reader goroutine never outlives its
// context, which matters here more than in most packages since the loop
// is meant to run for a process's entire lifetime.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopObservesCreate(t *testing.T) {
	dir := t.TempDir()
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	col := fimtest.NewCollector()

	s, err := session.New(cache, os.Getpid(), session.Config{
		Roots:     []string{dir},
		EventMask: watchop.Create,
	}, col, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()
	if _, err := s.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, stop := startLoop(t, cache, logger, s)
	defer stop()

	fimtest.Touch(t, filepath.Join(dir, "newfile"))

	fimtest.WaitFor(t, 2*time.Second, func() bool {
		for _, e := range col.Snapshot() {
			if e.FileName == "newfile" {
				return true
			}
		}
		return false
	})
}

func TestLoopExpandsRecursiveOnCreate(t *testing.T) {
	dir := t.TempDir()
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	col := fimtest.NewCollector()

	s, err := session.New(cache, os.Getpid(), session.Config{
		Roots:     []string{dir},
		Recursive: true,
		EventMask: watchop.Create,
	}, col, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()
	if _, err := s.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, stop := startLoop(t, cache, logger, s)
	defer stop()

	newDir := fimtest.Tree(t, dir, "child")[0]

	fimtest.WaitFor(t, 2*time.Second, func() bool {
		for _, p := range s.ExpansionPaths() {
			if p == newDir {
				return true
			}
		}
		return false
	})
}

func TestLoopRunRespectsContextCancellation(t *testing.T) {
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	loop := New(cache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
}

// TestLoopRenamesWithinSession drives scenario 4 of spec.md's testable
// properties: a same-session rename pair must splice the cache in place
// and produce exactly one sink observation, not a delete-then-create pair.
func TestLoopRenamesWithinSession(t *testing.T) {
	dir := t.TempDir()
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	col := fimtest.NewCollector()

	oldPath := fimtest.Tree(t, dir, "old")[0]

	s, err := session.New(cache, os.Getpid(), session.Config{
		Roots:     []string{dir},
		Recursive: true,
		EventMask: watchop.Move,
	}, col, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()
	if _, err := s.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, stop := startLoop(t, cache, logger, s)
	defer stop()

	newPath := filepath.Join(dir, "new")
	fimtest.Mv(t, oldPath, newPath)

	fimtest.WaitFor(t, 2*time.Second, func() bool {
		for _, e := range col.Snapshot() {
			if e.Mask&unix.IN_MOVED_TO != 0 && e.FileName == "new" {
				return true
			}
		}
		return false
	})

	// Give any stray duplicate a chance to show up before asserting the
	// pairing produced exactly one observation.
	time.Sleep(50 * time.Millisecond)
	if n := len(col.Snapshot()); n != 1 {
		t.Fatalf("got %d observations for one rename pair, want 1: %+v", n, col.Snapshot())
	}
	for _, p := range s.ExpansionPaths() {
		if p == oldPath {
			t.Fatalf("expansion still references pre-rename path %s", oldPath)
		}
	}
}

// TestLoopExpiresOutOfTreeRename drives the "unmatched MOVED_FROM" branch
// of spec.md's rename correlation: a move to an unwatched location never
// gets a paired MOVED_TO, so the pending entry must expire and surface as
// its own observation once the deadline passes.
func TestLoopExpiresOutOfTreeRename(t *testing.T) {
	dir := t.TempDir()
	elsewhere := t.TempDir()
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	col := fimtest.NewCollector()

	gone := fimtest.Tree(t, dir, "gone")[0]

	s, err := session.New(cache, os.Getpid(), session.Config{
		Roots:                 []string{dir},
		Recursive:             true,
		EventMask:             watchop.Move,
		PendingRenameDeadline: 20 * time.Millisecond,
	}, col, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()
	if _, err := s.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, stop := startLoop(t, cache, logger, s)
	defer stop()

	fimtest.Mv(t, gone, filepath.Join(elsewhere, "gone"))

	fimtest.WaitFor(t, 2*time.Second, func() bool {
		for _, e := range col.Snapshot() {
			if e.Mask&unix.IN_MOVED_FROM != 0 && e.FileName == "gone" {
				return true
			}
		}
		return false
	})
}

// TestLoopRecoversRootOnMoveSelf drives root recovery: when a watched root
// itself is renamed, only MOVE_SELF fires (no paired MOVED_TO), and with
// FollowMoves enabled the session must relocate the root by inode lookup
// under its configured RootFS rather than tombstoning it.
func TestLoopRecoversRootOnMoveSelf(t *testing.T) {
	outer := t.TempDir()
	cache := watchcache.New()
	logger := logging.NewRoot(false)
	col := fimtest.NewCollector()

	rootDir := fimtest.Tree(t, outer, "watched")[0]
	movedDir := filepath.Join(outer, "moved")

	s, err := session.New(cache, os.Getpid(), session.Config{
		Roots:       []string{rootDir},
		FollowMoves: true,
		RootFS:      outer,
		EventMask:   watchop.Move,
	}, col, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()
	if _, err := s.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, stop := startLoop(t, cache, logger, s)
	defer stop()

	fimtest.Mv(t, rootDir, movedDir)

	fimtest.WaitFor(t, 2*time.Second, func() bool {
		for _, p := range s.RootPaths() {
			if p == movedDir {
				return true
			}
		}
		return false
	})
	for _, p := range s.RootPaths() {
		if p == rootDir {
			t.Fatalf("root recovery left stale path %s in RootPaths", rootDir)
		}
	}
}
