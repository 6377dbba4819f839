// Package fimtest holds small filesystem fixture and polling helpers
// shared by the package tests across this module, grounded on the
// teacher's own helpers_test.go (mkdir/touch/mv/rm-style one-liners and a
// collector that accumulates observations for later assertion).
package fimtest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nsfim/nsfim/sink"
)

// Mkdir creates path (and parents) under t's temp-dir-relative base,
// failing the test on error. Matches the teacher's mkdir test helper.
func Mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("fimtest.Mkdir(%q): %v", path, err)
	}
}

// Touch creates an empty file at path, failing the test on error.
func Touch(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("fimtest.Touch(%q): %v", path, err)
	}
	f.Close()
}

// Mv renames src to dst, failing the test on error.
func Mv(t *testing.T, src, dst string) {
	t.Helper()
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("fimtest.Mv(%q, %q): %v", src, dst, err)
	}
}

// Rm removes path, failing the test on error.
func Rm(t *testing.T, path string) {
	t.Helper()
	if err := os.Remove(path); err != nil {
		t.Fatalf("fimtest.Rm(%q): %v", path, err)
	}
}

// Tree builds the directory tree described by rel, a list of
// slash-separated paths relative to root, and returns their absolute
// forms. Useful for the recursive-build and depth-cap scenarios that
// recur across the walker and session test suites.
func Tree(t *testing.T, root string, rel ...string) []string {
	t.Helper()
	abs := make([]string, len(rel))
	for i, r := range rel {
		p := filepath.Join(root, filepath.FromSlash(r))
		Mkdir(t, p)
		abs[i] = p
	}
	return abs
}

// Collector is a sink.Sink that records every observed event for later
// assertion, the way the teacher's eventCollector records Events for a
// Watcher under test.
type Collector struct {
	mu     sync.Mutex
	events []sink.Event
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

// Observe implements sink.Sink.
func (c *Collector) Observe(e sink.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Snapshot returns a copy of every event observed so far.
func (c *Collector) Snapshot() []sink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sink.Event, len(c.events))
	copy(out, c.events)
	return out
}

// WaitFor polls cond every 5ms until it reports true or timeout elapses,
// failing the test in the latter case. It exists because inotify delivery
// is asynchronous with respect to the syscall that triggers it, the same
// reason the teacher's own tests sleep between a filesystem mutation and
// asserting on the resulting Events.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("fimtest.WaitFor: condition not met before timeout")
}
