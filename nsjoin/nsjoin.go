// Package nsjoin implements spec.md §1's namespace-join step: before any
// watch is installed, the current OS thread is made to join one or more of
// a target process's namespaces by opening /proc/<pid>/ns/<kind> and
// calling setns(2).
//
// It is grounded on fim-inotify.c's namespace-join block ("sprintf(file,
// "/proc/%d/ns/%s", ...); fdns = open(...); setns(fdns, 0); close(fdns);"),
// translated into golang.org/x/sys/unix the way the teacher package wraps
// other raw syscalls in internal/unix.go. Namespace membership is
// per-OS-thread in Linux, not per-goroutine, so JoinAll calls
// runtime.LockOSThread before joining, and Join documents that its caller
// must already hold that lock for the lifetime of the join.
package nsjoin

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/fimerrors"
)

// Kind names one of the namespace types under /proc/<pid>/ns.
type Kind string

const (
	Mount Kind = "mnt"
	PID   Kind = "pid"
	Net   Kind = "net"
	IPC   Kind = "ipc"
	UTS   Kind = "uts"
	User  Kind = "user"
)

// Handle represents the calling OS thread's membership of a target
// process's namespace, opened long enough to be passed to setns and then
// closed, matching the C source's open/setns/close sequence.
type Handle struct {
	pid  int
	kind Kind
}

// Joiner joins the calling goroutine's locked OS thread to a target
// process's namespace. It exists as an interface so the event-loop and CLI
// wiring can be tested against a fake that doesn't require CAP_SYS_ADMIN.
type Joiner interface {
	Join(pid int, kind Kind) (*Handle, error)
}

// System is the production Joiner, backed by the real setns(2) syscall.
type System struct{}

// Join opens /proc/<pid>/ns/<kind> and calls setns against it for the
// calling OS thread. The caller must have already called
// runtime.LockOSThread; Join does not do so itself because a session may
// need to join several namespace kinds in sequence on the same locked
// thread before starting its event loop.
func (System) Join(pid int, kind Kind) (*Handle, error) {
	path := fmt.Sprintf("/proc/%d/ns/%s", pid, kind)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: process %d has no %s namespace (already exited?)", fimerrors.ErrConfigInvalid, pid, kind)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: open %s: %v", fimerrors.ErrPermissionDenied, path, err)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Setns(int(f.Fd()), 0); err != nil {
		if err == unix.EPERM {
			return nil, fmt.Errorf("%w: setns(%s): %v (need CAP_SYS_ADMIN)", fimerrors.ErrPermissionDenied, kind, err)
		}
		return nil, fmt.Errorf("setns(%s): %w", kind, err)
	}

	return &Handle{pid: pid, kind: kind}, nil
}

// JoinAll locks the calling goroutine to its current OS thread and joins
// every requested namespace kind in order, returning the handles in the
// same order. On any failure it returns what succeeded so far alongside
// the error; the caller decides whether a partial join is usable or must
// be abandoned. The goroutine remains locked to its OS thread on success —
// callers that need to release it afterward must call
// runtime.UnlockOSThread themselves once they're done operating inside the
// joined namespaces (e.g. after inotify_init1 and the initial watch
// install, since inotify watches, like the kernel fds in fim-inotify.c,
// remain valid regardless of which namespace the calling thread is in
// afterward).
func JoinAll(j Joiner, pid int, kinds []Kind) ([]*Handle, error) {
	runtime.LockOSThread()

	handles := make([]*Handle, 0, len(kinds))
	for _, k := range kinds {
		h, err := j.Join(pid, k)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Kind returns the namespace kind this handle represents.
func (h *Handle) Kind() Kind { return h.kind }

// PID returns the target process id this handle was joined against.
func (h *Handle) PID() int { return h.pid }
