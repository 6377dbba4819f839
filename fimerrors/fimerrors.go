// Package fimerrors defines the sentinel error values shared across the
// watch-tree manager. Call sites wrap these with fmt.Errorf("%w: ...") the
// same way the teacher package wraps ErrNonExistentWatch and ErrClosed, so
// callers can still errors.Is against the kind while getting a path-specific
// message.
package fimerrors

import "errors"

var (
	// ErrConfigInvalid indicates an empty root set, a duplicate root, or a
	// root missing at build time. The build fails; nothing is installed.
	ErrConfigInvalid = errors.New("fim: invalid configuration")

	// ErrPermissionDenied indicates the namespace could not be joined or a
	// kernel watch could not be installed due to permissions. The build
	// fails.
	ErrPermissionDenied = errors.New("fim: permission denied")

	// ErrResourceExhausted indicates the kernel's per-user watch limit was
	// reached. The build fails with no partial install.
	ErrResourceExhausted = errors.New("fim: kernel watch limit exhausted")

	// ErrTransientVanish indicates ENOENT during a walk or install; logged
	// and the walk continues.
	ErrTransientVanish = errors.New("fim: path vanished during traversal")

	// ErrRemoveFailed indicates a kernel watch removal failed; triggers a
	// rebuild of the owning session.
	ErrRemoveFailed = errors.New("fim: kernel watch removal failed")

	// ErrOverflow indicates a kernel event-queue overflow (IN_Q_OVERFLOW);
	// triggers a rebuild.
	ErrOverflow = errors.New("fim: kernel event queue overflow")

	// ErrRecoverNotFound indicates the root-recovery resolver found no
	// matching inode under /proc/<pid>/root. Not fatal; the caller may
	// tombstone the root.
	ErrRecoverNotFound = errors.New("fim: moved root path not found")

	// ErrUnknownDescriptor indicates an event referred to a watch
	// descriptor the cache no longer knows about. Dropped; expected during
	// rebuild.
	ErrUnknownDescriptor = errors.New("fim: event for unknown watch descriptor")

	// ErrClosed indicates an operation was attempted after the session or
	// loop had already been shut down.
	ErrClosed = errors.New("fim: session closed")
)
