// Package watchop names the owner-requested kernel event categories from
// spec.md §6's CLI surface (-e/--event: access|modify|attrib|open|close|
// move|create|delete|all) and translates them into the raw inotify flags
// unix.InotifyAddWatch expects, the same translation fim-inotify.c's
// parseArgs performs inline in its getopt_long switch.
package watchop

import "golang.org/x/sys/unix"

// Op is a bitmask of event categories an owner can request.
type Op uint32

const (
	Access Op = 1 << iota
	Modify
	Attrib
	Open
	Close
	Move
	Create
	Delete
)

// All requests every category, matching the CLI's "-e all".
const All = Access | Modify | Attrib | Open | Close | Move | Create | Delete

// Default matches the CLI's default when no -e flag is given.
const Default = Open | Modify

// Parse maps one CLI token to its Op bit. It reports false for an
// unrecognized token.
func Parse(name string) (Op, bool) {
	switch name {
	case "access":
		return Access, true
	case "modify":
		return Modify, true
	case "attrib":
		return Attrib, true
	case "open":
		return Open, true
	case "close":
		return Close, true
	case "move":
		return Move, true
	case "create":
		return Create, true
	case "delete":
		return Delete, true
	case "all":
		return All, true
	default:
		return 0, false
	}
}

// Has reports whether o requests every bit set in want.
func (o Op) Has(want Op) bool { return o&want == want }

// KernelMask returns the raw inotify flags this Op set requests from the
// kernel. It does not include the mandatory internal bits
// (CREATE|MOVED_FROM|MOVED_TO|DELETE_SELF) the session always adds for its
// own cache coherence — see session.Config.
func (o Op) KernelMask() uint32 {
	var mask uint32
	if o.Has(Access) {
		mask |= unix.IN_ACCESS
	}
	if o.Has(Modify) {
		mask |= unix.IN_MODIFY
	}
	if o.Has(Attrib) {
		mask |= unix.IN_ATTRIB
	}
	if o.Has(Open) {
		mask |= unix.IN_OPEN
	}
	if o.Has(Close) {
		mask |= unix.IN_CLOSE
	}
	if o.Has(Move) {
		mask |= unix.IN_MOVE
	}
	if o.Has(Create) {
		mask |= unix.IN_CREATE
	}
	if o.Has(Delete) {
		mask |= unix.IN_DELETE
	}
	return mask
}

// String renders o back into its CLI token form, separated by "|"; used by
// diagnostics and --help.
func (o Op) String() string {
	names := []struct {
		bit  Op
		name string
	}{
		{Access, "access"}, {Modify, "modify"}, {Attrib, "attrib"},
		{Open, "open"}, {Close, "close"}, {Move, "move"},
		{Create, "create"}, {Delete, "delete"},
	}
	if o == All {
		return "all"
	}
	out := ""
	for _, n := range names {
		if o.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
