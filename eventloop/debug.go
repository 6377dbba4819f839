package eventloop

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nsfim/nsfim/internal/logging"
)

// debugMaskNames is the exhaustive inotify flag table the teacher package
// keeps in internal/debug_linux.go; kept here verbatim in shape (name,
// bit) but driving this package's own Logger.Debugf instead of an
// unconditional os.Stderr write, and including the rename cookie, which
// matters far more once MOVED_FROM/MOVED_TO correlation has an explicit
// deadline.
var debugMaskNames = []struct {
	name string
	bit  uint32
}{
	{"IN_ACCESS", unix.IN_ACCESS},
	{"IN_ATTRIB", unix.IN_ATTRIB},
	{"IN_CLOSE_NOWRITE", unix.IN_CLOSE_NOWRITE},
	{"IN_CLOSE_WRITE", unix.IN_CLOSE_WRITE},
	{"IN_CREATE", unix.IN_CREATE},
	{"IN_DELETE", unix.IN_DELETE},
	{"IN_DELETE_SELF", unix.IN_DELETE_SELF},
	{"IN_DONT_FOLLOW", unix.IN_DONT_FOLLOW},
	{"IN_EXCL_UNLINK", unix.IN_EXCL_UNLINK},
	{"IN_IGNORED", unix.IN_IGNORED},
	{"IN_ISDIR", unix.IN_ISDIR},
	{"IN_MASK_ADD", unix.IN_MASK_ADD},
	{"IN_MODIFY", unix.IN_MODIFY},
	{"IN_MOVED_FROM", unix.IN_MOVED_FROM},
	{"IN_MOVED_TO", unix.IN_MOVED_TO},
	{"IN_MOVE_SELF", unix.IN_MOVE_SELF},
	{"IN_ONLYDIR", unix.IN_ONLYDIR},
	{"IN_OPEN", unix.IN_OPEN},
	{"IN_Q_OVERFLOW", unix.IN_Q_OVERFLOW},
	{"IN_UNMOUNT", unix.IN_UNMOUNT},
}

// debugEvent logs one decoded raw event at debug level: every flag name
// set in mask, the rename cookie if nonzero, and the event's name
// fragment, if any.
func debugEvent(logger *logging.Logger, wd uint32, mask, cookie uint32, name string) {
	var flags []string
	for _, m := range debugMaskNames {
		if mask&m.bit == m.bit {
			flags = append(flags, m.name)
		}
	}
	if cookie != 0 {
		logger.Debugf("wd=%d %s cookie=%d name=%q", wd, strings.Join(flags, "|"), cookie, name)
		return
	}
	logger.Debugf("wd=%d %s name=%q", wd, strings.Join(flags, "|"), name)
}
