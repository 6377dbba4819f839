// Package logging implements a small sublogger, modeled directly on
// mutagen-io/mutagen's pkg/logging: a Logger that still works if nil (so a
// caller that never bothers to construct one gets silent no-ops instead of
// a nil-pointer panic), Sublogger for hierarchical prefixes, and
// github.com/fatih/color for warn/error coloring. Unlike the teacher
// package, the "debug enabled" gate here is a field on the root logger
// rather than a package-level global, since this module may run many
// independently-configured sessions in one process.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// Logger logs prefixed, optionally-colored lines through the standard
// library's log package, inheriting whatever output destination and flags
// the caller has configured on it.
type Logger struct {
	prefix string
	debug  bool
}

// NewRoot creates a root logger. debug gates Debugf.
func NewRoot(debug bool) *Logger {
	return &Logger{debug: debug}
}

// Sublogger creates a logger whose prefix is name appended to l's own
// prefix, inheriting l's debug setting. A nil receiver yields a nil
// sublogger, so chains of Sublogger calls on an unconfigured root stay
// silent rather than panicking.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, debug: l.debug}
}

func (l *Logger) line(format string, v ...interface{}) string {
	msg := fmt.Sprintf(format, v...)
	if l.prefix != "" {
		return fmt.Sprintf("[%s] %s", l.prefix, msg)
	}
	return msg
}

// Printf logs an informational line.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	log.Output(2, l.line(format, v...))
}

// Debugf logs a line only when the logger's debug gate is enabled.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	log.Output(2, l.line(format, v...))
}

// Warnf logs a yellow-highlighted warning line, used for non-fatal,
// tolerated conditions such as a transient ENOENT during traversal.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	log.Output(2, color.YellowString("WARN  %s", l.line(format, v...)))
}

// Errorf logs a red-highlighted error line.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	log.Output(2, color.RedString("ERROR %s", l.line(format, v...)))
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}
