// Package sink defines the event-sink contract spec.md §6 describes: the
// owner-supplied callback the event loop calls for every user-visible
// observation.
package sink

// Event is one user-visible observation. Mask is the raw kernel event mask
// (e.g. unix.IN_CREATE) as delivered by the kernel; path strings are UTF-8
// byte sequences as returned by the kernel with no normalization applied,
// per spec.md §6.
type Event struct {
	SessionID     string
	DirectoryPath string
	FileName      string
	Mask          uint32
	IsDir         bool
}

// Sink consumes user-visible events. Implementations must be non-blocking —
// or documented as running under the event loop's quantum — per spec.md
// §5's suspension-point rule: the loop only suspends at its multiplexed
// wait, so a slow sink stalls every session sharing that loop.
type Sink interface {
	Observe(Event)
}

// Func adapts a plain function into a Sink.
type Func func(Event)

// Observe implements Sink.
func (f Func) Observe(e Event) { f(e) }
