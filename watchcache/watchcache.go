// Package watchcache implements the process-wide registry of active watch
// sessions described by spec.md §4.2: a growable, slot-indexed sequence with
// tombstoned slots so that a session's slot index stays stable for its
// whole lifetime (spec.md invariant I5), and a descriptor lookup used by the
// event loop to map a raw watch descriptor back to the owning session.
//
// This is the Go analogue of the teacher's watches type in
// backend_inotify.go, which guards a map[uint32]*watch with a
// sync.RWMutex. A map can't give the slot-stability guarantee spec.md's
// data model requires once slots are reused, so this cache is a
// tombstoned slice instead of a map.
package watchcache

import "sync"

// Entry is anything the cache can hold a slot for. Session implements it;
// the cache package never imports the session package, which keeps
// watchcache a leaf dependency the way spec.md's "leaves first" component
// ordering calls for.
type Entry interface {
	// DescriptorIndex reports the index within this entry's expansion that
	// currently maps to watch descriptor wd, and whether one exists.
	DescriptorIndex(wd uint32) (int, bool)
}

// Cache is the process-wide session registry. The zero value is not usable;
// construct with New.
type Cache struct {
	mu    sync.RWMutex
	slots []Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Install places e into the cache, reusing a tombstoned slot if one is
// available, and returns the slot index. The returned slot is stable for
// e's lifetime.
func (c *Cache) Install(e Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.slots {
		if s == nil {
			c.slots[i] = e
			return i
		}
	}
	c.slots = append(c.slots, e)
	return len(c.slots) - 1
}

// Lookup returns the entry installed at slot, or (nil, false) if the slot
// is out of range or tombstoned.
func (c *Cache) Lookup(slot int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if slot < 0 || slot >= len(c.slots) {
		return nil, false
	}
	e := c.slots[slot]
	return e, e != nil
}

// FindByDescriptor linearly scans live entries for one whose expansion
// currently contains wd. A linear scan is acceptable here: the event loop
// that calls this is single-threaded and per-instance descriptor counts are
// modest, exactly as spec.md §4.2 notes.
func (c *Cache) FindByDescriptor(wd uint32) (entry Entry, index int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.slots {
		if e == nil {
			continue
		}
		if idx, found := e.DescriptorIndex(wd); found {
			return e, idx, true
		}
	}
	return nil, -1, false
}

// MarkEmpty tombstones slot, making it eligible for reuse by a future
// Install.
func (c *Cache) MarkEmpty(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot >= 0 && slot < len(c.slots) {
		c.slots[slot] = nil
	}
}

// Len returns the number of slots ever allocated, including tombstones.
// Exposed mainly for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
