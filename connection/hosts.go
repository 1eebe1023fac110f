// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package connection

import "container/list"

// hostEntry holds the client connections open to one host.
type hostEntry struct {
	key   string
	conns []*Connection
}

func (e *hostEntry) add(c *Connection) {
	e.conns = append(e.conns, c)
}

func (e *hostEntry) remove(c *Connection) {
	for i, other := range e.conns {
		if other == c {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			return
		}
	}
}

// best returns the least-loaded connection that can take another
// request, or nil.
func (e *hostEntry) best() *Connection {
	var (
		best  *Connection
		score int
	)
	for _, c := range e.conns {
		if !c.Reusable() {
			continue
		}
		if s := c.LoadScore(); best == nil || s < score {
			best, score = c, s
		}
	}
	return best
}

// hostTable is a least-recently-used table of hosts.  A host that
// falls off the end keeps its connections open, but they are no
// longer offered for reuse and will close when idle.  Only the
// controller's Run goroutine uses it, so it has no lock.
type hostTable struct {
	size      int
	evictList *list.List
	index     map[string]*list.Element
}

func newHostTable(size int) *hostTable {
	return &hostTable{
		size:      size,
		evictList: list.New(),
		index:     make(map[string]*list.Element),
	}
}

// Get retrieves the entry for key, creating it if needed, and marks
// it most recently used.
func (t *hostTable) Get(key string) *hostEntry {
	if element, present := t.index[key]; present {
		t.evictList.MoveToBack(element)
		return element.Value.(*hostEntry)
	}
	entry := &hostEntry{key: key}
	t.add(entry)
	return entry
}

// Forget removes c from its host's entry, and the entry itself once
// it is empty.
func (t *hostTable) Forget(key string, c *Connection) {
	element, present := t.index[key]
	if !present {
		return
	}
	entry := element.Value.(*hostEntry)
	entry.remove(c)
	if len(entry.conns) == 0 {
		delete(t.index, key)
		t.evictList.Remove(element)
	}
}

// Len returns the number of hosts in the table.
func (t *hostTable) Len() int {
	return len(t.index)
}

// add adds an entry known not to exist.
func (t *hostTable) add(entry *hostEntry) {
	element := t.evictList.PushBack(entry)
	t.index[entry.key] = element

	for len(t.index) > t.size {
		head := t.evictList.Front()
		old := head.Value.(*hostEntry)
		delete(t.index, old.key)
		t.evictList.Remove(head)
	}
}
