// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package buffer provides the reusable byte region that sits between a
// non-blocking channel and the incremental HTTP framing code.  A Buffer
// alternates between a filling phase, where bytes are appended after
// the write cursor, and a draining phase, where bytes are consumed from
// the read cursor.  Buffers are owned by exactly one goroutine (the
// selector loop) and do no locking of their own.
package buffer

import (
	"errors"
	"fmt"
	"io"
)

// State describes which phase a Buffer is in.
type State uint8

const (
	// Idle buffers hold no pending bytes and no phase has started.
	Idle State = iota
	// Filling buffers accept new bytes after the write cursor.
	Filling
	// Draining buffers hand out bytes from the read cursor.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Filling:
		return "filling"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// DefaultSize is the initial size of a buffer if none is given.
const DefaultSize = 8192

// ErrFull is returned by Fill-style operations when the buffer is at
// its maximum size and no bytes can be accepted.
var ErrFull = errors.New("buffer is full")

// Buffer is a growable byte region with a read cursor and a write
// cursor.  Bytes between the two cursors have been filled but not yet
// drained.
type Buffer struct {
	data  []byte
	r, w  int
	max   int
	state State

	// active is set while a Process callback of the given phase
	// is running; the opposite phase may not be entered then.
	active State
}

// New creates a buffer of initial size size that may grow up to max
// bytes.  If max is smaller than size, the buffer never grows.
func New(size, max int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	if max < size {
		max = size
	}
	return &Buffer{data: make([]byte, size), max: max}
}

// State returns the current phase.
func (b *Buffer) State() State { return b.state }

// Remaining returns the number of bytes filled but not yet drained.
func (b *Buffer) Remaining() int { return b.w - b.r }

// Free returns the number of bytes that can be filled without growing
// or compacting.
func (b *Buffer) Free() int { return len(b.data) - b.w }

// Cap returns the current size of the region.
func (b *Buffer) Cap() int { return len(b.data) }

// CanGrow says whether more bytes could be accepted, either after a
// compaction or by growing the region.
func (b *Buffer) CanGrow() bool {
	return b.Remaining() < b.max
}

// BeforeFill prepares the buffer to accept bytes.  Already-drained
// bytes at the front of the region are discarded by moving the
// remaining ones down.  It panics if called from inside a drain
// callback.
func (b *Buffer) BeforeFill() {
	if b.active == Draining {
		panic("buffer: BeforeFill called while draining")
	}
	if b.r > 0 {
		n := copy(b.data, b.data[b.r:b.w])
		b.r, b.w = 0, n
	}
	b.state = Filling
}

// BeforeDrain prepares the buffer to hand out bytes.  It panics if
// called from inside a fill callback.
func (b *Buffer) BeforeDrain() {
	if b.active == Filling {
		panic("buffer: BeforeDrain called while filling")
	}
	b.state = Draining
}

// ensure makes room for at least one more byte if possible, growing
// the region up to the maximum size.
func (b *Buffer) ensure() bool {
	if b.Free() > 0 {
		return true
	}
	if b.r > 0 {
		n := copy(b.data, b.data[b.r:b.w])
		b.r, b.w = 0, n
		return true
	}
	if len(b.data) >= b.max {
		return false
	}
	size := 2 * len(b.data)
	if size > b.max {
		size = b.max
	}
	data := make([]byte, size)
	copy(data, b.data[:b.w])
	b.data = data
	return true
}

// Fill copies as much of p as fits into the buffer and returns the
// number of bytes accepted.
func (b *Buffer) Fill(p []byte) int {
	total := 0
	for len(p) > 0 && b.ensure() {
		n := copy(b.data[b.w:], p)
		b.w += n
		p = p[n:]
		total += n
	}
	return total
}

// FillFrom reads once from r into the free region.  A reader that
// returns (0, nil) has nothing available right now.  io.EOF is passed
// through unchanged.
func (b *Buffer) FillFrom(r io.Reader) (int, error) {
	if !b.ensure() {
		return 0, ErrFull
	}
	n, err := r.Read(b.data[b.w:])
	if n > 0 {
		b.w += n
	}
	return n, err
}

// Drain copies up to len(p) pending bytes into p.
func (b *Buffer) Drain(p []byte) int {
	n := copy(p, b.data[b.r:b.w])
	b.r += n
	b.reset()
	return n
}

// DrainTo writes pending bytes to w, at most max bytes if max is
// positive.  A writer returning (0, nil) cannot accept data now.
func (b *Buffer) DrainTo(w io.Writer, max int) (int, error) {
	end := b.w
	if max > 0 && b.r+max < end {
		end = b.r + max
	}
	if end == b.r {
		return 0, nil
	}
	n, err := w.Write(b.data[b.r:end])
	if n > 0 {
		b.r += n
	}
	b.reset()
	return n, err
}

// ReadByte consumes one pending byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.r >= b.w {
		return 0, io.EOF
	}
	c := b.data[b.r]
	b.r++
	b.reset()
	return c, nil
}

// Bytes returns the pending bytes without consuming them.  The slice
// is only valid until the next buffer operation.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

// Skip consumes n pending bytes.
func (b *Buffer) Skip(n int) {
	if n > b.Remaining() {
		n = b.Remaining()
	}
	b.r += n
	b.reset()
}

// reset rewinds both cursors once everything filled has been drained.
func (b *Buffer) reset() {
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Clear discards all pending bytes and returns the buffer to the idle
// state.  The region itself is kept for reuse.
func (b *Buffer) Clear() {
	b.r, b.w = 0, 0
	b.state = Idle
	b.active = Idle
}
