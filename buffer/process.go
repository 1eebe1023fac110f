// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package buffer

import "io"

// Processor is driven by Buffer.Process.  Fill callbacks add bytes to
// the buffer (from a channel, or by serializing a message); drain
// callbacks consume them (by parsing, or by writing to a channel).
type Processor interface {
	// CanLoop says whether another fill/drain cycle may run.
	CanLoop(b *Buffer) bool

	// CouldFill says whether OnFill has anything to contribute.
	CouldFill(b *Buffer) bool

	// CouldDrain says whether OnDrain would consume pending bytes.
	CouldDrain(b *Buffer) bool

	// OnFill adds bytes to b and returns how many.  Returning
	// io.EOF signals that the source has reached its end.
	OnFill(b *Buffer) (int, error)

	// OnDrain consumes at most max pending bytes (unlimited if max
	// is not positive) and returns how many.
	OnDrain(b *Buffer, max int) (int, error)
}

// Process runs fill and drain cycles against p until neither makes
// progress, p refuses another loop, or maxDrained bytes (if positive)
// have been drained.  It returns the number of bytes drained.  If the
// fill side reported end of stream, Process drains whatever it can and
// then returns io.EOF.
func (b *Buffer) Process(p Processor, maxDrained int) (int, error) {
	drained := 0
	eof := false
	for p.CanLoop(b) {
		progressed := false

		if b.Remaining() > 0 && p.CouldDrain(b) {
			limit := 0
			if maxDrained > 0 {
				limit = maxDrained - drained
				if limit <= 0 {
					break
				}
			}
			b.BeforeDrain()
			b.active = Draining
			n, err := p.OnDrain(b, limit)
			b.active = Idle
			drained += n
			if err != nil {
				return drained, err
			}
			if n > 0 {
				progressed = true
			}
		}

		if !eof && b.CanGrow() && p.CouldFill(b) {
			b.BeforeFill()
			b.active = Filling
			n, err := p.OnFill(b)
			b.active = Idle
			if err == io.EOF {
				eof = true
				progressed = true
			} else if err != nil {
				return drained, err
			}
			if n > 0 {
				progressed = true
			}
		}

		if !progressed {
			break
		}
	}
	if b.Remaining() == 0 {
		b.state = Idle
	}
	if eof {
		return drained, io.EOF
	}
	return drained, nil
}
