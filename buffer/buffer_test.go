// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package buffer

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFillDrainFIFO runs random sequences of fills and drains and
// checks that the bytes come out exactly as they went in.
func TestFillDrainFIFO(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		b := New(16, 64)
		var in, out []byte
		next := byte(0)
		for step := 0; step < 500; step++ {
			if rng.Intn(2) == 0 {
				b.BeforeFill()
				chunk := make([]byte, rng.Intn(40))
				for i := range chunk {
					chunk[i] = next
					next++
				}
				n := b.Fill(chunk)
				assert.True(t, n <= len(chunk))
				in = append(in, chunk[:n]...)
			} else {
				b.BeforeDrain()
				p := make([]byte, rng.Intn(40))
				n := b.Drain(p)
				assert.True(t, n <= len(in)-len(out), "drained past the fill cursor")
				out = append(out, p[:n]...)
			}
			assert.Equal(t, len(in)-len(out), b.Remaining())
			assert.True(t, b.Cap() <= 64)
		}
		b.BeforeDrain()
		rest := make([]byte, b.Remaining())
		b.Drain(rest)
		out = append(out, rest...)
		assert.Equal(t, in, out, "seed %d", seed)
	}
}

func TestGrowStopsAtMax(t *testing.T) {
	b := New(4, 10)
	b.BeforeFill()
	n := b.Fill([]byte("0123456789abcdef"))
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, b.Cap())
	assert.False(t, b.CanGrow())

	_, err := b.FillFrom(bytes.NewReader([]byte("x")))
	assert.Equal(t, ErrFull, err)

	// Draining some makes room again after compaction
	b.BeforeDrain()
	c, err := b.ReadByte()
	assert.NoError(t, err)
	assert.Equal(t, byte('0'), c)
	assert.True(t, b.CanGrow())
	b.BeforeFill()
	assert.Equal(t, 1, b.Fill([]byte("xy")))
	assert.Equal(t, "123456789x", string(b.Bytes()))
}

func TestClearKeepsRegion(t *testing.T) {
	b := New(8, 32)
	b.BeforeFill()
	b.Fill([]byte("0123456789"))
	size := b.Cap()
	b.Clear()
	assert.Equal(t, 0, b.Remaining())
	assert.Equal(t, Idle, b.State())
	assert.Equal(t, size, b.Cap())
}

func TestReadByteEmpty(t *testing.T) {
	b := New(8, 8)
	_, err := b.ReadByte()
	assert.Equal(t, io.EOF, err)
}

// pipeProcessor moves bytes from src into the buffer and from the
// buffer into dst, a few at a time.
type pipeProcessor struct {
	src       *bytes.Reader
	dst       bytes.Buffer
	chunk     int
	loops     int
	misbehave bool
}

func (p *pipeProcessor) CanLoop(b *Buffer) bool {
	p.loops++
	return p.loops < 1000
}

func (p *pipeProcessor) CouldFill(b *Buffer) bool { return true }

func (p *pipeProcessor) CouldDrain(b *Buffer) bool { return true }

func (p *pipeProcessor) OnFill(b *Buffer) (int, error) {
	chunk := make([]byte, p.chunk)
	n, err := p.src.Read(chunk)
	b.Fill(chunk[:n])
	return n, err
}

func (p *pipeProcessor) OnDrain(b *Buffer, max int) (int, error) {
	if p.misbehave {
		b.BeforeFill()
	}
	chunk := make([]byte, p.chunk)
	if max > 0 && max < len(chunk) {
		chunk = chunk[:max]
	}
	n := b.Drain(chunk)
	p.dst.Write(chunk[:n])
	return n, nil
}

func TestProcessMovesEverything(t *testing.T) {
	text := []byte("The quick brown fox jumps over the lazy dog")
	p := &pipeProcessor{src: bytes.NewReader(text), chunk: 5}
	b := New(8, 8)
	n, err := b.Process(p, 0)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, len(text), n)
	assert.Equal(t, text, p.dst.Bytes())
	assert.Equal(t, Idle, b.State())
}

func TestProcessMaxDrained(t *testing.T) {
	text := []byte("0123456789abcdefghij")
	p := &pipeProcessor{src: bytes.NewReader(text), chunk: 4}
	b := New(32, 32)
	n, err := b.Process(p, 6)
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "012345", p.dst.String())
}

func TestProcessPhaseConflictPanics(t *testing.T) {
	p := &pipeProcessor{src: bytes.NewReader([]byte("abc")), chunk: 2, misbehave: true}
	b := New(8, 8)
	assert.Panics(t, func() { _, _ = b.Process(p, 0) })
}
