// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package tlsengine

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

var errPipeClosed = errors.New("tlsengine: pipe closed")

// pipe is the in-memory "network" underneath a tls.Conn.  Ciphertext
// fed by the engine's owner is read by the TLS goroutine; ciphertext
// written by the TLS goroutine accumulates until the owner takes it.
// Writes never block.
type pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte
	out     []byte
	eof     bool
	closed  bool
	waiting bool
	notify  func()
}

func newPipe(notify func()) *pipe {
	p := &pipe{notify: notify}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 && !p.eof && !p.closed {
		p.waiting = true
		p.cond.Wait()
	}
	p.waiting = false
	if len(p.in) == 0 {
		if p.closed {
			return 0, errPipeClosed
		}
		return 0, io.EOF
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPipeClosed
	}
	p.out = append(p.out, b...)
	p.mu.Unlock()
	if p.notify != nil {
		p.notify()
	}
	return len(b), nil
}

// feed appends ciphertext received from the peer.
func (p *pipe) feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// feedEOF records that the peer will send nothing more.
func (p *pipe) feedEOF() {
	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// take moves pending outbound ciphertext into b.
func (p *pipe) take(b []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.out)
	p.out = p.out[n:]
	if len(p.out) == 0 {
		p.out = nil
	}
	return n
}

func (p *pipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

// starved says whether the TLS side is blocked waiting for ciphertext.
func (p *pipe) starved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting && len(p.in) == 0
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (p *pipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }
