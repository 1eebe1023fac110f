// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package tlsengine adapts crypto/tls to a wrap/unwrap model suitable
// for non-blocking transports.  The owner feeds ciphertext received
// from the network with Unwrap, reads plaintext with Read, encrypts
// plaintext with Wrap, and collects ciphertext to send with
// TakeOutbound.  None of these block.
//
// crypto/tls itself is written against a blocking net.Conn, so the
// engine runs the TLS state machine on its own goroutine over an
// in-memory pipe, and calls a notify function whenever it produces
// something the owner should act on (records to send, plaintext to
// read, handshake completion or failure).
package tlsengine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
)

// HandshakeStatus says what the engine needs from its owner.
type HandshakeStatus uint8

const (
	// NotHandshaking means the session is established (or not
	// yet started).
	NotHandshaking HandshakeStatus = iota
	// NeedWrap means handshake records are waiting to be sent.
	NeedWrap
	// NeedUnwrap means the handshake is waiting for bytes from
	// the peer.
	NeedUnwrap
	// NeedTask means the handshake goroutine is busy computing.
	NeedTask
	// Failed means the handshake or session failed; see Err.
	Failed
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "not-handshaking"
	case NeedWrap:
		return "need-wrap"
	case NeedUnwrap:
		return "need-unwrap"
	case NeedTask:
		return "need-task"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("HandshakeStatus(%d)", uint8(s))
}

type phase uint8

const (
	phaseNew phase = iota
	phaseHandshaking
	phaseEstablished
	phaseFailed
	phaseClosed
)

// ErrClosed is returned from Wrap after Close.
var ErrClosed = errors.New("tlsengine: engine closed")

// HandshakeError wraps a failure during the TLS handshake.
type HandshakeError struct {
	Err error
}

func (e HandshakeError) Error() string { return "TLS handshake failed: " + e.Err.Error() }

// Unwrap returns the underlying TLS error.
func (e HandshakeError) Unwrap() error { return e.Err }

// Engine is one TLS session.
type Engine struct {
	conn   *tls.Conn
	pipe   *pipe
	notify func()

	mu    sync.Mutex
	phase phase
	plain []byte
	eof   bool
	err   error
}

// NewClient creates a client-side engine.  notify may be nil.
func NewClient(config *tls.Config, notify func()) *Engine {
	e := &Engine{notify: notify}
	e.pipe = newPipe(e.wake)
	e.conn = tls.Client(e.pipe, config)
	return e
}

// NewServer creates a server-side engine.  notify may be nil.
func NewServer(config *tls.Config, notify func()) *Engine {
	e := &Engine{notify: notify}
	e.pipe = newPipe(e.wake)
	e.conn = tls.Server(e.pipe, config)
	return e
}

func (e *Engine) wake() {
	if e.notify != nil {
		e.notify()
	}
}

// Start begins the handshake.  Calling it more than once does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.phase != phaseNew {
		e.mu.Unlock()
		return
	}
	e.phase = phaseHandshaking
	e.mu.Unlock()
	go e.run()
}

func (e *Engine) run() {
	if err := e.conn.Handshake(); err != nil {
		e.fail(HandshakeError{Err: err})
		return
	}
	e.mu.Lock()
	if e.phase == phaseHandshaking {
		e.phase = phaseEstablished
	}
	e.mu.Unlock()
	e.wake()

	buf := make([]byte, 16*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.plain = append(e.plain, buf[:n]...)
			e.mu.Unlock()
			e.wake()
		}
		if err == io.EOF {
			e.mu.Lock()
			e.eof = true
			e.mu.Unlock()
			e.wake()
			return
		}
		if err != nil {
			e.fail(err)
			return
		}
	}
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.phase == phaseClosed {
		e.mu.Unlock()
		return
	}
	e.phase = phaseFailed
	e.err = err
	e.mu.Unlock()
	e.wake()
}

// Unwrap hands ciphertext received from the network to the engine.
func (e *Engine) Unwrap(cipher []byte) {
	if len(cipher) > 0 {
		e.pipe.feed(cipher)
	}
}

// UnwrapEOF tells the engine the network stream has ended.
func (e *Engine) UnwrapEOF() {
	e.pipe.feedEOF()
}

// Read copies decrypted application data into p.  It returns (0, nil)
// if nothing is available yet, io.EOF once the peer closed the
// session, and the session error if it failed.
func (e *Engine) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		if len(e.plain) == 0 {
			e.plain = nil
		}
		return n, nil
	}
	if e.err != nil {
		return 0, e.err
	}
	if e.eof {
		return 0, io.EOF
	}
	return 0, nil
}

// Wrap encrypts p.  Before the handshake completes it accepts
// nothing and returns (0, nil).
func (e *Engine) Wrap(p []byte) (int, error) {
	e.mu.Lock()
	phase, err := e.phase, e.err
	e.mu.Unlock()
	switch phase {
	case phaseFailed:
		return 0, err
	case phaseClosed:
		return 0, ErrClosed
	case phaseEstablished:
		return e.conn.Write(p)
	}
	return 0, nil
}

// TakeOutbound moves ciphertext that must be sent to the peer into p.
func (e *Engine) TakeOutbound(p []byte) int {
	return e.pipe.take(p)
}

// PendingOutbound returns the number of ciphertext bytes waiting.
func (e *Engine) PendingOutbound() int {
	return e.pipe.pending()
}

// Established says whether the handshake has completed.
func (e *Engine) Established() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == phaseEstablished
}

// Err returns the session failure, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Status reports what the engine is waiting for.
func (e *Engine) Status() HandshakeStatus {
	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	switch phase {
	case phaseFailed:
		return Failed
	case phaseHandshaking:
		if e.pipe.pending() > 0 {
			return NeedWrap
		}
		if e.pipe.starved() {
			return NeedUnwrap
		}
		return NeedTask
	}
	return NotHandshaking
}

// ConnectionState returns the negotiated TLS parameters.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// Close ends the session.  An established session queues a
// close_notify alert, which the owner may still send.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.phase == phaseClosed {
		e.mu.Unlock()
		return nil
	}
	established := e.phase == phaseEstablished
	e.phase = phaseClosed
	e.mu.Unlock()

	var err error
	if established {
		err = e.conn.CloseWrite()
	}
	e.pipe.Close()
	return err
}
