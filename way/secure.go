// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package way

import (
	"io"

	"github.com/diffeo/go-httpway/tlsengine"
)

// SecureChannel layers a TLS engine over a raw channel.  Both ways of
// a connection share one SecureChannel: the inbound way reads
// plaintext from it and the outbound way writes plaintext to it.
// Handshake records are flushed by whichever way runs next.
type SecureChannel struct {
	raw    Channel
	engine *tlsengine.Engine

	readBuf []byte
	outBuf  []byte
	out     []byte
	rawEOF  bool
}

// NewSecureChannel wraps raw with engine.  The caller starts the
// engine.
func NewSecureChannel(raw Channel, engine *tlsengine.Engine) *SecureChannel {
	return &SecureChannel{
		raw:     raw,
		engine:  engine,
		readBuf: make([]byte, 16*1024),
		outBuf:  make([]byte, 16*1024),
	}
}

// Engine returns the underlying TLS engine.
func (s *SecureChannel) Engine() *tlsengine.Engine { return s.engine }

// Read pulls available ciphertext from the network into the engine
// and returns whatever plaintext the engine has ready.
func (s *SecureChannel) Read(p []byte) (int, error) {
	if !s.rawEOF {
		n, err := s.raw.Read(s.readBuf)
		if n > 0 {
			s.engine.Unwrap(s.readBuf[:n])
		}
		if err == io.EOF {
			s.rawEOF = true
			s.engine.UnwrapEOF()
		} else if err != nil {
			return 0, err
		}
	}
	if err := s.flush(); err != nil {
		return 0, err
	}
	return s.engine.Read(p)
}

// Write encrypts p.  It accepts nothing while earlier ciphertext is
// still waiting for the network, or before the handshake finishes.
func (s *SecureChannel) Write(p []byte) (int, error) {
	if err := s.flush(); err != nil {
		return 0, err
	}
	if s.Pending() {
		return 0, nil
	}
	n, err := s.engine.Wrap(p)
	if err != nil {
		return n, err
	}
	return n, s.flush()
}

// flush writes engine ciphertext to the network until it would block.
func (s *SecureChannel) flush() error {
	for {
		if len(s.out) == 0 {
			n := s.engine.TakeOutbound(s.outBuf)
			if n == 0 {
				return nil
			}
			s.out = s.outBuf[:n]
		}
		n, err := s.raw.Write(s.out)
		s.out = s.out[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// PostProcess flushes handshake records and reports a failed session.
func (s *SecureChannel) PostProcess() error {
	if err := s.flush(); err != nil {
		return err
	}
	return s.engine.Err()
}

// Pending says whether ciphertext is waiting to be written.
func (s *SecureChannel) Pending() bool {
	return len(s.out) > 0 || s.engine.PendingOutbound() > 0
}

// NeedsUnwrap says whether the handshake is blocked on peer bytes.
func (s *SecureChannel) NeedsUnwrap() bool {
	return s.engine.Status() == tlsengine.NeedUnwrap
}

// Established says whether application data can flow.
func (s *SecureChannel) Established() bool {
	return s.engine.Established()
}

// Close ends the TLS session and makes a best effort to send its
// close_notify alert.
func (s *SecureChannel) Close() error {
	err := s.engine.Close()
	s.flush()
	return err
}
