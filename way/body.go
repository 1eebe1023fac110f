// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package way

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/diffeo/go-httpway/buffer"
	"github.com/diffeo/go-httpway/message"
)

// lineReader accumulates one CRLF- (or bare LF-) terminated line,
// possibly across several buffer fills.
type lineReader struct {
	buf []byte
	max int
}

// read consumes bytes from b up to and including the next newline.
// It returns the line without its terminator and true once a whole
// line has been seen.
func (l *lineReader) read(b *buffer.Buffer) (string, bool, error) {
	data := b.Bytes()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(l.buf)+len(data) > l.max {
			return "", false, ErrLineTooLong
		}
		l.buf = append(l.buf, data...)
		b.Skip(len(data))
		return "", false, nil
	}
	if len(l.buf)+i > l.max+1 {
		return "", false, ErrLineTooLong
	}
	l.buf = append(l.buf, data[:i]...)
	b.Skip(i + 1)
	line := l.buf
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	s := string(line)
	l.buf = l.buf[:0]
	return s, true, nil
}

func (l *lineReader) empty() bool { return len(l.buf) == 0 }

func (l *lineReader) reset() { l.buf = l.buf[:0] }

// framing is how the end of a body is found.
type framing uint8

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingClose
)

func contentLength(h message.Series) (int64, bool, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range values {
		m, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || m < 0 || (n >= 0 && m != n) {
			return 0, false, ParseError{What: "Content-Length", Line: v}
		}
		n = m
	}
	return n, true, nil
}

// requestFraming applies RFC 7230 section 3.3.3 to a request.
func requestFraming(h message.Series) (framing, int64, error) {
	if te := h.Tokens("Transfer-Encoding"); len(te) > 0 {
		if te[len(te)-1] != "chunked" {
			return framingNone, 0, ParseError{What: "Transfer-Encoding", Line: h.Get("Transfer-Encoding")}
		}
		return framingChunked, 0, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return framingNone, 0, err
	}
	if ok {
		return framingLength, n, nil
	}
	return framingNone, 0, nil
}

// responseFraming applies RFC 7230 section 3.3.3 to a response.
func responseFraming(method string, status message.Status, h message.Series) (framing, int64, error) {
	if method == "HEAD" || !status.HasBody() {
		return framingNone, 0, nil
	}
	if te := h.Tokens("Transfer-Encoding"); len(te) > 0 {
		if te[len(te)-1] == "chunked" {
			return framingChunked, 0, nil
		}
		return framingClose, 0, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return framingNone, 0, err
	}
	if ok {
		return framingLength, n, nil
	}
	return framingClose, 0, nil
}

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// decoder extracts a body from the inbound buffer.
type decoder struct {
	framing   framing
	remaining int64
	chunk     chunkState
	lines     lineReader
	max       int
}

func (d *decoder) reset(fr framing, length int64, limits Limits) {
	d.framing = fr
	d.remaining = length
	d.chunk = chunkSize
	d.lines.max = limits.MaxLine
	d.lines.reset()
	d.max = limits.MaxBody
}

func (d *decoder) take(b *buffer.Buffer, body *[]byte, n int) error {
	if len(*body)+n > d.max {
		return ErrBodyTooLarge
	}
	*body = append(*body, b.Bytes()[:n]...)
	b.Skip(n)
	return nil
}

// decode consumes body bytes from b into body.  It returns true once
// the body is complete; bytes after the end of the body stay in b.  A
// close-delimited body is never complete here.
func (d *decoder) decode(b *buffer.Buffer, body *[]byte) (bool, error) {
	switch d.framing {
	case framingNone:
		return true, nil
	case framingLength:
		n := b.Remaining()
		if int64(n) > d.remaining {
			n = int(d.remaining)
		}
		if err := d.take(b, body, n); err != nil {
			return false, err
		}
		d.remaining -= int64(n)
		return d.remaining == 0, nil
	case framingClose:
		return false, d.take(b, body, b.Remaining())
	}

	for b.Remaining() > 0 {
		switch d.chunk {
		case chunkSize:
			line, ok, err := d.lines.read(b)
			if err != nil || !ok {
				return false, err
			}
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return false, ParseError{What: "chunk size", Line: line}
			}
			if size == 0 {
				d.chunk = chunkTrailer
			} else {
				d.remaining = size
				d.chunk = chunkData
			}
		case chunkData:
			n := b.Remaining()
			if int64(n) > d.remaining {
				n = int(d.remaining)
			}
			if err := d.take(b, body, n); err != nil {
				return false, err
			}
			d.remaining -= int64(n)
			if d.remaining == 0 {
				d.chunk = chunkDataEnd
			}
		case chunkDataEnd:
			line, ok, err := d.lines.read(b)
			if err != nil || !ok {
				return false, err
			}
			if line != "" {
				return false, ParseError{What: "chunk terminator", Line: line}
			}
			d.chunk = chunkSize
		case chunkTrailer:
			line, ok, err := d.lines.read(b)
			if err != nil || !ok {
				return false, err
			}
			if line == "" {
				return true, nil
			}
		}
	}
	return false, nil
}

// chunkLimit is the most body bytes written per chunk.
const chunkLimit = 8192

// encoder serializes a body into the outbound buffer.
type encoder struct {
	data    []byte
	off     int
	chunked bool
	pending []byte
	last    bool
}

func (e *encoder) reset(data []byte, chunked bool) {
	e.data = data
	e.off = 0
	e.chunked = chunked
	e.pending = nil
	e.last = false
}

// active says whether there is a body to write at all.
func (e *encoder) active() bool {
	return e.chunked || len(e.data) > 0
}

// encode copies as much of the body as fits into b, returning the
// bytes added and whether the body is fully serialized.
func (e *encoder) encode(b *buffer.Buffer) (int, bool) {
	total := 0
	for {
		if len(e.pending) > 0 {
			n := b.Fill(e.pending)
			total += n
			e.pending = e.pending[n:]
			if len(e.pending) > 0 {
				return total, false
			}
		}
		if !e.chunked {
			if e.off < len(e.data) {
				n := b.Fill(e.data[e.off:])
				total += n
				e.off += n
				if e.off < len(e.data) {
					return total, false
				}
			}
			return total, true
		}
		if e.off < len(e.data) {
			end := e.off + chunkLimit
			if end > len(e.data) {
				end = len(e.data)
			}
			chunk := e.data[e.off:end]
			e.off = end
			e.pending = append([]byte(strconv.FormatInt(int64(len(chunk)), 16)+"\r\n"), chunk...)
			e.pending = append(e.pending, '\r', '\n')
			continue
		}
		if !e.last {
			e.last = true
			e.pending = []byte("0\r\n\r\n")
			continue
		}
		return total, true
	}
}
