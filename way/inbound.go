// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package way

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/diffeo/go-httpway/buffer"
	"github.com/diffeo/go-httpway/message"
)

// ParseError describes malformed input from the peer.
type ParseError struct {
	What string
	Line string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("malformed %s: %q", e.What, e.Line)
}

func (w *Way) inboundCouldDrain() bool {
	if w.kind.Role == Client {
		return w.msgState != MsgIdle
	}
	return w.msgState != MsgIdle || !w.closeAfter
}

func (w *Way) inboundInterest() bool {
	if w.eof {
		return false
	}
	if w.secure != nil && w.secure.NeedsUnwrap() {
		return true
	}
	if !w.buffer.CanGrow() {
		return false
	}
	if w.kind.Role == Server && w.closeAfter && w.msgState == MsgIdle {
		return false
	}
	return true
}

func (w *Way) fillInbound(b *buffer.Buffer) (int, error) {
	n, err := b.FillFrom(w.channel)
	if err == buffer.ErrFull {
		return 0, nil
	}
	return n, err
}

func (w *Way) drainInbound(b *buffer.Buffer) (int, error) {
	before := b.Remaining()
	for b.Remaining() > 0 && !w.closed && !w.stopped {
		progressed, err := w.parseStep(b)
		if err != nil {
			return before - b.Remaining(), err
		}
		if !progressed {
			break
		}
	}
	return before - b.Remaining(), nil
}

func (w *Way) parseStep(b *buffer.Buffer) (bool, error) {
	switch w.msgState {
	case MsgIdle:
		if w.kind.Role == Client || w.closeAfter {
			return false, nil
		}
		w.beginRequest()
		return true, nil

	case MsgStart:
		line, ok, err := w.lines.read(b)
		if err != nil || !ok {
			return false, err
		}
		if line == "" {
			// Tolerate blank lines ahead of a start line.
			return true, nil
		}
		if w.kind.Role == Server {
			err = w.parseRequestLine(line)
		} else {
			err = w.parseStatusLine(line)
		}
		if err != nil {
			return false, err
		}
		w.setMessageState(MsgHeaders)
		return true, nil

	case MsgHeaders:
		line, ok, err := w.lines.read(b)
		if err != nil || !ok {
			return false, err
		}
		if line == "" {
			return true, w.onInboundHeaders()
		}
		return true, w.parseHeader(line)

	case MsgBody:
		before := b.Remaining()
		done, err := w.dec.decode(b, &w.body)
		if err != nil {
			return false, err
		}
		if done {
			w.completeInbound(false)
			return true, nil
		}
		return b.Remaining() < before, nil
	}
	return false, nil
}

// beginRequest starts a new server request.
func (w *Way) beginRequest() {
	req := &message.Request{
		Remote: w.owner.Remote(),
		Secure: w.secure != nil,
	}
	resp := message.NewResponse(req)
	w.message = resp
	w.setMessageState(MsgStart)
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// parseRequestLine reads "METHOD SP target SP HTTP/x.y".  Runs of
// spaces or tabs count as one separator.
func (w *Way) parseRequestLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return ParseError{What: "request line", Line: line}
	}
	method, target, proto := fields[0], fields[1], fields[2]
	if !validToken(method) || !strings.HasPrefix(proto, "HTTP/") {
		return ParseError{What: "request line", Line: line}
	}
	req := w.message.Request
	req.Method = method
	req.Target = target
	req.Protocol = proto
	// Responses go out in the order requests arrive.
	w.queue.Push(w.message)
	return nil
}

// parseStatusLine reads "HTTP/x.y SP code SP reason".  The reason may
// be empty but the space before it may not.
func (w *Way) parseStatusLine(line string) error {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 || !strings.HasPrefix(line[:sp], "HTTP/") {
		return ParseError{What: "status line", Line: line}
	}
	proto, rest := line[:sp], line[sp+1:]
	sp = strings.IndexByte(rest, ' ')
	if sp != 3 {
		return ParseError{What: "status line", Line: line}
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil || code < 100 {
		return ParseError{What: "status code", Line: line}
	}
	resp := w.message
	resp.Protocol = proto
	resp.Status = message.Status{Code: code, Reason: rest[4:]}
	return nil
}

// parseHeader reads "name: value".  Obsolete line folding is refused.
func (w *Way) parseHeader(line string) error {
	if len(w.headers) >= w.limits.MaxHeaders {
		return ErrTooManyHeaders
	}
	if line[0] == ' ' || line[0] == '\t' {
		return ParseError{What: "folded header", Line: line}
	}
	colon := strings.IndexByte(line, ':')
	if colon <= 0 || !validToken(line[:colon]) {
		return ParseError{What: "header", Line: line}
	}
	w.headers.Add(line[:colon], strings.Trim(line[colon+1:], " \t"))
	return nil
}

func (w *Way) onInboundHeaders() error {
	headers := w.headers
	w.headers = nil

	var (
		fr     framing
		length int64
		err    error
	)
	if w.kind.Role == Server {
		req := w.message.Request
		req.Headers = headers
		if !message.Persistent(req.Protocol, headers) {
			w.closeAfter = true
			w.owner.SetPersistent(false)
		}
		fr, length, err = requestFraming(headers)
	} else {
		resp := w.message
		if resp.Status.IsInformational() && resp.Status.Code != http.StatusSwitchingProtocols {
			// Interim response; the final one follows.
			w.log().WithField("status", resp.Status.Code).Debug("skipping interim response")
			resp.Status = message.Status{}
			resp.Protocol = ""
			w.msgState = MsgIdle
			w.setMessageState(MsgStart)
			return nil
		}
		resp.Headers = headers
		if !message.Persistent(resp.Protocol, headers) || resp.Status.Code == http.StatusSwitchingProtocols {
			w.closeAfter = true
			w.owner.SetPersistent(false)
		}
		fr, length, err = responseFraming(resp.Request.Method, resp.Status, headers)
	}
	if err != nil {
		return err
	}
	if fr == framingLength && length > int64(w.limits.MaxBody) {
		return ErrBodyTooLarge
	}
	if fr == framingNone || (fr == framingLength && length == 0) {
		w.completeInbound(false)
		return nil
	}
	w.dec.reset(fr, length, w.limits)
	w.setMessageState(MsgBody)
	return nil
}

// entityFrom builds the entity of a parsed message.
func entityFrom(h message.Series, data []byte) *message.Entity {
	mediaType, hasType := h.First("Content-Type")
	if len(data) == 0 && !hasType {
		return nil
	}
	e := &message.Entity{
		Data:      data,
		MediaType: mediaType,
		Language:  h.Get("Content-Language"),
		Chunked:   h.HasToken("Transfer-Encoding", "chunked"),
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			e.Modified = t
		}
	}
	return e
}

// completeInbound finishes the current message.  endDetected means
// the body ran to the end of the stream.
func (w *Way) completeInbound(endDetected bool) {
	resp := w.message
	if w.kind.Role == Server {
		resp.Request.Entity = entityFrom(resp.Request.Headers, w.body)
	} else {
		resp.Entity = entityFrom(resp.Headers, w.body)
	}
	w.resetInbound()

	if w.kind.Role == Server {
		w.owner.Completed(w.ctx, w, resp)
		return
	}
	resp.Complete()
	w.owner.Completed(w.ctx, w, resp)
	if endDetected || w.closeAfter || !w.owner.Persistent() {
		w.shutdown()
		return
	}
	w.startNext()
}

// expect registers a request whose head has been sent; its response
// will be parsed after any already expected.
func (w *Way) expect(resp *message.Response) {
	w.queue.Push(resp)
	if w.msgState == MsgIdle && !w.closed && !w.stopped {
		w.startNext()
	}
}

func (w *Way) startNext() {
	resp, ok := w.queue.Pop()
	if !ok {
		return
	}
	w.message = resp
	w.setMessageState(MsgStart)
}

func (w *Way) resetInbound() {
	w.msgState = MsgIdle
	w.message = nil
	w.headers = nil
	w.body = nil
	w.lines.reset()
	w.dec.reset(framingNone, 0, w.limits)
}
