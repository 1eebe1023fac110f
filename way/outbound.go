// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package way

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/diffeo/go-httpway/buffer"
	"github.com/diffeo/go-httpway/message"
)

// nextReady says whether a message is waiting to be serialized.
func (w *Way) nextReady() bool {
	if w.closeAfter {
		return false
	}
	if w.kind.Role == Client {
		return !w.queue.Empty()
	}
	resp, ok := w.owner.Peer(w).queue.Peek()
	return ok && resp.Committed()
}

func (w *Way) takeNext() *message.Response {
	var q = w.queue
	if w.kind.Role == Server {
		q = w.owner.Peer(w).queue
	}
	resp, _ := q.Pop()
	return resp
}

func (w *Way) outboundCouldFill() bool {
	switch w.msgState {
	case MsgIdle:
		return w.nextReady()
	case MsgStart, MsgHeaders:
		return w.headOff < len(w.head)
	case MsgBody:
		return !w.serialized
	}
	return false
}

func (w *Way) outboundInterest() bool {
	if w.secure != nil {
		if w.secure.Pending() {
			return true
		}
		if !w.secure.Established() {
			// Nothing can be written until the handshake ends.
			return false
		}
	}
	return w.buffer.Remaining() > 0 || w.msgState != MsgIdle || w.nextReady()
}

func (w *Way) fillOutbound(b *buffer.Buffer) (int, error) {
	total := 0
	for {
		switch w.msgState {
		case MsgIdle:
			if !w.nextReady() {
				return total, nil
			}
			w.begin(w.takeNext())

		case MsgStart, MsgHeaders:
			if w.headOff < len(w.head) {
				n := b.Fill(w.head[w.headOff:])
				w.headOff += n
				total += n
				if w.msgState == MsgStart && w.headOff >= w.startLen {
					w.setMessageState(MsgHeaders)
				}
			}
			return total, nil

		case MsgBody:
			n, done := w.enc.encode(b)
			total += n
			if done {
				w.serialized = true
			}
			return total, nil
		}
	}
}

func (w *Way) drainOutbound(b *buffer.Buffer, max int) (int, error) {
	n, err := b.DrainTo(w.channel, max)
	w.sent += n
	if err != nil {
		return n, err
	}
	if (w.msgState == MsgStart || w.msgState == MsgHeaders) &&
		w.headOff == len(w.head) && w.sent >= len(w.head) {
		w.onOutboundHeaders()
	}
	if w.msgState == MsgBody && w.serialized && b.Remaining() == 0 {
		w.completeOutbound()
	}
	return n, nil
}

// begin makes resp the current outbound message.
func (w *Way) begin(resp *message.Response) {
	w.message = resp
	w.head, w.startLen = w.renderHead(resp)
	w.headOff = 0
	w.sent = 0
	w.serialized = false
	w.setMessageState(MsgStart)
}

// onOutboundHeaders runs once the whole head is on the wire.
func (w *Way) onOutboundHeaders() {
	resp := w.message
	if w.kind.Role == Client && resp.Request.ExpectingResponse() {
		w.owner.Peer(w).expect(resp)
	}
	if w.enc.active() {
		w.setMessageState(MsgBody)
		return
	}
	w.completeOutbound()
}

func (w *Way) completeOutbound() {
	resp := w.message
	w.resetOutbound()
	if w.kind.Role == Client && !resp.Request.ExpectingResponse() {
		resp.Complete()
	}
	w.owner.Completed(w.ctx, w, resp)
	if w.kind.Role == Server {
		resp.Complete()
		if w.closeAfter {
			w.shutdown()
		}
	}
}

func (w *Way) resetOutbound() {
	w.msgState = MsgIdle
	w.message = nil
	w.head = nil
	w.headOff = 0
	w.startLen = 0
	w.serialized = false
	w.enc.reset(nil, false)
}

// renderHead serializes the start line and headers of resp, and
// primes the body encoder.  It returns the head and the length of its
// start line.
func (w *Way) renderHead(resp *message.Response) ([]byte, int) {
	var (
		buf         bytes.Buffer
		headers     message.Series
		entity      *message.Entity
		bodyAllowed = true
		lengthOK    = true
		chunkOK     bool
	)
	req := resp.Request

	if w.kind.Role == Client {
		proto := req.Protocol
		if proto == "" {
			proto = message.HTTP11
		}
		buf.WriteString(req.Method + " " + req.Target + " " + proto + "\r\n")
		headers = req.Headers.Clone()
		if !headers.Has("Host") && req.Host != "" {
			headers = append(message.Series{{Name: "Host", Value: req.Host}}, headers...)
		}
		if !w.owner.Persistent() && !headers.HasToken("Connection", "close") {
			headers.Add("Connection", "close")
		}
		if !message.Persistent(proto, headers) {
			w.closeAfter = true
		}
		entity = req.Entity
		chunkOK = proto == message.HTTP11
		lengthOK = entity != nil || req.Method == "POST" || req.Method == "PUT"
	} else {
		status := resp.Status
		if status.IsZero() {
			status = message.StatusOK
			resp.Status = status
		}
		buf.WriteString(message.HTTP11 + " " + strconv.Itoa(status.Code) + " " + status.Reason + "\r\n")
		headers = resp.Headers.Clone()
		if !headers.Has("Date") {
			headers.Add("Date", w.now().UTC().Format(http.TimeFormat))
		}
		if !message.Persistent(req.Protocol, req.Headers) || headers.HasToken("Connection", "close") {
			headers.Set("Connection", "close")
			w.closeAfter = true
		} else if req.Protocol == message.HTTP10 {
			headers.Set("Connection", "keep-alive")
		}
		entity = resp.Entity
		chunkOK = req.Protocol == message.HTTP11
		bodyAllowed = status.HasBody() && req.Method != "HEAD"
		lengthOK = status.HasBody()
	}
	startLen := buf.Len()

	var (
		data    []byte
		chunked bool
	)
	headers.Remove("Content-Length")
	headers.Remove("Transfer-Encoding")
	if entity != nil {
		if entity.MediaType != "" && !headers.Has("Content-Type") {
			headers.Add("Content-Type", entity.MediaType)
		}
		if entity.Language != "" && !headers.Has("Content-Language") {
			headers.Add("Content-Language", entity.Language)
		}
		if !entity.Modified.IsZero() && !headers.Has("Last-Modified") {
			headers.Add("Last-Modified", entity.Modified.UTC().Format(http.TimeFormat))
		}
	}
	switch {
	case entity != nil && entity.Chunked && chunkOK && lengthOK:
		headers.Add("Transfer-Encoding", "chunked")
		chunked = bodyAllowed
	case lengthOK:
		headers.Add("Content-Length", strconv.Itoa(entity.Size()))
	}
	if bodyAllowed && entity != nil {
		data = entity.Data
	}
	w.enc.reset(data, chunked)

	for _, h := range headers {
		buf.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), startLen
}
