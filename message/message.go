// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package message defines the requests and responses carried by the
// transport: start-line fields, an ordered header series, and an
// optional entity.  A Response always knows its Request, and is the
// unit that ways queue, transmit, complete, and fail.
package message

import (
	"sync"
	"sync/atomic"
	"time"
)

// Protocol versions understood by the transport.
const (
	HTTP10 = "HTTP/1.0"
	HTTP11 = "HTTP/1.1"
)

// Entity is the body of a message.
type Entity struct {
	// Data holds the complete body.
	Data []byte

	// MediaType is the Content-Type value, if known.
	MediaType string

	// Language is the Content-Language value, if known.
	Language string

	// Modified is the Last-Modified date, if known.
	Modified time.Time

	// Chunked asks the outbound side to use chunked
	// transfer-coding instead of Content-Length.
	Chunked bool
}

// Size returns the number of body bytes.
func (e *Entity) Size() int {
	if e == nil {
		return 0
	}
	return len(e.Data)
}

// Request is an HTTP request.
type Request struct {
	Method   string
	Target   string
	Protocol string
	Headers  Series
	Entity   *Entity

	// Host is the authority (host:port) a client request is sent
	// to.  Server-side requests leave it empty.
	Host string

	// Secure asks for (client) or reports (server) TLS.
	Secure bool

	// Remote is the peer address of a server-side request.
	Remote string

	// OneWay marks a client request for which no response is
	// expected.
	OneWay bool
}

// NewRequest creates an HTTP/1.1 request.
func NewRequest(method, host, target string) *Request {
	return &Request{
		Method:   method,
		Target:   target,
		Protocol: HTTP11,
		Host:     host,
	}
}

// ExpectingResponse says whether a response will be read for this
// request.
func (r *Request) ExpectingResponse() bool { return !r.OneWay }

// Waker is notified when a response becomes ready to send.
type Waker interface {
	Wake()
}

// Response is an HTTP response, paired with the request that
// produced it.  It doubles as the handle through which a client waits
// for completion and a server commits its answer.
type Response struct {
	Request  *Request
	Status   Status
	Protocol string
	Headers  Series
	Entity   *Entity

	waker     Waker
	committed atomic.Bool

	once        sync.Once
	done        chan struct{}
	failure     Status
	transmitted bool
}

// NewResponse creates a pending response for req.
func NewResponse(req *Request) *Response {
	return &Response{
		Request:  req,
		Protocol: HTTP11,
		done:     make(chan struct{}),
	}
}

// SetWaker attaches the connection that will send this response.
func (r *Response) SetWaker(w Waker) { r.waker = w }

// Commit marks a server response as ready to be written and wakes the
// owning connection.  Safe from any goroutine.
func (r *Response) Commit() {
	if r.committed.Swap(true) {
		return
	}
	if r.waker != nil {
		r.waker.Wake()
	}
}

// Committed says whether Commit has been called.
func (r *Response) Committed() bool { return r.committed.Load() }

// Done is closed once the response has completed or failed.
func (r *Response) Done() <-chan struct{} { return r.done }

// Complete marks the response as successfully finished.  Later calls
// to Complete or Fail are ignored.
func (r *Response) Complete() {
	r.once.Do(func() { close(r.done) })
}

// Fail marks the response as failed with status.  transmitted says
// whether any part of the request had already reached the wire, in
// which case it is not safe to retry blindly.  The exported fields are
// left alone: on a server the application may still be filling them
// in from another goroutine.
func (r *Response) Fail(status Status, transmitted bool) {
	r.once.Do(func() {
		r.failure = status
		r.transmitted = transmitted
		close(r.done)
	})
}

// Failure returns the failure status and whether the request was
// (partially) transmitted.  ok is false if the response did not fail.
// Only meaningful after Done is closed.
func (r *Response) Failure() (status Status, transmitted bool, ok bool) {
	return r.failure, r.transmitted, !r.failure.IsZero()
}

// Err converts a failure into an error, or returns nil.
func (r *Response) Err() error {
	if r.failure.IsZero() {
		return nil
	}
	return StatusError{Status: r.failure}
}

// Persistent reports whether a message with this protocol version and
// these headers allows the connection to be reused (RFC 7230 section
// 6.3).
func Persistent(protocol string, headers Series) bool {
	if headers.HasToken("Connection", "close") {
		return false
	}
	if protocol == HTTP10 {
		return headers.HasToken("Connection", "keep-alive")
	}
	return true
}
