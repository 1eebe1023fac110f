// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispatch runs ordinary net/http handlers against requests
// received by a connection controller.  A Pool of goroutines takes
// each request, converts it to an *http.Request, runs the handler
// into a buffering ResponseWriter, copies the result back into the
// message response, and commits it.
package dispatch

import (
	"bytes"
	"crypto/tls"
	"io/ioutil"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/diffeo/go-httpway/message"
)

// ToHTTP converts a received server request into an *http.Request.
func ToHTTP(req *message.Request) (*http.Request, error) {
	u, err := url.ParseRequestURI(req.Target)
	if err != nil {
		return nil, err
	}
	major, minor, ok := http.ParseHTTPVersion(req.Protocol)
	if !ok {
		major, minor = 1, 1
	}
	header := make(http.Header, len(req.Headers))
	for _, h := range req.Headers {
		header.Add(h.Name, h.Value)
	}
	var body []byte
	if req.Entity != nil {
		body = req.Entity.Data
		if req.Entity.MediaType != "" && header.Get("Content-Type") == "" {
			header.Set("Content-Type", req.Entity.MediaType)
		}
	}
	hreq := &http.Request{
		Method:        req.Method,
		URL:           u,
		Proto:         req.Protocol,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Body:          ioutil.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Host:          header.Get("Host"),
		RemoteAddr:    req.Remote,
		RequestURI:    req.Target,
		Close:         !message.Persistent(req.Protocol, req.Headers),
	}
	if u.Host != "" {
		hreq.Host = u.Host
	}
	if req.Secure {
		hreq.TLS = &tls.ConnectionState{HandshakeComplete: true}
	}
	return hreq, nil
}

// ResponseWriter buffers a handler's output.
type ResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

// NewResponseWriter creates an empty writer.
func NewResponseWriter() *ResponseWriter {
	return &ResponseWriter{header: http.Header{}}
}

// Header implements http.ResponseWriter.
func (w *ResponseWriter) Header() http.Header { return w.header }

// WriteHeader implements http.ResponseWriter.  Only the first call
// counts.
func (w *ResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

// Write implements http.ResponseWriter.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

// Status returns the status written so far, 200 if none.
func (w *ResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// framing headers are recomputed by the transport.
var framing = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Keep-Alive":        true,
}

// CopyTo fills resp from the buffered output.  Entity headers move
// into the entity; framing headers are dropped.
func (w *ResponseWriter) CopyTo(resp *message.Response) {
	resp.Status = message.NewStatus(w.Status())
	resp.Headers = nil
	var entity message.Entity
	names := make([]string, 0, len(w.header))
	for name := range w.header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := w.header[name]
		switch {
		case len(values) == 0, framing[name]:
			continue
		case name == "Content-Type":
			entity.MediaType = values[0]
			continue
		case name == "Content-Language":
			entity.Language = strings.Join(values, ", ")
			continue
		case name == "Last-Modified":
			if t, err := http.ParseTime(values[0]); err == nil {
				entity.Modified = t
				continue
			}
		}
		for _, value := range values {
			resp.Headers.Add(name, value)
		}
	}
	if w.body.Len() > 0 {
		entity.Data = w.body.Bytes()
		if entity.MediaType == "" {
			entity.MediaType = http.DetectContentType(entity.Data)
		}
	}
	if entity.Data != nil || entity.MediaType != "" {
		resp.Entity = &entity
	} else {
		resp.Entity = nil
	}
}

// Error fills resp with a plain-text error.
func Error(resp *message.Response, status int, text string) {
	resp.Status = message.NewStatus(status)
	resp.Headers = nil
	resp.Entity = &message.Entity{
		Data:      []byte(text + "\n"),
		MediaType: "text/plain; charset=utf-8",
	}
	resp.Headers.Add("X-Content-Type-Options", "nosniff")
}

// HeaderSeries converts net/http headers to a series, sorted by name
// with each name's values in order.
func HeaderSeries(h http.Header) message.Series {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var series message.Series
	for _, name := range names {
		for _, value := range h[name] {
			series.Add(name, value)
		}
	}
	return series
}
