// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeriesCaseInsensitive(t *testing.T) {
	var s Series
	s.Add("Content-Type", "text/plain")
	s.Add("Set-Cookie", "a=1")
	s.Add("set-cookie", "b=2")

	v, ok := s.First("content-type")
	assert.True(t, ok)
	assert.Equal(t, "text/plain", v)
	assert.Equal(t, []string{"a=1", "b=2"}, s.Values("SET-COOKIE"))
	assert.False(t, s.Has("Host"))

	s.Set("SET-COOKIE", "c=3")
	assert.Equal(t, []string{"c=3"}, s.Values("Set-Cookie"))
	// Set moves the header to the end
	assert.Equal(t, "Content-Type", s[0].Name)

	assert.Equal(t, 1, s.Remove("set-cookie"))
	assert.Len(t, s, 1)
}

func TestSeriesTokens(t *testing.T) {
	var s Series
	s.Add("Connection", "Keep-Alive, Upgrade")
	s.Add("Connection", " close ,")
	assert.Equal(t, []string{"keep-alive", "upgrade", "close"}, s.Tokens("connection"))
	assert.True(t, s.HasToken("Connection", "CLOSE"))
	assert.False(t, s.HasToken("Transfer-Encoding", "chunked"))
}

func TestPersistent(t *testing.T) {
	var none, closing, keepAlive Series
	closing.Add("Connection", "close")
	keepAlive.Add("Connection", "keep-alive")

	assert.True(t, Persistent(HTTP11, none))
	assert.False(t, Persistent(HTTP11, closing))
	assert.False(t, Persistent(HTTP10, none))
	assert.True(t, Persistent(HTTP10, keepAlive))
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, StatusOK.IsSuccess())
	assert.False(t, StatusNotModified.HasBody())
	assert.False(t, NewStatus(100).HasBody())
	assert.True(t, StatusNotFound.IsError())
	assert.True(t, StatusConnectorErrorCommunication.IsConnectorError())
	assert.False(t, StatusInternalError.IsConnectorError())
	assert.Equal(t, "404 Not Found", StatusNotFound.String())
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func TestResponseLifecycle(t *testing.T) {
	req := NewRequest("GET", "example.com:80", "/")
	assert.True(t, req.ExpectingResponse())

	resp := NewResponse(req)
	w := &countingWaker{}
	resp.SetWaker(w)
	resp.Commit()
	resp.Commit()
	assert.True(t, resp.Committed())
	assert.Equal(t, 1, w.n)

	resp.Fail(StatusConnectorErrorCommunication, true)
	resp.Complete()
	<-resp.Done()
	status, transmitted, failed := resp.Failure()
	assert.True(t, failed)
	assert.True(t, transmitted)
	assert.Equal(t, StatusConnectorErrorCommunication, status)

	var se StatusError
	if assert.True(t, errors.As(resp.Err(), &se)) {
		assert.Equal(t, CodeConnectorErrorCommunication, se.HTTPStatus())
	}
}

func TestResponseComplete(t *testing.T) {
	resp := NewResponse(NewRequest("GET", "h:1", "/"))
	resp.Complete()
	resp.Fail(StatusConnectorErrorInternal, false)
	<-resp.Done()
	_, _, failed := resp.Failure()
	assert.False(t, failed)
	assert.NoError(t, resp.Err())
}

func TestFailLeavesStatusToApplication(t *testing.T) {
	resp := NewResponse(NewRequest("GET", "h:1", "/"))
	resp.Status = StatusOK
	resp.Fail(StatusConnectorErrorCommunication, false)
	<-resp.Done()
	assert.Equal(t, StatusOK, resp.Status)
	status, _, failed := resp.Failure()
	assert.True(t, failed)
	assert.Equal(t, StatusConnectorErrorCommunication, status)
}
