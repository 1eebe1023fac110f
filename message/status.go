// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package message

import (
	"fmt"
	"net/http"
	"strconv"
)

// Status is a response status: an HTTP status code with its reason
// phrase, or one of the connector pseudo-codes in the 1000 range that
// describe local transport failures.
type Status struct {
	Code   int
	Reason string
}

// Connector pseudo-codes.  These never appear on the wire.
const (
	CodeConnectorErrorConnection    = 1000
	CodeConnectorErrorCommunication = 1001
	CodeConnectorErrorInternal      = 1002
)

var (
	StatusOK                 = NewStatus(http.StatusOK)
	StatusNoContent          = NewStatus(http.StatusNoContent)
	StatusNotModified        = NewStatus(http.StatusNotModified)
	StatusBadRequest         = NewStatus(http.StatusBadRequest)
	StatusNotFound           = NewStatus(http.StatusNotFound)
	StatusNotAcceptable      = NewStatus(http.StatusNotAcceptable)
	StatusInternalError      = NewStatus(http.StatusInternalServerError)
	StatusServiceUnavailable = NewStatus(http.StatusServiceUnavailable)

	// StatusConnectorErrorConnection means no connection could be
	// established.  Nothing was sent.
	StatusConnectorErrorConnection = Status{
		Code:   CodeConnectorErrorConnection,
		Reason: "Connection error",
	}

	// StatusConnectorErrorCommunication means the connection failed
	// or timed out while a message was queued or in flight.
	StatusConnectorErrorCommunication = Status{
		Code:   CodeConnectorErrorCommunication,
		Reason: "Communication error",
	}

	// StatusConnectorErrorInternal means the connector itself hit
	// an unexpected fault.
	StatusConnectorErrorInternal = Status{
		Code:   CodeConnectorErrorInternal,
		Reason: "Internal connector error",
	}
)

// NewStatus builds a status with the standard reason phrase for code.
func NewStatus(code int) Status {
	return Status{Code: code, Reason: http.StatusText(code)}
}

// IsZero says whether no status has been set.
func (s Status) IsZero() bool { return s.Code == 0 }

// IsInformational says whether this is a 1xx status.
func (s Status) IsInformational() bool { return s.Code >= 100 && s.Code < 200 }

// IsSuccess says whether this is a 2xx status.
func (s Status) IsSuccess() bool { return s.Code >= 200 && s.Code < 300 }

// IsError says whether this is a 4xx, 5xx, or connector status.
func (s Status) IsError() bool { return s.Code >= 400 }

// IsConnectorError says whether this is a local connector pseudo-code.
func (s Status) IsConnectorError() bool { return s.Code >= 1000 && s.Code < 1100 }

// HasBody says whether a response with this status may carry an
// entity (RFC 7230 section 3.3.3).
func (s Status) HasBody() bool {
	return !s.IsInformational() && s.Code != http.StatusNoContent && s.Code != http.StatusNotModified
}

func (s Status) String() string {
	if s.Reason == "" {
		return strconv.Itoa(s.Code)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Reason)
}

// StatusError is an error that corresponds to a specific status.
type StatusError struct {
	Status Status
	Err    error
}

func (e StatusError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%v: %v", e.Status, e.Err)
}

// Unwrap returns the underlying error, if any.
func (e StatusError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for this error.
func (e StatusError) HTTPStatus() int { return e.Status.Code }
