// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package way

import "fmt"

// IoState tracks a way's relationship with the selector.
type IoState uint8

const (
	// IoIdle ways want no readiness events.
	IoIdle IoState = iota
	// IoInterest ways have asked for readiness.
	IoInterest
	// IoReady ways were reported ready and await processing.
	IoReady
	// IoProcessing ways are inside OnSelected.
	IoProcessing
)

func (s IoState) String() string {
	switch s {
	case IoIdle:
		return "idle"
	case IoInterest:
		return "interest"
	case IoReady:
		return "ready"
	case IoProcessing:
		return "processing"
	}
	return fmt.Sprintf("IoState(%d)", uint8(s))
}

// MessageState is the progress of the message a way is working on.
// Within one message it only moves forward; completion returns it to
// MsgIdle.
type MessageState uint8

const (
	MsgIdle MessageState = iota
	MsgStart
	MsgHeaders
	MsgBody
)

func (s MessageState) String() string {
	switch s {
	case MsgIdle:
		return "idle"
	case MsgStart:
		return "start"
	case MsgHeaders:
		return "headers"
	case MsgBody:
		return "body"
	}
	return fmt.Sprintf("MessageState(%d)", uint8(s))
}

// Direction says which way bytes flow.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Role says which end of the connection we are.
type Role uint8

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Kind is the static configuration of a way.  Secure is set when the
// way is opened on a TLS channel.
type Kind struct {
	Direction Direction
	Role      Role
	Secure    bool
}

func (k Kind) String() string {
	s := k.Role.String() + "-" + k.Direction.String()
	if k.Secure {
		s += "-tls"
	}
	return s
}

// Interest is a set of readiness events.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)
