// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package connection pairs inbound and outbound ways into
// connections and multiplexes them over a selector.  The Controller
// runs the selector loop on a single goroutine; applications talk to
// it through Send (client requests) and Next (server requests), and
// answer server requests by committing the response.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/diffeo/go-httpway/buffer"
	"github.com/diffeo/go-httpway/message"
	"github.com/diffeo/go-httpway/tlsengine"
	"github.com/diffeo/go-httpway/way"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of a connection.
type State uint8

const (
	Opening State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Connection is one socket with its two ways.
type Connection struct {
	controller *Controller

	id         string
	fd         int
	role       way.Role
	remote     string
	host       string
	state      State
	persistent bool

	inbound   *way.Way
	outbound  *way.Way
	secure    *way.SecureChannel
	tlsConfig *tls.Config

	log          *logrus.Entry
	lastActivity time.Time
	registered   way.Interest
	waking       atomic.Bool
}

func newConnection(ctrl *Controller) *Connection {
	c := &Connection{controller: ctrl, fd: -1}
	size, max := ctrl.cfg.BufferSize, ctrl.cfg.MaxBufferSize
	c.inbound = way.New(way.Kind{Direction: way.Inbound}, c, buffer.New(size, max), ctrl.cfg.Limits)
	c.outbound = way.New(way.Kind{Direction: way.Outbound}, c, buffer.New(size, max), ctrl.cfg.Limits)
	return c
}

// reset prepares a pooled connection for a new socket.  Ways are
// recreated only if the role changed.
func (c *Connection) reset(fd int, role way.Role, remote, host string, now time.Time) {
	if c.inbound.Kind().Role != role {
		ctrl := c.controller
		size, max := ctrl.cfg.BufferSize, ctrl.cfg.MaxBufferSize
		c.inbound = way.New(way.Kind{Direction: way.Inbound, Role: role}, c, buffer.New(size, max), ctrl.cfg.Limits)
		c.outbound = way.New(way.Kind{Direction: way.Outbound, Role: role}, c, buffer.New(size, max), ctrl.cfg.Limits)
	}
	c.id = uuid.NewV4().String()
	c.fd = fd
	c.role = role
	c.remote = remote
	c.host = host
	c.state = Opening
	c.persistent = c.controller.cfg.Persistent || role == way.Server
	c.secure = nil
	c.tlsConfig = nil
	c.lastActivity = now
	c.registered = 0
	c.waking.Store(false)
	c.log = c.controller.log.WithFields(logrus.Fields{
		"conn":   c.id,
		"role":   role.String(),
		"remote": remote,
	})
}

// clear returns the connection to its pooled state.
func (c *Connection) clear() {
	c.inbound.Clear()
	c.outbound.Clear()
	c.fd = -1
	c.secure = nil
	c.tlsConfig = nil
	c.host = ""
	c.remote = ""
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Connection) State() State { return c.state }

// Reusable says whether a client connection can take another request.
func (c *Connection) Reusable() bool {
	return c.persistent && (c.state == Opening || c.state == Open)
}

// LoadScore is the number of messages queued or in flight.
func (c *Connection) LoadScore() int {
	return c.inbound.LoadScore() + c.outbound.LoadScore()
}

// Peer implements way.Owner.
func (c *Connection) Peer(w *way.Way) *way.Way {
	if w == c.inbound {
		return c.outbound
	}
	return c.inbound
}

// Remote implements way.Owner.
func (c *Connection) Remote() string { return c.remote }

// Persistent implements way.Owner.
func (c *Connection) Persistent() bool { return c.persistent }

// SetPersistent implements way.Owner.
func (c *Connection) SetPersistent(persistent bool) { c.persistent = persistent }

// Completed implements way.Owner.
func (c *Connection) Completed(ctx *way.Context, w *way.Way, resp *message.Response) {
	c.controller.metrics.completed(w)
	if c.controller.cfg.RequestLog != nil {
		req := resp.Request
		c.controller.cfg.RequestLog.WithFields(logrus.Fields{
			"conn":   c.id,
			"way":    w.Kind().String(),
			"method": req.Method,
			"target": req.Target,
			"status": resp.Status.Code,
		}).Debug("message completed")
	}
	// Once delivered the response belongs to the application.
	if w.Kind().Role == way.Server && w.Kind().Direction == way.Inbound {
		resp.SetWaker(c)
		c.controller.deliver(resp)
	}
}

// Failed implements way.Owner.
func (c *Connection) Failed(ctx *way.Context, w *way.Way, resp *message.Response, status message.Status, transmitted bool) {
	c.controller.metrics.failed(w, status)
	ctx.Log.WithFields(logrus.Fields{
		"way":         w.Kind().String(),
		"status":      status.Code,
		"transmitted": transmitted,
		"target":      resp.Request.Target,
	}).Debug("message failed")
}

// Shutdown implements way.Owner.
func (c *Connection) Shutdown(ctx *way.Context) {
	if c.state == Opening || c.state == Open {
		c.state = Closing
	}
}

// Wake asks the controller to run this connection again.  Safe from
// any goroutine.
func (c *Connection) Wake() {
	if !c.waking.Swap(true) {
		c.controller.wake(c)
	}
}

// open attaches the ways to the socket, layering TLS if config is set.
func (c *Connection) open(ctx *way.Context, config *tls.Config) {
	var ch way.Channel = fdChannel{fd: c.fd}
	if config != nil {
		var engine *tlsengine.Engine
		if c.role == way.Client {
			engine = tlsengine.NewClient(config, c.Wake)
		} else {
			engine = tlsengine.NewServer(config, c.Wake)
		}
		c.secure = way.NewSecureChannel(ch, engine)
		ch = c.secure
		engine.Start()
	}
	c.inbound.Open(ch)
	c.outbound.Open(ch)
	c.state = Open
	ctx.Log.Debug("connection open")
}

// interest is the union of both ways' interests.
func (c *Connection) interest() way.Interest {
	if c.state == Opening {
		return way.Write
	}
	return c.inbound.Interest() | c.outbound.Interest()
}

var errPanic = errors.New("panic in connection processing")

// OnSelected runs both ways after a readiness event or wakeup.  Faults
// never escape: errors and panics fail the connection's messages and
// close it.
func (c *Connection) OnSelected(ctx *way.Context, ready way.Interest) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.WithField("panic", r).Error("connection processing panicked")
			c.fault(ctx, errPanic, message.StatusConnectorErrorInternal)
		}
	}()

	c.lastActivity = ctx.Now
	if c.state == Opening {
		if ready&way.Write == 0 {
			return
		}
		if err := connectResult(c.fd); err != nil {
			c.fault(ctx, err, message.StatusConnectorErrorConnection)
			return
		}
		c.open(ctx, c.tlsConfig)
	}
	if c.state != Open {
		return
	}

	if ready&way.Read != 0 {
		c.inbound.OnReady()
	}
	if ready&way.Write != 0 {
		c.outbound.OnReady()
	}
	err := c.inbound.OnSelected(ctx)
	if err == nil {
		err = c.outbound.OnSelected(ctx)
	}
	if err == nil && c.inbound.Pending() {
		err = c.inbound.OnSelected(ctx)
	}
	if err == nil && c.outbound.Pending() {
		err = c.outbound.OnSelected(ctx)
	}
	if err != nil {
		c.fault(ctx, err, message.StatusConnectorErrorCommunication)
		return
	}
	if c.state == Closing {
		c.close(ctx)
	}
}

// fault fails everything on the connection and closes it.
func (c *Connection) fault(ctx *way.Context, err error, status message.Status) {
	var perr way.ParseError
	if errors.As(err, &perr) {
		ctx.Log.WithError(err).Info("malformed message from peer")
	} else {
		ctx.Log.WithError(err).Warn("connection failed")
	}
	c.inbound.OnError(ctx, status)
	c.outbound.OnError(ctx, status)
	c.close(ctx)
}

// OnTimeOut fails the queued messages and closes the connection,
// which in turn fails the current ones.
func (c *Connection) OnTimeOut(ctx *way.Context) {
	ctx.Log.Debug("connection idle, closing")
	c.controller.metrics.Timeouts.Inc()
	c.inbound.OnTimeOut(ctx)
	c.outbound.OnTimeOut(ctx)
	c.close(ctx)
}

// close tears down the socket.  The connection is Closed once both
// ways have reported closed.
func (c *Connection) close(ctx *way.Context) {
	if c.state == Closed {
		return
	}
	c.state = Closing
	if c.secure != nil {
		c.secure.Close()
	}
	c.controller.forget(c)
	if err := closeFD(c.fd); err != nil {
		ctx.Log.WithError(err).Debug("close failed")
	}
	c.inbound.OnClosed(ctx)
	c.outbound.OnClosed(ctx)
	if c.inbound.Closed() && c.outbound.Closed() {
		c.state = Closed
		ctx.Log.Debug("connection closed")
		c.controller.release(c)
	}
}
