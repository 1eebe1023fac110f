// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package way implements one direction of an HTTP/1.x connection.  A
// connection owns two ways, inbound and outbound, each with its own
// buffer, message state machine, and queue of responses.  Ways run
// only on the selector goroutine; the one exception is Enqueue on a
// client outbound way, which any goroutine may call.
//
// The four kinds of way differ in what they do with a message:
//
//	client outbound  serializes requests taken from its own queue
//	client inbound   parses responses for requests already sent
//	server inbound   parses requests and hands them to the application
//	server outbound  serializes committed responses, in request order
//
// A client outbound way hands each request to the inbound way as soon
// as its head has reached the wire, so responses are always matched to
// requests in the order the requests were sent.
package way

import (
	"errors"
	"io"
	"time"

	"github.com/diffeo/go-httpway/buffer"
	"github.com/diffeo/go-httpway/message"
	"github.com/diffeo/go-httpway/queue"
	"github.com/sirupsen/logrus"
)

// Channel is a non-blocking byte stream.  Read returns (0, nil) when
// nothing is available and io.EOF at end of stream; Write returns
// (0, nil) when it cannot accept bytes right now.
type Channel interface {
	io.Reader
	io.Writer
}

// Owner is the connection a way belongs to.
type Owner interface {
	// Peer returns the other way of the same connection.
	Peer(w *Way) *Way

	// Remote returns the peer's address, for server requests.
	Remote() string

	// Persistent says whether the connection may carry further
	// messages.
	Persistent() bool

	// SetPersistent records that the connection must (not) be
	// reused.
	SetPersistent(persistent bool)

	// Completed observes a message that w has finished with.  For
	// a server inbound way this is the point where the request
	// goes to the application.
	Completed(ctx *Context, w *Way, resp *message.Response)

	// Failed observes a message that w has failed.
	Failed(ctx *Context, w *Way, resp *message.Response, status message.Status, transmitted bool)

	// Shutdown asks the connection to close once the current
	// callback returns.
	Shutdown(ctx *Context)
}

// Context carries per-callback state from the selector loop.
type Context struct {
	Log *logrus.Entry
	Now time.Time
}

// NewContext creates a callback context.  A nil log uses the standard
// logger.
func NewContext(log *logrus.Entry, now time.Time) *Context {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Context{Log: log, Now: now}
}

// Limits bound what an inbound way will accept.
type Limits struct {
	// MaxLine is the longest start line or header line.
	MaxLine int

	// MaxHeaders is the most header lines in one message.
	MaxHeaders int

	// MaxBody is the largest entity.
	MaxBody int
}

// DefaultLimits are used for any zero field.
var DefaultLimits = Limits{
	MaxLine:    8192,
	MaxHeaders: 100,
	MaxBody:    16 << 20,
}

func (l Limits) withDefaults() Limits {
	if l.MaxLine <= 0 {
		l.MaxLine = DefaultLimits.MaxLine
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = DefaultLimits.MaxHeaders
	}
	if l.MaxBody <= 0 {
		l.MaxBody = DefaultLimits.MaxBody
	}
	return l
}

var (
	// ErrLineTooLong means a start or header line exceeded MaxLine.
	ErrLineTooLong = errors.New("line too long")

	// ErrTooManyHeaders means a message exceeded MaxHeaders.
	ErrTooManyHeaders = errors.New("too many header lines")

	// ErrBodyTooLarge means an entity exceeded MaxBody.
	ErrBodyTooLarge = errors.New("entity too large")

	// ErrUnexpectedEOF means the peer closed mid-message.
	ErrUnexpectedEOF = errors.New("connection closed mid-message")
)

// Way is one direction of a connection.
type Way struct {
	kind    Kind
	owner   Owner
	limits  Limits
	buffer  *buffer.Buffer
	channel Channel
	secure  *SecureChannel

	ioState  IoState
	msgState MessageState
	message  *message.Response
	queue    *queue.Queue[*message.Response]

	// ctx is only set while a callback is running.
	ctx *Context

	eof        bool
	closed     bool
	stopped    bool
	closeAfter bool

	// inbound parsing
	lines   lineReader
	headers message.Series
	dec     decoder
	body    []byte

	// outbound serialization
	head       []byte
	headOff    int
	startLen   int
	sent       int
	enc        encoder
	serialized bool
}

// New creates a way of the given kind using buf.
func New(kind Kind, owner Owner, buf *buffer.Buffer, limits Limits) *Way {
	limits = limits.withDefaults()
	w := &Way{
		kind:   kind,
		owner:  owner,
		limits: limits,
		buffer: buf,
		queue:  queue.New[*message.Response](),
	}
	w.lines.max = limits.MaxLine
	return w
}

// Open attaches the way to a channel.  If ch is a *SecureChannel, the
// way applies the TLS interest rules.
func (w *Way) Open(ch Channel) {
	w.channel = ch
	w.secure, _ = ch.(*SecureChannel)
	w.kind.Secure = w.secure != nil
	w.closed = false
	w.updateIoState()
}

// Kind returns the way's static configuration.
func (w *Way) Kind() Kind { return w.kind }

// IoState returns the selector state.
func (w *Way) IoState() IoState { return w.ioState }

// MessageState returns the progress of the current message.
func (w *Way) MessageState() MessageState { return w.msgState }

// Message returns the message being worked on, if any.
func (w *Way) Message() *message.Response { return w.message }

// Buffer returns the way's buffer.
func (w *Way) Buffer() *buffer.Buffer { return w.buffer }

// Closed says whether the way has been closed.
func (w *Way) Closed() bool { return w.closed }

// Enqueue adds a request to a client outbound way.  Safe from any
// goroutine.
func (w *Way) Enqueue(resp *message.Response) {
	w.queue.Push(resp)
}

// Queued returns the number of messages waiting in the way's queue.
func (w *Way) Queued() int { return w.queue.Len() }

// LoadScore estimates how busy the way is.
func (w *Way) LoadScore() int {
	score := w.queue.Len()
	if w.message != nil {
		score++
	}
	return score
}

func (w *Way) setMessageState(s MessageState) {
	if s != MsgIdle && s <= w.msgState {
		panic("way: message state cannot move from " + w.msgState.String() + " to " + s.String())
	}
	w.msgState = s
}

func (w *Way) log() *logrus.Entry {
	if w.ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger()).WithField("way", w.kind.String())
	}
	return w.ctx.Log.WithField("way", w.kind.String())
}

func (w *Way) now() time.Time {
	if w.ctx == nil {
		return time.Now()
	}
	return w.ctx.Now
}

// OnReady records that the selector reported this way ready.
func (w *Way) OnReady() {
	if w.ioState == IoInterest {
		w.ioState = IoReady
	}
}

// HasIoInterest says whether the way wants readiness events.
func (w *Way) HasIoInterest() bool {
	if w.closed || w.stopped || w.channel == nil || w.ioState == IoReady {
		return false
	}
	if w.kind.Direction == Inbound {
		return w.inboundInterest()
	}
	return w.outboundInterest()
}

// Interest returns the readiness events the way is registered for.
func (w *Way) Interest() Interest {
	if w.ioState != IoInterest && w.ioState != IoReady {
		return 0
	}
	if w.kind.Direction == Inbound {
		return Read
	}
	return Write
}

func (w *Way) updateIoState() {
	if w.HasIoInterest() {
		w.ioState = IoInterest
	} else {
		w.ioState = IoIdle
	}
}

// Pending says whether the way has work it can do without new
// readiness: parseable bytes already buffered, or a message ready to
// serialize.
func (w *Way) Pending() bool {
	if w.closed || w.stopped || w.channel == nil {
		return false
	}
	if w.kind.Direction == Inbound {
		return w.buffer.Remaining() > 0 && w.inboundCouldDrain()
	}
	return w.msgState == MsgIdle && w.nextReady()
}

// AwaitingApplication says whether a server inbound way has handed a
// request to the application and is still waiting for its response.
func (w *Way) AwaitingApplication() bool {
	if w.kind.Role != Server || w.kind.Direction != Inbound {
		return false
	}
	resp, ok := w.queue.Peek()
	return ok && resp != w.message && !resp.Committed()
}

// OnSelected runs fill and drain cycles until the way stops making
// progress.  A returned error is a fault for the whole connection.
func (w *Way) OnSelected(ctx *Context) error {
	if w.closed || w.stopped || w.channel == nil {
		return nil
	}
	w.ctx = ctx
	defer func() { w.ctx = nil }()

	w.ioState = IoProcessing
	_, err := w.buffer.Process(w, 0)
	if err == io.EOF {
		err = w.onEndOfStream()
	}
	if err == nil && w.secure != nil && !w.closed {
		err = w.secure.PostProcess()
	}
	w.updateIoState()
	return err
}

// CanLoop implements buffer.Processor.
func (w *Way) CanLoop(b *buffer.Buffer) bool {
	return !w.closed && !w.stopped && w.channel != nil
}

// CouldFill implements buffer.Processor.
func (w *Way) CouldFill(b *buffer.Buffer) bool {
	if w.kind.Direction == Inbound {
		return !w.eof
	}
	return w.outboundCouldFill()
}

// CouldDrain implements buffer.Processor.
func (w *Way) CouldDrain(b *buffer.Buffer) bool {
	if w.kind.Direction == Inbound {
		return w.inboundCouldDrain()
	}
	return true
}

// OnFill implements buffer.Processor.
func (w *Way) OnFill(b *buffer.Buffer) (int, error) {
	if w.kind.Direction == Inbound {
		return w.fillInbound(b)
	}
	return w.fillOutbound(b)
}

// OnDrain implements buffer.Processor.
func (w *Way) OnDrain(b *buffer.Buffer, max int) (int, error) {
	if w.kind.Direction == Inbound {
		return w.drainInbound(b)
	}
	return w.drainOutbound(b, max)
}

// shutdown stops processing and asks the owner to close.
func (w *Way) shutdown() {
	w.stopped = true
	w.owner.Shutdown(w.ctx)
}

// queuedTransmitted says whether messages waiting in this way's queue
// have already been (at least partly) written.
func (w *Way) queuedTransmitted() bool {
	return w.kind.Direction == Inbound && w.kind.Role == Client
}

func (w *Way) fail(resp *message.Response, status message.Status, transmitted bool) {
	select {
	case <-resp.Done():
		return
	default:
	}
	resp.Fail(status, transmitted)
	w.owner.Failed(w.ctx, w, resp, status, transmitted)
}

// OnTimeOut fails every queued message except the one in progress.
// The connection is expected to close afterwards, which deals with
// the current message.
func (w *Way) OnTimeOut(ctx *Context) {
	w.ctx = ctx
	defer func() { w.ctx = nil }()
	transmitted := w.queuedTransmitted()
	w.queue.Drain(func(resp *message.Response) {
		if resp == w.message {
			return
		}
		w.fail(resp, message.StatusConnectorErrorCommunication, transmitted)
	})
}

// OnError fails the current message and everything queued with
// status.
func (w *Way) OnError(ctx *Context, status message.Status) {
	w.ctx = ctx
	defer func() { w.ctx = nil }()
	if resp := w.message; resp != nil {
		transmitted := true
		if w.kind.Direction == Outbound && w.sent == 0 {
			transmitted = false
		}
		w.fail(resp, status, transmitted)
	}
	transmitted := w.queuedTransmitted()
	w.queue.Drain(func(resp *message.Response) {
		w.fail(resp, status, transmitted)
	})
	w.resetInbound()
	w.resetOutbound()
}

// OnClosed is called by the connection as it closes.  Anything still
// pending fails with a communication error.
func (w *Way) OnClosed(ctx *Context) {
	if w.closed {
		return
	}
	w.OnError(ctx, message.StatusConnectorErrorCommunication)
	w.closed = true
	w.ioState = IoIdle
	w.buffer.Clear()
}

// Clear resets the way so its connection can be reused.
func (w *Way) Clear() {
	w.buffer.Clear()
	w.queue.Drain(func(*message.Response) {})
	w.channel = nil
	w.secure = nil
	w.kind.Secure = false
	w.ioState = IoIdle
	w.eof = false
	w.closed = false
	w.stopped = false
	w.closeAfter = false
	w.resetInbound()
	w.resetOutbound()
}

func (w *Way) onEndOfStream() error {
	w.eof = true
	if w.msgState == MsgBody && w.dec.framing == framingClose {
		w.completeInbound(true)
		return nil
	}
	if w.msgState != MsgIdle {
		if w.kind.Role == Server && w.msgState == MsgStart && w.lines.empty() {
			w.resetInbound()
		} else {
			return ErrUnexpectedEOF
		}
	}
	w.buffer.Clear()
	if !w.stopped {
		w.shutdown()
	}
	return nil
}
