// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-httpway/message"
	"github.com/diffeo/go-httpway/queue"
	"github.com/diffeo/go-httpway/way"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRunning is returned by Listen and Run once the controller
	// loop has started.
	ErrRunning = errors.New("controller already running")

	// ErrStopped is returned by Next once the controller loop has
	// exited.
	ErrStopped = errors.New("controller stopped")
)

// Config holds the controller settings.  Zero fields take defaults
// when the controller is created.
type Config struct {
	// BufferSize is the initial size of each way's buffer.  If
	// unset, defaults to 8 KiB.
	BufferSize int

	// MaxBufferSize bounds how far a buffer grows to hold one
	// line.  If unset, defaults to 64 KiB.
	MaxBufferSize int

	// Limits bound inbound messages.
	Limits way.Limits

	// IdleTimeout closes connections with no activity for this
	// long.  Negative disables it; if unset, defaults to 60
	// seconds.
	IdleTimeout time.Duration

	// Persistent lets client connections carry more than one
	// request.  Server connections honor the peer's preference
	// regardless.
	Persistent bool

	// MaxConnectionsPerHost limits parallel client connections to
	// one host.  If unset, defaults to 10.
	MaxConnectionsPerHost int

	// MaxHosts is the size of the host table.  If unset, defaults
	// to 256.
	MaxHosts int

	// ClientTLS is the template configuration for https
	// requests.  ServerName is filled in per host.
	ClientTLS *tls.Config

	// ServerTLS, if set, makes every listener speak TLS.
	ServerTLS *tls.Config

	// Clock is the time source for activity and timeouts.  Only
	// test code should need to set this.
	Clock clock.Clock

	// Log receives connection lifecycle events.  If unset, uses
	// the logrus standard logger.
	Log *logrus.Entry

	// RequestLog, if set, receives one debug line per completed
	// message.
	RequestLog logrus.FieldLogger

	// Metrics, if set, receives connection and message counts.
	Metrics *Metrics
}

// DefaultConfig returns a configuration with persistent client
// connections and all other settings at their defaults.
func DefaultConfig() Config {
	cfg := Config{Persistent: true}
	cfg.setDefaults()
	return cfg
}

// setDefaults fills in unset Config fields.
func (cfg *Config) setDefaults() {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 8192
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = 65536
	}
	if cfg.MaxBufferSize < cfg.BufferSize {
		cfg.MaxBufferSize = cfg.BufferSize
	}
	if cfg.IdleTimeout == time.Duration(0) {
		cfg.IdleTimeout = time.Duration(60) * time.Second
	}
	if cfg.MaxConnectionsPerHost == 0 {
		cfg.MaxConnectionsPerHost = 10
	}
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
}

// submission is a client request waiting for the controller loop.
type submission struct {
	resp       *message.Response
	key        string
	addr       *net.TCPAddr
	serverName string
}

// Controller owns every connection and runs the selector loop.  All
// connection state is touched only from the goroutine in Run; other
// goroutines hand work over through lock-free queues and a wakeup.
type Controller struct {
	cfg     Config
	log     *logrus.Entry
	clock   clock.Clock
	metrics *Metrics
	sel     Selector

	submissions *queue.Queue[submission]
	wakeups     *queue.Queue[*Connection]
	inbox       *queue.Queue[*message.Response]
	inboxReady  chan struct{}
	inboxTurn   chan struct{}

	conns     map[int]*Connection
	listeners map[int]string
	hosts     *hostTable
	pool      sync.Pool
	touched   []*Connection

	running  atomic.Bool
	stopped  atomic.Bool
	inflight atomic.Int64
	done     chan struct{}
}

// NewController creates a controller with its selector.  Nothing runs
// until Run is called.
func NewController(cfg Config) (*Controller, error) {
	cfg.setDefaults()
	sel, err := NewSelector()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:         cfg,
		log:         cfg.Log,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		sel:         sel,
		submissions: queue.New[submission](),
		wakeups:     queue.New[*Connection](),
		inbox:       queue.New[*message.Response](),
		inboxReady:  make(chan struct{}, 1),
		inboxTurn:   make(chan struct{}, 1),
		conns:       make(map[int]*Connection),
		listeners:   make(map[int]string),
		hosts:       newHostTable(cfg.MaxHosts),
		done:        make(chan struct{}),
	}
	c.pool.New = func() interface{} { return newConnection(c) }
	return c, nil
}

// Listen opens a server socket on address and returns the bound
// address.  It must be called before Run.
func (c *Controller) Listen(address string) (string, error) {
	if c.running.Load() {
		return "", ErrRunning
	}
	fd, local, err := listenTCP(address)
	if err != nil {
		return "", err
	}
	if err := c.sel.Register(fd, way.Read); err != nil {
		closeFD(fd)
		return "", err
	}
	c.listeners[fd] = local
	c.log.WithField("addr", local).Info("listening")
	return local, nil
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run runs the selector loop until ctx is cancelled, then closes
// every connection and listener.
func (c *Controller) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return ErrRunning
	}
	defer close(c.done)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.sel.Wakeup()
		case <-stop:
		}
	}()

	var err error
	for ctx.Err() == nil {
		err = c.sel.Select(c.tick(), c.onEvent)
		if err != nil {
			c.log.WithError(err).Error("selector failed")
			break
		}
		c.drainSubmissions()
		c.drainWakeups()
		c.checkTimeouts()
		c.updateInterests()
	}
	c.shutdown()
	return err
}

// tick bounds how long one Select may block so idle timeouts are
// noticed.
func (c *Controller) tick() time.Duration {
	if c.cfg.IdleTimeout > 0 && c.cfg.IdleTimeout/2 < time.Second {
		return c.cfg.IdleTimeout / 2
	}
	return time.Second
}

func (c *Controller) context(conn *Connection) *way.Context {
	return way.NewContext(conn.log, c.clock.Now())
}

func (c *Controller) touch(conn *Connection) {
	c.touched = append(c.touched, conn)
}

func (c *Controller) onEvent(ev Event) {
	if _, ok := c.listeners[ev.Fd]; ok {
		c.accept(ev.Fd)
		return
	}
	conn := c.conns[ev.Fd]
	if conn == nil {
		return
	}
	conn.OnSelected(c.context(conn), ev.Ready)
	c.touch(conn)
}

// acquire takes a connection from the pool and binds it to fd.
func (c *Controller) acquire(fd int, role way.Role, remote, host string) *Connection {
	conn := c.pool.Get().(*Connection)
	conn.reset(fd, role, remote, host, c.clock.Now())
	c.conns[fd] = conn
	c.metrics.Connections.With(prometheus.Labels{"role": role.String()}).Inc()
	return conn
}

// release returns a closed connection to the pool.
func (c *Controller) release(conn *Connection) {
	conn.clear()
	c.pool.Put(conn)
}

func (c *Controller) accept(lfd int) {
	for {
		fd, remote, ok, err := acceptTCP(lfd)
		if err != nil {
			c.log.WithError(err).WithField("addr", c.listeners[lfd]).Warn("accept failed")
			return
		}
		if !ok {
			return
		}
		conn := c.acquire(fd, way.Server, remote, "")
		ctx := c.context(conn)
		conn.open(ctx, c.cfg.ServerTLS)
		interest := conn.interest()
		if err := c.sel.Register(fd, interest); err != nil {
			conn.fault(ctx, err, message.StatusConnectorErrorInternal)
			continue
		}
		conn.registered = interest
		ctx.Log.Debug("accepted connection")
	}
}

// connect starts a new client connection for sub.
func (c *Controller) connect(sub submission, entry *hostEntry) *Connection {
	fd, err := dialTCP(sub.addr)
	if err != nil {
		c.log.WithError(err).WithField("host", sub.key).Warn("connect failed")
		return nil
	}
	conn := c.acquire(fd, way.Client, sub.addr.String(), sub.key)
	if sub.serverName != "" {
		conn.tlsConfig = c.clientTLS(sub.serverName)
	}
	if err := c.sel.Register(fd, way.Write); err != nil {
		conn.fault(c.context(conn), err, message.StatusConnectorErrorConnection)
		return nil
	}
	conn.registered = way.Write
	entry.add(conn)
	conn.log.WithField("host", sub.key).Debug("connecting")
	return conn
}

// clientTLS derives the TLS configuration for one host.
func (c *Controller) clientTLS(serverName string) *tls.Config {
	var cfg *tls.Config
	if c.cfg.ClientTLS != nil {
		cfg = c.cfg.ClientTLS.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

// drainSubmissions places each new client request on the
// least-loaded reusable connection to its host, opening a new one
// when every existing connection is busy and the host is below its
// limit.
func (c *Controller) drainSubmissions() {
	c.submissions.Drain(func(sub submission) {
		entry := c.hosts.Get(sub.key)
		conn := entry.best()
		if conn == nil || (conn.LoadScore() > 0 && len(entry.conns) < c.cfg.MaxConnectionsPerHost) {
			if fresh := c.connect(sub, entry); fresh != nil {
				conn = fresh
			}
		}
		if conn == nil {
			c.hosts.Forget(sub.key, nil)
			sub.resp.Fail(message.StatusConnectorErrorConnection, false)
			return
		}
		conn.outbound.Enqueue(sub.resp)
		if conn.state == Open {
			conn.OnSelected(c.context(conn), 0)
		}
		c.touch(conn)
	})
}

func (c *Controller) drainWakeups() {
	c.wakeups.Drain(func(conn *Connection) {
		conn.waking.Store(false)
		if conn.state != Open {
			return
		}
		conn.OnSelected(c.context(conn), 0)
		c.touch(conn)
	})
}

func (c *Controller) checkTimeouts() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	now := c.clock.Now()
	for _, conn := range c.conns {
		// A slow handler is not an idle peer.
		if conn.inbound.AwaitingApplication() {
			continue
		}
		if now.Sub(conn.lastActivity) > c.cfg.IdleTimeout {
			conn.OnTimeOut(way.NewContext(conn.log, now))
		}
	}
}

// updateInterests pushes changed interests of the connections that
// ran this pass down to the selector.
func (c *Controller) updateInterests() {
	for _, conn := range c.touched {
		if conn.state == Closed || conn.fd < 0 {
			continue
		}
		interest := conn.interest()
		if interest == conn.registered {
			continue
		}
		if err := c.sel.Modify(conn.fd, interest); err != nil {
			conn.fault(c.context(conn), err, message.StatusConnectorErrorInternal)
			continue
		}
		conn.registered = interest
	}
	c.touched = c.touched[:0]
}

// forget drops a closing connection from the selector and the host
// table.
func (c *Controller) forget(conn *Connection) {
	if _, ok := c.conns[conn.fd]; !ok {
		return
	}
	c.sel.Unregister(conn.fd)
	delete(c.conns, conn.fd)
	if conn.host != "" {
		c.hosts.Forget(conn.host, conn)
	}
	c.metrics.Connections.With(prometheus.Labels{"role": conn.role.String()}).Dec()
}

func (c *Controller) wake(conn *Connection) {
	c.wakeups.Push(conn)
	c.sel.Wakeup()
}

func (c *Controller) deliver(resp *message.Response) {
	c.inbox.Push(resp)
	select {
	case c.inboxReady <- struct{}{}:
	default:
	}
}

func (c *Controller) shutdown() {
	c.stopped.Store(true)
	for c.inflight.Load() > 0 {
		runtime.Gosched()
	}
	c.submissions.Drain(func(sub submission) {
		sub.resp.Fail(message.StatusConnectorErrorConnection, false)
	})
	for _, conn := range c.conns {
		conn.close(c.context(conn))
	}
	for fd, addr := range c.listeners {
		closeFD(fd)
		c.log.WithField("addr", addr).Info("stopped listening")
	}
	c.listeners = map[int]string{}
	c.sel.Close()
}

// Send queues a client request and returns its pending response.
// Wait on the response's Done channel for the result.  Safe from any
// goroutine.
func (c *Controller) Send(req *message.Request) *message.Response {
	resp := message.NewResponse(req)
	key, addr, serverName, err := resolve(req)
	if err != nil {
		c.log.WithError(err).WithField("host", req.Host).Debug("cannot resolve host")
		resp.Fail(message.StatusConnectorErrorConnection, false)
		return resp
	}
	c.inflight.Add(1)
	if c.stopped.Load() {
		c.inflight.Add(-1)
		resp.Fail(message.StatusConnectorErrorConnection, false)
		return resp
	}
	c.submissions.Push(submission{resp: resp, key: key, addr: addr, serverName: serverName})
	c.inflight.Add(-1)
	c.sel.Wakeup()
	return resp
}

// Do sends req and waits for its response.  A failed exchange returns
// the response along with a message.StatusError.
func (c *Controller) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	resp := c.Send(req)
	select {
	case <-resp.Done():
		return resp, resp.Err()
	case <-ctx.Done():
		return resp, ctx.Err()
	}
}

// Next returns the next request received by a listener.  Answer it
// by filling in the response and calling Commit.  Safe from any
// goroutine; concurrent callers take turns.
func (c *Controller) Next(ctx context.Context) (*message.Response, error) {
	select {
	case c.inboxTurn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.inboxTurn }()
	for {
		if resp, ok := c.inbox.Pop(); ok {
			return resp, nil
		}
		select {
		case <-c.inboxReady:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrStopped
		}
	}
}

// resolve finds the host-table key and address for a client
// request.  serverName is set for TLS requests.
func resolve(req *message.Request) (key string, addr *net.TCPAddr, serverName string, err error) {
	scheme, port := "http", "80"
	if req.Secure {
		scheme, port = "https", "443"
	}
	hostPort := req.Host
	host, _, splitErr := net.SplitHostPort(hostPort)
	if splitErr != nil {
		host = hostPort
		hostPort = net.JoinHostPort(hostPort, port)
	}
	addr, err = net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		return "", nil, "", err
	}
	if req.Secure {
		serverName = host
	}
	return scheme + "://" + hostPort, addr, serverName, nil
}
