// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

//go:build linux

package connection

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io/ioutil"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-httpway/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(logger)
}

// startController runs a controller until the test ends.
func startController(t *testing.T, cfg Config, listen bool) (*Controller, string) {
	if cfg.Log == nil {
		cfg.Log = quietLog()
	}
	ctrl, err := NewController(cfg)
	require.NoError(t, err)
	var addr string
	if listen {
		addr, err = ctrl.Listen("127.0.0.1:0")
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})
	return ctrl, addr
}

// serve answers every request with its target and the peer address.
func serve(ctrl *Controller, remotes chan<- string) {
	for {
		resp, err := ctrl.Next(context.Background())
		if err != nil {
			return
		}
		if remotes != nil {
			remotes <- resp.Request.Remote
		}
		resp.Status = message.StatusOK
		resp.Entity = &message.Entity{
			Data:      []byte("you asked for " + resp.Request.Target),
			MediaType: "text/plain",
		}
		resp.Commit()
	}
}

func doGet(t *testing.T, ctrl *Controller, addr, target string) *message.Response {
	return doRequest(t, ctrl, message.NewRequest("GET", addr, target))
}

func doRequest(t *testing.T, ctrl *Controller, req *message.Request) *message.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ctrl.Do(ctx, req)
	require.NoError(t, err)
	return resp
}

// nextRequest waits for the server to hand over one request.
func nextRequest(t *testing.T, ctrl *Controller) *message.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := ctrl.Next(ctx)
	require.NoError(t, err)
	return resp
}

// rawGet opens a plain socket to addr and writes one request on it.
func rawGet(t *testing.T, addr, target string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)
	return conn
}

// loopbackCert builds a throwaway certificate for the loopback
// address, returning it and a pool that trusts it.
func loopbackCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pool
}

func TestLoopbackRoundTrip(t *testing.T) {
	server, addr := startController(t, DefaultConfig(), true)
	go serve(server, nil)
	client, _ := startController(t, DefaultConfig(), false)

	resp := doGet(t, client, addr, "/hello")
	assert.Equal(t, 200, resp.Status.Code)
	if assert.NotNil(t, resp.Entity) {
		assert.Equal(t, "you asked for /hello", string(resp.Entity.Data))
		assert.Equal(t, "text/plain", resp.Entity.MediaType)
	}
}

func TestLoopbackKeepAlive(t *testing.T) {
	server, addr := startController(t, DefaultConfig(), true)
	remotes := make(chan string, 4)
	go serve(server, remotes)
	client, _ := startController(t, DefaultConfig(), false)

	doGet(t, client, addr, "/one")
	doGet(t, client, addr, "/two")
	first, second := <-remotes, <-remotes
	assert.Equal(t, first, second)
}

func TestLoopbackNonPersistent(t *testing.T) {
	server, addr := startController(t, DefaultConfig(), true)
	remotes := make(chan string, 4)
	go serve(server, remotes)
	cfg := DefaultConfig()
	cfg.Persistent = false
	client, _ := startController(t, cfg, false)

	doGet(t, client, addr, "/one")
	doGet(t, client, addr, "/two")
	first, second := <-remotes, <-remotes
	assert.NotEqual(t, first, second)
}

func TestLoopbackConcurrentRequests(t *testing.T) {
	server, addr := startController(t, DefaultConfig(), true)
	go serve(server, nil)
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerHost = 2
	client, _ := startController(t, cfg, false)

	var responses []*message.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, client.Send(message.NewRequest("GET", addr, "/many")))
	}
	for _, resp := range responses {
		select {
		case <-resp.Done():
			assert.NoError(t, resp.Err())
			assert.Equal(t, 200, resp.Status.Code)
		case <-time.After(5 * time.Second):
			t.Fatal("response never arrived")
		}
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	client, _ := startController(t, DefaultConfig(), false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, message.NewRequest("GET", addr, "/"))
	var serr message.StatusError
	if assert.True(t, errors.As(err, &serr)) {
		assert.Equal(t, message.StatusConnectorErrorConnection.Code, serr.Status.Code)
	}
	_, transmitted, failed := resp.Failure()
	assert.True(t, failed)
	assert.False(t, transmitted)
}

func TestUnresolvableHostFailsImmediately(t *testing.T) {
	client, _ := startController(t, DefaultConfig(), false)
	resp := client.Send(message.NewRequest("GET", "no such host:bad", "/"))
	select {
	case <-resp.Done():
	default:
		t.Fatal("response should already be done")
	}
	status, _, failed := resp.Failure()
	assert.True(t, failed)
	assert.Equal(t, message.StatusConnectorErrorConnection.Code, status.Code)
}

func TestSendAfterStop(t *testing.T) {
	ctrl, err := NewController(Config{Log: quietLog()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	cancel()
	<-ctrl.Done()

	resp := ctrl.Send(message.NewRequest("GET", "127.0.0.1:1", "/"))
	<-resp.Done()
	assert.Error(t, resp.Err())

	_, err = ctrl.Next(context.Background())
	assert.Equal(t, ErrStopped, err)
}

func TestListenAfterRun(t *testing.T) {
	ctrl, _ := startController(t, DefaultConfig(), false)
	deadline := time.Now().Add(5 * time.Second)
	for !ctrl.running.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_, err := ctrl.Listen("127.0.0.1:0")
	assert.Equal(t, ErrRunning, err)
}

func TestIdleTimeout(t *testing.T) {
	mock := clock.NewMock()
	scfg := DefaultConfig()
	scfg.Clock = mock
	scfg.IdleTimeout = 10 * time.Second
	scfg.Metrics = NewMetrics()
	server, addr := startController(t, scfg, true)
	remotes := make(chan string, 4)
	go serve(server, remotes)
	client, _ := startController(t, DefaultConfig(), false)

	doGet(t, client, addr, "/before")
	mock.Add(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(scfg.Metrics.Timeouts) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(scfg.Metrics.Timeouts))

	// The client notices the close and opens a fresh connection.
	// It may race the close, so retry once on a communication
	// error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Do(ctx, message.NewRequest("GET", addr, "/after"))
	if err != nil {
		resp, err = client.Do(ctx, message.NewRequest("GET", addr, "/after"))
	}
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status.Code)
	first := <-remotes
	var last string
	for len(remotes) > 0 {
		last = <-remotes
	}
	assert.NotEqual(t, first, last)
}

func TestPeerLeavesBeforeCommit(t *testing.T) {
	server, addr := startController(t, DefaultConfig(), true)
	conn := rawGet(t, addr, "/slow")
	resp := nextRequest(t, server)

	// The handler is still writing its answer when the peer leaves.
	resp.Status = message.StatusOK
	conn.Close()
	select {
	case <-resp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned response never failed")
	}
	status, _, failed := resp.Failure()
	assert.True(t, failed)
	assert.Equal(t, message.StatusConnectorErrorCommunication.Code, status.Code)

	resp.Entity = &message.Entity{Data: []byte("too late")}
	resp.Commit()
	assert.Equal(t, message.StatusOK, resp.Status)

	// The server carries on with other peers.
	go serve(server, nil)
	client, _ := startController(t, DefaultConfig(), false)
	assert.Equal(t, 200, doGet(t, client, addr, "/next").Status.Code)
}

func TestIdleTimeoutSparesSlowHandler(t *testing.T) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.IdleTimeout = time.Second
	cfg.Metrics = NewMetrics()
	server, addr := startController(t, cfg, true)

	conn := rawGet(t, addr, "/slow")
	defer conn.Close()
	resp := nextRequest(t, server)

	// Let the controller check timeouts a few times while the
	// handler runs far past the idle limit.
	mock.Add(time.Minute)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(cfg.Metrics.Timeouts))

	resp.Status = message.StatusOK
	resp.Entity = &message.Entity{Data: []byte("finally"), MediaType: "text/plain"}
	resp.Commit()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	hresp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer hresp.Body.Close()
	assert.Equal(t, http.StatusOK, hresp.StatusCode)
	body, err := ioutil.ReadAll(hresp.Body)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(body))
}

func TestSecureKeepAlive(t *testing.T) {
	cert, pool := loopbackCert(t)
	scfg := DefaultConfig()
	scfg.ServerTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	server, addr := startController(t, scfg, true)
	remotes := make(chan string, 4)
	go serve(server, remotes)

	ccfg := DefaultConfig()
	ccfg.ClientTLS = &tls.Config{RootCAs: pool}
	client, _ := startController(t, ccfg, false)

	for _, target := range []string{"/one", "/two", "/three"} {
		req := message.NewRequest("GET", addr, target)
		req.Secure = true
		resp := doRequest(t, client, req)
		assert.Equal(t, 200, resp.Status.Code)
		if assert.NotNil(t, resp.Entity) {
			assert.Equal(t, "you asked for "+target, string(resp.Entity.Data))
		}
	}
	first := <-remotes
	assert.Equal(t, first, <-remotes)
	assert.Equal(t, first, <-remotes)
}

func TestSecureHandshakeFailure(t *testing.T) {
	cert, _ := loopbackCert(t)
	scfg := DefaultConfig()
	scfg.ServerTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	server, addr := startController(t, scfg, true)
	go serve(server, nil)

	// The client does not trust the server's certificate.
	client, _ := startController(t, DefaultConfig(), false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := message.NewRequest("GET", addr, "/")
	req.Secure = true
	_, err := client.Do(ctx, req)
	var serr message.StatusError
	if assert.True(t, errors.As(err, &serr), "got %v", err) {
		assert.Equal(t, message.StatusConnectorErrorCommunication.Code, serr.Status.Code)
	}
}
