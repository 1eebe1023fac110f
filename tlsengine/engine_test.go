// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package tlsengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned builds a throwaway certificate for "localhost".
func selfSigned(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// shuttle moves ciphertext between two engines, returning whether
// anything moved.
func shuttle(a, b *Engine) bool {
	buf := make([]byte, 32*1024)
	moved := false
	if n := a.TakeOutbound(buf); n > 0 {
		b.Unwrap(buf[:n])
		moved = true
	}
	if n := b.TakeOutbound(buf); n > 0 {
		a.Unwrap(buf[:n])
		moved = true
	}
	return moved
}

// pumpUntil shuttles bytes until cond holds or the deadline passes.
func pumpUntil(a, b *Engine, cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		if !shuttle(a, b) {
			time.Sleep(time.Millisecond)
		}
	}
	return cond()
}

func newPair(t *testing.T) (client, server *Engine) {
	cert := selfSigned(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)

	client = NewClient(&tls.Config{RootCAs: pool, ServerName: "localhost"}, nil)
	server = NewServer(&tls.Config{Certificates: []tls.Certificate{cert}}, nil)
	return client, server
}

func TestHandshakeAndData(t *testing.T) {
	client, server := newPair(t)
	assert.Equal(t, NotHandshaking, client.Status())
	client.Start()
	server.Start()

	ok := pumpUntil(client, server, func() bool {
		return client.Established() && server.Established()
	})
	require.True(t, ok, "handshake did not finish")
	assert.Equal(t, NotHandshaking, client.Status())

	n, err := client.Wrap([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	var got []byte
	buf := make([]byte, 64)
	ok = pumpUntil(client, server, func() bool {
		n, err := server.Read(buf)
		assert.NoError(t, err)
		got = append(got, buf[:n]...)
		return len(got) >= 18
	})
	require.True(t, ok)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(got))
}

func TestWrapBeforeHandshake(t *testing.T) {
	client, _ := newPair(t)
	n, err := client.Wrap([]byte("early"))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandshakeFailure(t *testing.T) {
	// The client does not trust the server's certificate.
	cert := selfSigned(t)
	client := NewClient(&tls.Config{ServerName: "localhost"}, nil)
	server := NewServer(&tls.Config{Certificates: []tls.Certificate{cert}}, nil)
	client.Start()
	server.Start()

	ok := pumpUntil(client, server, func() bool {
		return client.Status() == Failed
	})
	require.True(t, ok)
	var herr HandshakeError
	assert.True(t, errors.As(client.Err(), &herr))
	_, err := client.Wrap([]byte("x"))
	assert.Error(t, err)
	server.Close()
	client.Close()
}

func TestPeerClose(t *testing.T) {
	client, server := newPair(t)
	client.Start()
	server.Start()
	require.True(t, pumpUntil(client, server, func() bool {
		return client.Established() && server.Established()
	}))

	require.NoError(t, client.Close())
	buf := make([]byte, 16)
	ok := pumpUntil(client, server, func() bool {
		_, err := server.Read(buf)
		return err != nil
	})
	assert.True(t, ok)
	server.Close()
}
