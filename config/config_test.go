// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	dir, err := ioutil.TempDir("", "wayd-config")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	name := filepath.Join(dir, "wayd.yaml")
	require.NoError(t, ioutil.WriteFile(name, []byte(contents), 0600))
	return name
}

func TestLoad(t *testing.T) {
	name := writeFile(t, `
listen: "127.0.0.1:9000"
idle_timeout: 90s
max_line: "4096"
max_headers: 50
persistent: false
workers: 2
metrics: ":9100"
log_requests: true
`)
	cfg, err := Load(name)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, Endpoint{Scheme: "http", Address: "127.0.0.1:9000"}, cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 4096, cfg.MaxLine)
	assert.Equal(t, 50, cfg.MaxHeaders)
	assert.False(t, cfg.Persistent)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, ":9100", cfg.Metrics)
	assert.True(t, cfg.LogRequests)
}

func TestLoadKeepsDefaults(t *testing.T) {
	name := writeFile(t, "workers: 3\n")
	cfg, err := Load(name)
	if assert.NoError(t, err) {
		expected := Default()
		expected.Workers = 3
		assert.Equal(t, expected, cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	name := writeFile(t, "wrokers: 3\n")
	_, err := Load(name)
	assert.Error(t, err)
}

func TestLoadRejectsBadEndpoint(t *testing.T) {
	name := writeFile(t, "listen: http://localhost:80/\n")
	_, err := Load(name)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(os.TempDir(), "no-such-wayd-config.yaml"))
	assert.Error(t, err)
}

func TestEndpointSet(t *testing.T) {
	tests := []struct {
		param   string
		scheme  string
		address string
		ok      bool
	}{
		{":8080", "http", ":8080", true},
		{"http::8080", "http", ":8080", true},
		{"https:0.0.0.0:8443", "https", "0.0.0.0:8443", true},
		{"https:[::1]:8443", "https", "[::1]:8443", true},
		{"localhost", "", "", false},
		{"https:", "", "", false},
		{"https://localhost:443", "", "", false},
	}
	for _, test := range tests {
		var e Endpoint
		err := e.Set(test.param)
		if !test.ok {
			assert.Error(t, err, test.param)
			continue
		}
		if assert.NoError(t, err, test.param) {
			assert.Equal(t, test.scheme, e.Scheme)
			assert.Equal(t, test.address, e.Address)
			assert.Equal(t, test.scheme == "https", e.Secure())
		}
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Scheme: "https", Address: ":443"}
	assert.Equal(t, "https::443", e.String())
	e = Endpoint{Address: ":80"}
	assert.Equal(t, ":80", e.String())
}

func TestControllerConfig(t *testing.T) {
	cfg := Default()
	cfg.MaxBody = 1024
	cfg.LogRequests = true
	cc, err := cfg.Controller(logrus.NewEntry(logrus.New()))
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, 1024, cc.Limits.MaxBody)
	assert.Equal(t, 60*time.Second, cc.IdleTimeout)
	assert.True(t, cc.Persistent)
	assert.Nil(t, cc.ServerTLS)
	assert.NotNil(t, cc.RequestLog)
}

func TestServerTLSNeedsFiles(t *testing.T) {
	cfg := Default()
	cfg.Listen = Endpoint{Scheme: "https", Address: ":8443"}
	_, err := cfg.Controller(nil)
	assert.Error(t, err)
}
