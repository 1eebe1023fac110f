// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package config loads wayd settings from a YAML file and turns them
// into controller configuration.
package config

import (
	"crypto/tls"
	"errors"
	"io/ioutil"
	"reflect"
	"time"

	"github.com/diffeo/go-httpway/connection"
	"github.com/diffeo/go-httpway/way"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config holds everything a wayd process can be configured with.
// Field names in the YAML file are the mapstructure tags.
type Config struct {
	// Listen is where the server binds.
	Listen Endpoint

	// TLSCert and TLSKey name PEM files.  Both are required for an
	// https endpoint.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`

	// InsecureSkipVerify turns off certificate checks for client
	// requests.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	BufferSize    int `mapstructure:"buffer_size"`
	MaxBufferSize int `mapstructure:"max_buffer_size"`

	MaxLine    int `mapstructure:"max_line"`
	MaxHeaders int `mapstructure:"max_headers"`
	MaxBody    int `mapstructure:"max_body"`

	// IdleTimeout is a duration string like "90s".
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Persistent reuses client connections.  Defaults to true.
	Persistent bool

	MaxConnectionsPerHost int `mapstructure:"max_connections_per_host"`
	MaxHosts              int `mapstructure:"max_hosts"`

	// Workers is how many goroutines answer server requests.
	Workers int

	// Metrics is the [ip]:port of the Prometheus endpoint; empty
	// disables it.
	Metrics string

	// LogRequests logs every completed message at debug level.
	LogRequests bool `mapstructure:"log_requests"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      Endpoint{Scheme: "http", Address: ":8080"},
		IdleTimeout: 60 * time.Second,
		Persistent:  true,
		Workers:     8,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(filename string) (Config, error) {
	cfg := Default()
	bytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(bytes, &raw); err != nil {
		return cfg, err
	}
	err = Decode(raw, &cfg)
	return cfg, err
}

// stringToEndpointHook lets "listen" be written as a plain string.
func stringToEndpointHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(Endpoint{}) {
		return data, nil
	}
	var e Endpoint
	if err := e.Set(data.(string)); err != nil {
		return nil, err
	}
	return e, nil
}

// Decode overlays a decoded YAML (or JSON) document on cfg.
func Decode(raw map[string]interface{}, cfg *Config) error {
	config := mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToEndpointHook,
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	}
	decoder, err := mapstructure.NewDecoder(&config)
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// Limits returns the inbound message limits.
func (c Config) Limits() way.Limits {
	return way.Limits{
		MaxLine:    c.MaxLine,
		MaxHeaders: c.MaxHeaders,
		MaxBody:    c.MaxBody,
	}
}

// ServerTLS loads the certificate pair, or returns nil for a plain
// http endpoint.
func (c Config) ServerTLS() (*tls.Config, error) {
	if !c.Listen.Secure() {
		return nil, nil
	}
	if c.TLSCert == "" || c.TLSKey == "" {
		return nil, errors.New("https endpoint needs tls_cert and tls_key")
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Controller builds the connection controller configuration.
func (c Config) Controller(log *logrus.Entry) (connection.Config, error) {
	serverTLS, err := c.ServerTLS()
	if err != nil {
		return connection.Config{}, err
	}
	cc := connection.Config{
		BufferSize:            c.BufferSize,
		MaxBufferSize:         c.MaxBufferSize,
		Limits:                c.Limits(),
		IdleTimeout:           c.IdleTimeout,
		Persistent:            c.Persistent,
		MaxConnectionsPerHost: c.MaxConnectionsPerHost,
		MaxHosts:              c.MaxHosts,
		ServerTLS:             serverTLS,
		ClientTLS:             &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify},
		Log:                   log,
	}
	if c.LogRequests {
		stdlog := logrus.StandardLogger()
		cc.RequestLog = &logrus.Logger{
			Out:       stdlog.Out,
			Formatter: stdlog.Formatter,
			Hooks:     stdlog.Hooks,
			Level:     logrus.DebugLevel,
		}
	}
	return cc, nil
}
