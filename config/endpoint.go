// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package config

import (
	"errors"
	"net"
	"strings"
)

// Endpoint describes where a listener binds.  This implements the
// flag.Value and cli.Generic interfaces, so a typical use is
//
//     endpoint := config.Endpoint{Scheme: "http", Address: ":8080"}
//     flag.Var(&endpoint, "listen", "scheme:[ip]:port to listen on")
type Endpoint struct {
	// Scheme is "http" or "https".
	Scheme string

	// Address is an [ip]:port pair.
	Address string
}

// Secure says whether the endpoint speaks TLS.
func (e *Endpoint) Secure() bool {
	return e.Scheme == "https"
}

// String renders the endpoint as "scheme:address".
func (e *Endpoint) String() string {
	if e.Scheme == "" {
		return e.Address
	}
	return e.Scheme + ":" + e.Address
}

// Set parses "scheme:address", or a bare address which is taken to
// be plain http.  Set checks the scheme and that the address has a
// port, but does not resolve it.
//
// This is part of the flag.Value interface.
func (e *Endpoint) Set(param string) error {
	if strings.Contains(param, "://") {
		return errors.New("endpoint must be scheme:[ip]:port, not a URL")
	}
	scheme, address := "http", param
	for _, known := range []string{"http", "https"} {
		if strings.HasPrefix(param, known+":") {
			scheme, address = known, param[len(known)+1:]
		}
	}
	if address == "" {
		return errors.New("must specify an address")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return err
	}
	e.Scheme = scheme
	e.Address = address
	return nil
}
