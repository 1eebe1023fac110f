// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

//go:build !linux

package connection

import "net"

type fdChannel struct {
	fd int
}

func (c fdChannel) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (c fdChannel) Write(p []byte) (int, error) { return 0, ErrUnsupported }

// NewSelector creates the platform selector.
func NewSelector() (Selector, error) { return nil, ErrUnsupported }

func listenTCP(address string) (int, string, error) { return -1, "", ErrUnsupported }

func acceptTCP(lfd int) (int, string, bool, error) { return -1, "", false, ErrUnsupported }

func dialTCP(addr *net.TCPAddr) (int, error) { return -1, ErrUnsupported }

func connectResult(fd int) error { return ErrUnsupported }

func closeFD(fd int) error { return nil }
