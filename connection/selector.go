// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package connection

import (
	"errors"
	"time"

	"github.com/diffeo/go-httpway/way"
)

// ErrUnsupported is returned on platforms without a selector
// implementation.
var ErrUnsupported = errors.New("non-blocking transport not supported on this platform")

// Event reports that a registered descriptor is ready.
type Event struct {
	Fd    int
	Ready way.Interest
}

// Selector multiplexes readiness of many descriptors.  Register,
// Modify, and Unregister are only called from the goroutine running
// Select; Wakeup may be called from anywhere.
type Selector interface {
	Register(fd int, interest way.Interest) error
	Modify(fd int, interest way.Interest) error
	Unregister(fd int) error

	// Select waits up to timeout for readiness and calls fn once
	// per ready descriptor.
	Select(timeout time.Duration, fn func(Event)) error

	// Wakeup makes a blocked Select return early.
	Wakeup() error

	Close() error
}
