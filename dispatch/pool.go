// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/diffeo/go-httpway/message"
	"github.com/sirupsen/logrus"
)

// Source supplies received server requests.  connection.Controller
// is the usual implementation.
type Source interface {
	Next(ctx context.Context) (*message.Response, error)
}

// Pool answers requests from a Source with an http.Handler.
type Pool struct {
	// Source provides requests.  This field is required.
	Source Source

	// Handler produces responses.  This field is required.
	Handler http.Handler

	// Concurrency states how many requests are handled in
	// parallel.  If unset, uses runtime.NumCPU().
	Concurrency int

	// Log receives handler panics and conversion failures.  If
	// unset, uses the logrus standard logger.
	Log *logrus.Entry
}

// setDefaults sets default values for any Pool fields that are
// uninitialized.
func (p *Pool) setDefaults() {
	if p.Concurrency == 0 {
		p.Concurrency = runtime.NumCPU()
	}
	if p.Log == nil {
		p.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Run handles requests until ctx is cancelled or the source fails.
// It returns once every handler goroutine has finished.
func (p *Pool) Run(ctx context.Context) error {
	p.setDefaults()
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(p.Concurrency)
	for i := 0; i < p.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				resp, err := p.Source.Next(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errOnce.Do(func() { firstErr = err })
					}
					return
				}
				p.Serve(resp)
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Serve runs the handler for one request and commits the response.
// A panicking handler produces a 500.
func (p *Pool) Serve(resp *message.Response) {
	defer resp.Commit()
	defer func() {
		if oops := recover(); oops != nil {
			buf := make([]byte, 65536)
			buf = buf[:runtime.Stack(buf, false)]
			p.Log.WithFields(logrus.Fields{
				"panic":  oops,
				"stack":  string(buf),
				"target": resp.Request.Target,
			}).Error("Panic in handler")
			Error(resp, http.StatusInternalServerError, fmt.Sprintf("%v", oops))
		}
	}()

	hreq, err := ToHTTP(resp.Request)
	if err != nil {
		p.Log.WithError(err).WithField("target", resp.Request.Target).Info("Bad request target")
		Error(resp, http.StatusBadRequest, err.Error())
		return
	}
	w := NewResponseWriter()
	p.Handler.ServeHTTP(w, hreq.WithContext(context.Background()))
	w.CopyTo(resp)
}
