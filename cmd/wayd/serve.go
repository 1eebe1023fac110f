// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net/http"
	"time"

	"github.com/diffeo/go-httpway/connection"
	"github.com/diffeo/go-httpway/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "serve the demo resources",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "workers",
			Usage: "handle this many requests in parallel (default from config)",
		},
	},
	Action: func(c *cli.Context) error {
		if n := c.Int("workers"); n > 0 {
			app.Config.Workers = n
		}
		return app.serve()
	},
}

func (w *wayd) serve() error {
	cc, err := w.Config.Controller(w.Log)
	if err != nil {
		return err
	}
	cc.Metrics = connection.NewMetrics()
	prometheus.MustRegister(cc.Metrics.Collectors()...)

	ctrl, err := connection.NewController(cc)
	if err != nil {
		return err
	}
	addr, err := ctrl.Listen(w.Config.Listen.Address)
	if err != nil {
		return err
	}

	if w.Config.Metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(w.Config.Metrics, mux)
			w.Log.WithError(err).Error("metrics server stopped")
		}()
	}

	ctx, cancel := signalContext()
	defer cancel()

	pool := &dispatch.Pool{
		Source:      ctrl,
		Handler:     newHandler(time.Now()),
		Concurrency: w.Config.Workers,
		Log:         w.Log,
	}
	go func() {
		if err := pool.Run(ctx); err != nil && err != connection.ErrStopped {
			w.Log.WithError(err).Error("dispatch stopped")
		}
	}()

	w.Log.WithFields(logrus.Fields{
		"addr":    addr,
		"scheme":  w.Config.Listen.Scheme,
		"workers": w.Config.Workers,
	}).Info("serving")
	return ctrl.Run(ctx)
}
