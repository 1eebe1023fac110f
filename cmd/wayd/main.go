// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Wayd is a small HTTP/1.1 server and client built on the
// non-blocking go-httpway transport.
//
//     wayd --listen http::8080 serve
//     wayd get 'http://localhost:8080/greeting{?name}' --var name=world
//     wayd bench --requests 10000 http://localhost:8080/greeting
//
// Settings can also come from a YAML file given with --config; flags
// override the file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/diffeo/go-httpway/config"
	"github.com/diffeo/go-httpway/connection"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// wayd holds the settings shared by every command.
type wayd struct {
	Config config.Config
	Log    *logrus.Entry
}

var app wayd

// client starts a controller for outgoing requests.  It stops when
// ctx is cancelled.
func (w *wayd) client(ctx context.Context) (*connection.Controller, error) {
	cc, err := w.Config.Controller(w.Log)
	if err != nil {
		return nil, err
	}
	cc.ServerTLS = nil
	ctrl, err := connection.NewController(cc)
	if err != nil {
		return nil, err
	}
	go ctrl.Run(ctx)
	return ctrl, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, cancel
}

func main() {
	listen := config.Endpoint{Scheme: "http", Address: ":8080"}
	a := cli.NewApp()
	a.Name = "wayd"
	a.Usage = "serve and fetch HTTP over a non-blocking transport"
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "YAML configuration file",
		},
		cli.GenericFlag{
			Name:  "listen",
			Value: &listen,
			Usage: "scheme:[ip]:port to serve on",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "debug, info, warning, or error",
		},
		cli.BoolFlag{
			Name:  "log-requests",
			Usage: "log all requests",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip certificate checks on https requests",
		},
	}
	a.Commands = []cli.Command{
		serveCommand,
		getCommand,
		benchCommand,
	}
	a.Before = func(c *cli.Context) error {
		level, err := logrus.ParseLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		app.Log = logrus.NewEntry(logrus.StandardLogger())

		app.Config = config.Default()
		if name := c.String("config"); name != "" {
			app.Config, err = config.Load(name)
			if err != nil {
				return err
			}
		}
		if c.IsSet("listen") {
			app.Config.Listen = listen
		}
		if c.Bool("log-requests") {
			app.Config.LogRequests = true
		}
		if c.Bool("insecure") {
			app.Config.InsecureSkipVerify = true
		}
		return nil
	}
	if err := a.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("wayd failed")
	}
}
