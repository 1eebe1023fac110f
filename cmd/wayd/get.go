// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"strings"

	"github.com/diffeo/go-httpway/message"
	"github.com/jtacoma/uritemplates"
	"github.com/urfave/cli"
)

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "fetch one URL",
	ArgsUsage: "URL-template",
	Flags: []cli.Flag{
		cli.StringSliceFlag{
			Name:  "var",
			Usage: "name=value to expand in the URL template",
		},
		cli.StringSliceFlag{
			Name:  "header, H",
			Usage: "Name: value request header",
		},
		cli.StringFlag{
			Name:  "method, X",
			Value: "GET",
			Usage: "request method",
		},
		cli.StringFlag{
			Name:  "data, d",
			Usage: "request body; @file reads a file",
		},
		cli.BoolFlag{
			Name:  "include, i",
			Usage: "print the status line and headers",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("get needs exactly one URL")
		}
		u, err := expandTarget(c.Args().First(), c.StringSlice("var"))
		if err != nil {
			return err
		}
		req, err := newRequest(c.String("method"), u, c.StringSlice("header"))
		if err != nil {
			return err
		}
		if data := c.String("data"); data != "" {
			body := []byte(data)
			if strings.HasPrefix(data, "@") {
				if body, err = ioutil.ReadFile(data[1:]); err != nil {
					return err
				}
			}
			req.Entity = &message.Entity{Data: body, MediaType: req.Headers.Get("Content-Type")}
			req.Headers.Remove("Content-Type")
		}
		return app.get(req, c.Bool("include"), os.Stdout)
	},
}

// expandTarget expands a URI template with name=value pairs.
func expandTarget(template string, vars []string) (*url.URL, error) {
	tmpl, err := uritemplates.Parse(template)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(vars))
	for _, v := range vars {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("template variable %q is not name=value", v)
		}
		values[kv[0]] = kv[1]
	}
	expanded, err := tmpl.Expand(values)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(expanded)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("URL has no host")
	}
	return u, nil
}

// newRequest builds a client request for u.
func newRequest(method string, u *url.URL, headers []string) (*message.Request, error) {
	req := message.NewRequest(method, u.Host, u.RequestURI())
	req.Secure = u.Scheme == "https"
	for _, h := range headers {
		kv := strings.SplitN(h, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("header %q is not Name: value", h)
		}
		req.Headers.Add(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
	}
	return req, nil
}

// writeResponse prints a response, with its head if include is set.
func writeResponse(out io.Writer, resp *message.Response, include bool) {
	if include {
		fmt.Fprintf(out, "%s %d %s\n", resp.Protocol, resp.Status.Code, resp.Status.Reason)
		for _, h := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
		}
		fmt.Fprintln(out)
	}
	if resp.Entity != nil {
		out.Write(resp.Entity.Data)
	}
}

func (w *wayd) get(req *message.Request, include bool, out io.Writer) error {
	ctx, cancel := signalContext()
	defer cancel()
	ctrl, err := w.client(ctx)
	if err != nil {
		return err
	}
	resp, err := ctrl.Do(ctx, req)
	if err != nil {
		return err
	}
	writeResponse(out, resp, include)
	if resp.Status.IsError() {
		return fmt.Errorf("server returned %v", resp.Status)
	}
	return nil
}
