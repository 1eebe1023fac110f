// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/diffeo/go-httpway/connection"
	"github.com/diffeo/go-httpway/message"
	"github.com/satori/go.uuid"
	"github.com/urfave/cli"
)

var benchCommand = cli.Command{
	Name:      "bench",
	Usage:     "send many requests and report latency",
	ArgsUsage: "URL",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "requests, n",
			Value: 1000,
			Usage: "total number of requests",
		},
		cli.IntFlag{
			Name:  "concurrency, c",
			Value: runtime.NumCPU(),
			Usage: "keep this many requests in flight",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("bench needs exactly one URL")
		}
		u, err := expandTarget(c.Args().First(), nil)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		ctrl, err := app.client(ctx)
		if err != nil {
			return err
		}
		b := benchRun{
			Client:      ctrl,
			Host:        u.Host,
			Target:      u.RequestURI(),
			Secure:      u.Scheme == "https",
			Requests:    c.Int("requests"),
			Concurrency: c.Int("concurrency"),
		}
		result := b.Run(ctx)
		result.Report(os.Stdout)
		return nil
	},
}

// benchClient is the part of the controller a benchmark uses.
type benchClient interface {
	Do(ctx context.Context, req *message.Request) (*message.Response, error)
}

var _ benchClient = (*connection.Controller)(nil)

// benchRun describes one load run.
type benchRun struct {
	Client      benchClient
	Host        string
	Target      string
	Secure      bool
	Requests    int
	Concurrency int
}

// benchResult summarizes a load run.
type benchResult struct {
	Elapsed   time.Duration
	Latencies []time.Duration
	Statuses  map[int]int
	Failures  int
}

// Run sends the requests, each tagged with a fresh X-Request-Id.
func (b *benchRun) Run(ctx context.Context) benchResult {
	if b.Concurrency < 1 {
		b.Concurrency = 1
	}
	numbers := make(chan int)
	go func() {
		defer close(numbers)
		for i := 1; i <= b.Requests; i++ {
			select {
			case numbers <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		lock   sync.Mutex
		result = benchResult{Statuses: make(map[int]int)}
		wg     sync.WaitGroup
	)
	start := time.Now()
	wg.Add(b.Concurrency)
	for i := 0; i < b.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for range numbers {
				req := message.NewRequest("GET", b.Host, b.Target)
				req.Secure = b.Secure
				req.Headers.Add("X-Request-Id", uuid.NewV4().String())
				sent := time.Now()
				resp, err := b.Client.Do(ctx, req)
				latency := time.Since(sent)

				lock.Lock()
				if err != nil {
					result.Failures++
				} else {
					result.Statuses[resp.Status.Code]++
					result.Latencies = append(result.Latencies, latency)
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	result.Elapsed = time.Since(start)
	return result
}

// Percentile returns the latency below which p percent of the
// successful requests fell.
func (r benchResult) Percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	i := int(float64(len(sorted)-1) * p / 100)
	return sorted[i]
}

// Report prints the summary.
func (r benchResult) Report(out io.Writer) {
	done := len(r.Latencies)
	fmt.Fprintf(out, "requests: %d ok, %d failed in %v\n", done, r.Failures, r.Elapsed)
	if r.Elapsed > 0 {
		fmt.Fprintf(out, "rate:     %.1f req/s\n", float64(done)/r.Elapsed.Seconds())
	}
	codes := make([]int, 0, len(r.Statuses))
	for code := range r.Statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "status %d: %d\n", code, r.Statuses[code])
	}
	for _, p := range []float64{50, 90, 99} {
		fmt.Fprintf(out, "p%v:      %v\n", p, r.Percentile(p))
	}
}
