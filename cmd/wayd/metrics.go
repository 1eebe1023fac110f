// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/negroni"
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "diffeo",
		Subsystem: "wayd",
		Name:      "request_duration_seconds",
		Help:      "Time spent in the application handler",
	},
	[]string{
		"method",
		"status",
	},
)

func init() {
	prometheus.MustRegister(requestDuration)
}

// observeRequest is negroni middleware that times the handler.
func observeRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(rw, r)
	status := http.StatusOK
	if nrw, ok := rw.(negroni.ResponseWriter); ok && nrw.Status() != 0 {
		status = nrw.Status()
	}
	requestDuration.With(prometheus.Labels{
		"method": r.Method,
		"status": strconv.Itoa(status),
	}).Observe(time.Since(start).Seconds())
}
