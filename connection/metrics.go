// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package connection

import (
	"strconv"

	"github.com/diffeo/go-httpway/message"
	"github.com/diffeo/go-httpway/way"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the controller's Prometheus collectors.  They are not
// registered anywhere; callers register Collectors() themselves.
type Metrics struct {
	Connections *prometheus.GaugeVec
	Messages    *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Timeouts    prometheus.Counter
}

// NewMetrics creates a fresh set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "diffeo",
				Subsystem: "httpway",
				Name:      "connections",
				Help:      "Open connections",
			},
			[]string{"role"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diffeo",
				Subsystem: "httpway",
				Name:      "messages_total",
				Help:      "Messages completed by a way",
			},
			[]string{"way"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diffeo",
				Subsystem: "httpway",
				Name:      "failures_total",
				Help:      "Messages failed with a connector status",
			},
			[]string{"way", "status"},
		),
		Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "diffeo",
				Subsystem: "httpway",
				Name:      "timeouts_total",
				Help:      "Connections closed for being idle",
			},
		),
	}
}

// Collectors returns every collector, for prometheus.MustRegister.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Connections, m.Messages, m.Failures, m.Timeouts}
}

func (m *Metrics) completed(w *way.Way) {
	m.Messages.With(prometheus.Labels{"way": w.Kind().String()}).Inc()
}

func (m *Metrics) failed(w *way.Way, status message.Status) {
	m.Failures.With(prometheus.Labels{
		"way":    w.Kind().String(),
		"status": strconv.Itoa(status.Code),
	}).Inc()
}
