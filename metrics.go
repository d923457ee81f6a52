// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts station and gateway activity. A nil *Metrics records
// nothing.
type Metrics struct {
	dispatched *prometheus.CounterVec
	dropped    prometheus.Counter
	blackholes prometheus.Counter
	retries    *prometheus.CounterVec
	served     *prometheus.CounterVec
	mailboxes  prometheus.Gauge
	pending    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterrpc",
			Name:      "dispatch_total",
			Help:      "Dispatched requests by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterrpc",
			Name:      "pending_dropped_total",
			Help:      "Requests dropped because the pending queue was full.",
		}),
		blackholes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterrpc",
			Name:      "blackhole_total",
			Help:      "Mailboxes replaced by a blackhole after a failed connect.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterrpc",
			Name:      "retries_total",
			Help:      "Retries issued by a fail mode.",
		}, []string{"mode"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterrpc",
			Name:      "served_total",
			Help:      "Requests served by the dispatcher by outcome.",
		}, []string{"outcome"}),
		mailboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clusterrpc",
			Name:      "mailboxes",
			Help:      "Live mailboxes, blackholes included.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clusterrpc",
			Name:      "pending_requests",
			Help:      "Requests queued behind a connecting mailbox.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.dispatched, m.dropped, m.blackholes, m.retries, m.served, m.mailboxes, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &re):
		return "remote_error"
	case errors.Is(err, ErrSendTimeout):
		return "timeout"
	case IsTransportError(err):
		return "transport_error"
	default:
		return "error"
	}
}

func (m *Metrics) dispatchDone(err error) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) servedDone(err error) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) droppedPending() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) blackholed() {
	if m == nil {
		return
	}
	m.blackholes.Inc()
}

func (m *Metrics) retried(mode FailMode) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) setMailboxes(n int) {
	if m == nil {
		return
	}
	m.mailboxes.Set(float64(n))
}

func (m *Metrics) addPending(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}
