// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsOutcome(t *testing.T) {
	require.Equal(t, "ok", outcome(nil))
	require.Equal(t, "remote_error", outcome(&RemoteError{Message: "x"}))
	require.Equal(t, "timeout", outcome(ErrSendTimeout))
	require.Equal(t, "transport_error", outcome(ErrBlackhole))
	require.Equal(t, "error", outcome(errors.New("other")))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.dispatchDone(nil)
	m.dispatchDone(ErrBlackhole)
	m.retried(FailOver)
	m.setMailboxes(3)
	require.Equal(t, float64(1), testutil.ToFloat64(m.dispatched.WithLabelValues("ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.dispatched.WithLabelValues("transport_error")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.retries.WithLabelValues("failover")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.mailboxes))

	_, err = NewMetrics(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.dispatchDone(nil)
		m.servedDone(nil)
		m.droppedPending()
		m.blackholed()
		m.retried(FailBack)
		m.setMailboxes(1)
		m.addPending(1)
	})
}
