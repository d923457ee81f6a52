// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type echoRemote struct {
	prefix string
}

func (e *echoRemote) Echo(_ context.Context, args []any, reply ReplyFunc) {
	reply(append([]any{e.prefix}, args...), nil)
}

func (e *echoRemote) Fail(_ context.Context, args []any, reply ReplyFunc) {
	reply(nil, errors.New("failed on purpose"))
}

func (e *echoRemote) Explode(context.Context, []any, ReplyFunc) {
	panic("exploded")
}

// Twice replies two times; only the first reply counts.
func (e *echoRemote) Twice(_ context.Context, _ []any, reply ReplyFunc) {
	reply([]any{1}, nil)
	reply([]any{2}, nil)
}

// Helper has the wrong signature and is not exposed.
func (e *echoRemote) Helper() string { return e.prefix }

func routeSync(d *Dispatcher, msg *Message) ([]any, error) {
	var (
		results []any
		err     error
		calls   int
	)
	d.Route(context.Background(), msg, func(r []any, e error) {
		calls++
		results, err = r, e
	})
	if calls != 1 {
		panic("reply must run exactly once")
	}
	return results, err
}

func echoServices(t *testing.T, prefix string) Services {
	svc, err := ServiceOf(&echoRemote{prefix: prefix})
	require.NoError(t, err)
	return Services{"user": {"echoRemote": svc}}
}

func TestServiceOf(t *testing.T) {
	svc, err := ServiceOf(&echoRemote{})
	require.NoError(t, err)
	for _, name := range []string{"Echo", "echo", "Fail", "fail", "Explode", "explode", "Twice", "twice"} {
		require.Contains(t, svc, name)
	}
	require.NotContains(t, svc, "Helper")

	_, err = ServiceOf(struct{}{})
	require.Error(t, err)
}

func TestDispatcherRoute(t *testing.T) {
	d := NewDispatcher(echoServices(t, "v1"))

	results, err := routeSync(d, testMessage("connector", "hello", int32(7)))
	require.NoError(t, err)
	require.Equal(t, []any{"v1", "hello", int32(7)}, results)
}

func TestDispatcherResolutionErrors(t *testing.T) {
	d := NewDispatcher(echoServices(t, "v1"))

	msg := testMessage("connector")
	msg.Namespace = "sys"
	_, err := routeSync(d, msg)
	require.ErrorIs(t, err, ErrUnknownNamespace)
	require.EqualError(t, err, "no such namespace:sys")

	msg = testMessage("connector")
	msg.Service = "chatRemote"
	_, err = routeSync(d, msg)
	require.ErrorIs(t, err, ErrUnknownService)

	msg = testMessage("connector")
	msg.Method = "missing"
	_, err = routeSync(d, msg)
	require.ErrorIs(t, err, ErrUnknownMethod)
	require.EqualError(t, err, "no such method:missing")
}

func TestDispatcherRecoversPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	d := NewDispatcher(echoServices(t, "v1"))
	d.metrics = metrics

	msg := testMessage("connector")
	msg.Method = "explode"
	_, err = routeSync(d, msg)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "panic: exploded", re.Message)
	require.NotEmpty(t, re.Stack)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.served.WithLabelValues("remote_error")))
}

func TestDispatcherReplyOnce(t *testing.T) {
	d := NewDispatcher(echoServices(t, "v1"))
	msg := testMessage("connector")
	msg.Method = "twice"
	results, err := routeSync(d, msg)
	require.NoError(t, err)
	require.Equal(t, []any{1}, results)
}

func TestDispatcherReload(t *testing.T) {
	d := NewDispatcher(echoServices(t, "v1"))
	results, err := routeSync(d, testMessage("connector"))
	require.NoError(t, err)
	require.Equal(t, []any{"v1"}, results)

	d.Reload(echoServices(t, "v2"))
	results, err = routeSync(d, testMessage("connector"))
	require.NoError(t, err)
	require.Equal(t, []any{"v2"}, results)

	d.Reload(nil)
	_, err = routeSync(d, testMessage("connector"))
	require.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestResultsEnvelope(t *testing.T) {
	wire := encodeResults([]any{"a", int32(1)}, nil)
	require.Equal(t, []any{nil, "a", int32(1)}, wire)
	results, err := decodeResults(wire)
	require.NoError(t, err)
	require.Equal(t, []any{"a", int32(1)}, results)

	wire = encodeResults(nil, errors.New("no such service:x"))
	results, err = decodeResults(wire)
	require.Empty(t, results)
	require.ErrorIs(t, err, ErrUnknownService)

	results, err = decodeResults(nil)
	require.NoError(t, err)
	require.Nil(t, results)
}
