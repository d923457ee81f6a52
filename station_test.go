// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStation(t *testing.T, net *fakeNet, cfg StationConfig) *Station {
	t.Helper()
	if cfg.Servers == nil {
		cfg.Servers = servers("connector-1", "connector", "connector-2", "connector", "area-1", "area")
	}
	cfg.MailboxFactory = net.factory
	s := NewStation(cfg)
	t.Cleanup(func() { s.Stop(true) })
	return s
}

func TestStationDispatchBeforeStart(t *testing.T) {
	net := newFakeNet()
	s := newTestStation(t, net, StationConfig{LazyConnect: true})

	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)

	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrNotRunning)
	require.Zero(t, net.count("connector-1"))
}

func TestStationStartTwice(t *testing.T) {
	s := newTestStation(t, newFakeNet(), StationConfig{LazyConnect: true})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.Equal(t, StateStarted, s.State())
}

func TestStationEagerStart(t *testing.T) {
	net := newFakeNet()
	s := newTestStation(t, net, StationConfig{})
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateStarted, s.State())
	for _, id := range []string{"connector-1", "connector-2", "area-1"} {
		require.Equal(t, 1, net.count(id), id)
	}

	cb, ch := collect(1)
	s.Dispatch("area-1", testMessage("area"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, []any{"area-1"}, r.results)
}

func TestStationEagerStartFailure(t *testing.T) {
	net := newFakeNet()
	net.configure = func(m *fakeMailbox) {
		if m.id == "area-1" {
			m.connectErr = errors.New("connection refused")
		}
	}
	var (
		mu     sync.Mutex
		events []error
	)
	s := newTestStation(t, net, StationConfig{
		OnError: func(err error) {
			mu.Lock()
			events = append(events, err)
			mu.Unlock()
		},
	})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrConnectFailure)
	require.Eventually(t, func() bool { return s.State() == StateStarted }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	cb, ch := collect(2)
	s.Dispatch("area-1", testMessage("area"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrBlackhole)

	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	r, ok = recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, []any{"connector-1"}, r.results)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.ErrorIs(t, events[0], ErrConnectFailure)

	require.NoError(t, s.Stop(true))
	require.True(t, net.last("connector-1").isClosed())
}

func TestStationEagerStartContextDone(t *testing.T) {
	net := newFakeNet()
	gate := make(chan struct{})
	net.configure = func(m *fakeMailbox) { m.gate = gate }
	s := newTestStation(t, net, StationConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Start(ctx) }()
	require.Eventually(t, func() bool { return net.count("area-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start ignored the cancelled context")
	}
	require.Equal(t, StateInited, s.State())

	close(gate)
	require.Eventually(t, func() bool { return s.State() == StateStarted }, 2*time.Second, 5*time.Millisecond)
	cb, ch := collect(1)
	s.Dispatch("connector-2", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
}

func TestStationLazyConnectFlushesInOrder(t *testing.T) {
	net := newFakeNet()
	gate := make(chan struct{})
	net.configure = func(m *fakeMailbox) { m.gate = gate }
	s := newTestStation(t, net, StationConfig{LazyConnect: true})
	require.NoError(t, s.Start(context.Background()))

	ch := make(chan int, 3)
	for i := 0; i < 3; i++ {
		s.Dispatch("connector-1", testMessage("connector", i), nil, func(results []any, err error) {
			assert.NoError(t, err)
			ch <- i
		})
	}
	require.Equal(t, 1, net.count("connector-1"))
	require.Zero(t, net.last("connector-1").sentCount())

	close(gate)
	for want := 0; want < 3; want++ {
		select {
		case got := <-ch:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request was not flushed")
		}
	}
	box := net.last("connector-1")
	require.Equal(t, 3, box.sentCount())
	for i, msg := range box.sent {
		require.Equal(t, []any{i}, msg.Args)
	}
}

func TestStationConnectFailureInstallsBlackhole(t *testing.T) {
	net := newFakeNet()
	gate := make(chan struct{})
	net.configure = func(m *fakeMailbox) {
		m.gate = gate
		m.connectErr = errors.New("connection refused")
	}
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []error
	)
	s := newTestStation(t, net, StationConfig{
		LazyConnect: true,
		Metrics:     metrics,
		OnError: func(err error) {
			mu.Lock()
			events = append(events, err)
			mu.Unlock()
		},
	})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(3)
	s.Dispatch("connector-1", testMessage("connector", 1), nil, cb)
	s.Dispatch("connector-1", testMessage("connector", 2), nil, cb)
	close(gate)

	for i := 0; i < 2; i++ {
		r, ok := recv(ch)
		require.True(t, ok)
		require.ErrorIs(t, r.err, ErrBlackhole)
	}

	s.Dispatch("connector-1", testMessage("connector", 3), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrBlackhole)
	require.True(t, IsTransportError(r.err))

	require.Equal(t, 1, net.count("connector-1"))
	require.True(t, net.last("connector-1").isClosed())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.blackholes))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.ErrorIs(t, events[0], ErrConnectFailure)
}

func TestStationPendingQueueCapacity(t *testing.T) {
	net := newFakeNet()
	gate := make(chan struct{})
	net.configure = func(m *fakeMailbox) { m.gate = gate }
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	s := newTestStation(t, net, StationConfig{LazyConnect: true, PendingSize: 2, Metrics: metrics, Logger: zap.New(core)})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(3)
	for i := 0; i < 3; i++ {
		s.Dispatch("connector-1", testMessage("connector", i), nil, cb)
	}
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.dropped))
	dropped := logs.FilterMessage("request dropped").All()
	require.Len(t, dropped, 1)
	require.Equal(t, ErrPendingOverflow.Error(), dropped[0].ContextMap()["error"])
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.pending))

	close(gate)
	for i := 0; i < 2; i++ {
		_, ok := recv(ch)
		require.True(t, ok)
	}
	select {
	case <-ch:
		t.Fatal("dropped request must not be answered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))
}

func TestStationUnknownServer(t *testing.T) {
	s := newTestStation(t, newFakeNet(), StationConfig{LazyConnect: true})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(1)
	s.Dispatch("missing", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrUnknownServer)
}

func TestStationFilters(t *testing.T) {
	s := newTestStation(t, newFakeNet(), StationConfig{})
	require.NoError(t, s.Start(context.Background()))

	var (
		order  []string
		passed *Options
		seen   *Options
	)
	s.Before(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		order = append(order, "before-1")
		next(serverID, msg, &Options{TraceID: "replaced"})
	}))
	s.Before(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		order = append(order, "before-2")
		opts.TraceID += "-mutated"
		passed = opts
		next(serverID, msg, opts)
	}))
	s.After(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		order = append(order, "after-1")
		seen = opts
		next(serverID, msg, opts)
	}))
	s.After(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		order = append(order, "after-2")
		next(serverID, msg, opts)
	}))

	original := &Options{TraceID: "original"}
	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), original, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)

	require.Equal(t, []string{"before-1", "before-2", "after-1", "after-2"}, order)
	require.Same(t, passed, seen)
	require.Equal(t, "replaced-mutated", seen.TraceID)
	require.Equal(t, "original", original.TraceID)
}

func TestStationBeforeFilterReroutes(t *testing.T) {
	net := newFakeNet()
	s := newTestStation(t, net, StationConfig{})
	require.NoError(t, s.Start(context.Background()))
	s.Before(FilterFunc(func(_ string, msg *Message, opts *Options, next Next) {
		next("connector-2", msg, opts)
	}))

	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, []any{"connector-2"}, r.results)
}

func TestStationAsyncFilter(t *testing.T) {
	s := newTestStation(t, newFakeNet(), StationConfig{})
	require.NoError(t, s.Start(context.Background()))
	s.Before(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		go next(serverID, msg, opts)
	}))
	s.Before(TraceFilter())

	var traced string
	s.After(FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		traced = opts.TraceID
		next(serverID, msg, opts)
	}))

	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Len(t, traced, 36)
}

func TestStationRemoveServer(t *testing.T) {
	net := newFakeNet()
	var (
		mu     sync.Mutex
		closed []string
	)
	s := newTestStation(t, net, StationConfig{
		LazyConnect: true,
		OnClose: func(id string) {
			mu.Lock()
			closed = append(closed, id)
			mu.Unlock()
		},
	})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(2)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	_, ok := recv(ch)
	require.True(t, ok)
	box := net.last("connector-1")

	s.RemoveServer("connector-1")
	require.True(t, box.isClosed())
	require.Equal(t, []string{"connector-2"}, s.ServersByType("connector"))
	_, found := s.Server("connector-1")
	require.False(t, found)

	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrUnknownServer)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"connector-1"}, closed)
}

func TestStationRemoveServerWhileConnecting(t *testing.T) {
	net := newFakeNet()
	gate := make(chan struct{})
	net.configure = func(m *fakeMailbox) { m.gate = gate }
	s := newTestStation(t, net, StationConfig{LazyConnect: true})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	s.RemoveServer("connector-1")

	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrUnknownServer)
	close(gate)
	require.Eventually(t, net.last("connector-1").isClosed, time.Second, 5*time.Millisecond)
}

func TestStationAddAndReplaceServers(t *testing.T) {
	s := newTestStation(t, newFakeNet(), StationConfig{LazyConnect: true})
	require.Equal(t, []string{"area", "connector"}, s.ServerTypes())

	s.AddServer(ServerDescriptor{ID: "connector-3", Type: "connector"})
	require.Equal(t, []string{"connector-1", "connector-2", "connector-3"}, s.ServersByType("connector"))

	s.AddServer(ServerDescriptor{ID: "connector-3", Type: "area"})
	require.Equal(t, []string{"connector-1", "connector-2"}, s.ServersByType("connector"))
	require.Equal(t, []string{"area-1", "connector-3"}, s.ServersByType("area"))

	s.ReplaceServers(servers("chat-1", "chat"))
	require.Equal(t, []string{"chat"}, s.ServerTypes())
	require.Len(t, s.Servers(), 1)
}

func TestStationLostMailboxReconnects(t *testing.T) {
	net := newFakeNet()
	closed := make(chan string, 1)
	s := newTestStation(t, net, StationConfig{
		LazyConnect: true,
		OnClose:     func(id string) { closed <- id },
	})
	require.NoError(t, s.Start(context.Background()))

	cb, ch := collect(2)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	_, ok := recv(ch)
	require.True(t, ok)

	net.last("connector-1").drop()
	require.Equal(t, "connector-1", <-closed)

	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, 2, net.count("connector-1"))
}

func TestStationStopForce(t *testing.T) {
	net := newFakeNet()
	var (
		mu     sync.Mutex
		closed []string
	)
	s := newTestStation(t, net, StationConfig{
		OnClose: func(id string) {
			mu.Lock()
			closed = append(closed, id)
			mu.Unlock()
		},
	})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(true))
	require.Equal(t, StateClosed, s.State())

	for _, id := range []string{"connector-1", "connector-2", "area-1"} {
		require.True(t, net.last(id).isClosed(), id)
	}
	mu.Lock()
	require.Equal(t, []string{"area-1", "connector-1", "connector-2"}, closed)
	mu.Unlock()

	cb, ch := collect(1)
	s.Dispatch("connector-1", testMessage("connector"), nil, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrNotRunning)
	require.NoError(t, s.Stop(true))
}

func TestStationStopGrace(t *testing.T) {
	net := newFakeNet()
	mock := clock.NewMock()
	s := newTestStation(t, net, StationConfig{Clock: mock, GraceTimeout: 3 * time.Second})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(false))

	box := net.last("connector-1")
	require.False(t, box.isClosed())
	mock.Add(2 * time.Second)
	require.False(t, box.isClosed())
	mock.Add(time.Second)
	require.Eventually(t, box.isClosed, time.Second, 5*time.Millisecond)
}
