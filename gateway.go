// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luxfi/clusterrpc/codec"
)

// DefaultListenAddr is the address a Gateway listens on unless told
// otherwise.
const DefaultListenAddr = ":3050"

// ServerOption configures a Gateway
type ServerOption func(*serverOptions)

type serverOptions struct {
	addr      string
	transport string
	services  Services
	factory   AcceptorFactory
	codec     codec.Codec
	heartbeat time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *Metrics
}

// WithListenAddr sets the listen address
func WithListenAddr(addr string) ServerOption {
	return func(o *serverOptions) { o.addr = addr }
}

// WithServices sets the initial service table
func WithServices(s Services) ServerOption {
	return func(o *serverOptions) { o.services = s }
}

// WithServerTransport selects a registered transport for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithAcceptorFactory replaces the transport's acceptor
func WithAcceptorFactory(f AcceptorFactory) ServerOption {
	return func(o *serverOptions) { o.factory = f }
}

// WithServerCodec sets a custom codec for the server
func WithServerCodec(c codec.Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerHeartbeat closes connections that stay silent for two
// heartbeat intervals
func WithServerHeartbeat(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.heartbeat = d }
}

func WithServerClock(c clock.Clock) ServerOption {
	return func(o *serverOptions) { o.clock = c }
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

func WithServerMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// Gateway is the server side: an acceptor feeding a Dispatcher.
type Gateway struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	addr       string
	acceptor   Acceptor
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewGateway creates a gateway. It does not listen until Start.
func NewGateway(opts ...ServerOption) (*Gateway, error) {
	o := &serverOptions{
		addr:      DefaultListenAddr,
		transport: DefaultTransport,
		clock:     clock.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.services == nil {
		return nil, fmt.Errorf("%w: services should not be empty", ErrInvalidConfig)
	}
	factory := o.factory
	if factory == nil {
		var err error
		if factory, err = AcceptorFactoryFor(o.transport); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	logger := o.logger.With(zap.String("component", "gateway"))
	dispatcher := NewDispatcher(o.services)
	dispatcher.logger = logger
	dispatcher.metrics = o.metrics

	acceptor := factory(AcceptorOptions{
		Codec:     o.codec,
		Heartbeat: o.heartbeat,
		Clock:     o.clock,
		Logger:    o.logger,
	}, func(ctx context.Context, msg *Message, reply ReplyFunc) {
		dispatcher.Route(ctx, msg, reply)
	})

	return &Gateway{
		addr:       o.addr,
		acceptor:   acceptor,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Start binds the listen address and serves in the background.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	g.started = true
	if err := g.acceptor.Listen(g.addr); err != nil {
		return fmt.Errorf("listen %s: %w", g.addr, err)
	}
	g.logger.Info("gateway started", zap.String("addr", g.acceptor.Addr()))
	return nil
}

// Stop closes the acceptor. Stopping twice, or before Start, does nothing.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.stopped {
		return nil
	}
	g.stopped = true
	g.logger.Info("gateway stopped")
	return g.acceptor.Close()
}

// Reload swaps the service table for all subsequent requests.
func (g *Gateway) Reload(services Services) {
	g.dispatcher.Reload(services)
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() string {
	return g.acceptor.Addr()
}

func (g *Gateway) Dispatcher() *Dispatcher { return g.dispatcher }
