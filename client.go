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

// ClientOption configures client connections
type ClientOption func(*clientOptions)

type clientOptions struct {
	cfg         Config
	factory     MailboxFactory
	route       RouteFunc
	routerState *RouterState
	codec       codec.Codec
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *Metrics
	onError     func(error)
	onClose     func(string)
}

// WithConfig replaces the default config
func WithConfig(cfg Config) ClientOption {
	return func(o *clientOptions) { o.cfg = cfg }
}

// WithServers sets the initial server list
func WithServers(servers ...ServerDescriptor) ClientOption {
	return func(o *clientOptions) { o.cfg.Servers = servers }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) ClientOption {
	return func(o *clientOptions) { o.cfg.Transport = t }
}

// WithMailboxFactory replaces the transport's mailbox
func WithMailboxFactory(f MailboxFactory) ClientOption {
	return func(o *clientOptions) { o.factory = f }
}

// WithRouteFunc routes every Invoke through f instead of the configured
// strategy
func WithRouteFunc(f RouteFunc) ClientOption {
	return func(o *clientOptions) { o.route = f }
}

// WithRouterState shares routing cursors with another client
func WithRouterState(s *RouterState) ClientOption {
	return func(o *clientOptions) { o.routerState = s }
}

// WithCodec sets a custom codec
func WithCodec(c codec.Codec) ClientOption {
	return func(o *clientOptions) { o.codec = c }
}

func WithClock(c clock.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = c }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithErrorHandler receives station errors such as failed connects
func WithErrorHandler(f func(error)) ClientOption {
	return func(o *clientOptions) { o.onError = f }
}

// WithCloseHandler receives the id of every closed mailbox
func WithCloseHandler(f func(serverID string)) ClientOption {
	return func(o *clientOptions) { o.onClose = f }
}

// Client routes messages to remote servers through a Station, applying
// the configured routing strategy and failure mode.
type Client struct {
	mu      sync.Mutex
	state   State
	station *Station
	router  *Router
	failure *failureProcessor
	logger  *zap.Logger
}

func NewClient(opts ...ClientOption) (*Client, error) {
	o := &clientOptions{
		cfg:    DefaultConfig(),
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory := o.factory
	if factory == nil {
		var err error
		if factory, err = MailboxFactoryFor(cfg.Transport); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	logger := o.logger.With(zap.String("component", "client"))
	station := NewStation(StationConfig{
		Servers:        cfg.Servers,
		MailboxFactory: factory,
		Mailbox: MailboxOptions{
			Timeout:   time.Duration(cfg.Timeout),
			Heartbeat: time.Duration(cfg.Heartbeat),
			Codec:     o.codec,
		},
		LazyConnect:  cfg.LazyConnect,
		PendingSize:  cfg.PendingSize,
		GraceTimeout: time.Duration(cfg.GraceTimeout),
		Clock:        o.clock,
		Logger:       o.logger,
		Metrics:      o.metrics,
		OnError:      o.onError,
		OnClose:      o.onClose,
	})
	interval := time.Duration(cfg.SendInterval)
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	return &Client{
		station: station,
		router:  NewRouter(cfg.Router, o.routerState, o.route).WithHashing(cfg.HashFieldIndex, cfg.HashReplicas),
		failure: &failureProcessor{
			mode:       cfg.FailMode,
			retries:    cfg.retries(),
			interval:   interval,
			clock:      o.clock,
			logger:     o.logger.With(zap.String("component", "failure"), zap.String("mode", string(cfg.FailMode))),
			metrics:    o.metrics,
			candidates: station.ServersByType,
			dispatch:   station.Dispatch,
		},
		logger: logger,
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start starts the station. The client is Started even when Start
// reports a connect error: the failed servers are blackholed and the
// others serve calls once every connect has settled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStarted:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case StateClosed:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.mu.Unlock()

	err := c.station.Start(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInited {
		c.state = StateStarted
	}
	if err != nil {
		c.logger.Warn("client started degraded", zap.Error(err))
		return err
	}
	c.logger.Info("client started")
	return nil
}

// Stop closes the client and its station from any state. See
// Station.Stop for force.
func (c *Client) Stop(force bool) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.logger.Info("client stopped", zap.Bool("force", force))
	return c.station.Stop(force)
}

// Invoke routes msg to a server of msg.ServerType and dispatches it under
// the configured failure mode. routeParam is handed to the route function,
// typically a session. opts may be nil.
func (c *Client) Invoke(routeParam any, msg *Message, opts *Options, cb ReplyFunc) {
	if cb == nil {
		cb = func([]any, error) {}
	}
	if c.State() != StateStarted {
		cb(nil, ErrNotRunning)
		return
	}
	if opts == nil {
		opts = &Options{}
	}
	c.router.Route(c.station, routeParam, msg, func(serverID string, err error) {
		if err != nil {
			c.logger.Error("route", zap.String("server_type", msg.ServerType), zap.Error(err))
			cb(nil, err)
			return
		}
		c.failure.process(serverID, msg, opts, cb)
	})
}

// RPCInvoke dispatches msg to serverID under the configured failure mode.
func (c *Client) RPCInvoke(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	if cb == nil {
		cb = func([]any, error) {}
	}
	if c.State() != StateStarted {
		cb(nil, ErrNotRunning)
		return
	}
	if opts == nil {
		opts = &Options{}
	}
	c.failure.process(serverID, msg, opts, cb)
}

// Call is Invoke waiting for the reply. A request the failure mode gave up
// on returns nil results and a nil error.
func (c *Client) Call(ctx context.Context, routeParam any, msg *Message) ([]any, error) {
	return wait(ctx, func(cb ReplyFunc) { c.Invoke(routeParam, msg, nil, cb) })
}

// CallServer is RPCInvoke waiting for the reply.
func (c *Client) CallServer(ctx context.Context, serverID string, msg *Message) ([]any, error) {
	return wait(ctx, func(cb ReplyFunc) { c.RPCInvoke(serverID, msg, nil, cb) })
}

func wait(ctx context.Context, invoke func(ReplyFunc)) ([]any, error) {
	type reply struct {
		results []any
		err     error
	}
	ch := make(chan reply, 1)
	invoke(onceReply(func(results []any, err error) {
		ch <- reply{results, err}
	}))
	select {
	case r := <-ch:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Before(f BeforeFilter) { c.station.Before(f) }

func (c *Client) After(f AfterFilter) { c.station.After(f) }

func (c *Client) Filter(f PhaseFilter) { c.station.Filter(f) }

// AddServer registers a server and resets the routing state of its type.
func (c *Client) AddServer(server ServerDescriptor) {
	c.AddServers([]ServerDescriptor{server})
}

func (c *Client) AddServers(servers []ServerDescriptor) {
	types := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		if old, ok := c.station.Server(s.ID); ok {
			types[old.Type] = struct{}{}
		}
		types[s.Type] = struct{}{}
	}
	c.station.AddServers(servers)
	c.reset(types)
}

// RemoveServer forgets a server and resets the routing state of its type.
func (c *Client) RemoveServer(serverID string) {
	c.RemoveServers([]string{serverID})
}

func (c *Client) RemoveServers(serverIDs []string) {
	types := make(map[string]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		if s, ok := c.station.Server(id); ok {
			types[s.Type] = struct{}{}
		}
	}
	c.station.RemoveServers(serverIDs)
	c.reset(types)
}

// ReplaceServers swaps the whole server table.
func (c *Client) ReplaceServers(servers []ServerDescriptor) {
	types := make(map[string]struct{})
	for _, t := range c.station.ServerTypes() {
		types[t] = struct{}{}
	}
	for _, s := range servers {
		types[s.Type] = struct{}{}
	}
	c.station.ReplaceServers(servers)
	c.reset(types)
}

func (c *Client) reset(types map[string]struct{}) {
	for t := range types {
		c.router.State().Reset(t)
	}
}

func (c *Client) Station() *Station { return c.station }

func (c *Client) Router() *Router { return c.router }
