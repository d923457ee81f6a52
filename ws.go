// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsBufferSize       = 4096
	wsHandshakeTimeout = 10 * time.Second
	wsWriteWait        = 10 * time.Second
)

// wsMailbox carries requests as binary websocket messages
// [1 type][payload], with websocket control frames as heartbeat.
type wsMailbox struct {
	server  ServerDescriptor
	opts    MailboxOptions
	logger  *zap.Logger
	pending *pendingTable

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closed    atomic.Bool
	awaiting  atomic.Bool
	readDone  chan struct{}
}

// NewWSMailbox creates a websocket mailbox for server.
func NewWSMailbox(server ServerDescriptor, opts MailboxOptions) Mailbox {
	opts.setDefaults()
	return &wsMailbox{
		server:   server,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("transport", TransportWS), zap.String("server_id", server.ID)),
		pending:  newPendingTable(opts.Clock),
		readDone: make(chan struct{}),
	}
}

func (m *wsMailbox) ID() string { return m.server.ID }

func (m *wsMailbox) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}
	if m.connected.Load() {
		return errors.New("ws: mailbox has already connected")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://"+m.server.Addr()+"/", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		m.awaiting.Store(false)
		return nil
	})

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		conn.Close()
		return ErrMailboxClosed
	}
	m.conn = conn
	m.connected.Store(true)
	m.mu.Unlock()

	go m.readLoop()
	if m.opts.Heartbeat > 0 {
		go m.heartbeat()
	}
	return nil
}

func (m *wsMailbox) Send(msg *Message, opts *Options, cb ReplyFunc) {
	if !m.connected.Load() || m.closed.Load() {
		cb(nil, fmt.Errorf("%w: %s not connected", ErrSendFailure, m.server.ID))
		return
	}
	id, err := m.pending.add(replyTimeout(m.opts.Timeout, opts), cb)
	if err != nil {
		cb(nil, err)
		return
	}
	payload, err := m.opts.Codec.EncodeRequest(id, msg)
	if err != nil {
		m.pending.fail(id, fmt.Errorf("encode request: %w", err))
		return
	}
	if err := m.write(FrameRequest, payload); err != nil {
		m.pending.fail(id, fmt.Errorf("%w: %v", ErrSendFailure, err))
	}
}

func (m *wsMailbox) write(t FrameType, payload []byte) error {
	return writeWS(&m.writeMu, m.conn, t, payload)
}

func writeWS(mu *sync.Mutex, conn *websocket.Conn, t FrameType, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(t)
	copy(buf[1:], payload)
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (m *wsMailbox) readLoop() {
	defer close(m.readDone)
	for {
		kind, data, err := m.conn.ReadMessage()
		if err != nil {
			m.lost(err)
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 || FrameType(data[0]) != FrameResponse {
			continue
		}
		id, args, err := m.opts.Codec.DecodeResponse(data[1:])
		if err != nil {
			m.logger.Error("ws mailbox process data error", zap.Error(err))
			continue
		}
		results, rerr := decodeResults(args)
		if !m.pending.resolve(id, results, rerr) {
			m.logger.Debug("reply for unknown or expired request", zap.Uint32("id", id))
		}
	}
}

func (m *wsMailbox) heartbeat() {
	ticker := m.opts.Clock.Ticker(m.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-m.readDone:
			return
		case <-ticker.C:
			if m.awaiting.Load() {
				m.logger.Warn("pong timeout, closing connection")
				m.conn.Close()
				return
			}
			m.awaiting.Store(true)
			if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				m.conn.Close()
				return
			}
		}
	}
}

func (m *wsMailbox) lost(err error) {
	if m.closed.Swap(true) {
		return
	}
	m.connected.Store(false)
	m.logger.Warn("connection lost", zap.Error(err))
	m.conn.Close()
	m.pending.failAll(ErrMailboxClosed)
	if m.opts.OnClose != nil {
		m.opts.OnClose(m.server.ID)
	}
}

func (m *wsMailbox) Close() error {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	m.connected.Store(false)
	conn := m.conn
	m.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.pending.failAll(ErrMailboxClosed)
	return err
}

// wsAcceptor upgrades every request on its listener to a websocket.
type wsAcceptor struct {
	opts     AcceptorOptions
	handler  RequestHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server
	conns    sync.Map
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewWSAcceptor creates a websocket acceptor that feeds handler.
func NewWSAcceptor(opts AcceptorOptions, handler RequestHandler) Acceptor {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &wsAcceptor{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With(zap.String("transport", TransportWS)),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   wsBufferSize,
			WriteBufferSize:  wsBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	a.server = &http.Server{
		Handler:           http.HandlerFunc(a.serveHTTP),
		ReadHeaderTimeout: wsHandshakeTimeout,
	}
	return a
}

func (a *wsAcceptor) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = listener
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

func (a *wsAcceptor) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	a.conns.Store(conn, struct{}{})
	defer a.conns.Delete(conn)

	var (
		writeMu sync.Mutex
		seen    atomic.Bool
	)
	conn.SetPingHandler(func(data string) error {
		seen.Store(true)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
	done := make(chan struct{})
	defer close(done)
	if a.opts.Heartbeat > 0 {
		go func() {
			ticker := a.opts.Clock.Ticker(2 * a.opts.Heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if !seen.Swap(false) {
						a.logger.Warn("ping timeout", zap.String("remote", r.RemoteAddr))
						conn.Close()
						return
					}
				}
			}
		}()
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		seen.Store(true)
		if kind != websocket.BinaryMessage || len(data) < 1 || FrameType(data[0]) != FrameRequest {
			continue
		}
		go serveRequest(a.ctx, a.opts.Codec, a.logger, a.handler, data[1:], func(resp []byte) {
			if err := writeWS(&writeMu, conn, FrameResponse, resp); err != nil {
				a.logger.Debug("write response", zap.Error(err))
			}
		})
	}
}

func (a *wsAcceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *wsAcceptor) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	err := a.server.Close()
	a.conns.Range(func(key, _ any) bool {
		key.(*websocket.Conn).Close()
		return true
	})
	return err
}
