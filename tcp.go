// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/clusterrpc/codec"
)

// FrameType identifies tcp frame types
type FrameType uint8

const (
	FrameRequest  FrameType = 0x01
	FrameResponse FrameType = 0x02
	FramePing     FrameType = 0x03
	FramePong     FrameType = 0x04
)

const maxFrameSize = 64 * 1024 * 1024 // 64MB

var errFrameSize = errors.New("tcp: invalid frame size")

// writeFrame encodes [4 len][1 type][payload]
func writeFrame(w io.Writer, t FrameType, payload []byte) error {
	msgLen := 1 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(t)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, header []byte) (FrameType, []byte, error) {
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return 0, nil, err
	}
	msgLen := binary.BigEndian.Uint32(header[:4])
	if msgLen == 0 || msgLen > maxFrameSize {
		return 0, nil, errFrameSize
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return FrameType(msg[0]), msg[1:], nil
}

func replyTimeout(mailbox time.Duration, opts *Options) time.Duration {
	if opts != nil && opts.Timeout > 0 {
		return opts.Timeout
	}
	return mailbox
}

// tcpMailbox is the client end of one framed TCP connection.
type tcpMailbox struct {
	server  ServerDescriptor
	opts    MailboxOptions
	logger  *zap.Logger
	pending *pendingTable

	mu        sync.Mutex // guards conn against a concurrent Close
	conn      net.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closed    atomic.Bool
	awaiting  atomic.Bool // ping sent, pong not yet seen
	readDone  chan struct{}
}

// NewTCPMailbox creates a tcp mailbox for server.
func NewTCPMailbox(server ServerDescriptor, opts MailboxOptions) Mailbox {
	opts.setDefaults()
	return &tcpMailbox{
		server:   server,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("transport", TransportTCP), zap.String("server_id", server.ID)),
		pending:  newPendingTable(opts.Clock),
		readDone: make(chan struct{}),
	}
}

func (m *tcpMailbox) ID() string { return m.server.ID }

func (m *tcpMailbox) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}
	if m.connected.Load() {
		return errors.New("tcp: mailbox has already connected")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.server.Addr())
	if err != nil {
		return fmt.Errorf("tcp dial: %w", err)
	}
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

func (m *tcpMailbox) Send(msg *Message, opts *Options, cb ReplyFunc) {
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
		return
	}
	m.logger.Debug("request sent",
		zap.Uint32("id", id),
		zap.String("service", msg.Service),
		zap.String("method", msg.Method))
}

func (m *tcpMailbox) write(t FrameType, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeFrame(m.conn, t, payload)
}

func (m *tcpMailbox) readLoop() {
	defer close(m.readDone)

	header := make([]byte, 4)
	for {
		t, payload, err := readFrame(m.conn, header)
		if err != nil {
			m.lost(err)
			return
		}
		switch t {
		case FramePong:
			m.awaiting.Store(false)
		case FrameResponse:
			id, args, err := m.opts.Codec.DecodeResponse(payload)
			if err != nil {
				m.logger.Error("tcp mailbox process data error", zap.Error(err))
				continue
			}
			results, rerr := decodeResults(args)
			if !m.pending.resolve(id, results, rerr) {
				m.logger.Debug("reply for unknown or expired request", zap.Uint32("id", id))
			}
		}
	}
}

// heartbeat pings every interval. A ping still unanswered at the next tick
// means the connection is dead.
func (m *tcpMailbox) heartbeat() {
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
			if err := m.write(FramePing, nil); err != nil {
				m.conn.Close()
				return
			}
		}
	}
}

// lost runs when the read side ends. Unless Close caused it, the remote
// went away: fail the outstanding requests and report the close.
func (m *tcpMailbox) lost(err error) {
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

func (m *tcpMailbox) Close() error {
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

// tcpAcceptor serves framed TCP requests.
type tcpAcceptor struct {
	opts    AcceptorOptions
	handler RequestHandler
	logger  *zap.Logger

	listener net.Listener
	conns    sync.Map
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPAcceptor creates a tcp acceptor that feeds handler.
func NewTCPAcceptor(opts AcceptorOptions, handler RequestHandler) Acceptor {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &tcpAcceptor{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With(zap.String("transport", TransportTCP)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (a *tcpAcceptor) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = listener
	a.wg.Add(1)
	go a.serve()
	return nil
}

func (a *tcpAcceptor) serve() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.closed.Load() {
				return
			}
			a.logger.Warn("accept", zap.Error(err))
			continue
		}
		go a.handleConn(conn)
	}
}

type tcpServerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	seen    atomic.Bool
}

func (c *tcpServerConn) write(t FrameType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return writeFrame(c.conn, t, payload)
}

func (a *tcpAcceptor) handleConn(conn net.Conn) {
	sc := &tcpServerConn{conn: conn}
	defer conn.Close()
	a.conns.Store(conn, struct{}{})
	defer a.conns.Delete(conn)

	done := make(chan struct{})
	defer close(done)
	if a.opts.Heartbeat > 0 {
		go a.watch(sc, done)
	}

	header := make([]byte, 4)
	for {
		t, payload, err := readFrame(conn, header)
		if err != nil {
			return
		}
		sc.seen.Store(true)
		switch t {
		case FramePing:
			if err := sc.write(FramePong, nil); err != nil {
				return
			}
		case FrameRequest:
			go a.handleRequest(sc, payload)
		}
	}
}

// watch closes a connection that stayed silent for two heartbeat
// intervals.
func (a *tcpAcceptor) watch(sc *tcpServerConn, done <-chan struct{}) {
	ticker := a.opts.Clock.Ticker(2 * a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !sc.seen.Swap(false) {
				a.logger.Warn("ping timeout", zap.Stringer("remote", sc.conn.RemoteAddr()))
				sc.conn.Close()
				return
			}
		}
	}
}

func (a *tcpAcceptor) handleRequest(sc *tcpServerConn, payload []byte) {
	serveRequest(a.ctx, a.opts.Codec, a.logger, a.handler, payload, func(resp []byte) {
		if err := sc.write(FrameResponse, resp); err != nil {
			a.logger.Debug("write response", zap.Error(err))
		}
	})
}

func (a *tcpAcceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *tcpAcceptor) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	var err error
	if a.listener != nil {
		err = a.listener.Close()
	}
	a.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	a.wg.Wait()
	return err
}

// serveRequest decodes one request payload, runs handler and hands the
// encoded reply to write exactly once. A payload that cannot be decoded
// is answered with a RemoteError when its id is readable. Otherwise
// nothing is written and the decode error is returned.
func serveRequest(ctx context.Context, c codec.Codec, logger *zap.Logger, handler RequestHandler, payload []byte, write func([]byte)) error {
	reply := func(id uint32) ReplyFunc {
		var once sync.Once
		return func(results []any, err error) {
			once.Do(func() {
				resp, eerr := c.EncodeResponse(id, encodeResults(results, err))
				if eerr != nil {
					logger.Error("encode response", zap.Uint32("id", id), zap.Error(eerr))
					resp, eerr = c.EncodeResponse(id, encodeResults(nil, fmt.Errorf("encode response: %w", eerr)))
					if eerr != nil {
						return
					}
				}
				write(resp)
			})
		}
	}

	id, msg, err := c.DecodeRequest(payload)
	if err != nil {
		logger.Warn("decode request", zap.Error(err))
		if id, perr := codec.PeekID(payload); perr == nil {
			reply(id)(nil, fmt.Errorf("decode request: %w", err))
			return nil
		}
		return err
	}
	handler(ctx, msg, reply(id))
	return nil
}
