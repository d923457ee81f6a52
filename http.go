// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	httpPath        = "/rpc"
	httpInvoke      = "Gateway.Invoke"
	maxRetries      = 3
	retryBaseWait   = 500 * time.Millisecond
	httpIdleTimeout = 30 * time.Second
)

// InvokeArgs carries one encoded request envelope.
type InvokeArgs struct {
	Payload []byte `json:"payload"`
}

// InvokeReply carries one encoded response envelope.
type InvokeReply struct {
	Payload []byte `json:"payload"`
}

// newHTTPClient creates an HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling when the
// remote restarts between requests.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// httpMailbox posts every request as a JSON-RPC 2.0 call. Requests run
// concurrently, so replies may complete out of order.
type httpMailbox struct {
	server ServerDescriptor
	opts   MailboxOptions
	logger *zap.Logger
	uri    string
	client *http.Client

	nextID    atomic.Uint32
	connected atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	mu sync.Mutex // orders wg.Add against Close
	wg sync.WaitGroup
}

// NewHTTPMailbox creates a JSON-RPC over HTTP mailbox for server.
func NewHTTPMailbox(server ServerDescriptor, opts MailboxOptions) Mailbox {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &httpMailbox{
		server: server,
		opts:   opts,
		logger: opts.Logger.With(zap.String("transport", TransportHTTP), zap.String("server_id", server.ID)),
		uri:    "http://" + server.Addr() + httpPath,
		client: newHTTPClient(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *httpMailbox) ID() string { return m.server.ID }

// Connect checks that the server accepts connections. HTTP keeps no
// connection open between requests.
func (m *httpMailbox) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.server.Addr())
	if err != nil {
		return fmt.Errorf("http dial: %w", err)
	}
	conn.Close()
	m.connected.Store(true)
	return nil
}

func (m *httpMailbox) Send(msg *Message, opts *Options, cb ReplyFunc) {
	if !m.connected.Load() || m.closed.Load() {
		cb(nil, fmt.Errorf("%w: %s not connected", ErrSendFailure, m.server.ID))
		return
	}
	id := m.nextID.Add(1)
	payload, err := m.opts.Codec.EncodeRequest(id, msg)
	if err != nil {
		cb(nil, fmt.Errorf("encode request: %w", err))
		return
	}
	body, err := json2.EncodeClientRequest(httpInvoke, &InvokeArgs{Payload: payload})
	if err != nil {
		cb(nil, fmt.Errorf("failed to encode client params: %w", err))
		return
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		cb(nil, ErrMailboxClosed)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		results, err := m.post(id, body, replyTimeout(m.opts.Timeout, opts))
		// cb may close this mailbox
		m.wg.Done()
		cb(results, err)
	}()
}

func (m *httpMailbox) post(id uint32, body []byte, timeout time.Duration) ([]any, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	timer := m.opts.Clock.AfterFunc(timeout, cancel)
	defer timer.Stop()

	var reply InvokeReply
	if err := m.do(ctx, body, &reply); err != nil {
		switch {
		case m.closed.Load():
			return nil, ErrMailboxClosed
		case ctx.Err() != nil:
			return nil, ErrSendTimeout
		default:
			return nil, fmt.Errorf("%w: %v", ErrSendFailure, err)
		}
	}
	rid, args, err := m.opts.Codec.DecodeResponse(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rid != id {
		return nil, fmt.Errorf("%w: response id %d for request %d", ErrSendFailure, rid, id)
	}
	return decodeResults(args)
}

// do issues the request, retrying transient failures with exponential
// backoff: 500ms, 1s.
func (m *httpMailbox) do(ctx context.Context, body []byte, reply *InvokeReply) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.opts.Clock.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.uri, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := m.client.Do(request)
		if err != nil {
			lastErr = err
			m.logger.Debug("request attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", isRetryableError(err)),
				zap.Error(err))
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}
		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

func (m *httpMailbox) Close() error {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.connected.Store(false)
	m.cancel()
	m.wg.Wait()
	return nil
}

// httpAcceptor serves Gateway.Invoke over JSON-RPC 2.0 at /rpc.
type httpAcceptor struct {
	opts    AcceptorOptions
	handler RequestHandler
	logger  *zap.Logger

	listener net.Listener
	server   *http.Server
	closed   atomic.Bool
}

// gatewayService is the JSON-RPC receiver registered as "Gateway".
type gatewayService struct {
	a *httpAcceptor
}

func (s *gatewayService) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	done := make(chan []byte, 1)
	a := s.a
	if err := serveRequest(r.Context(), a.opts.Codec, a.logger, a.handler, args.Payload, func(resp []byte) {
		done <- resp
	}); err != nil {
		return err
	}
	select {
	case resp := <-done:
		reply.Payload = resp
		return nil
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

// NewHTTPAcceptor creates a JSON-RPC over HTTP acceptor that feeds handler.
func NewHTTPAcceptor(opts AcceptorOptions, handler RequestHandler) Acceptor {
	opts.setDefaults()
	return &httpAcceptor{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With(zap.String("transport", TransportHTTP)),
	}
}

func (a *httpAcceptor) Listen(addr string) error {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&gatewayService{a: a}, "Gateway"); err != nil {
		return fmt.Errorf("register gateway service: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(httpPath, s)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = listener
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       httpIdleTimeout,
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

func (a *httpAcceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *httpAcceptor) Close() error {
	if a.closed.Swap(true) || a.server == nil {
		return nil
	}
	return a.server.Close()
}
