//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const grpcInvoke = "/clusterrpc.Gateway/Invoke"

func init() {
	// Register gRPC transport when build tag is enabled
	RegisterTransport(TransportGRPC, NewGRPCMailbox, NewGRPCAcceptor)
}

// rawCodec moves the codec envelope through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "clusterrpc-raw" }

type grpcMailbox struct {
	server ServerDescriptor
	opts   MailboxOptions
	logger *zap.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	nextID atomic.Uint32
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGRPCMailbox creates a gRPC mailbox for server.
func NewGRPCMailbox(server ServerDescriptor, opts MailboxOptions) Mailbox {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &grpcMailbox{
		server: server,
		opts:   opts,
		logger: opts.Logger.With(zap.String("transport", TransportGRPC), zap.String("server_id", server.ID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *grpcMailbox) ID() string { return m.server.ID }

func (m *grpcMailbox) Connect(ctx context.Context) error {
	conn, err := grpc.NewClient(m.server.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			conn.Close()
			return fmt.Errorf("grpc dial: connection %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return fmt.Errorf("grpc dial: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		conn.Close()
		return ErrMailboxClosed
	}
	m.conn = conn
	return nil
}

func (m *grpcMailbox) Send(msg *Message, opts *Options, cb ReplyFunc) {
	id := m.nextID.Add(1)
	payload, err := m.opts.Codec.EncodeRequest(id, msg)
	if err != nil {
		cb(nil, fmt.Errorf("encode request: %w", err))
		return
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.closed.Load() {
		m.mu.Unlock()
		cb(nil, fmt.Errorf("%w: %s not connected", ErrSendFailure, m.server.ID))
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		results, err := m.invoke(conn, payload, replyTimeout(m.opts.Timeout, opts))
		// cb may close this mailbox
		m.wg.Done()
		cb(results, err)
	}()
}

func (m *grpcMailbox) invoke(conn *grpc.ClientConn, payload []byte, timeout time.Duration) ([]any, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	timer := m.opts.Clock.AfterFunc(timeout, cancel)
	defer timer.Stop()

	var resp []byte
	if err := conn.Invoke(ctx, grpcInvoke, &payload, &resp, grpc.ForceCodec(rawCodec{})); err != nil {
		switch {
		case m.closed.Load():
			return nil, ErrMailboxClosed
		case ctx.Err() != nil:
			return nil, ErrSendTimeout
		default:
			return nil, fmt.Errorf("%w: %v", ErrSendFailure, err)
		}
	}
	_, args, err := m.opts.Codec.DecodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decodeResults(args)
}

func (m *grpcMailbox) Close() error {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type grpcAcceptor struct {
	opts    AcceptorOptions
	handler RequestHandler
	logger  *zap.Logger

	listener net.Listener
	server   *grpc.Server
	closed   atomic.Bool
}

// NewGRPCAcceptor creates a gRPC acceptor that feeds handler.
func NewGRPCAcceptor(opts AcceptorOptions, handler RequestHandler) Acceptor {
	opts.setDefaults()
	a := &grpcAcceptor{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With(zap.String("transport", TransportGRPC)),
	}
	a.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(a.invoke),
	)
	return a
}

func (a *grpcAcceptor) invoke(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != grpcInvoke {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	var req []byte
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	done := make(chan []byte, 1)
	ctx := stream.Context()
	if err := serveRequest(ctx, a.opts.Codec, a.logger, a.handler, req, func(resp []byte) {
		done <- resp
	}); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	select {
	case resp := <-done:
		return stream.SendMsg(&resp)
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (a *grpcAcceptor) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = listener
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

func (a *grpcAcceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *grpcAcceptor) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.server.Stop()
	return nil
}
