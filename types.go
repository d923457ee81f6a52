// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luxfi/clusterrpc/codec"
)

// Message is one remote invocation.
type Message = codec.Message

// ServerDescriptor identifies one remote server instance.
type ServerDescriptor struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight,omitempty"`
}

// Addr returns host:port.
func (s ServerDescriptor) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// Options travel with a single dispatch through the filter chains and the
// failure processor. They are never put on the wire.
type Options struct {
	TraceID      string
	Timeout      time.Duration
	Retries      int
	SendInterval time.Duration
	Attach       map[string]any
}

// ReplyFunc receives the remote results or the error that prevented them.
// A call with both arguments nil means the request was given up silently.
type ReplyFunc func(results []any, err error)

// Session is implemented by route parameters that carry a user id.
type Session interface {
	UID() string
}

// Mailbox is a client handle for one connection to one server.
//
// Connect blocks until the connection is established or has failed.
// Send must not wait for the reply: it writes the request, or fails, and
// returns. cb is invoked exactly once, possibly before Send returns.
// Close is idempotent and fails outstanding requests.
type Mailbox interface {
	ID() string
	Connect(ctx context.Context) error
	Send(msg *Message, opts *Options, cb ReplyFunc)
	Close() error
}

// MailboxOptions configures a mailbox created by a MailboxFactory.
type MailboxOptions struct {
	// Timeout bounds the wait for each reply.
	Timeout time.Duration
	// Heartbeat is the ping interval for transports that support it; zero
	// disables heartbeats.
	Heartbeat time.Duration
	Codec     codec.Codec
	Clock     clock.Clock
	Logger    *zap.Logger
	// OnClose is called with the server id when the connection drops
	// without Close having been called.
	OnClose func(id string)
}

// MailboxFactory creates an unconnected mailbox for server.
type MailboxFactory func(server ServerDescriptor, opts MailboxOptions) Mailbox

// RequestHandler serves one decoded request.
type RequestHandler func(ctx context.Context, msg *Message, reply ReplyFunc)

// Acceptor is the server side of a transport.
type Acceptor interface {
	// Listen binds addr and starts serving in the background.
	Listen(addr string) error
	Addr() string
	Close() error
}

// AcceptorOptions configures an acceptor created by an AcceptorFactory.
type AcceptorOptions struct {
	Codec     codec.Codec
	Heartbeat time.Duration
	Clock     clock.Clock
	Logger    *zap.Logger
}

// AcceptorFactory creates an acceptor that feeds handler.
type AcceptorFactory func(opts AcceptorOptions, handler RequestHandler) Acceptor

func (o *MailboxOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Codec == nil {
		o.Codec = codec.Binary
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o *AcceptorOptions) setDefaults() {
	if o.Codec == nil {
		o.Codec = codec.Binary
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
