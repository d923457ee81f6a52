// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"fmt"
	"sort"
	"sync"
)

// Transport types
const (
	TransportTCP  = "tcp"  // Framed TCP, default
	TransportWS   = "ws"   // WebSocket binary frames
	TransportHTTP = "http" // JSON-RPC 2.0 over HTTP
	TransportGRPC = "grpc" // Google RPC, requires build tag
)

// DefaultTransport is the default transport type (tcp)
const DefaultTransport = TransportTCP

type transport struct {
	mailbox  MailboxFactory
	acceptor AcceptorFactory
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transport{
		TransportTCP:  {NewTCPMailbox, NewTCPAcceptor},
		TransportWS:   {NewWSMailbox, NewWSAcceptor},
		TransportHTTP: {NewHTTPMailbox, NewHTTPAcceptor},
	}
)

// RegisterTransport registers a transport under name, replacing any
// previous registration. Build-tagged transports register from init.
func RegisterTransport(name string, mailbox MailboxFactory, acceptor AcceptorFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transport{mailbox, acceptor}
}

// MailboxFactoryFor returns the client side of a registered transport.
func MailboxFactoryFor(name string) (MailboxFactory, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok || t.mailbox == nil {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return t.mailbox, nil
}

// AcceptorFactoryFor returns the server side of a registered transport.
func AcceptorFactoryFor(name string) (AcceptorFactory, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok || t.acceptor == nil {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return t.acceptor, nil
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}
