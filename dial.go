// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"fmt"
)

// Dial creates and starts a client. With eager connect it returns once
// every configured server is connected.
func Dial(ctx context.Context, opts ...ClientOption) (*Client, error) {
	c, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Stop(true)
		return nil, fmt.Errorf("start client: %w", err)
	}
	return c, nil
}

// Listen creates and starts a gateway serving services on addr.
func Listen(addr string, services Services, opts ...ServerOption) (*Gateway, error) {
	opts = append([]ServerOption{WithListenAddr(addr), WithServices(services)}, opts...)
	g, err := NewGateway(opts...)
	if err != nil {
		return nil, err
	}
	if err := g.Start(); err != nil {
		g.acceptor.Close()
		return nil, err
	}
	return g, nil
}
