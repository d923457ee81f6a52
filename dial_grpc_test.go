//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGRPCRoundTrip(t *testing.T) {
	server := startGateway(t, TransportGRPC, echoServices(t, "v1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, WithTransport(TransportGRPC), WithServers(server))
	require.NoError(t, err)
	defer c.Stop(true)

	results, err := c.Call(ctx, nil, testMessage("connector", "hello"))
	require.NoError(t, err)
	require.Equal(t, []any{"v1", "hello"}, results)
}

func TestGRPCRemoveServerFromReply(t *testing.T) {
	removeServerFromReply(t, TransportGRPC)
}
