// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clusterrpc is an RPC substrate for clusters of typed servers.
// A Client sends a Message to one server of a server type; a Gateway on
// the remote side resolves it to a method and returns the results.
//
// # Transport Selection
//
// tcp is the default transport. ws and http are always available; grpc
// needs a build tag:
//
//	go build              # tcp, ws, http
//	go build -tags grpc   # also grpc
//
// # Usage
//
// Server usage:
//
//	echo, _ := clusterrpc.ServiceOf(&EchoService{})
//	gw, err := clusterrpc.Listen(":3050", clusterrpc.Services{
//	    "user": {"echoRemote": echo},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Stop()
//
// Client usage:
//
//	client, err := clusterrpc.Dial(ctx,
//	    clusterrpc.WithServers(clusterrpc.ServerDescriptor{
//	        ID: "connector-1", Type: "connector", Host: "127.0.0.1", Port: 3050,
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(false)
//
//	results, err := client.Call(ctx, session, &clusterrpc.Message{
//	    Namespace:  "user",
//	    ServerType: "connector",
//	    Service:    "echoRemote",
//	    Method:     "echo",
//	    Args:       []any{"hello"},
//	})
//
// # Architecture
//
// The package separates concerns:
//
//   - station.go: mailbox lifecycle, lazy connect, pending queues, blackholes
//   - filter.go: before and after filter chains
//   - router.go: rd, rr, wrr, la, ch and df routing
//   - failure.go: failover, failfast, failsafe and failback
//   - dispatcher.go, gateway.go: the server side
//   - transport.go: Transport registry for build-tag extensibility
//   - tcp.go, ws.go, http.go, dial_grpc.go: transports
//   - codec/: the binary wire format
//
// Application code depends on Client and Gateway; transport selection is
// a deployment decision rather than a code change.
package clusterrpc
