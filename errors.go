// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrNotRunning      = errors.New("clusterrpc: not running")
	ErrAlreadyStarted  = errors.New("clusterrpc: already started")
	ErrUnknownServer   = errors.New("clusterrpc: unknown server")
	ErrUnknownRoute    = errors.New("clusterrpc: no servers for type")
	ErrConnectFailure  = errors.New("clusterrpc: fail to connect to remote server")
	ErrBlackhole       = errors.New("clusterrpc: message was forward to blackhole")
	ErrNoMailbox       = errors.New("clusterrpc: can not find mailbox")
	ErrSendTimeout     = errors.New("clusterrpc: rpc callback timeout")
	ErrSendFailure     = errors.New("clusterrpc: send failure")
	ErrMailboxClosed   = errors.New("clusterrpc: mailbox closed")
	ErrInvalidWeight   = errors.New("clusterrpc: wrr route get invalid weight")
	ErrInvalidConfig   = errors.New("clusterrpc: invalid config")
	ErrPendingOverflow = errors.New("clusterrpc: pending queue full")

	ErrUnknownNamespace = errors.New("no such namespace")
	ErrUnknownService   = errors.New("no such service")
	ErrUnknownMethod    = errors.New("no such method")
)

// IsTransportError reports whether err is a transport- or routing-level
// failure that a retrying failure mode may resolve by trying again.
func IsTransportError(err error) bool {
	for _, target := range []error{
		ErrConnectFailure,
		ErrBlackhole,
		ErrNoMailbox,
		ErrUnknownServer,
		ErrSendTimeout,
		ErrSendFailure,
		ErrMailboxClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RemoteError is an error reported by the remote handler. Only its text
// crosses the wire.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the dispatcher resolution errors by their message prefix so
// callers can test errors.Is(err, ErrUnknownMethod) on the client side.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnknownNamespace, ErrUnknownService, ErrUnknownMethod:
		prefix := target.Error() + ":"
		return len(e.Message) >= len(prefix) && e.Message[:len(prefix)] == prefix
	}
	return false
}

func toRemoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Message: err.Error(), Stack: fmt.Sprintf("%+v", err)}
}

func panicError(r any) *RemoteError {
	return &RemoteError{
		Message: fmt.Sprintf("panic: %v", r),
		Stack:   string(debug.Stack()),
	}
}

// encodeResults prepends the error slot to results for the wire.
func encodeResults(results []any, err error) []any {
	out := make([]any, 0, len(results)+1)
	if err != nil {
		re := toRemoteError(err)
		out = append(out, map[string]any{"message": re.Message, "stack": re.Stack})
	} else {
		out = append(out, nil)
	}
	return append(out, results...)
}

// decodeResults splits a wire result list into results and error.
func decodeResults(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var err error
	switch e := args[0].(type) {
	case nil:
	case map[string]any:
		re := &RemoteError{}
		re.Message, _ = e["message"].(string)
		re.Stack, _ = e["stack"].(string)
		err = re
	case string:
		err = &RemoteError{Message: e}
	default:
		err = &RemoteError{Message: fmt.Sprint(e)}
	}
	return args[1:], err
}
