// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type pendingCall struct {
	cb    ReplyFunc
	timer *clock.Timer
}

// pendingTable correlates outstanding requests with their replies. Every
// registered callback fires exactly once: on reply, on timeout or when the
// table is failed.
type pendingTable struct {
	mu     sync.Mutex
	clock  clock.Clock
	nextID uint32
	calls  map[uint32]*pendingCall
	closed bool
}

func newPendingTable(clk clock.Clock) *pendingTable {
	return &pendingTable{
		clock: clk,
		calls: make(map[uint32]*pendingCall),
	}
}

// add registers cb and returns its request id. The callback fails with
// ErrSendTimeout once timeout elapses without a reply.
func (t *pendingTable) add(timeout time.Duration, cb ReplyFunc) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrMailboxClosed
	}
	id := t.nextID
	t.nextID++
	call := &pendingCall{cb: cb}
	call.timer = t.clock.AfterFunc(timeout, func() {
		if c := t.take(id); c != nil {
			c.cb(nil, ErrSendTimeout)
		}
	})
	t.calls[id] = call
	return id, nil
}

func (t *pendingTable) take(id uint32) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	call.timer.Stop()
	return call
}

// resolve delivers a reply. It reports false for an id that already timed
// out or was never issued.
func (t *pendingTable) resolve(id uint32, results []any, err error) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.cb(results, err)
	return true
}

// fail completes one request with err, for a request whose write failed.
func (t *pendingTable) fail(id uint32, err error) {
	if call := t.take(id); call != nil {
		call.cb(nil, err)
	}
}

// failAll closes the table and fails every outstanding request.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	t.closed = true
	calls := t.calls
	t.calls = make(map[uint32]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.timer.Stop()
		call.cb(nil, err)
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
