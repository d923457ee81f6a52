// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"sync"
	"time"
)

// fakeMailbox answers every request in memory with its own server id
// unless reply says otherwise.
type fakeMailbox struct {
	id   string
	opts MailboxOptions

	mu         sync.Mutex
	gate       chan struct{}
	connectErr error
	reply      func(msg *Message, cb ReplyFunc)
	sent       []*Message
	connected  bool
	closed     bool
}

func (m *fakeMailbox) ID() string { return m.id }

func (m *fakeMailbox) Connect(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *fakeMailbox) Send(msg *Message, _ *Options, cb ReplyFunc) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	reply := m.reply
	m.mu.Unlock()
	if reply != nil {
		reply(msg, cb)
		return
	}
	cb([]any{m.id}, nil)
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMailbox) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// drop simulates the remote going away.
func (m *fakeMailbox) drop() {
	m.opts.OnClose(m.id)
}

// fakeNet hands out fake mailboxes and remembers every one it created.
type fakeNet struct {
	mu        sync.Mutex
	created   map[string][]*fakeMailbox
	configure func(m *fakeMailbox)
}

func newFakeNet() *fakeNet {
	return &fakeNet{created: make(map[string][]*fakeMailbox)}
}

func (n *fakeNet) factory(server ServerDescriptor, opts MailboxOptions) Mailbox {
	m := &fakeMailbox{id: server.ID, opts: opts}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.configure != nil {
		n.configure(m)
	}
	n.created[server.ID] = append(n.created[server.ID], m)
	return m
}

func (n *fakeNet) last(id string) *fakeMailbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	boxes := n.created[id]
	if len(boxes) == 0 {
		return nil
	}
	return boxes[len(boxes)-1]
}

func (n *fakeNet) count(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created[id])
}

type result struct {
	results []any
	err     error
}

// collect returns a ReplyFunc feeding a buffered channel.
func collect(size int) (ReplyFunc, chan result) {
	ch := make(chan result, size)
	return func(results []any, err error) { ch <- result{results, err} }, ch
}

func recv(ch <-chan result) (result, bool) {
	select {
	case r := <-ch:
		return r, true
	case <-time.After(2 * time.Second):
		return result{}, false
	}
}

func servers(specs ...string) []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(specs)/2)
	for i := 0; i+1 < len(specs); i += 2 {
		out = append(out, ServerDescriptor{ID: specs[i], Type: specs[i+1], Host: "127.0.0.1", Port: 3050 + i})
	}
	return out
}

func testMessage(serverType string, args ...any) *Message {
	return &Message{
		Namespace:  "user",
		ServerType: serverType,
		Service:    "echoRemote",
		Method:     "echo",
		Args:       args,
	}
}
