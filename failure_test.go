// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedDispatch records the server ids it is asked for and answers
// each with the outcome returned by answer.
type scriptedDispatch struct {
	mu     sync.Mutex
	tried  []string
	answer func(serverID string, attempt int) (results []any, err error, panics bool)
}

func (d *scriptedDispatch) dispatch(serverID string, _ *Message, _ *Options, cb ReplyFunc) {
	d.mu.Lock()
	d.tried = append(d.tried, serverID)
	attempt := len(d.tried)
	d.mu.Unlock()
	results, err, panics := d.answer(serverID, attempt)
	if panics {
		panic("dispatch exploded")
	}
	cb(results, err)
}

func (d *scriptedDispatch) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tried...)
}

func newProcessor(t *testing.T, mode FailMode, retries int, d *scriptedDispatch, clk clock.Clock) *failureProcessor {
	if clk == nil {
		clk = clock.NewMock()
	}
	return &failureProcessor{
		mode:     mode,
		retries:  retries,
		interval: DefaultSendInterval,
		clock:    clk,
		logger:   zaptest.NewLogger(t),
		candidates: func(string) []string {
			return []string{"c-1", "c-2", "c-3"}
		},
		dispatch: d.dispatch,
	}
}

func TestFailFastPassesEverythingThrough(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, ErrBlackhole, false
	}}
	p := newProcessor(t, FailFast, 2, d, nil)

	cb, ch := collect(1)
	p.process("c-2", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrBlackhole)
	require.Equal(t, []string{"c-2"}, d.attempts())
}

func TestFailSafeSwallowsPanic(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, nil, true
	}}
	p := newProcessor(t, FailSafe, 0, d, nil)

	cb, ch := collect(1)
	require.NotPanics(t, func() {
		p.process("c-1", testMessage("connector"), &Options{}, cb)
	})
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Nil(t, r.results)
}

func TestFailSafeKeepsOrdinaryErrors(t *testing.T) {
	remote := &RemoteError{Message: "bad input"}
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, remote, false
	}}
	p := newProcessor(t, FailSafe, 0, d, nil)

	cb, ch := collect(1)
	p.process("c-1", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.Same(t, remote, r.err)
}

func TestFailoverTriesOtherServers(t *testing.T) {
	d := &scriptedDispatch{answer: func(id string, _ int) ([]any, error, bool) {
		if id == "c-3" {
			return []any{"ok"}, nil, false
		}
		return nil, ErrBlackhole, false
	}}
	p := newProcessor(t, FailOver, 2, d, nil)

	cb, ch := collect(1)
	p.process("c-2", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, []any{"ok"}, r.results)
	require.Equal(t, []string{"c-2", "c-1", "c-3"}, d.attempts())
}

func TestFailoverGivesUpAfterRetries(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, nil, true
	}}
	p := newProcessor(t, FailOver, 2, d, nil)

	cb, ch := collect(1)
	p.process("c-1", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Nil(t, r.results)

	tried := d.attempts()
	require.Len(t, tried, 3)
	distinct := map[string]struct{}{}
	for _, id := range tried {
		distinct[id] = struct{}{}
	}
	require.Len(t, distinct, 3)
}

func TestFailoverClampsRetries(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, ErrSendTimeout, false
	}}
	p := newProcessor(t, FailOver, 10, d, nil)

	cb, ch := collect(1)
	p.process("c-1", testMessage("connector"), &Options{}, cb)
	_, ok := recv(ch)
	require.True(t, ok)
	require.Len(t, d.attempts(), 3)
}

func TestFailoverDoesNotRetryRemoteErrors(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, &RemoteError{Message: "no such method:nope"}, false
	}}
	p := newProcessor(t, FailOver, 2, d, nil)

	cb, ch := collect(1)
	p.process("c-1", testMessage("connector"), &Options{}, cb)
	r, ok := recv(ch)
	require.True(t, ok)
	require.ErrorIs(t, r.err, ErrUnknownMethod)
	require.Equal(t, []string{"c-1"}, d.attempts())
}

func TestFailbackRetriesSameServerAfterInterval(t *testing.T) {
	mock := clock.NewMock()
	d := &scriptedDispatch{answer: func(_ string, attempt int) ([]any, error, bool) {
		if attempt < 3 {
			return nil, ErrBlackhole, false
		}
		return []any{"ok"}, nil, false
	}}
	p := newProcessor(t, FailBack, 5, d, mock)

	cb, ch := collect(1)
	p.process("c-2", testMessage("connector"), &Options{SendInterval: time.Second}, cb)
	require.Equal(t, []string{"c-2"}, d.attempts())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(ch) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Equal(t, []any{"ok"}, r.results)
	require.Equal(t, []string{"c-2", "c-2", "c-2"}, d.attempts())
}

func TestFailbackGivesUp(t *testing.T) {
	mock := clock.NewMock()
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return nil, ErrMailboxClosed, false
	}}
	p := newProcessor(t, FailBack, 2, d, mock)

	cb, ch := collect(1)
	p.process("c-1", testMessage("connector"), &Options{}, cb)
	require.Eventually(t, func() bool {
		mock.Add(DefaultSendInterval)
		return len(ch) == 1
	}, 2*time.Second, 5*time.Millisecond)
	r, ok := recv(ch)
	require.True(t, ok)
	require.NoError(t, r.err)
	require.Nil(t, r.results)
	require.Len(t, d.attempts(), 3)
}

func TestFailurePanicInCallbackIsNotSwallowed(t *testing.T) {
	d := &scriptedDispatch{answer: func(string, int) ([]any, error, bool) {
		return []any{"ok"}, nil, false
	}}
	p := newProcessor(t, FailSafe, 0, d, nil)
	require.PanicsWithValue(t, "caller bug", func() {
		p.process("c-1", testMessage("connector"), &Options{}, func([]any, error) {
			panic("caller bug")
		})
	})
}
