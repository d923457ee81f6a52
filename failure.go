// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// FailMode selects how a failed dispatch is handled.
type FailMode string

const (
	// FailOver retries other servers of the same type.
	FailOver FailMode = "failover"
	// FailFast hands every outcome straight to the caller.
	FailFast FailMode = "failfast"
	// FailSafe swallows panics raised while dispatching.
	FailSafe FailMode = "failsafe"
	// FailBack retries the same server after a delay.
	FailBack FailMode = "failback"
)

type dispatchFunc func(serverID string, msg *Message, opts *Options, cb ReplyFunc)

// failureProcessor wraps one logical dispatch in a FailMode. It chooses
// which server ids are tried and how giving up is reported; it never
// touches the message.
type failureProcessor struct {
	mode       FailMode
	retries    int
	interval   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *Metrics
	candidates func(serverType string) []string
	dispatch   dispatchFunc
}

func (p *failureProcessor) process(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	if p.mode == FailFast || p.mode == "" {
		p.dispatch(serverID, msg, opts, cb)
		return
	}
	final := onceReply(cb)
	switch p.mode {
	case FailSafe:
		p.failsafe(serverID, msg, opts, final)
	case FailOver:
		p.failover(serverID, msg, opts, final)
	case FailBack:
		p.failback(serverID, msg, opts, final)
	default:
		p.dispatch(serverID, msg, opts, final)
	}
}

func (p *failureProcessor) failsafe(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	p.attempt(serverID, msg, opts, func(results []any, err error, panicked bool) {
		if panicked {
			p.logger.Error("rpc client encounters with error", zap.String("server_id", serverID), zap.Error(err))
			cb(nil, nil)
			return
		}
		cb(results, err)
	})
}

func (p *failureProcessor) failover(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	servers := p.candidates(msg.ServerType)
	candidates := make([]string, 0, len(servers)+1)
	candidates = append(candidates, serverID)
	for _, id := range servers {
		if id != serverID {
			candidates = append(candidates, id)
		}
	}
	retries := p.retriesFor(opts)
	if retries > len(candidates)-1 {
		p.logger.Warn("failover retries exceed the number of servers",
			zap.String("server_type", msg.ServerType),
			zap.Int("retries", retries),
			zap.Int("servers", len(candidates)))
		retries = len(candidates) - 1
	}

	var try func(i int)
	try = func(i int) {
		p.attempt(candidates[i], msg, opts, func(results []any, err error, panicked bool) {
			if !panicked && !IsTransportError(err) {
				cb(results, err)
				return
			}
			if i >= retries {
				p.logger.Error("rpc failover gave up",
					zap.String("server_type", msg.ServerType),
					zap.Int("attempts", i+1),
					zap.Error(err))
				cb(nil, nil)
				return
			}
			p.logger.Warn("rpc failover to next server",
				zap.String("server_id", candidates[i]),
				zap.String("next", candidates[i+1]),
				zap.Error(err))
			p.metrics.retried(FailOver)
			try(i + 1)
		})
	}
	try(0)
}

func (p *failureProcessor) failback(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	interval := p.interval
	if opts != nil && opts.SendInterval > 0 {
		interval = opts.SendInterval
	}
	var try func(left int)
	try = func(left int) {
		p.attempt(serverID, msg, opts, func(results []any, err error, panicked bool) {
			if !panicked && !IsTransportError(err) {
				cb(results, err)
				return
			}
			if left <= 0 {
				p.logger.Error("rpc failback gave up", zap.String("server_id", serverID), zap.Error(err))
				cb(nil, nil)
				return
			}
			p.logger.Warn("rpc failback scheduled",
				zap.String("server_id", serverID),
				zap.Duration("interval", interval),
				zap.Int("left", left),
				zap.Error(err))
			p.metrics.retried(FailBack)
			p.clock.AfterFunc(interval, func() { try(left - 1) })
		})
	}
	try(p.retriesFor(opts))
}

func (p *failureProcessor) retriesFor(opts *Options) int {
	if opts != nil && opts.Retries > 0 {
		return opts.Retries
	}
	return p.retries
}

// attempt dispatches once and reports exactly one outcome to done: the
// reply, or a panic raised while dispatching. A panic raised by done itself
// is not swallowed.
func (p *failureProcessor) attempt(serverID string, msg *Message, opts *Options, done func(results []any, err error, panicked bool)) {
	var (
		once    sync.Once
		replied atomic.Bool
	)
	defer func() {
		if r := recover(); r != nil {
			if replied.Load() {
				panic(r)
			}
			once.Do(func() { done(nil, panicError(r), true) })
		}
	}()
	p.dispatch(serverID, msg, opts, func(results []any, err error) {
		once.Do(func() {
			replied.Store(true)
			done(results, err, false)
		})
	})
}

func onceReply(cb ReplyFunc) ReplyFunc {
	var once sync.Once
	return func(results []any, err error) {
		once.Do(func() {
			if cb != nil {
				cb(results, err)
			}
		})
	}
}
