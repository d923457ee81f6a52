// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"sync"

	"github.com/google/uuid"
)

// Next continues a filter chain, optionally with a different server id,
// message or options.
type Next func(serverID string, msg *Message, opts *Options)

// BeforeFilter runs before a message is sent. It must call next exactly once.
type BeforeFilter interface {
	Before(serverID string, msg *Message, opts *Options, next Next)
}

// AfterFilter runs after the reply, or the failure, is known. It must call
// next exactly once.
type AfterFilter interface {
	After(serverID string, msg *Message, opts *Options, next Next)
}

// PhaseFilter takes part in both chains.
type PhaseFilter interface {
	BeforeFilter
	AfterFilter
}

// FilterFunc adapts a function to both filter phases.
type FilterFunc func(serverID string, msg *Message, opts *Options, next Next)

func (f FilterFunc) Before(serverID string, msg *Message, opts *Options, next Next) {
	f(serverID, msg, opts, next)
}

func (f FilterFunc) After(serverID string, msg *Message, opts *Options, next Next) {
	f(serverID, msg, opts, next)
}

type phase int

const (
	phaseBefore phase = iota
	phaseAfter
)

// filterChain holds the registered filters for both phases.
type filterChain struct {
	mu      sync.RWMutex
	befores []BeforeFilter
	afters  []AfterFilter
}

func (c *filterChain) addBefore(f BeforeFilter) {
	c.mu.Lock()
	c.befores = append(c.befores, f)
	c.mu.Unlock()
}

func (c *filterChain) addAfter(f AfterFilter) {
	c.mu.Lock()
	c.afters = append(c.afters, f)
	c.mu.Unlock()
}

// run walks the filters of one phase and then calls done with whatever the
// last filter passed on.
func (c *filterChain) run(p phase, serverID string, msg *Message, opts *Options, done Next) {
	c.mu.RLock()
	var steps []func(string, *Message, *Options, Next)
	if p == phaseBefore {
		steps = make([]func(string, *Message, *Options, Next), len(c.befores))
		for i, f := range c.befores {
			steps[i] = f.Before
		}
	} else {
		steps = make([]func(string, *Message, *Options, Next), len(c.afters))
		for i, f := range c.afters {
			steps[i] = f.After
		}
	}
	c.mu.RUnlock()

	r := &chainRun{steps: steps, done: done}
	r.next(serverID, msg, opts)
}

// chainRun is one pass over a filter list. A next called from inside the
// running filter is picked up by the loop instead of recursing; a next
// called later from elsewhere restarts the loop.
type chainRun struct {
	mu      sync.Mutex
	steps   []func(string, *Message, *Options, Next)
	idx     int
	running bool
	resumed bool

	serverID string
	msg      *Message
	opts     *Options

	done Next
}

func (r *chainRun) next(serverID string, msg *Message, opts *Options) {
	r.mu.Lock()
	r.serverID, r.msg, r.opts = serverID, msg, opts
	if r.running {
		r.resumed = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()
	r.loop()
}

func (r *chainRun) loop() {
	for {
		r.mu.Lock()
		serverID, msg, opts := r.serverID, r.msg, r.opts
		if r.idx >= len(r.steps) {
			r.running = false
			r.mu.Unlock()
			r.done(serverID, msg, opts)
			return
		}
		step := r.steps[r.idx]
		r.idx++
		r.resumed = false
		r.mu.Unlock()

		step(serverID, msg, opts, r.next)

		r.mu.Lock()
		if !r.resumed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// TraceFilter is a before-filter that stamps a fresh trace id on options
// that do not carry one yet.
func TraceFilter() BeforeFilter {
	return FilterFunc(func(serverID string, msg *Message, opts *Options, next Next) {
		if opts == nil {
			opts = &Options{}
		}
		if opts.TraceID == "" {
			opts.TraceID = uuid.NewString()
		}
		next(serverID, msg, opts)
	})
}
