// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"fmt"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	gjson "github.com/goccy/go-json"
)

// Strategy selects how a server id is chosen for a server type.
type Strategy string

const (
	StrategyRandom             Strategy = "rd"
	StrategyRoundRobin         Strategy = "rr"
	StrategyWeightedRoundRobin Strategy = "wrr"
	StrategyLeastActive        Strategy = "la"
	StrategyConsistentHash     Strategy = "ch"
	StrategyDefault            Strategy = "df"
)

// RouteContext exposes the server table to routing functions.
type RouteContext interface {
	// ServersByType returns the ids of the servers of one type in
	// registration order.
	ServersByType(serverType string) []string
	Server(id string) (ServerDescriptor, bool)
}

// RouteFunc picks a server id for msg and reports it through cb.
type RouteFunc func(routeParam any, msg *Message, rc RouteContext, cb func(serverID string, err error))

// RouterState is the mutable routing state of one client. Sharing it
// between clients couples their cursors.
type RouterState struct {
	mu    sync.Mutex
	rr    map[string]int
	wrr   map[string]*wrrCursor
	la    map[string]int
	rings map[string]*hashRing
}

type wrrCursor struct {
	index  int
	weight int
}

func NewRouterState() *RouterState {
	return &RouterState{
		rr:    make(map[string]int),
		wrr:   make(map[string]*wrrCursor),
		la:    make(map[string]int),
		rings: make(map[string]*hashRing),
	}
}

// Reset forgets the cursors and the cached ring of one server type.
// Least-active counters are kept per server id and survive.
func (s *RouterState) Reset(serverType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rr, serverType)
	delete(s.wrr, serverType)
	delete(s.rings, serverType)
}

// Active returns the least-active counter of a server id.
func (s *RouterState) Active(serverID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.la[serverID]
}

// Router resolves a target server id for a message.
type Router struct {
	strategy       Strategy
	state          *RouterState
	hashFieldIndex int
	replicas       int
	route          RouteFunc
}

// NewRouter returns a router for strategy. A non-nil route overrides the
// strategy with a caller supplied function.
func NewRouter(strategy Strategy, state *RouterState, route RouteFunc) *Router {
	if state == nil {
		state = NewRouterState()
	}
	if strategy == "" {
		strategy = StrategyRandom
	}
	return &Router{
		strategy: strategy,
		state:    state,
		replicas: DefaultHashReplicas,
		route:    route,
	}
}

func (r *Router) State() *RouterState { return r.state }

// WithHashing sets the consistent-hash key argument index and the number
// of ring points per server.
func (r *Router) WithHashing(fieldIndex, replicas int) *Router {
	r.hashFieldIndex = fieldIndex
	if replicas > 0 {
		r.replicas = replicas
	}
	return r
}

// Route picks a server of msg.ServerType. Errors, including panics raised
// by a custom RouteFunc, are reported through cb.
func (r *Router) Route(rc RouteContext, routeParam any, msg *Message, cb func(serverID string, err error)) {
	if r.route != nil || r.strategy == StrategyDefault {
		route := r.route
		if route == nil {
			route = SessionRoute
		}
		r.safeRoute(route, routeParam, msg, rc, cb)
		return
	}

	servers := rc.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		cb("", fmt.Errorf("%w: %s", ErrUnknownRoute, msg.ServerType))
		return
	}
	var (
		id  string
		err error
	)
	switch r.strategy {
	case StrategyRoundRobin:
		id = r.roundRobin(msg.ServerType, servers)
	case StrategyWeightedRoundRobin:
		id, err = r.weightedRoundRobin(rc, msg.ServerType, servers)
	case StrategyLeastActive:
		id = r.leastActive(servers)
	case StrategyConsistentHash:
		id, err = r.consistentHash(msg, servers)
	default:
		id = servers[rand.IntN(len(servers))]
	}
	cb(id, err)
}

func (r *Router) safeRoute(route RouteFunc, routeParam any, msg *Message, rc RouteContext, cb func(string, error)) {
	var once sync.Once
	var called atomic.Bool
	reply := func(id string, err error) {
		once.Do(func() {
			called.Store(true)
			cb(id, err)
		})
	}
	defer func() {
		if p := recover(); p != nil {
			if called.Load() {
				// raised past the route, by whatever cb ran
				panic(p)
			}
			reply("", fmt.Errorf("route function: %w", panicError(p)))
		}
	}()
	route(routeParam, msg, rc, reply)
}

func (r *Router) roundRobin(serverType string, servers []string) string {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	index := r.state.rr[serverType]
	id := servers[index%len(servers)]
	if index == math.MaxInt {
		index = 0
	} else {
		index++
	}
	r.state.rr[serverType] = index
	return id
}

func (r *Router) weightedRoundRobin(rc RouteContext, serverType string, servers []string) (string, error) {
	weights := make([]int, len(servers))
	maxWeight := 0
	for i, id := range servers {
		if s, ok := rc.Server(id); ok {
			weights[i] = s.Weight
		}
		if weights[i] > maxWeight {
			maxWeight = weights[i]
		}
	}
	if maxWeight <= 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidWeight, serverType)
	}

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	cur, ok := r.state.wrr[serverType]
	if !ok {
		cur = &wrrCursor{index: -1}
		r.state.wrr[serverType] = cur
	}
	for {
		cur.index = (cur.index + 1) % len(servers)
		if cur.index == 0 {
			cur.weight--
			if cur.weight <= 0 {
				cur.weight = maxWeight
			}
		}
		if weights[cur.index] >= cur.weight {
			return servers[cur.index], nil
		}
	}
}

// leastActive picks randomly among the servers with the lowest counter and
// bumps the winner. Counters are never decremented.
func (r *Router) leastActive(servers []string) string {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	minActive := math.MaxInt
	var candidates []string
	for _, id := range servers {
		n := r.state.la[id]
		switch {
		case n < minActive:
			minActive = n
			candidates = append(candidates[:0], id)
		case n == minActive:
			candidates = append(candidates, id)
		}
	}
	id := candidates[rand.IntN(len(candidates))]
	r.state.la[id]++
	return id
}

func (r *Router) consistentHash(msg *Message, servers []string) (string, error) {
	key, err := r.hashKey(msg)
	if err != nil {
		return "", err
	}
	r.state.mu.Lock()
	ring, ok := r.state.rings[msg.ServerType]
	if !ok {
		ring = newHashRing(servers, r.replicas)
		r.state.rings[msg.ServerType] = ring
	}
	r.state.mu.Unlock()

	id, ok := ring.get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, msg.ServerType)
	}
	return id, nil
}

func (r *Router) hashKey(msg *Message) (string, error) {
	if i := r.hashFieldIndex; i >= 0 && i < len(msg.Args) && msg.Args[i] != nil {
		if s, ok := msg.Args[i].(string); ok {
			return s, nil
		}
		return fmt.Sprint(msg.Args[i]), nil
	}
	data, err := gjson.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(data), nil
}

// SessionRoute is the default route function. It hashes the session user
// id with CRC-32 so one user always lands on the same server while the
// server list is stable.
func SessionRoute(routeParam any, msg *Message, rc RouteContext, cb func(serverID string, err error)) {
	servers := rc.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		cb("", fmt.Errorf("%w: %s", ErrUnknownRoute, msg.ServerType))
		return
	}
	var uid string
	switch p := routeParam.(type) {
	case string:
		uid = p
	case Session:
		uid = p.UID()
	case fmt.Stringer:
		uid = p.String()
	}
	index := crc32.ChecksumIEEE([]byte(uid)) % uint32(len(servers))
	cb(servers[index], nil)
}
