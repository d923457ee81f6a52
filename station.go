// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Station or Client. It only moves
// forward: Inited, Started, Closed.
type State int

const (
	StateInited State = iota
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type boxKind int

const (
	boxConnecting boxKind = iota
	boxConnected
	// boxBlackhole fails every send without touching the network. It
	// replaces a mailbox whose connect failed.
	boxBlackhole
)

type mailboxEntry struct {
	kind boxKind
	box  Mailbox
}

// StationConfig configures a Station.
type StationConfig struct {
	Servers        []ServerDescriptor
	MailboxFactory MailboxFactory
	// Mailbox is handed to every mailbox the factory creates. OnClose is
	// owned by the station and overwritten.
	Mailbox MailboxOptions

	LazyConnect bool
	// PendingSize caps the requests queued per connecting server.
	PendingSize int
	// GraceTimeout delays the mailbox close of a non-forced Stop.
	GraceTimeout time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics

	// OnError receives station level failures such as a failed connect.
	OnError func(err error)
	// OnClose receives the id of every mailbox the station closes or
	// loses.
	OnClose func(serverID string)
}

// Station owns every outbound mailbox. It connects them, lazily or up
// front, queues requests behind a connecting mailbox, runs the filter
// chains around each send and degrades failed servers to a blackhole.
type Station struct {
	mu          sync.Mutex
	state       State
	startCalled bool
	servers     map[string]ServerDescriptor
	types       map[string][]string
	mailboxes   map[string]*mailboxEntry
	pending     map[string][]func()

	filters filterChain

	factory     MailboxFactory
	mailboxOpts MailboxOptions
	lazy        bool
	pendingSize int
	grace       time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	onError func(error)
	onClose func(string)
}

// NewStation creates a station in the Inited state. No I/O happens until
// Start.
func NewStation(cfg StationConfig) *Station {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PendingSize <= 0 {
		cfg.PendingSize = DefaultPendingSize
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	if cfg.MailboxFactory == nil {
		cfg.MailboxFactory = NewTCPMailbox
	}
	if cfg.Mailbox.Clock == nil {
		cfg.Mailbox.Clock = cfg.Clock
	}
	if cfg.Mailbox.Logger == nil {
		cfg.Mailbox.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Station{
		servers:     make(map[string]ServerDescriptor),
		types:       make(map[string][]string),
		mailboxes:   make(map[string]*mailboxEntry),
		pending:     make(map[string][]func()),
		factory:     cfg.MailboxFactory,
		mailboxOpts: cfg.Mailbox,
		lazy:        cfg.LazyConnect,
		pendingSize: cfg.PendingSize,
		grace:       cfg.GraceTimeout,
		ctx:         ctx,
		cancel:      cancel,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("component", "station")),
		metrics:     cfg.Metrics,
		onError:     cfg.OnError,
		onClose:     cfg.OnClose,
	}
	for _, server := range cfg.Servers {
		s.addLocked(server)
	}
	return s
}

// State returns the lifecycle state.
func (s *Station) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the station to Started. In lazy mode it returns at once. In
// eager mode it connects every known server concurrently and returns nil
// once all have connected. The first connect error, or the end of ctx, is
// returned early; the remaining connects carry on and the station still
// becomes Started when every one has settled, with the failed servers
// blackholed. A second call returns ErrAlreadyStarted.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.startCalled {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.startCalled = true
	if s.state != StateInited {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.lazy {
		s.state = StateStarted
		s.mu.Unlock()
		s.logger.Info("station started", zap.Bool("lazy", true))
		return nil
	}

	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make(map[string]*mailboxEntry, len(ids))
	for _, id := range ids {
		if _, ok := s.mailboxes[id]; ok {
			continue
		}
		entries[id] = s.newEntryLocked(s.servers[id])
	}
	s.metrics.setMailboxes(len(s.mailboxes))
	s.mu.Unlock()

	results := make(chan error, len(entries))
	for id, entry := range entries {
		go func() { results <- s.connect(id, entry) }()
	}

	firstErr := make(chan error, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		failed := 0
		for range entries {
			if err := <-results; err != nil {
				if failed == 0 {
					firstErr <- err
				}
				failed++
			}
		}
		s.mu.Lock()
		if s.state == StateInited {
			s.state = StateStarted
		}
		s.mu.Unlock()
		s.logger.Info("station started",
			zap.Bool("lazy", false),
			zap.Int("mailboxes", len(entries)),
			zap.Int("blackholes", failed))
	}()

	select {
	case err := <-firstErr:
		return err
	case <-settled:
		select {
		case err := <-firstErr:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the station. Dispatch fails with ErrNotRunning from now on;
// requests already sent are not cancelled. With force the mailboxes are
// closed before Stop returns, otherwise after the grace timeout.
func (s *Station) Stop(force bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	if force {
		return s.closeAll()
	}
	s.clock.AfterFunc(s.grace, func() {
		if err := s.closeAll(); err != nil {
			s.logger.Warn("close mailboxes", zap.Error(err))
		}
	})
	return nil
}

func (s *Station) closeAll() error {
	s.mu.Lock()
	entries := s.mailboxes
	s.mailboxes = make(map[string]*mailboxEntry)
	queues := s.takeAllPendingLocked()
	s.metrics.setMailboxes(0)
	s.mu.Unlock()

	err := s.closeEntries(entries)
	s.cancel()
	replay(queues)
	return err
}

// Dispatch sends msg to serverID and reports the outcome through cb. It
// never blocks on the network.
func (s *Station) Dispatch(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	if cb == nil {
		cb = func([]any, error) {}
	}

	s.mu.Lock()
	if s.state != StateStarted {
		s.mu.Unlock()
		s.metrics.dispatchDone(ErrNotRunning)
		cb(nil, ErrNotRunning)
		return
	}
	entry, ok := s.mailboxes[serverID]
	if !ok {
		server, known := s.servers[serverID]
		if !known {
			s.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
			s.metrics.dispatchDone(err)
			cb(nil, err)
			return
		}
		entry = s.newEntryLocked(server)
		s.metrics.setMailboxes(len(s.mailboxes))
		s.enqueueLocked(serverID, func() { s.Dispatch(serverID, msg, opts, cb) })
		s.mu.Unlock()
		go s.connect(serverID, entry)
		return
	}
	if entry.kind == boxConnecting {
		s.enqueueLocked(serverID, func() { s.Dispatch(serverID, msg, opts, cb) })
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.filters.run(phaseBefore, serverID, msg, opts, func(serverID string, msg *Message, opts *Options) {
		s.send(serverID, msg, opts, cb)
	})
}

// send hands the filtered request to its mailbox. Whatever happens, the
// after chain sees the outcome before cb does.
func (s *Station) send(serverID string, msg *Message, opts *Options, cb ReplyFunc) {
	after := func(results []any, err error) {
		s.metrics.dispatchDone(err)
		s.filters.run(phaseAfter, serverID, msg, opts, func(string, *Message, *Options) {
			cb(results, err)
		})
	}

	s.mu.Lock()
	entry := s.mailboxes[serverID]
	var (
		kind boxKind
		box  Mailbox
	)
	if entry != nil {
		kind, box = entry.kind, entry.box
	}
	s.mu.Unlock()

	switch {
	case entry == nil || kind == boxConnecting:
		after(nil, fmt.Errorf("%w: %s", ErrNoMailbox, serverID))
	case kind == boxBlackhole:
		s.logger.Debug("message into blackhole",
			zap.String("server_id", serverID),
			zap.String("service", msg.Service),
			zap.String("method", msg.Method))
		after(nil, fmt.Errorf("%w: %s", ErrBlackhole, serverID))
	default:
		box.Send(msg, opts, after)
	}
}

// connect establishes one mailbox and flushes the requests queued behind
// it. A failed connect leaves a blackhole in its place.
func (s *Station) connect(serverID string, entry *mailboxEntry) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout())
	err := entry.box.Connect(ctx)
	cancel()

	s.mu.Lock()
	current := s.mailboxes[serverID] == entry
	var queue []func()
	if current {
		if err != nil {
			entry.kind = boxBlackhole
		} else {
			entry.kind = boxConnected
		}
		queue = s.takePendingLocked(serverID)
	}
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrConnectFailure, serverID, err)
		entry.box.Close()
		if current {
			s.logger.Error("switch mailbox to blackhole", zap.String("server_id", serverID), zap.Error(err))
			s.metrics.blackholed()
			s.emitError(err)
		}
	} else if !current {
		entry.box.Close()
	} else {
		s.logger.Debug("mailbox connected", zap.String("server_id", serverID))
	}
	replay(queue)
	return err
}

func (s *Station) connectTimeout() time.Duration {
	if s.mailboxOpts.Timeout > 0 {
		return s.mailboxOpts.Timeout
	}
	return DefaultTimeout
}

// lost handles a mailbox that dropped its connection on its own.
func (s *Station) lost(serverID string, entry *mailboxEntry) {
	s.mu.Lock()
	current := s.mailboxes[serverID] == entry && entry.kind == boxConnected
	if current {
		delete(s.mailboxes, serverID)
		s.metrics.setMailboxes(len(s.mailboxes))
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.logger.Warn("mailbox closed by remote", zap.String("server_id", serverID))
	entry.box.Close()
	s.emitClose(serverID)
}

func (s *Station) newEntryLocked(server ServerDescriptor) *mailboxEntry {
	entry := &mailboxEntry{kind: boxConnecting}
	opts := s.mailboxOpts
	opts.OnClose = func(id string) { s.lost(id, entry) }
	entry.box = s.factory(server, opts)
	s.mailboxes[server.ID] = entry
	return entry
}

func (s *Station) enqueueLocked(serverID string, call func()) {
	queue := s.pending[serverID]
	if len(queue) >= s.pendingSize {
		s.logger.Warn("request dropped",
			zap.String("server_id", serverID),
			zap.Int("size", s.pendingSize),
			zap.Error(ErrPendingOverflow))
		s.metrics.droppedPending()
		return
	}
	s.pending[serverID] = append(queue, call)
	s.metrics.addPending(1)
}

func (s *Station) takePendingLocked(serverID string) []func() {
	queue := s.pending[serverID]
	delete(s.pending, serverID)
	s.metrics.addPending(-len(queue))
	return queue
}

func (s *Station) takeAllPendingLocked() []func() {
	var all []func()
	for id := range s.pending {
		all = append(all, s.takePendingLocked(id)...)
	}
	return all
}

func replay(queue []func()) {
	for _, call := range queue {
		call()
	}
}

func (s *Station) closeEntries(entries map[string]*mailboxEntry) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var err error
	for _, id := range ids {
		err = multierr.Append(err, entries[id].box.Close())
		s.emitClose(id)
	}
	return err
}

func (s *Station) emitError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Station) emitClose(serverID string) {
	if s.onClose != nil {
		s.onClose(serverID)
	}
}

// Before registers a before-filter.
func (s *Station) Before(f BeforeFilter) { s.filters.addBefore(f) }

// After registers an after-filter.
func (s *Station) After(f AfterFilter) { s.filters.addAfter(f) }

// Filter registers f in both chains.
func (s *Station) Filter(f PhaseFilter) {
	s.filters.addBefore(f)
	s.filters.addAfter(f)
}

// AddServer registers or replaces one server descriptor.
func (s *Station) AddServer(server ServerDescriptor) {
	s.AddServers([]ServerDescriptor{server})
}

func (s *Station) AddServers(servers []ServerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, server := range servers {
		s.addLocked(server)
	}
}

func (s *Station) addLocked(server ServerDescriptor) {
	old, known := s.servers[server.ID]
	if known && old.Type != server.Type {
		s.types[old.Type] = without(s.types[old.Type], server.ID)
		if len(s.types[old.Type]) == 0 {
			delete(s.types, old.Type)
		}
	}
	if !known || old.Type != server.Type {
		s.types[server.Type] = append(s.types[server.Type], server.ID)
	}
	s.servers[server.ID] = server
}

// RemoveServer forgets a server, closes its mailbox or blackhole and fails
// the requests queued for it.
func (s *Station) RemoveServer(serverID string) {
	s.RemoveServers([]string{serverID})
}

func (s *Station) RemoveServers(serverIDs []string) {
	s.mu.Lock()
	entries := make(map[string]*mailboxEntry)
	var queues []func()
	for _, id := range serverIDs {
		if server, ok := s.servers[id]; ok {
			s.types[server.Type] = without(s.types[server.Type], id)
			if len(s.types[server.Type]) == 0 {
				delete(s.types, server.Type)
			}
			delete(s.servers, id)
		}
		if entry, ok := s.mailboxes[id]; ok {
			entries[id] = entry
			delete(s.mailboxes, id)
		}
		queues = append(queues, s.takePendingLocked(id)...)
	}
	s.metrics.setMailboxes(len(s.mailboxes))
	s.mu.Unlock()

	if err := s.closeEntries(entries); err != nil {
		s.logger.Warn("close removed mailboxes", zap.Error(err))
	}
	replay(queues)
}

// ReplaceServers drops every server, mailbox and pending queue and
// installs servers in their place. Requests that were queued are replayed
// against the new table.
func (s *Station) ReplaceServers(servers []ServerDescriptor) {
	s.mu.Lock()
	entries := s.mailboxes
	queues := s.takeAllPendingLocked()
	s.mailboxes = make(map[string]*mailboxEntry)
	s.servers = make(map[string]ServerDescriptor)
	s.types = make(map[string][]string)
	for _, server := range servers {
		s.addLocked(server)
	}
	s.metrics.setMailboxes(0)
	s.mu.Unlock()

	if err := s.closeEntries(entries); err != nil {
		s.logger.Warn("close replaced mailboxes", zap.Error(err))
	}
	replay(queues)
}

// Server returns the descriptor of serverID.
func (s *Station) Server(serverID string) (ServerDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	return server, ok
}

// ServersByType returns the server ids of one type in registration order.
func (s *Station) ServersByType(serverType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types[serverType]...)
}

// ServerTypes returns the known server types, sorted.
func (s *Station) ServerTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.types))
	for t := range s.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Servers returns every descriptor, sorted by id.
func (s *Station) Servers() []ServerDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerDescriptor, 0, len(s.servers))
	for _, server := range s.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
