// Package realtime keeps one logical realtime channel alive across
// transient network loss: exponential-backoff reconnection, heartbeat
// probing for zombie connections, and connection-state fan-out to
// interested listeners.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the connection lifecycle position.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Event names a listener-visible occurrence.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventError        Event = "error"
	EventMessage      Event = "message"
	// EventGaveUp fires once auto-reconnection stops after
	// MaxReconnectAttempts; the UI should offer a manual retry.
	EventGaveUp Event = "max_reconnect_attempts_reached"
)

// Config holds the stabilizer tunables.
type Config struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	// ForcedReconnectDelay is the short fixed delay used after a
	// forced teardown, instead of the backoff schedule.
	ForcedReconnectDelay time.Duration
}

func (c *Config) fillDefaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ForcedReconnectDelay == 0 {
		c.ForcedReconnectDelay = 500 * time.Millisecond
	}
}

// Status is the introspection snapshot.
type Status struct {
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastHeartbeatAt   time.Time `json:"lastHeartbeatAt,omitzero"`
}

// Stabilizer owns the reconnect state machine:
// disconnected → connecting → connected, back to disconnected on
// transport loss or heartbeat failure. The attempts counter resets
// only on a confirmed connect.
type Stabilizer struct {
	transport Transport
	logger    *slog.Logger
	cfg       Config

	mu            sync.Mutex
	state         State
	attempts      int
	lastHeartbeat time.Time
	conn          Conn
	connDone      chan struct{}
	gen           int
	pending       bool
	stopped       bool

	listenerMu sync.Mutex
	listeners  map[Event]map[int]func(any)
	nextID     int
}

func NewStabilizer(transport Transport, logger *slog.Logger, cfg Config) *Stabilizer {
	cfg.fillDefaults()
	return &Stabilizer{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		stopped:   true,
		listeners: make(map[Event]map[int]func(any)),
	}
}

// Start begins connecting. Called on sign-in.
func (s *Stabilizer) Start() {
	s.mu.Lock()
	s.stopped = false
	s.attempts = 0
	s.mu.Unlock()
	go s.connect()
}

// Stop tears the connection down and resets all counters. Called on
// sign-out.
func (s *Stabilizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.attempts = 0
	s.pending = false
	s.gen++
	conn := s.conn
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.state = Disconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.emit(EventDisconnected, nil)
	}
}

func (s *Stabilizer) connect() {
	s.mu.Lock()
	if s.stopped || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Connecting
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	conn, err := s.transport.Dial(ctx)
	cancel()

	s.mu.Lock()
	if s.stopped || s.gen != gen {
		s.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.state = Disconnected
		attempts := s.attempts
		s.mu.Unlock()
		s.logger.Warn("realtime connect failed", "attempt", attempts, "error", err)
		s.emit(EventError, err)
		s.scheduleReconnect(s.backoff(attempts))
		return
	}

	s.conn = conn
	s.connDone = make(chan struct{})
	done := s.connDone
	s.state = Connected
	s.attempts = 0
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	s.logger.Info("realtime connected")
	s.emit(EventConnected, nil)
	go s.readLoop(conn)
	go s.heartbeatLoop(conn, done)
}

func (s *Stabilizer) readLoop(conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			s.connLost(conn, err)
			return
		}
		s.emit(EventMessage, data)
	}
}

// heartbeatLoop pings the connection periodically. A failed ping means
// the connection looks open but is not delivering data; forcing a
// reconnect shortens the detection window instead of waiting for the
// transport's own disconnect signal.
func (s *Stabilizer) heartbeatLoop(conn Conn, done chan struct{}) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("heartbeat failed, forcing reconnect", "error", err)
			s.emit(EventError, fmt.Errorf("heartbeat: %w", err))
			s.forceReconnect(conn)
			return
		}

		s.mu.Lock()
		if s.conn == conn {
			s.lastHeartbeat = time.Now()
		}
		s.mu.Unlock()
	}
}

// connLost handles a transport-level disconnect, scheduling a
// backoff-delayed reconnect.
func (s *Stabilizer) connLost(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.stopped {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	attempts := s.attempts
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("realtime disconnected", "error", err)
	s.emit(EventDisconnected, nil)
	s.emit(EventError, err)
	s.scheduleReconnect(s.backoff(attempts))
}

// ForceReconnect tears the transport down and redials after the short
// fixed delay. Operator hook: an explicit request starts a fresh attempt
// budget, so it works even after automatic reconnection has given up.
func (s *Stabilizer) ForceReconnect() {
	s.mu.Lock()
	s.attempts = 0
	conn := s.conn
	s.mu.Unlock()
	s.forceReconnect(conn)
}

func (s *Stabilizer) forceReconnect(conn Conn) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if conn != nil && s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.emit(EventDisconnected, nil)
	}
	s.scheduleReconnect(s.cfg.ForcedReconnectDelay)
}

// teardownLocked drops the current connection state. Caller holds mu.
func (s *Stabilizer) teardownLocked() {
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.gen++
	s.state = Disconnected
}

func (s *Stabilizer) scheduleReconnect(delay time.Duration) {
	s.mu.Lock()
	if s.stopped || s.pending || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.logger.Error("realtime gave up reconnecting",
			"attempts", s.cfg.MaxReconnectAttempts)
		s.emit(EventGaveUp, nil)
		return
	}
	s.attempts++
	s.pending = true
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		s.connect()
	})
}

func (s *Stabilizer) backoff(attempts int) time.Duration {
	d := s.cfg.BaseDelay << uint(attempts)
	if d > s.cfg.MaxDelay || d <= 0 {
		d = s.cfg.MaxDelay
	}
	return d
}

// On registers a listener and returns its disposer. One listener
// panicking never breaks delivery to the others.
func (s *Stabilizer) On(event Event, cb func(payload any)) func() {
	s.listenerMu.Lock()
	if s.listeners[event] == nil {
		s.listeners[event] = make(map[int]func(any))
	}
	id := s.nextID
	s.nextID++
	s.listeners[event][id] = cb
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners[event], id)
		s.listenerMu.Unlock()
	}
}

func (s *Stabilizer) emit(event Event, payload any) {
	s.listenerMu.Lock()
	cbs := make([]func(any), 0, len(s.listeners[event]))
	for _, cb := range s.listeners[event] {
		cbs = append(cbs, cb)
	}
	s.listenerMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("realtime listener panicked", "event", string(event), "panic", r)
				}
			}()
			cb(payload)
		}()
	}
}

// Status snapshots the connection state for the operator surface.
func (s *Stabilizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state.String(),
		ReconnectAttempts: s.attempts,
		LastHeartbeatAt:   s.lastHeartbeat,
	}
}
