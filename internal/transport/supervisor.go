// Package transport maintains the broker connection for a fleet account:
// reconnect accounting, block-out after a reconnect storm, the delayed
// restart, and the per-device topic subscriptions.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// blockingThreshold is how many reconnect attempts are tolerated before
	// the connection is considered stuck and torn down.
	blockingThreshold = 15

	// restartDelay is how long a blocked connection stays down before a
	// fresh connection attempt.
	restartDelay = time.Hour
)

// ErrNotConnected is returned by Publish while the connection is down or
// blocked.
var ErrNotConnected = errors.New("broker not connected")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateBlocked
	StateRestartScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateBlocked:
		return "blocked"
	case StateRestartScheduled:
		return "restart_scheduled"
	default:
		return "unknown"
	}
}

// Conn is one live broker connection.
type Conn interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte) error
	Close()
}

// Callbacks are handed to the dialer so the connection can report back.
type Callbacks struct {
	OnConnect        func()
	OnConnectionLost func(error)
	OnReconnecting   func()
	OnMessage        func(topic string, payload []byte)
}

// Dialer builds a fresh connection. It is invoked for every connection
// attempt so credential material can be re-read each time.
type Dialer func(Callbacks) (Conn, error)

// DeviceTopics are the broker topics of one mower.
type DeviceTopics struct {
	CommandIn  string
	CommandOut string
}

// Supervisor owns one broker connection and its reconnect policy. Paho
// handles the retry loop itself; the supervisor counts the reconnect
// events and pulls the plug when the loop spins without progress.
type Supervisor struct {
	dial   Dialer
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	devices       []DeviceTopics
	reconnects    int
	greeted       bool
	restartTimer  *time.Timer
	restartAt     time.Time
	restartAfter  time.Duration
	closed        bool
	stateHandlers map[uint64]func(State)
	msgHandlers   map[uint64]func(topic string, payload []byte)
	errHandlers   map[uint64]func(error)
	nextID        uint64
}

// NewSupervisor creates a supervisor around a dialer. Nothing connects
// until Start.
func NewSupervisor(dial Dialer, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		dial:          dial,
		logger:        logger.With("component", "transport"),
		restartAfter:  restartDelay,
		stateHandlers: make(map[uint64]func(State)),
		msgHandlers:   make(map[uint64]func(string, []byte)),
		errHandlers:   make(map[uint64]func(error)),
	}
}

// AddDevice registers a mower's topics. Its command_out topic is
// subscribed on every connect; its command_in topic gets the empty
// greeting payload once, on the first successful connection.
func (s *Supervisor) AddDevice(t DeviceTopics) {
	s.mu.Lock()
	s.devices = append(s.devices, t)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	// A device added after connect still needs its subscription.
	if connected && conn != nil {
		if err := conn.Subscribe(t.CommandOut, 0); err != nil {
			s.logger.Warn("subscribe failed", "topic", t.CommandOut, "err", err)
		}
	}
}

// OnState registers a state-change observer. Returns an unsubscribe func.
func (s *Supervisor) OnState(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.stateHandlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateHandlers, id)
	}
}

// OnMessage registers a message observer. Returns an unsubscribe func.
func (s *Supervisor) OnMessage(fn func(topic string, payload []byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.msgHandlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.msgHandlers, id)
	}
}

// OnError registers a broker-error observer. Returns an unsubscribe func.
func (s *Supervisor) OnError(fn func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.errHandlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.errHandlers, id)
	}
}

// Start dials and connects. The dialer's connection retries internally;
// Start only fails when the dialer itself cannot build a connection.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor closed")
	}
	s.mu.Unlock()

	conn, err := s.dial(Callbacks{
		OnConnect:        s.handleConnect,
		OnConnectionLost: s.handleConnectionLost,
		OnReconnecting:   s.handleReconnecting,
		OnMessage:        s.handleMessage,
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnecting)

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

// Publish sends a payload while connected. Anything else is an error; the
// caller decides whether to drop or surface it.
func (s *Supervisor) Publish(topic string, qos byte, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(topic, qos, false, payload)
}

// ReportError lets callers feed broker-level errors back in. A peer reset
// means the broker actively answered, so the stuck-loop counter resets.
func (s *Supervisor) ReportError(err error) {
	if err == nil {
		return
	}
	if isConnReset(err) {
		s.mu.Lock()
		s.reconnects = 0
		s.mu.Unlock()
		s.logger.Debug("connection reset by peer, reconnect counter cleared")
	}
}

// RotateCredentials tears the connection down and dials again so the next
// attempt picks up fresh credential material.
func (s *Supervisor) RotateCredentials() error {
	s.mu.Lock()
	if s.closed || s.state == StateBlocked || s.state == StateRestartScheduled {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.logger.Info("rotating broker credentials")
	if conn != nil {
		conn.Close()
	}
	return s.Start()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns the current stuck-loop counter, for observability.
func (s *Supervisor) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// RestartAt returns when a blocked connection will try again, or the zero
// time when no restart is scheduled.
func (s *Supervisor) RestartAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartAt
}

// Close stops timers and drops the connection for good.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.setState(StateDisconnected)
}

func (s *Supervisor) handleConnect() {
	s.mu.Lock()
	s.reconnects = 0
	conn := s.conn
	devices := make([]DeviceTopics, len(s.devices))
	copy(devices, s.devices)
	greet := !s.greeted
	s.greeted = true
	s.mu.Unlock()

	s.logger.Info("broker connected", "devices", len(devices))
	s.setState(StateConnected)
	if conn == nil {
		return
	}

	for _, d := range devices {
		if err := conn.Subscribe(d.CommandOut, 0); err != nil {
			s.logger.Warn("subscribe failed", "topic", d.CommandOut, "err", err)
			s.notifyError(fmt.Errorf("subscribe %s: %w", d.CommandOut, err))
		}
	}
	// The greeting makes the backend push each mower's retained state.
	if greet {
		for _, d := range devices {
			if err := conn.Publish(d.CommandIn, 1, false, []byte("{}")); err != nil {
				s.logger.Warn("greeting publish failed", "topic", d.CommandIn, "err", err)
				s.notifyError(fmt.Errorf("greeting %s: %w", d.CommandIn, err))
			}
		}
	}
}

func (s *Supervisor) notifyError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	handlers := make([]func(error), 0, len(s.errHandlers))
	for _, h := range s.errHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func (s *Supervisor) handleConnectionLost(err error) {
	s.logger.Warn("broker connection lost", "err", err)
	s.setState(StateReconnecting)
	s.ReportError(err)
	s.notifyError(err)
}

func (s *Supervisor) handleReconnecting() {
	s.mu.Lock()
	s.reconnects++
	count := s.reconnects
	s.mu.Unlock()

	s.logger.Info("broker reconnecting", "attempt", count)
	if count > blockingThreshold {
		s.block()
	}
}

func (s *Supervisor) handleMessage(topic string, payload []byte) {
	s.mu.Lock()
	// Traffic proves the connection is alive.
	s.reconnects = 0
	handlers := make([]func(string, []byte), 0, len(s.msgHandlers))
	for _, h := range s.msgHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// block tears down a connection whose reconnect loop spins without
// progress, then schedules a single restart attempt.
func (s *Supervisor) block() {
	s.mu.Lock()
	if s.closed || s.state == StateBlocked || s.state == StateRestartScheduled {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.logger.Error("reconnect loop stuck, blocking connection", "threshold", blockingThreshold)
	if conn != nil {
		conn.Close()
	}
	s.setState(StateBlocked)

	s.mu.Lock()
	s.restartAt = time.Now().Add(s.restartAfter)
	s.restartTimer = time.AfterFunc(s.restartAfter, s.restart)
	s.mu.Unlock()
	s.setState(StateRestartScheduled)
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnects = 0
	s.restartAt = time.Time{}
	s.restartTimer = nil
	s.mu.Unlock()

	s.logger.Info("restarting blocked broker connection")
	if err := s.Start(); err != nil {
		s.logger.Error("broker restart failed", "err", err)
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	handlers := make([]func(State), 0, len(s.stateHandlers))
	for _, h := range s.stateHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func isConnReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}
