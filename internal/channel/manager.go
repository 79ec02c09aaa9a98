// Package channel owns the persistent connection to the gesture analysis backend.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbcorrales/gestalyze/internal/protocol"
)

// DefaultReconnectDelay is the fixed wait between a lost connection and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// Config holds the Manager settings.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
}

// Manager maintains one logical connection to the backend. It reconnects after a fixed
// delay whenever the connection is lost and reports lifecycle transitions to subscribers.
//
// Subscribers are invoked one at a time from the connection goroutine and must not call
// Close.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	connID   string
	attempts int
	retry    *time.Timer
	cancel   context.CancelFunc
	closed   bool

	onOpen    []func()
	onState   []func(State)
	onMessage []func(protocol.Record)

	writeMu  sync.Mutex
	notifyMu sync.Mutex
}

// NewManager creates a Manager. Connect must be called to open the connection.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "channel"),
		state:  StateClosed,
	}
}

// OnOpen registers a hook run each time the connection becomes open, before state
// subscribers are notified.
func (m *Manager) OnOpen(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

// OnStateChange registers a lifecycle subscriber.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnMessage registers a handler for parsed inbound records.
func (m *Manager) OnMessage(fn func(protocol.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of connection attempts since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect starts a connection attempt. It is a no-op while connecting, while open, and
// after Close. A pending reconnect timer is cancelled.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StateConnecting
	m.attempts++
	m.connID = uuid.NewString()
	connID := m.connID
	attempt := m.attempts
	m.mu.Unlock()

	go m.run(ctx, connID, attempt)
}

// run drives one connection from dial to loss. Only one run goroutine exists at a time.
func (m *Manager) run(ctx context.Context, connID string, attempt int) {
	logger := m.logger.With("conn_id", connID)
	m.notifyState(StateConnecting)

	logger.Info("connecting to backend", "url", m.cfg.URL, "attempt", attempt)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		logger.Warn("backend connection failed", "error", err)
		m.lost(nil, StateFailed)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	logger.Info("backend connected")
	m.notifyOpen()
	m.notifyState(StateOpen)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			next := StateFailed
			if errors.Is(err, ErrPeerClosed) {
				next = StateClosed
			}
			logger.Warn("backend connection lost", "error", err, "state", next)
			m.lost(conn, next)
			return
		}

		rec, err := protocol.ParseRecord(data)
		if err != nil {
			logger.Warn("dropping inbound message", "error", err, "bytes", len(data))
			continue
		}
		m.notifyMessage(rec)
	}
}

// lost releases conn, records the new state and schedules a reconnect. The handle is fully
// closed before the next attempt can be scheduled.
func (m *Manager) lost(conn Conn, next State) {
	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.notifyState(next)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.retry != nil {
		return
	}

	m.logger.Info("scheduling reconnect", "delay", m.cfg.ReconnectDelay)
	var timer *time.Timer
	timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		if m.retry == timer {
			m.retry = nil
		}
		m.mu.Unlock()
		m.Connect()
	})
	m.retry = timer
}

// Send writes v as one JSON text frame. It returns false without writing when the
// connection is not open.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen && conn != nil
	m.mu.Unlock()

	if !open {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("failed to encode outbound message", "error", err)
		return false
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()

	if err != nil {
		// Closing the handle makes the reader observe the loss and reconnect.
		m.logger.Warn("failed to send message", "error", err)
		conn.Close()
		return false
	}
	return true
}

// Close tears the Manager down. It cancels any pending reconnect, closes the live
// connection and returns once no subscriber callback is running. No callback is
// delivered afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	conn := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	// Wait for an in-flight callback to finish.
	m.notifyMu.Lock()
	m.notifyMu.Unlock()

	m.logger.Info("channel closed")
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) notifyOpen() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.isClosed() {
		return
	}
	m.mu.Lock()
	hooks := append([]func(){}, m.onOpen...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) notifyState(s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.isClosed() {
		return
	}
	m.mu.Lock()
	handlers := append([]func(State){}, m.onState...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (m *Manager) notifyMessage(rec protocol.Record) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if m.isClosed() {
		return
	}
	m.mu.Lock()
	handlers := append([]func(protocol.Record){}, m.onMessage...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(rec)
	}
}
