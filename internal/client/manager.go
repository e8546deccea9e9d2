// Package client keeps one chat session with the coordinator alive: it joins
// a channel, mirrors the channel's messages and roster locally, and
// reconnects after unexpected drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erilali/relay/internal/logger"
	"github.com/erilali/relay/internal/protocol"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
)

var (
	// ErrConnectTimeout is returned when the transport does not open in time.
	ErrConnectTimeout = errors.New("connection timeout: the coordinator might be unresponsive")
	// ErrClosedBeforeAck is returned when the transport drops before the join is acknowledged.
	ErrClosedBeforeAck = errors.New("connection closed before the join was acknowledged")
	// ErrDisconnected is returned by a pending Connect aborted by Disconnect.
	ErrDisconnected = errors.New("disconnected before the join was acknowledged")
	// ErrClosed is returned once the Manager has been closed.
	ErrClosed = errors.New("client: manager closed")
	// ErrSuperseded is returned by an attempt replaced by a later Connect.
	ErrSuperseded = errors.New("connect superseded by a newer attempt")
)

// ServerError carries an error push from the coordinator.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// Option configures a Manager.
type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithReconnectDelay sets the base delay; attempt n waits n times this value.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconnectDelay = d
		}
	}
}

func WithMaxReconnectAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxReconnects = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is safe for concurrent use. Listeners registered with Subscribe
// run on a dedicated goroutine and may call back into the Manager.
type Manager struct {
	url            string
	dialer         Dialer
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	log            *logger.Logger
	now            func() time.Time
	events         *notifier

	mu        sync.Mutex
	transport Transport
	connected bool
	server    string
	nick      string
	channel   string
	messages  []protocol.Message
	users     []string
	attempts  int
	// gen changes on every manual Connect, Disconnect and Close, which voids
	// any reconnection scheduled before it.
	gen     uint64
	pending chan error
	timer   *time.Timer
	closed  bool
}

// New returns a Manager for the coordinator at url. Nothing is dialed until Connect.
func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:            url,
		dialer:         WebSocketDialer{},
		connectTimeout: DefaultConnectTimeout,
		reconnectDelay: DefaultReconnectDelay,
		maxReconnects:  DefaultMaxReconnectAttempts,
		log:            logger.NewLogger("client"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = newNotifier()
	return m
}

// Subscribe registers fn for every future event and returns a func that removes it.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	return m.events.subscribe(fn)
}

// Connect opens a fresh transport and joins channel as nick. It returns once
// the coordinator acknowledges the join, reports an error, or the transport
// drops, whichever happens first. Local messages and roster are cleared and
// the reconnect budget is restored.
func (m *Manager) Connect(ctx context.Context, server, nick, channel string) error {
	return m.open(ctx, server, nick, channel, true, 0)
}

// open runs one connection attempt. A manual attempt starts a new generation;
// a reconnection runs only while gen is still current. A transport that fails
// to open, or drops before the ack, schedules the next retry itself.
func (m *Manager) open(ctx context.Context, server, nick, channel string, manual bool, gen uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if manual {
		m.gen++
		m.attempts = 0
	} else if gen != m.gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.stopTimerLocked()
	old := m.transport
	m.transport = nil
	m.resolveLocked(ErrSuperseded)
	m.connected = false
	m.server, m.nick, m.channel = server, nick, channel
	m.messages = nil
	m.users = nil
	result := make(chan error, 1)
	m.pending = result
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	t, err := m.dialer.Dial(dialCtx, m.url)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	m.mu.Lock()
	if m.pending != result {
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return settled(result)
	}
	if err != nil {
		m.pending = nil
		switch {
		case timedOut:
			err = ErrConnectTimeout
		case ctx.Err() != nil:
			err = ctx.Err()
		default:
			err = fmt.Errorf("open transport: %w", err)
		}
		m.events.emit(Event{Type: EventError, Err: err})
		// A failed open counts as a drop; a cancelled caller gave up on the session.
		if ctx.Err() == nil {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		return err
	}
	m.transport = t
	m.mu.Unlock()

	go m.readLoop(t)

	m.log.WithFields(map[string]interface{}{"channel": channel, "nick": nick}).Info("Transport open, joining")
	data, err := protocol.Encode(protocol.Connect(server, nick, channel))
	if err == nil {
		err = t.WriteMessage(data)
	}
	if err != nil {
		m.log.WithError(err).Warn("Failed to send connect request")
		// The read loop sees the close and settles the attempt.
		t.Close()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		if m.pending == result {
			m.pending = nil
		}
		if m.transport == t {
			m.transport = nil
		}
		m.mu.Unlock()
		t.Close()
		return ctx.Err()
	}
}

// settled returns the outcome already delivered to a superseded attempt.
func settled(result chan error) error {
	select {
	case err := <-result:
		return err
	default:
		return ErrSuperseded
	}
}

func (m *Manager) resolveLocked(err error) {
	if m.pending != nil {
		m.pending <- err
		m.pending = nil
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// SendMessage relays text to the joined channel and records it locally as
// sent by "You". It does nothing while not connected.
func (m *Manager) SendMessage(text string) {
	m.mu.Lock()
	t := m.transport
	ready := m.connected && m.channel != "" && t != nil
	m.mu.Unlock()
	if !ready {
		return
	}

	data, err := protocol.Encode(protocol.Say(text))
	if err == nil {
		err = t.WriteMessage(data)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.log.WithError(err).Warn("Failed to send message")
		m.events.emit(Event{Type: EventError, Err: fmt.Errorf("send message: %w", err)})
		return
	}
	// Dropped or replaced while writing: the new session starts with empty history.
	if m.transport != t {
		return
	}

	msg := protocol.Message{From: protocol.SenderLocal, Text: text, Timestamp: m.now()}
	m.messages = append(m.messages, msg)
	m.events.emit(Event{Type: EventMessage, Message: msg})
}

// Disconnect leaves the channel and closes the transport. No reconnection
// follows. Calling it again, or before any Connect, does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.gen++
	m.attempts = m.maxReconnects
	m.stopTimerLocked()

	t := m.transport
	if t == nil && m.pending == nil {
		return
	}
	m.transport = nil
	if t != nil {
		if m.connected {
			if data, err := protocol.Encode(protocol.Disconnect()); err == nil {
				if err := t.WriteMessage(data); err != nil {
					m.log.WithError(err).Debug("Failed to send disconnect request")
				}
			}
		}
		t.Close()
	}
	m.resolveLocked(ErrDisconnected)
	m.connected = false
	m.users = nil
	m.events.emit(Event{Type: EventDisconnected})
}

// Close disconnects and stops event delivery for good.
func (m *Manager) Close() {
	m.mu.Lock()
	m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()
	m.events.close()
}

// Messages returns a copy of the local message history.
func (m *Manager) Messages() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.messages...)
}

// UserList returns a copy of the last roster received.
func (m *Manager) UserList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users...)
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) CurrentChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Manager) readLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.transportClosed(t, err)
			return
		}
		m.handleFrame(t, data)
	}
}

func (m *Manager) handleFrame(t Transport, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.log.WithError(err).Warn("Discarding malformed frame")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		return
	}

	switch env.Type {
	case protocol.TypeConnected:
		m.connected = true
		m.resolveLocked(nil)
		m.log.WithField("channel", m.channel).Info("Joined channel")
		m.events.emit(Event{Type: EventConnected})
	case protocol.TypeMessage:
		msg := env.ToMessage(m.now())
		m.messages = append(m.messages, msg)
		m.events.emit(Event{Type: EventMessage, Message: msg})
	case protocol.TypeUserList:
		m.users = append([]string{}, env.Users...)
		m.events.emit(Event{Type: EventUserList, Users: append([]string{}, env.Users...)})
	case protocol.TypeError:
		serverErr := &ServerError{Message: env.Message}
		m.log.WithError(serverErr).Warn("Coordinator reported an error")
		m.resolveLocked(serverErr)
		m.events.emit(Event{Type: EventError, Err: serverErr})
	case protocol.TypeDisconnected:
		m.connected = false
		m.users = nil
		m.events.emit(Event{Type: EventDisconnected})
	case protocol.TypeSystem:
		m.log.Debugf("System notice: %s", env.Message)
	default:
		m.log.Debugf("Ignoring %q push", env.Type)
	}
}

// transportClosed handles a drop the user did not ask for.
func (m *Manager) transportClosed(t Transport, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		return
	}
	m.transport = nil
	m.log.WithError(err).Info("Transport closed")
	m.resolveLocked(ErrClosedBeforeAck)
	m.connected = false
	m.users = nil
	m.events.emit(Event{Type: EventDisconnected})
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.attempts >= m.maxReconnects {
		return
	}
	m.attempts++
	delay := time.Duration(m.attempts) * m.reconnectDelay
	gen := m.gen
	server, nick, channel := m.server, m.nick, m.channel

	m.log.Infof("Attempting to reconnect (%d/%d) in %s", m.attempts, m.maxReconnects, delay)
	m.timer = time.AfterFunc(delay, func() {
		m.reconnect(server, nick, channel, gen)
	})
}

func (m *Manager) reconnect(server, nick, channel string, gen uint64) {
	err := m.open(context.Background(), server, nick, channel, false, gen)
	if err == nil || errors.Is(err, ErrSuperseded) || errors.Is(err, ErrClosed) {
		return
	}
	m.log.WithError(err).Warn("Reconnection failed")
}
