// internal/hub/hub.go
// The session coordinator: a single goroutine that owns every connection and
// all channel membership, handling one event to completion before the next.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/erilali/relay/internal/logger"
	"github.com/erilali/relay/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer     = 256
	defaultMaxMessageSize = 64 * 1024
	defaultSubjectPrefix  = "relay"
)

// ErrStopped is returned by calls that need the event loop after Run has exited.
var ErrStopped = errors.New("hub: stopped")

type eventKind int

const (
	eventAccept eventKind = iota
	eventFrame
	eventClose
	eventStats
)

type event struct {
	kind  eventKind
	conn  *Conn
	data  []byte
	stats chan Stats
}

// Stats is a membership snapshot taken by the event loop.
type Stats struct {
	Connections int            `json:"connections"`
	Members     int            `json:"members"`
	Channels    map[string]int `json:"channels"`
}

// Hub is the session coordinator. conns and entries are mutated only inside Run.
type Hub struct {
	events chan event
	quit   chan struct{}
	done   chan struct{}

	// gate orders submissions against shutdown: once closing is set no
	// event can enter events.
	gate    sync.RWMutex
	closing bool

	conns   map[*Conn]struct{}
	entries map[*Conn]*entry
	seq     uint64
	stalled []*Conn

	tap           Tap
	subjectPrefix string
	metrics       *metrics.Relay
	logger        *logger.Logger
	now           func() time.Time

	sendBuffer     int
	maxMessageSize int64
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithTap publishes relay activity under prefix (e.g. "relay.joined").
func WithTap(tap Tap, prefix string) Option {
	return func(h *Hub) {
		h.tap = tap
		if prefix != "" {
			h.subjectPrefix = prefix
		}
	}
}

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithMaxMessageSize(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxMessageSize = n
		}
	}
}

// WithAllowedOrigins restricts browser origins; "*" allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.allowedOrigins = append([]string(nil), origins...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates a Hub. Call Run to start processing.
func New(opts ...Option) *Hub {
	h := &Hub{
		events:         make(chan event, 64),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		conns:          make(map[*Conn]struct{}),
		entries:        make(map[*Conn]*entry),
		subjectPrefix:  defaultSubjectPrefix,
		logger:         logger.Nop(),
		now:            time.Now,
		sendBuffer:     defaultSendBuffer,
		maxMessageSize: defaultMaxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.allowedOrigins != nil {
		h.upgrader.CheckOrigin = originChecker(h.allowedOrigins, h.logger)
	}
	return h
}

// Run processes events until ctx is cancelled, then closes every transport.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	h.logger.Info("Coordinator started")
	for {
		select {
		case <-ctx.Done():
			h.stop()
			return
		case ev := <-h.events:
			h.handle(ev)
			h.reapStalled()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) submit(ev event) bool {
	return h.post(ev, nil) == nil
}

// post queues ev for the event loop. cancel may be nil.
func (h *Hub) post(ev event, cancel <-chan struct{}) error {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closing {
		return ErrStopped
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.quit:
		return ErrStopped
	case <-cancel:
		return context.Canceled
	}
}

// Stats asks the event loop for a membership snapshot.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.post(event{kind: eventStats, stats: reply}, ctx.Done()); err != nil {
		if errors.Is(err, context.Canceled) {
			return Stats{}, ctx.Err()
		}
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case eventAccept:
		h.accept(ev.conn)
	case eventFrame:
		h.dispatch(ev.conn, ev.data)
	case eventClose:
		h.closed(ev.conn)
	case eventStats:
		ev.stats <- h.snapshot()
	}
}

func (h *Hub) snapshot() Stats {
	s := Stats{
		Connections: len(h.conns),
		Members:     len(h.entries),
		Channels:    make(map[string]int),
	}
	for _, e := range h.entries {
		s.Channels[e.Channel]++
	}
	return s
}

// members computes the channel view on demand, in join order.
func (h *Hub) members(channel string) []*Conn {
	var view []*Conn
	for c, e := range h.entries {
		if e.Channel == channel {
			view = append(view, c)
		}
	}
	sort.Slice(view, func(i, j int) bool {
		return h.entries[view[i]].seq < h.entries[view[j]].seq
	})
	return view
}

func (h *Hub) nicks(channel string) []string {
	view := h.members(channel)
	users := make([]string, 0, len(view))
	for _, c := range view {
		users = append(users, h.entries[c].Nick)
	}
	return users
}

// closeConn moves c to closed and releases its writer. Safe to call twice.
func (h *Hub) closeConn(c *Conn) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	close(c.send)
}

// reapStalled drops peers whose buffers overflowed during the last event.
// Their leave notices may stall further peers, so loop until none remain.
func (h *Hub) reapStalled() {
	for len(h.stalled) > 0 {
		c := h.stalled[0]
		h.stalled = h.stalled[1:]

		h.logger.WithFields(map[string]interface{}{
			"conn": c.ID,
			"addr": c.Addr,
		}).Warn("Send buffer full, dropping connection")
		h.metrics.PeerDropped()
		h.depart(c)
	}
}

// stop closes the gate, discards what is still queued and tears everything down.
func (h *Hub) stop() {
	close(h.quit)
	h.gate.Lock()
	h.closing = true
	h.gate.Unlock()

	h.discardPending()
	h.shutdown()
}

// discardPending empties events. Queued accepts were never registered, so
// their transports are closed here.
func (h *Hub) discardPending() {
	for {
		select {
		case ev := <-h.events:
			if ev.kind != eventAccept {
				continue
			}
			h.closeConn(ev.conn)
			if ev.conn.ws != nil {
				ev.conn.ws.Close()
			}
		default:
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.logger.Infof("Coordinator stopping, closing %d connections", len(h.conns))
	for c := range h.conns {
		h.closeConn(c)
		if c.ws != nil {
			if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.WithError(err).Warn("Error closing connection during shutdown")
			}
		}
		h.metrics.ConnectionClosed()
		delete(h.conns, c)
	}
	for c := range h.entries {
		h.metrics.MemberLeft()
		delete(h.entries, c)
	}
}
