package client

import (
	"sync"

	"github.com/erilali/relay/internal/protocol"
)

// EventType names the notifications a Manager raises.
type EventType string

const (
	EventMessage      EventType = "message"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventUserList     EventType = "userList"
)

// Event is delivered to every subscriber. Message is set for EventMessage,
// Users for EventUserList and Err for EventError.
type Event struct {
	Type    EventType
	Message protocol.Message
	Users   []string
	Err     error
}

// Listener receives events one at a time, in the order they were raised.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// notifier queues events without blocking the emitter and delivers them from
// one goroutine, so listeners never see two events at once and may call back
// into the Manager.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   []subscription
	nextID int
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) emit(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, e)
	n.cond.Signal()
}

func (n *notifier) subscribe(fn Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, fn: fn})

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		e := n.queue[0]
		n.queue = n.queue[1:]
		subs := append([]subscription(nil), n.subs...)
		n.mu.Unlock()

		for _, s := range subs {
			s.fn(e)
		}
	}
}

// close stops accepting events; already queued events are still delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}
