// internal/hub/client.go
package hub

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connState tracks a connection through
// pending -> awaitingJoin -> joined -> closed.
type connState int

const (
	statePending connState = iota
	stateAwaitingJoin
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAwaitingJoin:
		return "awaiting_join"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one transport connection. Only the hub goroutine touches state,
// stalled and send-side closing; the pumps only read from send and the socket.
type Conn struct {
	ID   string
	Addr string

	ws   *websocket.Conn
	send chan []byte

	state   connState
	stalled bool
}

func newConn(ws *websocket.Conn, addr string, buffer int) *Conn {
	return &Conn{
		ID:    uuid.NewString(),
		Addr:  addr,
		ws:    ws,
		send:  make(chan []byte, buffer),
		state: statePending,
	}
}

// entry binds a joined connection to its nick and channel.
type entry struct {
	Nick    string
	Channel string
	seq     uint64
}
