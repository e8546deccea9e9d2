// internal/hub/messaging.go
package hub

import (
	"fmt"

	"github.com/erilali/relay/internal/protocol"
)

const handshakeNotice = "WebSocket connection established"

// accept registers a freshly upgraded connection and acknowledges the handshake.
func (h *Hub) accept(c *Conn) {
	h.conns[c] = struct{}{}
	c.state = stateAwaitingJoin
	h.metrics.ConnectionOpened()
	h.logger.WithFields(map[string]interface{}{
		"conn": c.ID,
		"addr": c.Addr,
	}).Info("Connection accepted")

	h.send(c, protocol.System(handshakeNotice))
}

// dispatch decodes one inbound frame and routes it by type.
func (h *Hub) dispatch(c *Conn, data []byte) {
	if _, ok := h.conns[c]; !ok || c.state == stateClosed {
		return
	}

	req, err := protocol.Decode(data)
	if err != nil {
		h.metrics.ProtocolError("malformed")
		h.logger.WithField("conn", c.ID).WithError(err).Debug("Malformed request")
		h.send(c, protocol.Error(err.Error()))
		return
	}

	switch req.Type {
	case protocol.TypeConnect:
		h.join(c, req.Server, req.Nick, req.Channel)
	case protocol.TypeMessage:
		h.relay(c, req.Text)
	case protocol.TypeDisconnect:
		if _, joined := h.entries[c]; joined {
			h.depart(c)
		}
	default:
		h.metrics.ProtocolError("unknown_command")
		h.send(c, protocol.Error("Unknown command"))
	}
}

// join places c in channel. Nicks are not checked for uniqueness.
func (h *Hub) join(c *Conn, server, nick, channel string) {
	if e, joined := h.entries[c]; joined {
		h.metrics.ProtocolError("already_joined")
		h.send(c, protocol.Error(fmt.Sprintf("Already joined %s", e.Channel)))
		return
	}
	if nick == "" || channel == "" {
		h.metrics.ProtocolError("invalid_connect")
		h.send(c, protocol.Error("nick and channel are required"))
		return
	}

	h.seq++
	h.entries[c] = &entry{Nick: nick, Channel: channel, seq: h.seq}
	c.state = stateJoined
	h.metrics.MemberJoined()
	h.logger.WithFields(map[string]interface{}{
		"conn":    c.ID,
		"nick":    nick,
		"channel": channel,
	}).Info("User joined")

	now := h.now()
	h.send(c, protocol.Connected(server, nick, channel))
	h.send(c, protocol.Chat(protocol.SenderWelcome, fmt.Sprintf("Welcome to %s! You are now connected.", channel), now))
	h.broadcast(channel, c, protocol.Chat(protocol.SenderSystem, fmt.Sprintf("%s has joined %s", nick, channel), now))
	h.broadcastUserList(channel)

	h.publish(activityJoined, channel, nick, "", now)
}

// relay fans a chat line out to every other member of the sender's channel.
func (h *Hub) relay(c *Conn, text string) {
	e, joined := h.entries[c]
	if !joined {
		return
	}

	now := h.now()
	h.broadcast(e.Channel, c, protocol.Chat(e.Nick, text, now))
	h.metrics.MessageRelayed()
	h.publish(activityMessage, e.Channel, e.Nick, text, now)
}

// depart runs the leave side effects at most once for c, then closes it.
func (h *Hub) depart(c *Conn) {
	if e, joined := h.entries[c]; joined {
		delete(h.entries, c)
		h.metrics.MemberLeft()
		h.logger.WithFields(map[string]interface{}{
			"conn":    c.ID,
			"nick":    e.Nick,
			"channel": e.Channel,
		}).Info("User left")

		now := h.now()
		h.broadcast(e.Channel, nil, protocol.Chat(protocol.SenderSystem, fmt.Sprintf("%s has left %s", e.Nick, e.Channel), now))
		h.broadcastUserList(e.Channel)
		h.send(c, protocol.Disconnected())

		h.publish(activityLeft, e.Channel, e.Nick, "", now)
	}
	h.closeConn(c)
}

// closed handles the transport going away.
func (h *Hub) closed(c *Conn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	h.depart(c)
	delete(h.conns, c)
	h.metrics.ConnectionClosed()
	h.logger.WithField("conn", c.ID).Debug("Connection closed")
}

func (h *Hub) broadcastUserList(channel string) {
	h.broadcast(channel, nil, protocol.UserList(h.nicks(channel)))
}

// broadcast sends env to every member of channel except skip.
func (h *Hub) broadcast(channel string, skip *Conn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode broadcast")
		return
	}
	for _, c := range h.members(channel) {
		if c == skip {
			continue
		}
		h.enqueue(c, data)
	}
}

func (h *Hub) send(c *Conn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode message")
		return
	}
	h.enqueue(c, data)
}

// enqueue never blocks. A full buffer marks c for removal after the current event.
func (h *Hub) enqueue(c *Conn, data []byte) {
	if c.state == stateClosed || c.stalled {
		return
	}
	select {
	case c.send <- data:
	default:
		c.stalled = true
		h.stalled = append(h.stalled, c)
	}
}
