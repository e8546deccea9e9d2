// internal/hub/websocket.go
package hub

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
)

// ServeWs upgrades the HTTP connection and hands the transport to the event loop.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	c := newConn(ws, r.RemoteAddr, h.sendBuffer)
	if !h.submit(event{kind: eventAccept, conn: c}) {
		ws.Close()
		return
	}
	go h.WritePump(c)
	go h.ReadPump(c)
}

// ReadPump forwards inbound frames to the event loop, one at a time, until the transport fails.
func (h *Hub) ReadPump(c *Conn) {
	defer func() {
		h.submit(event{kind: eventClose, conn: c})
		c.ws.Close()
	}()

	c.ws.SetReadLimit(h.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			h.logReadError(c, err)
			return
		}
		if !h.submit(event{kind: eventFrame, conn: c, data: data}) {
			return
		}
	}
}

// WritePump drains the send channel, one frame per envelope, and keeps the peer alive with pings.
func (h *Hub) WritePump(c *Conn) {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if !ok {
				// The hub closed the channel.
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.WithField("conn", c.ID).WithError(err).Debug("Write failed")
				}
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) logReadError(c *Conn, err error) {
	log := h.logger.WithField("conn", c.ID)
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warnf("Message exceeded maximum size of %d bytes", h.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Debugf("Transport closed: %v", err)
	default:
		log.Infof("Transport error: %v", err)
	}
}

// isExpectedCloseError reports errors that are normal while a connection is torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
