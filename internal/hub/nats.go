// internal/hub/nats.go
package hub

import (
	"encoding/json"
	"time"

	"github.com/erilali/relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Tap receives relay activity for external observers. Publishing must not block;
// core NATS buffers outbound messages, so *nats.Conn qualifies.
type Tap interface {
	Publish(subject string, data []byte) error
}

var _ Tap = (*nats.Conn)(nil)

const (
	activityJoined  = "joined"
	activityLeft    = "left"
	activityMessage = "message"
)

// Activity is the payload published for each join, leave and relayed message.
// Channel names may contain '.', so they travel in the payload rather than the subject.
type Activity struct {
	Event     string `json:"event"`
	Channel   string `json:"channel"`
	Nick      string `json:"nick"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *Hub) publish(kind, channel, nick, text string, at time.Time) {
	if h.tap == nil {
		return
	}

	data, err := json.Marshal(Activity{
		Event:     kind,
		Channel:   channel,
		Nick:      nick,
		Text:      text,
		Timestamp: protocol.FormatTimestamp(at),
	})
	if err != nil {
		h.logger.Errorf("Failed to marshal %s activity: %v", kind, err)
		return
	}

	subject := h.subjectPrefix + "." + kind
	if err := h.tap.Publish(subject, data); err != nil {
		h.logger.Errorf("Failed to publish %s to NATS: %v", subject, err)
	}
}
