// internal/protocol/protocol.go
// Wire envelope shared by the relay coordinator and the connection manager.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates envelopes on the wire.
type Type string

const (
	// Client -> coordinator
	TypeConnect    Type = "connect"
	TypeMessage    Type = "message"
	TypeDisconnect Type = "disconnect"

	// Coordinator -> client
	TypeConnected    Type = "connected"
	TypeUserList     Type = "userList"
	TypeDisconnected Type = "disconnected"
	TypeError        Type = "error"
	TypeSystem       Type = "system"
)

// Reserved sender names.
const (
	SenderSystem  = "System"
	SenderWelcome = "CafeBot"
	SenderLocal   = "You"
)

// TimestampLayout matches the millisecond ISO-8601 form browsers produce.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMissingType is returned by Decode when the envelope has no type field.
var ErrMissingType = errors.New("missing message type")

// Envelope is the single JSON record exchanged in both directions.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type      Type     `json:"type"`
	Server    string   `json:"server,omitempty"`
	Nick      string   `json:"nick,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Text      string   `json:"text,omitempty"`
	From      string   `json:"from,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Users     []string `json:"users,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Message is an immutable chat line as displayed to a user.
type Message struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Encode marshals an envelope into a single text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses a text frame. An envelope without a type is rejected.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// ToMessage converts a message envelope into a Message. A missing or
// unparseable timestamp falls back to now.
func (e Envelope) ToMessage(now time.Time) Message {
	ts := now
	if e.Timestamp != "" {
		if parsed, err := ParseTimestamp(e.Timestamp); err == nil {
			ts = parsed
		}
	}
	return Message{From: e.From, Text: e.Text, Timestamp: ts}
}

func Connect(server, nick, channel string) Envelope {
	return Envelope{Type: TypeConnect, Server: server, Nick: nick, Channel: channel}
}

func Say(text string) Envelope {
	return Envelope{Type: TypeMessage, Text: text}
}

func Disconnect() Envelope {
	return Envelope{Type: TypeDisconnect}
}

func Connected(server, nick, channel string) Envelope {
	return Envelope{Type: TypeConnected, Server: server, Nick: nick, Channel: channel}
}

// Chat builds a relayed message push.
func Chat(from, text string, at time.Time) Envelope {
	return Envelope{Type: TypeMessage, From: from, Text: text, Timestamp: FormatTimestamp(at)}
}

func UserList(users []string) Envelope {
	return Envelope{Type: TypeUserList, Users: users}
}

func Disconnected() Envelope {
	return Envelope{Type: TypeDisconnected}
}

func Error(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

func System(message string) Envelope {
	return Envelope{Type: TypeSystem, Message: message}
}
